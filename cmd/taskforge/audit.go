package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogersf/taskforge/internal/audit"
	"github.com/rogersf/taskforge/internal/domain"
)

func auditCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit ledger",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Print the most recent audit records as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger(g)
			if err != nil {
				return err
			}
			records, err := ledger.Recent(limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	recent.Flags().IntVarP(&limit, "limit", "n", audit.DefaultRecent, "Number of records (1-500)")

	var day string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain of one day or of every partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger(g)
			if err != nil {
				return err
			}
			var reports []audit.VerifyReport
			if day != "" {
				d, err := time.Parse("2006-01-02", day)
				if err != nil {
					return fmt.Errorf("parse --day: %w", err)
				}
				r, err := ledger.Verify(d)
				if err != nil {
					return err
				}
				reports = append(reports, r)
			} else {
				reports, err = ledger.VerifyAll()
				if err != nil {
					return err
				}
			}

			broken := 0
			for _, r := range reports {
				if r.Valid {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tok\t%d records\n", r.Partition, r.Records)
					continue
				}
				broken++
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tBROKEN at record %d: %s\n", r.Partition, r.BrokenAt, r.Reason)
			}
			if broken > 0 {
				return domain.Detail(domain.ErrAuditChain, "%d partition(s) failed verification", broken)
			}
			return nil
		},
	}
	verify.Flags().StringVar(&day, "day", "", "Partition day (YYYY-MM-DD); all partitions when empty")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Delete partitions older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := openLedger(g)
			if err != nil {
				return err
			}
			removed, err := ledger.Sweep(cmd.Context())
			for _, name := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return err
		},
	}

	cmd.AddCommand(recent, verify, sweep)
	return cmd
}

func openLedger(g *globalFlags) (*audit.Ledger, error) {
	cfg, _, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return audit.NewLedger(audit.Options{
		Dir:           cfg.AuditDir,
		RetentionDays: cfg.AuditRetentionDays,
		Logger:        g.logger(),
	})
}
