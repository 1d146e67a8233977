package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/store"
)

func tasksCmd(g *globalFlags) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List persisted tasks from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			if status != "" && !domain.Status(status).Valid() {
				return domain.Detail(domain.ErrInvalidStatus, "%q", status)
			}
			db, err := store.NewDB(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			tasks, err := store.NewTaskStore(db).Load(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTITLE")
			for _, t := range tasks {
				if status != "" && string(t.Status) != status {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Priority, t.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list tasks with this status")
	return cmd
}
