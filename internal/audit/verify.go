package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
)

// VerifyReport is the result of checking one partition's hash chain.
type VerifyReport struct {
	Partition string `json:"partition"`
	Records   int    `json:"records"`
	Valid     bool   `json:"valid"`
	// BrokenAt is the 1-based index of the first bad record, 0 when valid.
	BrokenAt int    `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify recomputes the hash chain of the partition for day.
func (l *Ledger) Verify(day time.Time) (VerifyReport, error) {
	name := partitionName(day)
	report := VerifyReport{Partition: name}

	l.mu.Lock()
	records, err := readPartition(filepath.Join(l.dir, name))
	l.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			report.Valid = true
			return report, nil
		}
		return report, err
	}
	report.Records = len(records)

	var prev string
	for i, rec := range records {
		switch {
		case i == 0 && rec.PreviousHash != nil:
			return broken(report, i, "first record has a previous hash"), nil
		case i > 0 && (rec.PreviousHash == nil || *rec.PreviousHash != prev):
			return broken(report, i, "previous hash does not match preceding record"), nil
		}
		want, err := ComputeHash(rec)
		if err != nil {
			return report, err
		}
		if want != rec.Hash {
			return broken(report, i, "record hash mismatch"), nil
		}
		prev = rec.Hash
	}
	report.Valid = true
	return report, nil
}

// VerifyAll checks every partition and returns one report per partition,
// newest first. The error is ErrAuditChain when any chain is broken.
func (l *Ledger) VerifyAll() ([]VerifyReport, error) {
	l.mu.Lock()
	names, err := l.partitions()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var reports []VerifyReport
	var bad []string
	for _, name := range names {
		day, _ := partitionDay(name)
		r, err := l.Verify(day)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
		if !r.Valid {
			bad = append(bad, fmt.Sprintf("%s@%d", r.Partition, r.BrokenAt))
		}
	}
	if len(bad) > 0 {
		return reports, domain.Detail(domain.ErrAuditChain, "%v", bad)
	}
	return reports, nil
}

func broken(r VerifyReport, idx int, reason string) VerifyReport {
	r.Valid = false
	r.BrokenAt = idx + 1
	r.Reason = reason
	return r
}
