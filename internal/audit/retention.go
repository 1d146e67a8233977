package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Archiver copies a partition somewhere durable before retention deletes it.
type Archiver interface {
	Archive(ctx context.Context, name, path string) error
}

// maybeSweep runs Sweep at most once per sweepInterval.
func (l *Ledger) maybeSweep(ctx context.Context, now time.Time) {
	l.sweepMu.Lock()
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < sweepInterval {
		l.sweepMu.Unlock()
		return
	}
	l.lastSweep = now
	l.sweepMu.Unlock()

	if _, err := l.Sweep(ctx); err != nil {
		l.logger.Warn("audit retention sweep failed", "error", err)
	}
}

// Sweep deletes partitions whose day is older than the retention window and
// returns the names removed. A partition whose archive upload fails is kept.
func (l *Ledger) Sweep(ctx context.Context) ([]string, error) {
	now := l.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cutoff := today.AddDate(0, 0, -l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	names, err := l.partitions()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range names {
		day, _ := partitionDay(name)
		if !day.Before(cutoff) {
			continue
		}
		path := filepath.Join(l.dir, name)
		if l.archiver != nil {
			if err := l.archiver.Archive(ctx, name, path); err != nil {
				l.logger.Warn("archive audit partition failed, keeping it", "partition", name, "error", err)
				continue
			}
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove partition %s: %w", name, err)
		}
		delete(l.lastHash, name)
		removed = append(removed, name)
		l.logger.Info("audit partition pruned", "partition", name)
	}
	return removed, nil
}
