package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
)

// AuditRepo mirrors ledger records into SQLite so they can be queried by task.
// The ndjson ledger stays the source of truth.
type AuditRepo struct{}

// Record inserts an audit record. Re-inserting a known id is a no-op.
func (r *AuditRepo) Record(ctx context.Context, db *sql.DB, rec domain.AuditEventRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	const q = `INSERT OR IGNORE INTO audit_records (id, task_id, event_type, actor, trace_id, request_id, user_id, previous_hash, hash, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q,
		rec.ID,
		rec.TaskID(),
		rec.EventType,
		rec.Actor,
		rec.TraceID,
		rec.RequestID,
		rec.UserID,
		rec.PreviousHash,
		rec.Hash,
		string(payload),
		rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListByTask returns all audit records for a given task, ordered by creation time.
func (r *AuditRepo) ListByTask(ctx context.Context, db *sql.DB, taskID string) ([]domain.AuditEventRecord, error) {
	const q = `SELECT id, event_type, actor, trace_id, request_id, user_id, previous_hash, hash, payload_json, created_at
FROM audit_records
WHERE task_id = ?
ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditEventRecord
	for rows.Next() {
		var (
			a       domain.AuditEventRecord
			prev    sql.NullString
			payload string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.EventType, &a.Actor, &a.TraceID, &a.RequestID, &a.UserID,
			&prev, &a.Hash, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if prev.Valid {
			a.PreviousHash = &prev.String
		}
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload %s: %w", a.ID, err)
		}
		a.Timestamp = time.Unix(0, created).UTC()
		records = append(records, a)
	}
	return records, rows.Err()
}

// Mirror copies records from a ledger subscription until ctx is done or the
// channel closes.
func (r *AuditRepo) Mirror(ctx context.Context, db *sql.DB, records <-chan domain.AuditEventRecord, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := r.Record(ctx, db, rec); err != nil {
				logger.Warn("mirror audit record", "record_id", rec.ID, "error", err)
			}
		}
	}
}
