// Package audit implements the append-only, hash-chained audit ledger.
//
// Records are written as newline-delimited JSON into one file per UTC day.
// Each record's hash covers its canonical encoding, which includes the hash of
// the previous record of the same day, so any edit breaks the chain.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/observability"
)

const (
	// DefaultRetentionDays is used when Options.RetentionDays is zero.
	DefaultRetentionDays = 30
	sweepInterval        = time.Hour
	defaultActor         = "system"
)

// Event is the caller-supplied part of an audit record.
type Event struct {
	EventType string
	Actor     string
	TraceID   string
	RequestID string
	UserID    string
	Payload   map[string]any
}

// Options configures a Ledger.
type Options struct {
	Dir           string
	RetentionDays int
	Archiver      Archiver
	Clock         func() time.Time
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Ledger is the hash-chained audit log. All writes of one Ledger are
// serialized, so the chain of a partition is never interleaved.
type Ledger struct {
	dir       string
	retention int
	archiver  Archiver
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	lastHash map[string]string

	sweepMu   sync.Mutex
	lastSweep time.Time

	subMu   sync.RWMutex
	subs    map[int]chan domain.AuditEventRecord
	nextSub int
}

// NewLedger creates the ledger directory if needed and returns a Ledger.
func NewLedger(opts Options) (*Ledger, error) {
	if opts.Dir == "" {
		return nil, domain.Detail(domain.ErrValidation, "audit dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	l := &Ledger{
		dir:       opts.Dir,
		retention: opts.RetentionDays,
		archiver:  opts.Archiver,
		now:       opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		lastHash:  make(map[string]string),
		subs:      make(map[int]chan domain.AuditEventRecord),
	}
	if l.retention <= 0 {
		l.retention = DefaultRetentionDays
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "audit")
	return l, nil
}

// Dir returns the partition directory.
func (l *Ledger) Dir() string {
	return l.dir
}

// Record appends one event to the current day's partition and broadcasts it
// to subscribers.
func (l *Ledger) Record(ctx context.Context, ev Event) (domain.AuditEventRecord, error) {
	if ev.EventType == "" {
		return domain.AuditEventRecord{}, domain.Detail(domain.ErrValidation, "audit event type is required")
	}
	payload, err := normalizePayload(ev.Payload)
	if err != nil {
		return domain.AuditEventRecord{}, domain.WrapEngineError(domain.ErrAuditWrite.Code, "normalize payload", err)
	}

	rec := domain.AuditEventRecord{
		ID:        uuid.NewString(),
		EventType: ev.EventType,
		Actor:     ev.Actor,
		TraceID:   ev.TraceID,
		RequestID: ev.RequestID,
		UserID:    ev.UserID,
		Payload:   payload,
	}
	if rec.Actor == "" {
		rec.Actor = defaultActor
	}
	if rec.TraceID == "" {
		rec.TraceID = observability.TraceID(ctx)
	}
	if rec.TraceID == "" {
		rec.TraceID = uuid.NewString()
	}
	if rec.RequestID == "" {
		rec.RequestID = requestIDFrom(ctx)
	}
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	if rec.UserID == "" {
		rec.UserID = userIDFrom(ctx)
	}

	l.mu.Lock()
	rec.Timestamp = l.now().UTC()
	partition := partitionName(rec.Timestamp)

	prev, err := l.previousHashLocked(partition)
	if err != nil {
		l.mu.Unlock()
		return domain.AuditEventRecord{}, domain.WrapEngineError(domain.ErrAuditWrite.Code, "read previous hash", err)
	}
	if prev != "" {
		rec.PreviousHash = &prev
	}

	rec.Hash, err = ComputeHash(rec)
	if err != nil {
		l.mu.Unlock()
		return domain.AuditEventRecord{}, domain.WrapEngineError(domain.ErrAuditWrite.Code, "hash record", err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		l.mu.Unlock()
		return domain.AuditEventRecord{}, domain.WrapEngineError(domain.ErrAuditWrite.Code, "marshal record", err)
	}
	if err := appendLine(filepath.Join(l.dir, partition), line); err != nil {
		l.mu.Unlock()
		return domain.AuditEventRecord{}, domain.WrapEngineError(domain.ErrAuditWrite.Code, "append record", err)
	}
	l.lastHash[partition] = rec.Hash
	l.broadcast(rec)
	l.mu.Unlock()

	l.metrics.AuditRecorded(rec.EventType)
	l.maybeSweep(ctx, rec.Timestamp)
	return rec, nil
}

// previousHashLocked returns the cached chain head of a partition, falling
// back to the last line of the partition file. Caller holds l.mu.
func (l *Ledger) previousHashLocked(partition string) (string, error) {
	if h, ok := l.lastHash[partition]; ok {
		return h, nil
	}
	line, err := lastLine(filepath.Join(l.dir, partition))
	if err != nil {
		return "", err
	}
	if len(line) == 0 {
		return "", nil
	}
	var prev domain.AuditEventRecord
	if err := json.Unmarshal(line, &prev); err != nil {
		return "", fmt.Errorf("parse last record of %s: %w", partition, err)
	}
	l.lastHash[partition] = prev.Hash
	return prev.Hash, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write partition: %w", err)
	}
	return nil
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	userIDKey
)

// WithRequestID attaches a request id that Record uses when the event has none.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithUserID attaches a user id that Record uses when the event has none.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
