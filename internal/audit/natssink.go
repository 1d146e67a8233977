package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/rogersf/taskforge/internal/domain"
)

// DefaultSubjectPrefix is the NATS subject prefix for mirrored audit records.
const DefaultSubjectPrefix = "taskforge.audit"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSSink mirrors subscribed audit records onto NATS subjects
// "<prefix>.<eventType>".
type NATSSink struct {
	Publisher     Publisher
	SubjectPrefix string
	Logger        *slog.Logger
}

// Run forwards records until ctx is done or the channel closes.
func (s *NATSSink) Run(ctx context.Context, records <-chan domain.AuditEventRecord) {
	prefix := s.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	logger := s.Logger
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
			data, err := json.Marshal(rec)
			if err != nil {
				logger.Warn("marshal audit record for nats", "record_id", rec.ID, "error", err)
				continue
			}
			if err := s.Publisher.Publish(prefix+"."+rec.EventType, data); err != nil {
				logger.Warn("publish audit record", "record_id", rec.ID, "error", err)
			}
		}
	}
}
