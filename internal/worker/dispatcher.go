package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rogersf/taskforge/internal/audit"
	"github.com/rogersf/taskforge/internal/dispatch"
	"github.com/rogersf/taskforge/internal/domain"
)

// DefaultActionSubjectPrefix is the NATS subject prefix for dispatched jobs.
const DefaultActionSubjectPrefix = "taskforge.actions"

// NATSDispatcher publishes each job as JSON on "<prefix>.<actionType>".
func NATSDispatcher(pub audit.Publisher, prefix string) dispatch.Func {
	if prefix == "" {
		prefix = DefaultActionSubjectPrefix
	}
	return func(_ context.Context, job domain.WorkflowDispatchJob) error {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.Key, err)
		}
		if err := pub.Publish(prefix+"."+string(job.ActionType), data); err != nil {
			return fmt.Errorf("publish job %s: %w", job.Key, err)
		}
		return nil
	}
}

// LogDispatcher only logs each job. It is the fallback when no broker is
// configured.
func LogDispatcher(logger *slog.Logger) dispatch.Func {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, job domain.WorkflowDispatchJob) error {
		logger.Info("action dispatched",
			"key", job.Key,
			"task_id", job.TaskID,
			"action_type", job.ActionType,
			"run_id", job.RunID,
			"attempt", job.Attempt)
		return nil
	}
}
