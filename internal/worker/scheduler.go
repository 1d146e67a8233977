// Package worker runs the polling loop that reconciles planning tasks and
// dispatches queued next-actions.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rogersf/taskforge/internal/audit"
	"github.com/rogersf/taskforge/internal/dispatch"
	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/observability"
	"github.com/rogersf/taskforge/internal/workflow"
)

const (
	// DefaultInterval is the tick period when Config.Interval is zero.
	DefaultInterval = 5 * time.Second
	// DefaultMaxCheckpointsPerTask bounds the checkpoint ring.
	DefaultMaxCheckpointsPerTask = 100
	maxReconciliationKeys        = 50
)

// TaskService is the part of workflow.Service the scheduler drives.
type TaskService interface {
	List(ctx context.Context, f workflow.Filter) []domain.Task
	Get(ctx context.Context, id string) (domain.Task, error)
	ReconcilePlanning(ctx context.Context, id string) (domain.Task, bool, error)
	AdvanceIfReady(ctx context.Context, id string) (workflow.AdvanceResult, error)
	SaveWorkerState(ctx context.Context, id string, state domain.WorkerTaskState) error
}

// Config holds tunable parameters for the scheduler loop.
type Config struct {
	Interval              time.Duration
	MaxAttempts           int
	MaxCheckpointsPerTask int
	SessionID             string
	// Backoff, when set, spaces retries of one action within a tick.
	Backoff func() backoff.BackOff
}

// RunSummary reports one tick.
type RunSummary struct {
	RunID        string        `json:"runId"`
	Skipped      bool          `json:"skipped"`
	TasksScanned int           `json:"tasksScanned"`
	Reconciled   int           `json:"reconciled"`
	Advanced     int           `json:"advanced"`
	Enqueued     int           `json:"enqueued"`
	Dispatched   int           `json:"dispatched"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
}

// Scheduler is the worker loop. Only one tick runs at a time; a tick that
// fires while another is in flight is skipped.
type Scheduler struct {
	svc      TaskService
	dispatch dispatch.Func
	auditor  workflow.Auditor
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	inFlight atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAuditor records worker failures and run summaries.
func WithAuditor(a workflow.Auditor) Option {
	return func(s *Scheduler) { s.auditor = a }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics reports tick and dispatch metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Scheduler with sensible defaults for zero-value config fields.
func New(svc TaskService, fn dispatch.Func, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = dispatch.DefaultMaxAttempts
	}
	if cfg.MaxCheckpointsPerTask <= 0 {
		cfg.MaxCheckpointsPerTask = DefaultMaxCheckpointsPerTask
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	s := &Scheduler{
		svc:      svc,
		dispatch: fn,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "worker", "session_id", cfg.SessionID)
	return s
}

// Start spawns the ticker goroutine. It runs until Stop is called or ctx is
// done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Tick(ctx); err != nil {
					s.logger.Error("worker tick failed", "error", err)
				}
			}
		}
	}()
	s.logger.Info("worker started", "interval", s.cfg.Interval)
}

// Stop halts the timer. A tick already running finishes. Safe to call
// multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// taskRun is the per-task working state of one tick.
type taskRun struct {
	state   domain.WorkerTaskState
	touched bool
}

// Tick runs one reconcile and dispatch pass.
func (s *Scheduler) Tick(ctx context.Context) (summary RunSummary, err error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.WorkerTick("skipped", 0)
		return RunSummary{Skipped: true}, nil
	}
	defer s.inFlight.Store(false)

	ctx, span := observability.StartSpan(ctx, "worker.Tick")
	defer func() { observability.EndSpan(span, err) }()

	start := s.now()
	summary.RunID = uuid.NewString()
	logger := s.logger.With("run_id", summary.RunID)

	// one queue per tick; the persisted worker state dedupes across ticks
	queue := s.newQueue()
	runs := make(map[string]*taskRun)
	var order []string

	for _, task := range s.svc.List(ctx, workflow.Filter{}) {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.TasksScanned++
		run := s.loadRun(task)
		runs[task.ID] = run
		order = append(order, task.ID)

		if task.Status == domain.StatusPlanning {
			key := "planning:" + task.UpdatedAt.UTC().Format(time.RFC3339Nano)
			if !containsString(run.state.ReconciliationKeys, key) {
				task = s.reconcile(ctx, logger, task, &summary)
				run.state.ReconciliationKeys = ring(append(run.state.ReconciliationKeys, key), maxReconciliationKeys)
				run.touched = true
			}
		}

		if task.Status == domain.StatusDone || task.Status == domain.StatusCancelled {
			continue
		}
		summary.Enqueued += s.enqueue(queue, task, run, summary.RunID)
	}

	for _, res := range queue.ProcessAll(ctx) {
		run, ok := runs[res.Job.TaskID]
		if !ok {
			continue
		}
		run.touched = true
		cp := domain.Checkpoint{
			Key:         res.Job.Key,
			ActionID:    res.Job.ActionID,
			ActionType:  res.Job.ActionType,
			RunID:       summary.RunID,
			ProcessedAt: res.Job.ProcessedAt,
			Attempt:     res.Job.Attempt,
			Error:       res.Error,
		}
		switch res.Status {
		case dispatch.StatusDispatched:
			summary.Dispatched++
			cp.Status = domain.CheckpointDispatched
			run.state.DispatchedActionIDs = appendMissing(run.state.DispatchedActionIDs, res.Job.ActionID)
		case dispatch.StatusFailed:
			summary.Failed++
			cp.Status = domain.CheckpointFailed
			run.state.FailedActionIDs = appendMissing(run.state.FailedActionIDs, res.Job.ActionID)
			s.record(ctx, "worker_action_failed", map[string]any{
				"taskId":     res.Job.TaskID,
				"actionId":   res.Job.ActionID,
				"actionType": string(res.Job.ActionType),
				"runId":      summary.RunID,
				"attempts":   res.Job.Attempt + 1,
				"error":      res.Error,
			})
		}
		run.state.Checkpoints = ringCheckpoints(append(run.state.Checkpoints, cp), s.cfg.MaxCheckpointsPerTask)
	}

	processed := s.now()
	for _, id := range order {
		run := runs[id]
		if !run.touched {
			continue
		}
		run.state.LastRunID = summary.RunID
		run.state.LastProcessedAt = &processed
		if err := s.svc.SaveWorkerState(ctx, id, run.state); err != nil {
			logger.Warn("save worker state failed", "task_id", id, "error", err)
		}
	}

	summary.Duration = s.now().Sub(start)
	s.record(ctx, "worker_run_completed", map[string]any{
		"runId":        summary.RunID,
		"sessionId":    s.cfg.SessionID,
		"tasksScanned": summary.TasksScanned,
		"reconciled":   summary.Reconciled,
		"advanced":     summary.Advanced,
		"enqueued":     summary.Enqueued,
		"dispatched":   summary.Dispatched,
		"failed":       summary.Failed,
	})
	s.metrics.WorkerTick("completed", summary.Duration.Seconds())
	logger.Debug("worker tick completed",
		"tasks", summary.TasksScanned, "enqueued", summary.Enqueued,
		"dispatched", summary.Dispatched, "failed", summary.Failed)
	return summary, nil
}

func (s *Scheduler) newQueue() *dispatch.Queue {
	opts := []dispatch.Option{
		dispatch.WithMaxAttempts(s.cfg.MaxAttempts),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithLogger(s.logger),
		dispatch.WithClock(s.now),
	}
	if s.cfg.Backoff != nil {
		opts = append(opts, dispatch.WithBackoff(s.cfg.Backoff))
	}
	return dispatch.New(s.dispatch, opts...)
}

func (s *Scheduler) loadRun(task domain.Task) *taskRun {
	run := &taskRun{touched: task.Metadata.Worker == nil}
	run.state = *task.Metadata.EnsureWorker()
	if run.state.SessionID == "" {
		run.state.SessionID = s.cfg.SessionID
		run.touched = true
	}
	return run
}

// reconcile grows the plan and tries to advance. It returns the latest
// snapshot of the task.
func (s *Scheduler) reconcile(ctx context.Context, logger *slog.Logger, task domain.Task, summary *RunSummary) domain.Task {
	updated, changed, err := s.svc.ReconcilePlanning(ctx, task.ID)
	if err != nil {
		logger.Warn("reconcile planning failed", "task_id", task.ID, "error", err)
		return task
	}
	if changed {
		summary.Reconciled++
	}
	task = updated

	res, err := s.svc.AdvanceIfReady(ctx, task.ID)
	if err != nil {
		logger.Warn("advance failed", "task_id", task.ID, "error", err)
		return task
	}
	if res.Advanced {
		summary.Advanced++
	}
	if res.Advanced || res.Redirected {
		if latest, err := s.svc.Get(ctx, task.ID); err == nil {
			return latest
		}
	}
	return task
}

// enqueue queues the task's actions that were neither dispatched, failed
// nor executed by the synchronous pipeline.
func (s *Scheduler) enqueue(q *dispatch.Queue, task domain.Task, run *taskRun, runID string) int {
	rt := task.Metadata.WorkflowRuntime
	if rt == nil {
		return 0
	}
	n := 0
	for _, a := range rt.NextActions {
		if containsString(run.state.DispatchedActionIDs, a.ID) || containsString(run.state.FailedActionIDs, a.ID) {
			continue
		}
		if rt.ExecutedSynchronously(a.ID) {
			continue
		}
		ok := q.Enqueue(domain.WorkflowDispatchJob{
			TaskID:      task.ID,
			ActionID:    a.ID,
			ActionType:  a.Type,
			Payload:     a.Payload,
			RunID:       runID,
			SessionID:   s.cfg.SessionID,
			MaxAttempts: s.cfg.MaxAttempts,
		})
		if ok {
			n++
		}
	}
	return n
}

func (s *Scheduler) record(ctx context.Context, eventType string, payload map[string]any) {
	if s.auditor == nil {
		return
	}
	if _, err := s.auditor.Record(ctx, audit.Event{EventType: eventType, Actor: "worker", Payload: payload}); err != nil {
		s.logger.Warn("audit write failed", "event_type", eventType, "error", err)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func appendMissing(list []string, s string) []string {
	if containsString(list, s) {
		return list
	}
	return append(list, s)
}

func ring(list []string, limit int) []string {
	if len(list) <= limit {
		return list
	}
	return append([]string(nil), list[len(list)-limit:]...)
}

func ringCheckpoints(list []domain.Checkpoint, limit int) []domain.Checkpoint {
	if len(list) <= limit {
		return list
	}
	return append([]domain.Checkpoint(nil), list[len(list)-limit:]...)
}
