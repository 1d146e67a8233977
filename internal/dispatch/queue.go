// Package dispatch holds the in-memory FIFO that drives worker actions to a
// caller-supplied dispatch function with bounded retries.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/observability"
)

// DefaultMaxAttempts applies to jobs enqueued without MaxAttempts.
const DefaultMaxAttempts = 3

// Status is the final outcome of a job within one drain.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusFailed     Status = "failed"
)

// Func delivers one job. A non-nil error counts as a failed attempt.
type Func func(ctx context.Context, job domain.WorkflowDispatchJob) error

// Result reports a job that reached a final status. Job.Attempt is the
// zero-based index of the last attempt.
type Result struct {
	Job    domain.WorkflowDispatchJob
	Status Status
	Error  string
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the default attempt budget for jobs that carry none.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff makes the queue wait between attempts of the same job. Each job
// gets a fresh policy from newPolicy; backoff.Stop ends the retries early.
func WithBackoff(newPolicy func() backoff.BackOff) Option {
	return func(q *Queue) { q.newBackoff = newPolicy }
}

// WithMetrics reports attempts, outcomes and depth.
func WithMetrics(m *observability.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides the time source used for ProcessedAt.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue is a FIFO of idempotency-keyed jobs. A key is pending from Enqueue
// until its job reaches a final status; Enqueue rejects pending keys.
type Queue struct {
	dispatch    Func
	maxAttempts int
	newBackoff  func() backoff.BackOff
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	items   []domain.WorkflowDispatchJob
	pending map[string]struct{}
	backoff map[string]backoff.BackOff
}

// New creates a queue that delivers jobs through fn.
func New(fn Func, opts ...Option) *Queue {
	q := &Queue{
		dispatch:    fn,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		now:         time.Now,
		items:       make([]domain.WorkflowDispatchJob, 0, 32),
		pending:     make(map[string]struct{}),
		backoff:     make(map[string]backoff.BackOff),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "dispatch")
	return q
}

// Enqueue appends job unless a job with the same key is pending. An empty key
// is derived from TaskID and ActionID.
func (q *Queue) Enqueue(job domain.WorkflowDispatchJob) bool {
	if job.Key == "" {
		job.Key = domain.DispatchKey(job.TaskID, job.ActionID)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[job.Key]; ok {
		return false
	}
	q.pending[job.Key] = struct{}{}
	q.items = append(q.items, job)
	q.metrics.SetQueueDepth(len(q.items))
	return true
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending reports whether key is queued or being retried.
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[key]
	return ok
}

// ProcessAll drains the queue, including retries re-enqueued during the
// drain, and returns one Result per job that reached a final status. When
// ctx is cancelled the remaining jobs stay queued for the next drain.
func (q *Queue) ProcessAll(ctx context.Context) []Result {
	var results []Result
	for {
		if ctx.Err() != nil {
			return results
		}
		job, ok := q.pop()
		if !ok {
			return results
		}

		job.ProcessedAt = q.now().UTC()
		q.metrics.DispatchAttempt()
		err := q.dispatch(ctx, job)
		if err == nil {
			results = append(results, q.finish(job, StatusDispatched, ""))
			continue
		}

		if job.Attempt+1 < job.MaxAttempts {
			if wait, ok := q.nextWait(job.Key); ok {
				if !sleep(ctx, wait) {
					q.requeue(job)
					return results
				}
				q.logger.Debug("dispatch retry", "key", job.Key, "attempt", job.Attempt+1, "error", err)
				job.Attempt++
				q.requeue(job)
				continue
			}
		}
		q.logger.Warn("dispatch failed", "key", job.Key, "attempts", job.Attempt+1, "error", err)
		results = append(results, q.finish(job, StatusFailed, err.Error()))
	}
}

func (q *Queue) pop() (domain.WorkflowDispatchJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.WorkflowDispatchJob{}, false
	}
	job := q.items[0]
	q.items[0] = domain.WorkflowDispatchJob{}
	q.items = q.items[1:]
	q.metrics.SetQueueDepth(len(q.items))
	return job, true
}

func (q *Queue) requeue(job domain.WorkflowDispatchJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, job)
	q.metrics.SetQueueDepth(len(q.items))
}

func (q *Queue) finish(job domain.WorkflowDispatchJob, status Status, errMsg string) Result {
	q.mu.Lock()
	delete(q.pending, job.Key)
	delete(q.backoff, job.Key)
	q.mu.Unlock()
	q.metrics.DispatchFinished(string(status))
	return Result{Job: job, Status: status, Error: errMsg}
}

// nextWait returns the delay before the next attempt of key. Without a
// backoff policy there is no delay; backoff.Stop reports false.
func (q *Queue) nextWait(key string) (time.Duration, bool) {
	if q.newBackoff == nil {
		return 0, true
	}
	q.mu.Lock()
	b, ok := q.backoff[key]
	if !ok {
		b = q.newBackoff()
		q.backoff[key] = b
	}
	q.mu.Unlock()
	d := b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
