package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/observability"
)

func newJob(taskID, actionID string) domain.WorkflowDispatchJob {
	return domain.WorkflowDispatchJob{TaskID: taskID, ActionID: actionID, ActionType: "notify"}
}

func TestQueue_EnqueueIsIdempotentPerKey(t *testing.T) {
	q := New(func(context.Context, domain.WorkflowDispatchJob) error { return nil })

	assert.True(t, q.Enqueue(newJob("t1", "a1")))
	assert.False(t, q.Enqueue(newJob("t1", "a1")))
	assert.True(t, q.Enqueue(newJob("t1", "a2")))
	assert.True(t, q.Enqueue(newJob("t2", "a1")))
	assert.Equal(t, 3, q.Len())
	assert.True(t, q.Pending("t1:a1"))

	results := q.ProcessAll(context.Background())
	require.Len(t, results, 3)
	assert.False(t, q.Pending("t1:a1"))
	assert.True(t, q.Enqueue(newJob("t1", "a1")), "key is free again after a final status")
}

func TestQueue_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	q := New(func(_ context.Context, j domain.WorkflowDispatchJob) error {
		calls++
		if j.Attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.True(t, q.Enqueue(domain.WorkflowDispatchJob{TaskID: "t1", ActionID: "a1", MaxAttempts: 3}))

	results := q.ProcessAll(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, StatusDispatched, results[0].Status)
	assert.Equal(t, 2, results[0].Job.Attempt)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PermanentFailureExhaustsAttempts(t *testing.T) {
	calls := 0
	q := New(func(context.Context, domain.WorkflowDispatchJob) error {
		calls++
		return errors.New("endpoint down")
	})
	require.True(t, q.Enqueue(domain.WorkflowDispatchJob{TaskID: "t1", ActionID: "a1", MaxAttempts: 2}))

	results := q.ProcessAll(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, "endpoint down", results[0].Error)
	assert.Equal(t, 2, calls)
	assert.False(t, q.Pending("t1:a1"))
}

func TestQueue_RetryGoesToTail(t *testing.T) {
	var order []string
	failed := false
	q := New(func(_ context.Context, j domain.WorkflowDispatchJob) error {
		order = append(order, j.Key)
		if j.Key == "t1:a" && !failed {
			failed = true
			return errors.New("once")
		}
		return nil
	})
	q.Enqueue(newJob("t1", "a"))
	q.Enqueue(newJob("t2", "b"))

	q.ProcessAll(context.Background())
	assert.Equal(t, []string{"t1:a", "t2:b", "t1:a"}, order)
}

func TestQueue_DefaultMaxAttempts(t *testing.T) {
	calls := 0
	q := New(func(context.Context, domain.WorkflowDispatchJob) error {
		calls++
		return errors.New("no")
	}, WithMaxAttempts(4))
	q.Enqueue(newJob("t1", "a1"))
	q.ProcessAll(context.Background())
	assert.Equal(t, 4, calls)
}

func TestQueue_BackoffStopEndsRetries(t *testing.T) {
	calls := 0
	q := New(func(context.Context, domain.WorkflowDispatchJob) error {
		calls++
		return errors.New("no")
	}, WithBackoff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	}))
	q.Enqueue(domain.WorkflowDispatchJob{TaskID: "t1", ActionID: "a1", MaxAttempts: 5})

	results := q.ProcessAll(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, 2, calls)
}

func TestQueue_CancelledContextLeavesJobsQueued(t *testing.T) {
	q := New(func(context.Context, domain.WorkflowDispatchJob) error { return nil })
	q.Enqueue(newJob("t1", "a1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, q.ProcessAll(ctx))
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Enqueue(newJob("t1", "a1")))
}

func TestQueue_Metrics(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	q := New(func(_ context.Context, j domain.WorkflowDispatchJob) error {
		if j.ActionID == "bad" {
			return errors.New("no")
		}
		return nil
	}, WithMetrics(m), WithMaxAttempts(2))

	q.Enqueue(newJob("t1", "ok"))
	q.Enqueue(newJob("t1", "bad"))
	q.ProcessAll(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(m.DispatchAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchJobs.WithLabelValues("dispatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchJobs.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth))
}
