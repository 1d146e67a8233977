package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/rogersf/taskforge/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, clock *fakeClock, opts ...func(*Options)) *Ledger {
	t.Helper()
	o := Options{Dir: t.TempDir(), Clock: clock.Now}
	for _, fn := range opts {
		fn(&o)
	}
	l, err := NewLedger(o)
	require.NoError(t, err)
	return l
}

var day1 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestLedger_HashChainWithinPartition(t *testing.T) {
	clock := &fakeClock{now: day1}
	l := newTestLedger(t, clock)
	ctx := context.Background()

	r1, err := l.Record(ctx, Event{EventType: "task_created", Payload: map[string]any{"taskId": "t-1"}})
	require.NoError(t, err)
	r2, err := l.Record(ctx, Event{EventType: "task_updated", Payload: map[string]any{"taskId": "t-1"}})
	require.NoError(t, err)
	r3, err := l.Record(ctx, Event{EventType: "task_deleted", Payload: map[string]any{"taskId": "t-1"}})
	require.NoError(t, err)

	assert.Nil(t, r1.PreviousHash)
	require.NotNil(t, r2.PreviousHash)
	require.NotNil(t, r3.PreviousHash)
	assert.Equal(t, r1.Hash, *r2.PreviousHash)
	assert.Equal(t, r2.Hash, *r3.PreviousHash)

	for _, r := range []domain.AuditEventRecord{r1, r2, r3} {
		want, err := ComputeHash(r)
		require.NoError(t, err)
		assert.Equal(t, want, r.Hash)
		assert.Len(t, r.Hash, 64)
	}

	report, err := l.Verify(day1)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Records)
}

func TestLedger_NewPartitionStartsNewChain(t *testing.T) {
	clock := &fakeClock{now: day1}
	l := newTestLedger(t, clock)
	ctx := context.Background()

	_, err := l.Record(ctx, Event{EventType: "a"})
	require.NoError(t, err)

	clock.Set(day1.Add(24 * time.Hour))
	r, err := l.Record(ctx, Event{EventType: "b"})
	require.NoError(t, err)
	assert.Nil(t, r.PreviousHash)
}

func TestLedger_ChainResumesFromFile(t *testing.T) {
	clock := &fakeClock{now: day1}
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewLedger(Options{Dir: dir, Clock: clock.Now})
	require.NoError(t, err)
	r1, err := first.Record(ctx, Event{EventType: "a"})
	require.NoError(t, err)

	second, err := NewLedger(Options{Dir: dir, Clock: clock.Now})
	require.NoError(t, err)
	r2, err := second.Record(ctx, Event{EventType: "b"})
	require.NoError(t, err)

	require.NotNil(t, r2.PreviousHash)
	assert.Equal(t, r1.Hash, *r2.PreviousHash)
}

func TestLedger_ConcurrentWritesKeepChainValid(t *testing.T) {
	clock := &fakeClock{now: day1}
	l := newTestLedger(t, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Record(ctx, Event{EventType: "tick", Payload: map[string]any{"n": i}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	report, err := l.Verify(day1)
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
	assert.Equal(t, 40, report.Records)
}

func TestLedger_DefaultsAndContextIDs(t *testing.T) {
	clock := &fakeClock{now: day1}
	l := newTestLedger(t, clock)

	r, err := l.Record(context.Background(), Event{EventType: "x"})
	require.NoError(t, err)
	assert.Equal(t, "system", r.Actor)
	assert.NotEmpty(t, r.TraceID)
	assert.NotEmpty(t, r.RequestID)
	assert.NotEmpty(t, r.ID)

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid}))
	ctx = WithRequestID(ctx, "req-7")
	ctx = WithUserID(ctx, "alice")

	r, err = l.Record(ctx, Event{EventType: "x", Actor: "api"})
	require.NoError(t, err)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", r.TraceID)
	assert.Equal(t, "req-7", r.RequestID)
	assert.Equal(t, "alice", r.UserID)
	assert.Equal(t, "api", r.Actor)
}

func TestLedger_RejectsEmptyEventType(t *testing.T) {
	l := newTestLedger(t, &fakeClock{now: day1})
	_, err := l.Record(context.Background(), Event{})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestLedger_VerifyDetectsTampering(t *testing.T) {
	clock := &fakeClock{now: day1}
	l := newTestLedger(t, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Record(ctx, Event{EventType: "e", Payload: map[string]any{"amount": i}})
		require.NoError(t, err)
	}

	path := filepath.Join(l.Dir(), partitionName(day1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"amount":1`, `"amount":9`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	report, err := l.Verify(day1)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 2, report.BrokenAt)

	_, err = l.VerifyAll()
	assert.True(t, errors.Is(err, domain.ErrAuditChain))
}

func TestLedger_RecentAcrossPartitions(t *testing.T) {
	clock := &fakeClock{now: day1}
	l := newTestLedger(t, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Record(ctx, Event{EventType: fmt.Sprintf("d1-%d", i)})
		require.NoError(t, err)
	}
	clock.Set(day1.Add(24 * time.Hour))
	for i := 0; i < 2; i++ {
		_, err := l.Record(ctx, Event{EventType: fmt.Sprintf("d2-%d", i)})
		require.NoError(t, err)
	}

	recs, err := l.Recent(4)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "d2-1", recs[0].EventType)
	assert.Equal(t, "d2-0", recs[1].EventType)
	assert.Equal(t, "d1-2", recs[2].EventType)
	assert.Equal(t, "d1-1", recs[3].EventType)

	recs, err = l.Recent(0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = l.Recent(10_000)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestLedger_Subscribe(t *testing.T) {
	l := newTestLedger(t, &fakeClock{now: day1})
	ch, cancel := l.Subscribe(4)

	r, err := l.Record(context.Background(), Event{EventType: "x"})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, r.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive record")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestLedger_SubscriberOverflowDoesNotBlock(t *testing.T) {
	l := newTestLedger(t, &fakeClock{now: day1})
	_, cancel := l.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		_, err := l.Record(context.Background(), Event{EventType: "x"})
		require.NoError(t, err)
	}
}

type fakeArchiver struct {
	fail     bool
	archived []string
}

func (a *fakeArchiver) Archive(_ context.Context, name, path string) error {
	if a.fail {
		return errors.New("bucket unavailable")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	a.archived = append(a.archived, name)
	return nil
}

func TestLedger_RetentionSweep(t *testing.T) {
	clock := &fakeClock{now: day1}
	arch := &fakeArchiver{}
	l := newTestLedger(t, clock, func(o *Options) {
		o.RetentionDays = 2
		o.Archiver = arch
	})
	ctx := context.Background()

	_, err := l.Record(ctx, Event{EventType: "old"})
	require.NoError(t, err)

	clock.Set(day1.AddDate(0, 0, 1))
	_, err = l.Record(ctx, Event{EventType: "recent"})
	require.NoError(t, err)

	clock.Set(day1.AddDate(0, 0, 3))
	removed, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{partitionName(day1)}, removed)
	assert.Equal(t, []string{partitionName(day1)}, arch.archived)

	_, err = os.Stat(filepath.Join(l.Dir(), partitionName(day1)))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(l.Dir(), partitionName(day1.AddDate(0, 0, 1))))
	assert.NoError(t, err)
}

func TestLedger_RetentionKeepsPartitionWhenArchiveFails(t *testing.T) {
	clock := &fakeClock{now: day1}
	l := newTestLedger(t, clock, func(o *Options) {
		o.RetentionDays = 1
		o.Archiver = &fakeArchiver{fail: true}
	})
	ctx := context.Background()

	_, err := l.Record(ctx, Event{EventType: "old"})
	require.NoError(t, err)

	clock.Set(day1.AddDate(0, 0, 5))
	removed, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
	_, err = os.Stat(filepath.Join(l.Dir(), partitionName(day1)))
	assert.NoError(t, err)
}

func TestLedger_AutomaticSweepRunsAtMostHourly(t *testing.T) {
	clock := &fakeClock{now: day1}
	l := newTestLedger(t, clock, func(o *Options) { o.RetentionDays = 1 })
	ctx := context.Background()

	_, err := l.Record(ctx, Event{EventType: "old"})
	require.NoError(t, err)

	// The first record already swept at day1; two days on is past the hour.
	clock.Set(day1.AddDate(0, 0, 2))
	_, err = l.Record(ctx, Event{EventType: "new"})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(l.Dir(), partitionName(day1)))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLastLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	got, err := lastLine(path)
	require.NoError(t, err)
	assert.Nil(t, got)

	long := strings.Repeat("x", 5000)
	require.NoError(t, os.WriteFile(path, []byte("first\n"+long+"\nlast\n\n"), 0o644))
	got, err = lastLine(path)
	require.NoError(t, err)
	assert.Equal(t, "last", string(got))

	require.NoError(t, os.WriteFile(path, []byte("only"), 0o644))
	got, err = lastLine(path)
	require.NoError(t, err)
	assert.Equal(t, "only", string(got))
}
