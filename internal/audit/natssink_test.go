package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogersf/taskforge/internal/domain"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	failNext bool
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("nats: connection closed")
	}
	p.subjects = append(p.subjects, subject)
	p.bodies = append(p.bodies, data)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func TestNATSSink_ForwardsRecords(t *testing.T) {
	pub := &recordingPublisher{failNext: true}
	sink := &NATSSink{Publisher: pub}

	records := make(chan domain.AuditEventRecord, 3)
	records <- domain.AuditEventRecord{ID: "r0", EventType: "task_created"}
	records <- domain.AuditEventRecord{ID: "r1", EventType: "task_created"}
	records <- domain.AuditEventRecord{ID: "r2", EventType: "worker_run_completed"}
	close(records)

	done := make(chan struct{})
	go func() {
		sink.Run(context.Background(), records)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink did not stop after channel closed")
	}

	require.Equal(t, 2, pub.count())
	assert.Equal(t, []string{"taskforge.audit.task_created", "taskforge.audit.worker_run_completed"}, pub.subjects)

	var got domain.AuditEventRecord
	require.NoError(t, json.Unmarshal(pub.bodies[0], &got))
	assert.Equal(t, "r1", got.ID)
}

func TestNATSSink_StopsOnContextCancel(t *testing.T) {
	sink := &NATSSink{Publisher: &recordingPublisher{}, SubjectPrefix: "x"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx, make(chan domain.AuditEventRecord))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink did not stop after cancel")
	}
}
