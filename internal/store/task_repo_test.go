package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
)

func newTestDB(t *testing.T) *TaskStore {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewTaskStore(db)
}

func sampleTask(id string, created time.Time) domain.Task {
	t := domain.Task{
		ID:           id,
		Title:        "Task " + id,
		Priority:     3,
		Status:       domain.StatusBacklog,
		Dependencies: []string{},
		Tags:         []string{"api"},
		CreatedAt:    created,
		UpdatedAt:    created,
		Version:      1,
	}
	t.Metadata.Normalize()
	return t
}

func TestTaskStore_SaveAndLoad(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	a := sampleTask("a", base)
	b := sampleTask("b", base.Add(time.Minute))
	b.Metadata.PlanningArtifact.Goals = []string{"Deliver: Task b"}
	b.Metadata.PullRequest = &domain.PullRequestRef{Repo: "acme/app", Number: 3}

	if err := s.Save(ctx, []domain.Task{b, a}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load returned %d tasks, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = %s, %s; want a, b", got[0].ID, got[1].ID)
	}
	if len(got[1].Metadata.PlanningArtifact.Goals) != 1 {
		t.Errorf("planning goals lost: %+v", got[1].Metadata.PlanningArtifact)
	}
	if pr := got[1].Metadata.PullRequest; pr == nil || pr.Number != 3 {
		t.Errorf("pull request = %+v", pr)
	}
}

func TestTaskStore_SaveReplacesAndDeletes(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	a := sampleTask("a", base)
	b := sampleTask("b", base)
	if err := s.Save(ctx, []domain.Task{a, b}); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	a.Status = domain.StatusPlanning
	a.Version = 2
	if err := s.Save(ctx, []domain.Task{a}); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := s.Tasks.GetByID(ctx, s.DB, "a")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.StatusPlanning || got.Version != 2 {
		t.Errorf("a = %s v%d, want planning v2", got.Status, got.Version)
	}
	if _, err := s.Tasks.GetByID(ctx, s.DB, "b"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("b should be deleted, err = %v", err)
	}

	counts, err := s.Tasks.CountByStatus(ctx, s.DB)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[domain.StatusPlanning] != 1 || counts[domain.StatusBacklog] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestTaskStore_LoadEmpty(t *testing.T) {
	s := newTestDB(t)
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Load = %d tasks, want 0", len(got))
	}
}
