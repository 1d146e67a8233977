package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/rogersf/taskforge/internal/domain"
)

// Repository owns the task map. Implementations must copy on read and write
// so callers never share nested state with the stored record.
type Repository interface {
	Get(id string) (domain.Task, bool)
	List() []domain.Task
	Put(task domain.Task)
	Delete(id string)
}

// Persistence is the durable store collaborator. Save receives the full task
// list after every committed mutation.
type Persistence interface {
	Load(ctx context.Context) ([]domain.Task, error)
	Save(ctx context.Context, tasks []domain.Task) error
}

// MemoryRepository is the in-process Repository.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]domain.Task)}
}

// Get returns a copy of the task.
func (r *MemoryRepository) Get(id string) (domain.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// List returns copies of all tasks ordered by creation time, then id.
func (r *MemoryRepository) List() []domain.Task {
	r.mu.RLock()
	out := make([]domain.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()
	sortTasks(out)
	return out
}

// Put stores a copy of task.
func (r *MemoryRepository) Put(task domain.Task) {
	c := task.Clone()
	r.mu.Lock()
	r.tasks[c.ID] = c
	r.mu.Unlock()
}

// Delete removes a task. Unknown ids are ignored.
func (r *MemoryRepository) Delete(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

func sortTasks(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
