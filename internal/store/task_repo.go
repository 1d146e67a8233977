package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rogersf/taskforge/internal/domain"
)

// TaskRepo handles persistence for task records. The full task document is
// stored as JSON next to a few indexed columns.
type TaskRepo struct{}

// UpsertTx inserts or replaces a task within an existing transaction.
func (r *TaskRepo) UpsertTx(ctx context.Context, tx *sql.Tx, task domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	const q = `INSERT INTO tasks (task_id, title, status, priority, project_id, version, created_at_unix, updated_at_unix, task_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	title = excluded.title,
	status = excluded.status,
	priority = excluded.priority,
	project_id = excluded.project_id,
	version = excluded.version,
	updated_at_unix = excluded.updated_at_unix,
	task_json = excluded.task_json`
	_, err = tx.ExecContext(ctx, q,
		task.ID,
		task.Title,
		string(task.Status),
		task.Priority,
		task.ProjectID,
		task.Version,
		task.CreatedAt.Unix(),
		task.UpdatedAt.Unix(),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// DeleteExceptTx removes every task whose id is not in keep.
func (r *TaskRepo) DeleteExceptTx(ctx context.Context, tx *sql.Tx, keep map[string]struct{}) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT task_id FROM tasks`)
	if err != nil {
		return 0, fmt.Errorf("list task ids: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan task id: %w", err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete task %s: %w", id, err)
		}
	}
	return len(stale), nil
}

// GetByID retrieves a task by its ID.
func (r *TaskRepo) GetByID(ctx context.Context, db *sql.DB, taskID string) (*domain.Task, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT task_json FROM tasks WHERE task_id = ?`, taskID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &t, nil
}

// ListAll returns every stored task ordered by creation time, then id.
func (r *TaskRepo) ListAll(ctx context.Context, db *sql.DB) ([]domain.Task, error) {
	rows, err := db.QueryContext(ctx, `SELECT task_id, task_json FROM tasks ORDER BY created_at_unix ASC, task_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t domain.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountByStatus returns the number of stored tasks per status.
func (r *TaskRepo) CountByStatus(ctx context.Context, db *sql.DB) (map[domain.Status]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

// TaskStore adapts TaskRepo to the workflow persistence collaborator.
type TaskStore struct {
	DB    *sql.DB
	Tasks *TaskRepo
}

// NewTaskStore wraps db.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{DB: db, Tasks: &TaskRepo{}}
}

// Load returns every persisted task.
func (s *TaskStore) Load(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.Tasks.ListAll(ctx, s.DB)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery.Code, "load tasks", err)
	}
	return tasks, nil
}

// Save makes the table match tasks in one transaction.
func (s *TaskStore) Save(ctx context.Context, tasks []domain.Task) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin tx", err)
	}
	defer tx.Rollback()

	keep := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		keep[t.ID] = struct{}{}
		if err := s.Tasks.UpsertTx(ctx, tx, t); err != nil {
			return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save tasks", err)
		}
	}
	if _, err := s.Tasks.DeleteExceptTx(ctx, tx, keep); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save tasks", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit", err)
	}
	return nil
}
