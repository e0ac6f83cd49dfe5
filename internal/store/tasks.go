package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status is the lifecycle state of a replication task.
type Status string

// Task status values. A task starts pending, moves to copying when its
// traversal is launched, and ends in finished or error. Both terminal states
// can be re-entered as copying by an explicit resume.
const (
	StatusPending  Status = "pending"
	StatusCopying  Status = "copying"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCopying, StatusFinished, StatusError:
		return true
	default:
		return false
	}
}

// Task is a persisted replication task.
type Task struct {
	ID          int64
	Source      string
	Destination string
	Status      Status
	Error       string
	CreatedAt   time.Time
	FinishedAt  time.Time // zero until the task finishes
}

const (
	sqlTaskColumns = `id, source, destination, status, error, created_at, finished_at`

	sqlInsertTask = `INSERT INTO tasks (source, destination, status, created_at)
		VALUES (?, ?, 'pending', ?)
		ON CONFLICT(source, destination) DO NOTHING`

	sqlGetTask  = `SELECT ` + sqlTaskColumns + ` FROM tasks WHERE id = ?`
	sqlFindTask = `SELECT ` + sqlTaskColumns + ` FROM tasks WHERE source = ? AND destination = ?`

	sqlListTasks         = `SELECT ` + sqlTaskColumns + ` FROM tasks ORDER BY id`
	sqlListTasksByStatus = `SELECT ` + sqlTaskColumns + ` FROM tasks WHERE status = ? ORDER BY id`

	sqlSetStatus = `UPDATE tasks SET status = ?, error = ?,
		finished_at = CASE WHEN ? = 'finished' THEN ? ELSE NULL END
		WHERE id = ?`

	sqlDeleteTask         = `DELETE FROM tasks WHERE id = ?`
	sqlDeleteTaskByStatus = `DELETE FROM tasks WHERE status = ?`
)

// CreateTask inserts a pending task for the (source, destination) pair.
// Returns ErrTaskExists if a task for the pair is already recorded.
func (s *Store) CreateTask(ctx context.Context, source, destination string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, sqlInsertTask, source, destination, unixNano(s.nowFunc()))
	if err != nil {
		return nil, fmt.Errorf("store: creating task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: creating task: %w", err)
	}

	if n == 0 {
		return nil, ErrTaskExists
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: reading new task id: %w", err)
	}

	s.logger.Debug("task created",
		slog.Int64("task_id", id),
		slog.String("source", source),
		slog.String("destination", destination),
	)

	return s.GetTask(ctx, id)
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, sqlGetTask, id))
	if err != nil {
		return nil, fmt.Errorf("store: loading task %d: %w", id, err)
	}

	return t, nil
}

// FindTask returns the task recorded for the (source, destination) pair,
// or ErrNotFound.
func (s *Store) FindTask(ctx context.Context, source, destination string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, sqlFindTask, source, destination))
	if err != nil {
		return nil, fmt.Errorf("store: finding task %s -> %s: %w", source, destination, err)
	}

	return t, nil
}

// ListTasks returns all tasks in creation order. A non-empty status limits
// the result to tasks in that state.
func (s *Store) ListTasks(ctx context.Context, status Status) ([]Task, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if status == "" {
		rows, err = s.db.QueryContext(ctx, sqlListTasks)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlListTasksByStatus, string(status))
	}

	if err != nil {
		return nil, fmt.Errorf("store: listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: listing tasks: %w", err)
		}

		tasks = append(tasks, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating task rows: %w", err)
	}

	return tasks, nil
}

// SetStatus moves a task to the given status. reason is stored for the error
// status and cleared otherwise; finished_at is set only when finishing.
func (s *Store) SetStatus(ctx context.Context, id int64, status Status, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("store: invalid status %q", status)
	}

	var errCol sql.NullString
	if status == StatusError {
		errCol = sql.NullString{String: reason, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, sqlSetStatus,
		string(status), errCol, string(status), unixNano(s.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("store: setting task %d status %s: %w", id, status, err)
	}

	return requireOneRow(res, id)
}

// DeleteTask removes a task. Its mapping, ledger and failure rows are removed
// by cascade. Returns ErrNotFound if the task does not exist.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, sqlDeleteTask, id)
	if err != nil {
		return fmt.Errorf("store: deleting task %d: %w", id, err)
	}

	return requireOneRow(res, id)
}

// DeleteTasksByStatus removes every task in the given status and returns the
// number removed.
func (s *Store) DeleteTasksByStatus(ctx context.Context, status Status) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlDeleteTaskByStatus, string(status))
	if err != nil {
		return 0, fmt.Errorf("store: deleting %s tasks: %w", status, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: deleting %s tasks: %w", status, err)
	}

	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t          Task
		status     string
		errMsg     sql.NullString
		createdAt  int64
		finishedAt sql.NullInt64
	)

	err := row.Scan(&t.ID, &t.Source, &t.Destination, &status, &errMsg, &createdAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Error = errMsg.String
	t.CreatedAt = fromUnixNano(createdAt)
	t.FinishedAt = nullTime(finishedAt)

	return &t, nil
}

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking rows affected for task %d: %w", id, err)
	}

	if n == 0 {
		return fmt.Errorf("store: task %d: %w", id, ErrNotFound)
	}

	return nil
}
