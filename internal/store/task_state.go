// ABOUTME: Durable task state for SQLiteStore, implementing tasks.Store
// ABOUTME: Updates run in a transaction guarded on a non-terminal status

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/tasks"
)

const taskColumns = `id, session_id, participant_id, prompt, timeout_ms, status, progress, attempts,
	output, error, created_at, updated_at, started_at, finished_at`

// CreateTask inserts a new task row.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *tasks.Task) error {
	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, taskArgs(task)...)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("task %s already exists", task.ID)
		}
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
// Returns tasks.ErrTaskNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tasks.ErrTaskNotFound
	}
	return task, err
}

// UpdateTask reads the task, applies fn and writes every mutable column back
// in one transaction. The write is guarded on the stored status still being
// non-terminal.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, fn func(*tasks.Task) error) (*tasks.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tasks.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, tasks.ErrTaskFinished
	}

	if err := fn(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE tasks
		SET status = ?, progress = ?, attempts = ?, output = ?, error = ?,
			updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'timed_out')
	`
	result, err := tx.ExecContext(ctx, query,
		string(task.Status),
		task.Progress,
		task.Attempts,
		nullString(task.Output),
		nullString(task.Error),
		formatTime(task.UpdatedAt),
		nullTime(task.StartedAt),
		nullTime(task.FinishedAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return nil, tasks.ErrTaskFinished
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing task update: %w", err)
	}
	return task, nil
}

// ListUnfinishedTasks returns non-terminal tasks, oldest first.
func (s *SQLiteStore) ListUnfinishedTasks(ctx context.Context) ([]*tasks.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN ('pending', 'running', 'retrying')
		ORDER BY created_at ASC`
	return s.queryTasks(ctx, query)
}

// ListTasksBySession returns a session's tasks, newest first.
func (s *SQLiteStore) ListTasksBySession(ctx context.Context, sessionID string, limit int) ([]*tasks.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?`
	return s.queryTasks(ctx, query, sessionID, limit)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return out, nil
}

func taskArgs(t *tasks.Task) []any {
	return []any{
		t.ID,
		t.SessionID,
		t.ParticipantID,
		t.Prompt,
		t.Timeout.Milliseconds(),
		string(t.Status),
		t.Progress,
		t.Attempts,
		nullString(t.Output),
		nullString(t.Error),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
		nullTime(t.StartedAt),
		nullTime(t.FinishedAt),
	}
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var t tasks.Task
	var status string
	var timeoutMS int64
	var output, errText, startedAt, finishedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&t.ID,
		&t.SessionID,
		&t.ParticipantID,
		&t.Prompt,
		&timeoutMS,
		&status,
		&t.Progress,
		&t.Attempts,
		&output,
		&errText,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	t.Status = tasks.Status(status)
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	t.Output = output.String
	t.Error = errText.String

	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseNullTime("started_at", startedAt); err != nil {
		return nil, err
	}
	if t.FinishedAt, err = parseNullTime("finished_at", finishedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
