// ABOUTME: Task model, lifecycle states and sentinel errors for the task executor.
// ABOUTME: Terminal states are final; stores refuse to mutate a finished task.

package tasks

import (
	"errors"
	"time"
)

// Sentinel errors
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskFinished   = errors.New("task already finished")
	ErrQueueFull      = errors.New("task queue full")
	ErrExecutorClosed = errors.New("executor closed")
	ErrEmptyPrompt    = errors.New("prompt is required")
	ErrMissingSession = errors.New("session_id is required")
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying" // waiting out the backoff between attempts
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out" // whole-task time limit exceeded
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetrying, StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Task is one unit of agent work. Owned by the executor for its lifetime.
type Task struct {
	ID            string        `json:"task_id"`
	Prompt        string        `json:"prompt"`
	SessionID     string        `json:"session_id"`
	ParticipantID string        `json:"participant_id"`
	Timeout       time.Duration `json:"-"`
	Status        Status        `json:"status"`
	Progress      int           `json:"progress"`
	Attempts      int           `json:"attempts"`
	Output        string        `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so snapshots never alias store state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		c.FinishedAt = &ts
	}
	return &c
}

// SubmitRequest carries everything needed to run one task.
type SubmitRequest struct {
	Prompt        string
	SessionID     string
	ParticipantID string
	Timeout       time.Duration // <= 0 uses the executor default
}

// Validate checks the request's required fields.
func (r SubmitRequest) Validate() error {
	if r.Prompt == "" {
		return ErrEmptyPrompt
	}
	if r.SessionID == "" {
		return ErrMissingSession
	}
	return nil
}
