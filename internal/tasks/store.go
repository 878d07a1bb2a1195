// ABOUTME: Task state store interface and the in-memory implementation.
// ABOUTME: Updates apply a mutation function atomically per task and reject finished tasks.

package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists task state. Implementations must make Update atomic per
// task: concurrent readers never observe a partially applied mutation.
type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTask applies fn to the current state and persists the result.
	// Returns ErrTaskFinished without calling fn when the task is terminal.
	UpdateTask(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
	// ListUnfinishedTasks returns tasks not in a terminal state, oldest first.
	ListUnfinishedTasks(ctx context.Context) ([]*Task, error)
	ListTasksBySession(ctx context.Context, sessionID string, limit int) ([]*Task, error)
}

// MemoryStore is a Store backed by a map. Used in tests and when no
// database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (m *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, id string, fn func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if current.Status.IsTerminal() {
		return nil, ErrTaskFinished
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	m.tasks[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListUnfinishedTasks(_ context.Context) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListTasksBySession(_ context.Context, sessionID string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.SessionID == sessionID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
