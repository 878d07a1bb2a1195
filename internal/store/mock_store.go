// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/2389/coven-relay/internal/tasks"
)

// MockStore is an in-memory Store implementation for testing.
// Task state is delegated to tasks.MemoryStore.
type MockStore struct {
	*tasks.MemoryStore

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		MemoryStore: tasks.NewMemoryStore(),
		sessions:    make(map[string]*Session),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}

	// Make a copy to avoid external modification
	s := *session
	if s.Status == "" {
		s.Status = SessionActive
	}
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (m *MockStore) ListSessions(_ context.Context, userID string, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SessionExists reports whether an active session belongs to userID.
func (m *MockStore) SessionExists(_ context.Context, sessionID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	return ok && s.UserID == userID && s.Status == SessionActive, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
