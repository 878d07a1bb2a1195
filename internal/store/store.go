// ABOUTME: Store interface and data types for coven-relay persistence
// ABOUTME: Defines the Session record and the interfaces the gateway and executor consume

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-relay/internal/tasks"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// Session status values
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// Session is the collaborator's record of a chat session owned by one user.
type Session struct {
	ID        string
	UserID    string
	Title     string
	Status    string // active, archived
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionStore is the subset of the session collaborator the relay needs.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)

	// SessionExists reports whether sessionID exists and belongs to userID.
	SessionExists(ctx context.Context, sessionID, userID string) (bool, error)
}

// Store combines session lookup with durable task state.
type Store interface {
	SessionStore
	tasks.Store

	// Close releases any resources held by the store
	Close() error
}
