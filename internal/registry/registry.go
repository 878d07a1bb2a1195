// ABOUTME: Tracks live connections by session and participant and routes frames to them.
// ABOUTME: Sharded by session id so unrelated sessions never contend on one lock.

package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// shardCount is the number of independent lock shards.
const shardCount = 32

// Sender delivers a frame to one live connection. Implementations must be
// comparable (pointer types) since UnregisterSender compares identities.
type Sender interface {
	Send(ctx context.Context, frame any) error
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Sender // sessionID -> participantID -> sender
}

// Registry maps (session, participant) to the connection serving it.
// A session entry exists only while it has at least one connection.
type Registry struct {
	shards [shardCount]*shard
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "registry")}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]map[string]Sender)}
	}
	return r
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%shardCount]
}

// Register records sender for the key, replacing any previous one. The
// replaced sender is returned so the caller can close it.
func (r *Registry) Register(sender Sender, sessionID, participantID string) (replaced Sender) {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	participants, ok := s.sessions[sessionID]
	if !ok {
		participants = make(map[string]Sender)
		s.sessions[sessionID] = participants
	}
	replaced = participants[participantID]
	participants[participantID] = sender
	count := len(participants)
	s.mu.Unlock()

	r.logger.Info("=== CONNECTION REGISTERED ===",
		"session_id", sessionID,
		"participant_id", participantID,
		"replaced", replaced != nil,
		"session_connections", count,
	)
	return replaced
}

// Unregister removes the key. No-op when absent.
func (r *Registry) Unregister(sessionID, participantID string) {
	r.remove(sessionID, participantID, nil)
}

// UnregisterSender removes the key only if it still maps to sender, so a
// superseded connection cannot evict its replacement. Reports whether it removed.
func (r *Registry) UnregisterSender(sessionID, participantID string, sender Sender) bool {
	return r.remove(sessionID, participantID, sender)
}

func (r *Registry) remove(sessionID, participantID string, expect Sender) bool {
	s := r.shardFor(sessionID)
	s.mu.Lock()
	participants, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	current, ok := participants[participantID]
	if !ok || (expect != nil && current != expect) {
		s.mu.Unlock()
		return false
	}
	delete(participants, participantID)
	remaining := len(participants)
	if remaining == 0 {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	r.logger.Info("=== CONNECTION UNREGISTERED ===",
		"session_id", sessionID,
		"participant_id", participantID,
		"session_connections", remaining,
	)
	return true
}

// Lookup returns the sender registered for the key.
func (r *Registry) Lookup(sessionID, participantID string) (Sender, bool) {
	s := r.shardFor(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	sender, ok := s.sessions[sessionID][participantID]
	return sender, ok
}

// Participants lists the participant ids connected to a session.
func (r *Registry) Participants(sessionID string) []string {
	s := r.shardFor(sessionID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	participants := s.sessions[sessionID]
	out := make([]string, 0, len(participants))
	for id := range participants {
		out = append(out, id)
	}
	return out
}

// SendTo delivers frame to one connection. Absence and send failures are
// logged and reported as false; never an error.
func (r *Registry) SendTo(ctx context.Context, sessionID, participantID string, frame any) bool {
	sender, ok := r.Lookup(sessionID, participantID)
	if !ok {
		r.logger.Debug("no connection for participant",
			"session_id", sessionID,
			"participant_id", participantID,
		)
		return false
	}
	if err := sender.Send(ctx, frame); err != nil {
		r.logger.Warn("send to participant failed",
			"session_id", sessionID,
			"participant_id", participantID,
			"error", err,
		)
		return false
	}
	return true
}

// Broadcast delivers frame to every connection of a session. Senders are
// snapshotted under the lock and written outside it; one failure does not
// stop the rest. Returns the number of successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, sessionID string, frame any) int {
	s := r.shardFor(sessionID)
	s.mu.RLock()
	type target struct {
		participantID string
		sender        Sender
	}
	targets := make([]target, 0, len(s.sessions[sessionID]))
	for id, sender := range s.sessions[sessionID] {
		targets = append(targets, target{id, sender})
	}
	s.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if err := t.sender.Send(ctx, frame); err != nil {
			r.logger.Warn("broadcast send failed",
				"session_id", sessionID,
				"participant_id", t.participantID,
				"error", err,
			)
			continue
		}
		delivered++
	}
	if len(targets) == 0 {
		r.logger.Debug("broadcast to session with no connections", "session_id", sessionID)
	}
	return delivered
}

// SessionCount returns the number of sessions with at least one connection.
func (r *Registry) SessionCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.sessions)
		s.mu.RUnlock()
	}
	return total
}

// ConnectionCount returns the total number of registered connections.
func (r *Registry) ConnectionCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, participants := range s.sessions {
			total += len(participants)
		}
		s.mu.RUnlock()
	}
	return total
}
