// ABOUTME: In-memory fan-out of task lifecycle events keyed by session id.
// ABOUTME: Slow subscribers lose progress events; terminal events are always queued.

package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize caps queued progress events for per-session subscribers.
	subscriberBufferSize = 64

	// wildcardBufferSize is larger since wildcard subscribers see every session.
	wildcardBufferSize = 1024

	// AllSessions is the subscription key that matches every session.
	AllSessions = "*"
)

// Event is a snapshot of a task taken at a state transition.
type Event struct {
	Task      *Task
	Timestamp time.Time
}

// Terminal reports whether the event carries a finished task.
func (e Event) Terminal() bool {
	return e.Task != nil && e.Task.Status.IsTerminal()
}

// subscription is one subscriber's mailbox. Publish appends to pending and
// never blocks; pump moves events to out in order.
type subscription struct {
	limit int // queued non-terminal events beyond this are dropped
	out   chan Event

	mu      sync.Mutex
	pending []Event

	wake    chan struct{}
	stop    chan struct{} // unsubscribed: discard pending
	drain   chan struct{} // notifier closed: flush pending, then close out
	endOnce sync.Once
}

func newSubscription(limit int) *subscription {
	s := &subscription{
		limit: limit,
		out:   make(chan Event),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		drain: make(chan struct{}),
	}
	go s.pump()
	return s
}

// push queues ev. Returns false when a non-terminal event was dropped.
func (s *subscription) push(ev Event) bool {
	s.mu.Lock()
	if !ev.Terminal() && len(s.pending) >= s.limit {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Event{}, false
	}
	ev := s.pending[0]
	s.pending[0] = Event{}
	s.pending = s.pending[1:]
	return ev, true
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		ev, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			case <-s.drain:
				if ev, ok = s.next(); !ok {
					return
				}
			}
		}

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}

func (s *subscription) unsubscribe() {
	s.endOnce.Do(func() { close(s.stop) })
}

func (s *subscription) closeAfterDrain() {
	s.endOnce.Do(func() { close(s.drain) })
}

// Notifier provides in-memory pub/sub for task events.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscription // sessionID -> subID -> sub
	closed      bool
	logger      *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]map[string]*subscription),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers for events on sessionID, or on every session when
// sessionID is AllSessions. The subscription is removed when ctx is done.
func (n *Notifier) Subscribe(ctx context.Context, sessionID string) (<-chan Event, string) {
	subID := uuid.New().String()
	limit := subscriberBufferSize
	if sessionID == AllSessions {
		limit = wildcardBufferSize
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch, subID
	}
	sub := newSubscription(limit)
	if _, ok := n.subscribers[sessionID]; !ok {
		n.subscribers[sessionID] = make(map[string]*subscription)
	}
	n.subscribers[sessionID][subID] = sub
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		n.Unsubscribe(sessionID, subID)
	}()

	return sub.out, subID
}

// Publish delivers a snapshot of task to its session's subscribers and to
// wildcard subscribers. Never blocks.
func (n *Notifier) Publish(task *Task) {
	if task == nil {
		return
	}
	ev := Event{Task: task.Clone(), Timestamp: time.Now().UTC()}

	n.mu.RLock()
	defer n.mu.RUnlock()

	n.deliver(task.SessionID, ev)
	if task.SessionID != AllSessions {
		n.deliver(AllSessions, ev)
	}
}

func (n *Notifier) deliver(key string, ev Event) {
	for subID, sub := range n.subscribers[key] {
		if !sub.push(ev) {
			n.logger.Warn("dropped progress event for slow subscriber",
				"session_id", key,
				"sub_id", subID,
				"task_id", ev.Task.ID,
				"status", ev.Task.Status,
			)
		}
	}
}

// Unsubscribe removes a subscription, discards its queued events and closes
// its channel.
func (n *Notifier) Unsubscribe(sessionID, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.subscribers[sessionID]
	if !ok {
		return
	}
	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	sub.unsubscribe()
	if len(subs) == 0 {
		delete(n.subscribers, sessionID)
	}

	n.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions across all keys.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	total := 0
	for _, subs := range n.subscribers {
		total += len(subs)
	}
	return total
}

// Close stops accepting events. Each subscriber channel closes once the
// events already queued for it have been received. Later subscriptions get
// a closed channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, subs := range n.subscribers {
		for subID, sub := range subs {
			sub.closeAfterDrain()
			delete(subs, subID)
		}
		delete(n.subscribers, key)
	}
	n.closed = true

	n.logger.Debug("notifier closed")
}
