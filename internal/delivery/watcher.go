// ABOUTME: Pushes task progress and results to live session connections.
// ABOUTME: Events are routed per session so one stalled session does not delay the rest.

package delivery

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/tasks"
)

// Delivery modes
const (
	ModeBroadcast = "broadcast" // every participant connected to the session
	ModeSubmitter = "submitter" // only the participant that submitted the task
)

const (
	// defaultSendTimeout bounds one frame write to one connection.
	defaultSendTimeout = 10 * time.Second

	// laneLimit caps queued progress events per session. Terminal events
	// are always queued.
	laneLimit = 256
)

// Router is the slice of the session registry the watcher needs.
type Router interface {
	SendTo(ctx context.Context, sessionID, participantID string, frame any) bool
	Broadcast(ctx context.Context, sessionID string, frame any) int
}

// Options configures a Watcher.
type Options struct {
	Notifier       *tasks.Notifier
	Router         Router
	Mode           string // ModeBroadcast (default) or ModeSubmitter
	RenderMarkdown bool
	SendTimeout    time.Duration
	Logger         *slog.Logger
}

// Watcher turns task events into frames for connected clients.
type Watcher struct {
	notifier    *tasks.Notifier
	router      Router
	mode        string
	markdown    goldmark.Markdown // nil when rendering is off
	sendTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane // sessions with deliveries in flight
	wg    sync.WaitGroup
}

// lane holds one session's undelivered events. Each lane has its own
// goroutine, so a session whose connections stall does not hold up others.
type lane struct {
	pending []tasks.Event
}

// New creates a Watcher.
func New(opts Options) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		notifier:    opts.Notifier,
		router:      opts.Router,
		mode:        opts.Mode,
		sendTimeout: opts.SendTimeout,
		logger:      logger.With("component", "delivery"),
		lanes:       make(map[string]*lane),
	}
	if w.mode == "" {
		w.mode = ModeBroadcast
	}
	if w.sendTimeout <= 0 {
		w.sendTimeout = defaultSendTimeout
	}
	if opts.RenderMarkdown {
		w.markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	}
	return w
}

// Start subscribes before returning, then delivers in the background until
// ctx is done or the notifier closes. The returned channel closes once every
// queued event has been delivered or dropped.
func (w *Watcher) Start(ctx context.Context) <-chan struct{} {
	events, _ := w.notifier.Subscribe(ctx, tasks.AllSessions)
	w.logger.Info("delivery watcher started", "mode", w.mode, "markdown", w.markdown != nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.loop(ctx, events)
		w.wg.Wait()
	}()
	return done
}

// Run delivers events until ctx is done or the notifier closes.
func (w *Watcher) Run(ctx context.Context) error {
	<-w.Start(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context, events <-chan tasks.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.dispatch(ctx, ev)
		}
	}
}

// dispatch queues ev on its session's lane, starting the lane if idle.
func (w *Watcher) dispatch(ctx context.Context, ev tasks.Event) {
	if ev.Task == nil {
		return
	}
	sessionID := ev.Task.SessionID

	w.mu.Lock()
	if l, ok := w.lanes[sessionID]; ok {
		if !ev.Terminal() && len(l.pending) >= laneLimit {
			w.mu.Unlock()
			w.logger.Warn("dropped progress event for stalled session",
				"session_id", sessionID,
				"task_id", ev.Task.ID,
				"status", ev.Task.Status,
			)
			return
		}
		l.pending = append(l.pending, ev)
		w.mu.Unlock()
		return
	}
	l := &lane{pending: []tasks.Event{ev}}
	w.lanes[sessionID] = l
	w.wg.Add(1)
	w.mu.Unlock()

	go w.drainLane(ctx, sessionID, l)
}

// drainLane delivers a session's events in order and retires the lane once
// it is empty.
func (w *Watcher) drainLane(ctx context.Context, sessionID string, l *lane) {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		if len(l.pending) == 0 {
			delete(w.lanes, sessionID)
			w.mu.Unlock()
			return
		}
		ev := l.pending[0]
		l.pending[0] = tasks.Event{}
		l.pending = l.pending[1:]
		w.mu.Unlock()

		w.Deliver(ctx, ev)
	}
}

// Deliver routes one event and returns the number of connections reached.
// Pending events (shutdown requeues) are not pushed.
func (w *Watcher) Deliver(ctx context.Context, ev tasks.Event) int {
	task := ev.Task
	if task == nil || task.Status == tasks.StatusPending {
		return 0
	}

	frame := w.Frame(ev)

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	var delivered int
	if w.mode == ModeSubmitter {
		if w.router.SendTo(sendCtx, task.SessionID, task.ParticipantID, frame) {
			delivered = 1
		}
	} else {
		delivered = w.router.Broadcast(sendCtx, task.SessionID, frame)
	}

	if ev.Terminal() {
		w.logger.Info("task result delivered",
			"task_id", task.ID,
			"session_id", task.SessionID,
			"status", task.Status,
			"connections", delivered,
		)
	}
	return delivered
}

// Frame builds the wire frame for an event: task_result for terminal
// states, task_status otherwise.
func (w *Watcher) Frame(ev tasks.Event) any {
	task := ev.Task
	ts := protocol.Timestamp(ev.Timestamp)

	if !ev.Terminal() {
		return protocol.TaskStatus{
			Type:      protocol.TypeTaskStatus,
			TaskID:    task.ID,
			Status:    string(task.Status),
			Progress:  task.Progress,
			Attempt:   task.Attempts,
			Timestamp: ts,
		}
	}

	result := protocol.TaskResult{
		Type:      protocol.TypeTaskResult,
		TaskID:    task.ID,
		Status:    string(task.Status),
		Attempts:  task.Attempts,
		Timestamp: ts,
	}
	if task.Status == tasks.StatusCompleted {
		output := task.Output
		result.Output = &output
		if html, ok := w.render(task); ok {
			result.OutputHTML = &html
		}
	} else {
		errText := task.Error
		result.Error = &errText
	}
	return result
}

func (w *Watcher) render(task *tasks.Task) (string, bool) {
	if w.markdown == nil || task.Output == "" {
		return "", false
	}
	var buf bytes.Buffer
	if err := w.markdown.Convert([]byte(task.Output), &buf); err != nil {
		w.logger.Warn("failed to render markdown", "task_id", task.ID, "error", err)
		return "", false
	}
	return buf.String(), true
}
