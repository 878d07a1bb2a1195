// ABOUTME: Tests for the delivery watcher using a recording router.
// ABOUTME: Covers frame shapes, routing modes, markdown and per-session isolation.

package delivery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sent struct {
	sessionID     string
	participantID string // empty for broadcasts
	frame         any
}

type recordingRouter struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingRouter) SendTo(_ context.Context, sessionID, participantID string, frame any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{sessionID, participantID, frame})
	return true
}

func (r *recordingRouter) Broadcast(_ context.Context, sessionID string, frame any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{sessionID, "", frame})
	return 2
}

func (r *recordingRouter) frames() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func event(task *tasks.Task) tasks.Event {
	return tasks.Event{Task: task, Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestDeliver_CompletedBroadcast(t *testing.T) {
	router := &recordingRouter{}
	w := New(Options{Router: router, Logger: testLogger()})

	n := w.Deliver(t.Context(), event(&tasks.Task{
		ID: "t1", SessionID: "s1", ParticipantID: "alice",
		Status: tasks.StatusCompleted, Output: "4", Attempts: 1,
	}))

	assert.Equal(t, 2, n)
	got := router.frames()
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].sessionID)
	assert.Empty(t, got[0].participantID)

	frame, ok := got[0].frame.(protocol.TaskResult)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeTaskResult, frame.Type)
	assert.Equal(t, "t1", frame.TaskID)
	assert.Equal(t, "completed", frame.Status)
	require.NotNil(t, frame.Output)
	assert.Equal(t, "4", *frame.Output)
	assert.Nil(t, frame.Error)
	assert.Nil(t, frame.OutputHTML)
	assert.Equal(t, "2025-06-01T12:00:00Z", frame.Timestamp)
}

func TestDeliver_FailedSubmitterOnly(t *testing.T) {
	router := &recordingRouter{}
	w := New(Options{Router: router, Mode: ModeSubmitter, Logger: testLogger()})

	n := w.Deliver(t.Context(), event(&tasks.Task{
		ID: "t1", SessionID: "s1", ParticipantID: "alice",
		Status: tasks.StatusFailed, Error: "Timeout", Attempts: 4,
	}))

	assert.Equal(t, 1, n)
	got := router.frames()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].participantID)

	frame := got[0].frame.(protocol.TaskResult)
	assert.Equal(t, "failed", frame.Status)
	assert.Nil(t, frame.Output)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "Timeout", *frame.Error)
	assert.Equal(t, 4, frame.Attempts)
}

func TestDeliver_ProgressFrame(t *testing.T) {
	router := &recordingRouter{}
	w := New(Options{Router: router, Logger: testLogger()})

	w.Deliver(t.Context(), event(&tasks.Task{ID: "t1", SessionID: "s1", Status: tasks.StatusRunning, Attempts: 2}))

	got := router.frames()
	require.Len(t, got, 1)
	frame, ok := got[0].frame.(protocol.TaskStatus)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeTaskStatus, frame.Type)
	assert.Equal(t, "running", frame.Status)
	assert.Equal(t, 0, frame.Progress)
	assert.Equal(t, 2, frame.Attempt)
}

func TestDeliver_SkipsPending(t *testing.T) {
	router := &recordingRouter{}
	w := New(Options{Router: router, Logger: testLogger()})

	assert.Equal(t, 0, w.Deliver(t.Context(), event(&tasks.Task{ID: "t1", SessionID: "s1", Status: tasks.StatusPending})))
	assert.Equal(t, 0, w.Deliver(t.Context(), tasks.Event{}))
	assert.Empty(t, router.frames())
}

func TestFrame_RendersMarkdown(t *testing.T) {
	w := New(Options{Router: &recordingRouter{}, RenderMarkdown: true, Logger: testLogger()})

	frame := w.Frame(event(&tasks.Task{
		ID: "t1", SessionID: "s1", Status: tasks.StatusCompleted,
		Output: "# Answer\n\n**4** ~~5~~",
	})).(protocol.TaskResult)

	require.NotNil(t, frame.OutputHTML)
	assert.Contains(t, *frame.OutputHTML, "<h1>Answer</h1>")
	assert.Contains(t, *frame.OutputHTML, "<strong>4</strong>")
	assert.Contains(t, *frame.OutputHTML, "<del>5</del>", "GFM strikethrough")
	assert.Equal(t, "# Answer\n\n**4** ~~5~~", *frame.Output, "raw output is kept")
}

func TestFrame_TimedOut(t *testing.T) {
	w := New(Options{Router: &recordingRouter{}, Logger: testLogger()})

	frame := w.Frame(event(&tasks.Task{
		ID: "t1", Status: tasks.StatusTimedOut, Error: "task time limit 5m0s exceeded: Timeout",
	})).(protocol.TaskResult)

	assert.Equal(t, "timed_out", frame.Status)
	require.NotNil(t, frame.Error)
	assert.Contains(t, *frame.Error, "time limit")
}

func TestRun_DeliversPublishedEvents(t *testing.T) {
	notifier := tasks.NewNotifier(testLogger())
	defer notifier.Close()
	router := &recordingRouter{}
	w := New(Options{Notifier: notifier, Router: router, Logger: testLogger()})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return notifier.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	notifier.Publish(&tasks.Task{ID: "t1", SessionID: "s1", Status: tasks.StatusCompleted, Output: "ok"})
	notifier.Publish(&tasks.Task{ID: "t2", SessionID: "s2", Status: tasks.StatusFailed, Error: "boom"})

	require.Eventually(t, func() bool { return len(router.frames()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// stallingRouter blocks broadcasts to one session until release closes.
type stallingRouter struct {
	recordingRouter
	stalled string
	release chan struct{}
}

func (r *stallingRouter) Broadcast(ctx context.Context, sessionID string, frame any) int {
	if sessionID == r.stalled {
		select {
		case <-r.release:
		case <-ctx.Done():
			return 0
		}
	}
	return r.recordingRouter.Broadcast(ctx, sessionID, frame)
}

func hasResult(frames []sent, taskID string) bool {
	for _, s := range frames {
		if res, ok := s.frame.(protocol.TaskResult); ok && res.TaskID == taskID {
			return true
		}
	}
	return false
}

func TestStart_StalledSessionDoesNotDelayOthers(t *testing.T) {
	notifier := tasks.NewNotifier(testLogger())
	defer notifier.Close()
	router := &stallingRouter{stalled: "stuck", release: make(chan struct{})}
	defer close(router.release)
	w := New(Options{Notifier: notifier, Router: router, SendTimeout: time.Minute, Logger: testLogger()})
	w.Start(t.Context())

	notifier.Publish(&tasks.Task{ID: "slow", SessionID: "stuck", Status: tasks.StatusCompleted})
	notifier.Publish(&tasks.Task{ID: "quick", SessionID: "fast", Status: tasks.StatusCompleted})

	require.Eventually(t, func() bool { return hasResult(router.frames(), "quick") }, time.Second, 5*time.Millisecond)
	assert.False(t, hasResult(router.frames(), "slow"))
}

func TestStart_FloodKeepsTerminalEvents(t *testing.T) {
	notifier := tasks.NewNotifier(testLogger())
	defer notifier.Close()
	router := &stallingRouter{stalled: "flood", release: make(chan struct{})}
	w := New(Options{Notifier: notifier, Router: router, SendTimeout: time.Minute, Logger: testLogger()})
	w.Start(t.Context())

	for range 1100 {
		notifier.Publish(&tasks.Task{ID: "busy", SessionID: "flood", Status: tasks.StatusRunning})
	}
	notifier.Publish(&tasks.Task{ID: "flood-final", SessionID: "flood", Status: tasks.StatusCompleted})
	notifier.Publish(&tasks.Task{ID: "other-final", SessionID: "other", Status: tasks.StatusFailed, Error: "boom"})

	require.Eventually(t, func() bool { return hasResult(router.frames(), "other-final") }, time.Second, 5*time.Millisecond)

	close(router.release)
	require.Eventually(t, func() bool { return hasResult(router.frames(), "flood-final") }, 5*time.Second, 5*time.Millisecond)

	progress := 0
	for _, s := range router.frames() {
		if _, ok := s.frame.(protocol.TaskStatus); ok {
			progress++
		}
	}
	assert.LessOrEqual(t, progress, laneLimit+1, "progress beyond the lane limit is dropped")
}

func TestStart_DoneAfterNotifierCloseFlushes(t *testing.T) {
	notifier := tasks.NewNotifier(testLogger())
	router := &recordingRouter{}
	w := New(Options{Notifier: notifier, Router: router, Logger: testLogger()})
	done := w.Start(t.Context())

	for i := range 50 {
		notifier.Publish(&tasks.Task{ID: fmt.Sprintf("t%d", i), SessionID: fmt.Sprintf("s%d", i%5), Status: tasks.StatusCompleted})
	}
	notifier.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after notifier closed")
	}
	assert.Len(t, router.frames(), 50)
}
