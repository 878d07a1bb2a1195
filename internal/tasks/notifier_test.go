// ABOUTME: Tests for the task event notifier.
// ABOUTME: Verifies session keying, wildcard delivery, progress dropping and cleanup.

package tasks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNotifier_SessionAndWildcard(t *testing.T) {
	n := NewNotifier(testLogger())
	defer n.Close()

	s1, _ := n.Subscribe(t.Context(), "s1")
	s2, _ := n.Subscribe(t.Context(), "s2")
	all, _ := n.Subscribe(t.Context(), AllSessions)

	n.Publish(&Task{ID: "t1", SessionID: "s1", Status: StatusCompleted})

	ev := receive(t, s1)
	assert.Equal(t, "t1", ev.Task.ID)
	assert.True(t, ev.Terminal())
	assert.False(t, ev.Timestamp.IsZero())

	assert.Equal(t, "t1", receive(t, all).Task.ID)

	select {
	case ev := <-s2:
		t.Fatalf("unexpected event for other session: %+v", ev)
	default:
	}
}

func TestNotifier_PublishSnapshotsTask(t *testing.T) {
	n := NewNotifier(testLogger())
	defer n.Close()

	ch, _ := n.Subscribe(t.Context(), "s1")
	task := &Task{ID: "t1", SessionID: "s1", Status: StatusRunning}
	n.Publish(task)
	task.Status = StatusFailed

	assert.Equal(t, StatusRunning, receive(t, ch).Task.Status)
}

func TestNotifier_DropsProgressForFullSubscriber(t *testing.T) {
	n := NewNotifier(testLogger())
	defer n.Close()

	ch, _ := n.Subscribe(t.Context(), "s1")
	for range subscriberBufferSize + 10 {
		n.Publish(&Task{ID: "t", SessionID: "s1", Status: StatusRunning})
	}
	n.Publish(&Task{ID: "t", SessionID: "s1", Status: StatusCompleted})

	progress := 0
	for {
		ev := receive(t, ch)
		if ev.Terminal() {
			break
		}
		progress++
	}
	// One event may already be held by the pump when the queue fills.
	assert.LessOrEqual(t, progress, subscriberBufferSize+1)
	assert.GreaterOrEqual(t, progress, subscriberBufferSize)
}

func TestNotifier_NeverDropsTerminalEvents(t *testing.T) {
	n := NewNotifier(testLogger())
	defer n.Close()

	ch, _ := n.Subscribe(t.Context(), AllSessions)
	for range wildcardBufferSize + 100 {
		n.Publish(&Task{ID: "busy", SessionID: "flood", Status: StatusRunning})
	}
	for i := range 20 {
		n.Publish(&Task{ID: fmt.Sprintf("done-%d", i), SessionID: "other", Status: StatusFailed})
	}

	var finished []string
	for len(finished) < 20 {
		ev := receive(t, ch)
		if ev.Terminal() {
			finished = append(finished, ev.Task.ID)
		}
	}
	assert.Equal(t, "done-0", finished[0])
	assert.Equal(t, "done-19", finished[19])
}

func TestNotifier_CloseFlushesQueuedEvents(t *testing.T) {
	n := NewNotifier(testLogger())
	ch, _ := n.Subscribe(t.Context(), "s1")

	n.Publish(&Task{ID: "t1", SessionID: "s1", Status: StatusRunning})
	n.Publish(&Task{ID: "t1", SessionID: "s1", Status: StatusCompleted})
	n.Close()

	assert.Equal(t, StatusRunning, receive(t, ch).Task.Status)
	assert.Equal(t, StatusCompleted, receive(t, ch).Task.Status)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestNotifier_UnsubscribeOnContextCancel(t *testing.T) {
	n := NewNotifier(testLogger())
	defer n.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := n.Subscribe(ctx, "s1")
	assert.Equal(t, 1, n.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool { return n.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-ch
	assert.False(t, ok, "channel closed after unsubscribe")

	// Publishing with no subscribers is harmless.
	n.Publish(&Task{ID: "t", SessionID: "s1"})
	n.Publish(nil)
}

func TestNotifier_CloseClosesChannels(t *testing.T) {
	n := NewNotifier(testLogger())
	ch, subID := n.Subscribe(t.Context(), "s1")
	n.Close()

	_, ok := <-ch
	assert.False(t, ok)
	n.Unsubscribe("s1", subID)

	late, _ := n.Subscribe(t.Context(), "s1")
	_, ok = <-late
	assert.False(t, ok, "subscribe after close yields a closed channel")
}
