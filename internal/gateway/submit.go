// ABOUTME: Chat submission shared by the WebSocket and HTTP entry points.
// ABOUTME: Checks session ownership, applies idempotency keys and prepares the task.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-relay/internal/tasks"
)

var errSessionNotFound = errors.New("session not found")

// chatRequest is one user message bound for the agent.
type chatRequest struct {
	SessionID      string
	ParticipantID  string
	Content        string
	IdempotencyKey string // optional; scoped by participant and session
}

// submission is the outcome of submitChat. A new task is persisted but not
// yet running; enqueue starts it once the caller has acknowledged it.
type submission struct {
	task    *tasks.Task
	existed bool           // the idempotency key matched an earlier submission
	pending *tasks.Pending // nil when existed
}

// enqueue hands a new task to the workers. A failure leaves the task in the
// store, failed or pending, where its status reports it.
func (s *submission) enqueue(ctx context.Context) error {
	if s.pending == nil {
		return nil
	}
	return s.pending.Enqueue(ctx)
}

// submitChat turns a chat message into a pending task.
func (g *Gateway) submitChat(ctx context.Context, req chatRequest) (*submission, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, tasks.ErrEmptyPrompt
	}
	if err := g.checkSession(ctx, req.SessionID, req.ParticipantID); err != nil {
		return nil, err
	}

	submit := tasks.SubmitRequest{
		Prompt:        req.Content,
		SessionID:     req.SessionID,
		ParticipantID: req.ParticipantID,
	}

	if req.IdempotencyKey == "" {
		pending, err := g.executor.Prepare(ctx, submit)
		if err != nil {
			return nil, err
		}
		return &submission{task: pending.Task(), pending: pending}, nil
	}

	var pending *tasks.Pending
	key := req.ParticipantID + ":" + req.SessionID + ":" + req.IdempotencyKey
	taskID, existed, err := g.dedupe.GetOrCreate(key, func() (string, error) {
		p, err := g.executor.Prepare(ctx, submit)
		if err != nil {
			return "", err
		}
		pending = p
		return p.Task().ID, nil
	})
	if err != nil {
		return nil, err
	}
	if !existed {
		return &submission{task: pending.Task(), pending: pending}, nil
	}

	g.logger.Debug("duplicate submission", "task_id", taskID, "participant_id", req.ParticipantID)
	task, err := g.executor.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading deduplicated task: %w", err)
	}
	return &submission{task: task, existed: true}, nil
}

// checkSession verifies the session belongs to the participant when
// ownership checks are enabled.
func (g *Gateway) checkSession(ctx context.Context, sessionID, participantID string) error {
	if sessionID == "" {
		return errSessionNotFound
	}
	if !g.config.VerifySessionOwnership() {
		return nil
	}
	ok, err := g.store.SessionExists(ctx, sessionID, participantID)
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if !ok {
		return errSessionNotFound
	}
	return nil
}
