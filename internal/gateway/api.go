// ABOUTME: HTTP API handlers for submitting chat messages and polling task state.
// ABOUTME: Every route requires a bearer JWT; the sub claim is the participant.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/tasks"
)

const (
	defaultTaskListLimit = 50
	maxTaskListLimit     = 200
	maxChatBodyBytes     = 1 << 20

	idempotencyHeader = "Idempotency-Key"
)

// ChatRequest is the JSON request body for POST /api/sessions/{id}/chat.
type ChatRequest struct {
	Content   string `json:"content"`
	Message   string `json:"message,omitempty"` // accepted in place of content
	RequestID string `json:"request_id,omitempty"`
}

// ChatResponse is the JSON response for POST /api/sessions/{id}/chat.
type ChatResponse struct {
	TaskID    string       `json:"task_id"`
	Status    tasks.Status `json:"status"`
	SessionID string       `json:"session_id"`
}

// TaskListResponse is the JSON response for GET /api/sessions/{id}/tasks.
type TaskListResponse struct {
	SessionID string        `json:"session_id"`
	Tasks     []*tasks.Task `json:"tasks"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Executor    tasks.Stats `json:"executor"`
	Sessions    int         `json:"sessions"`
	Connections int         `json:"connections"`
}

// handlePostChat handles POST /api/sessions/{session_id}/chat.
func (g *Gateway) handlePostChat(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")

	req, err := parseChatRequest(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if key == "" {
		key = req.RequestID
	}

	sub, err := g.submitChat(r.Context(), chatRequest{
		SessionID:      sessionID,
		ParticipantID:  authCtx.ParticipantID,
		Content:        req.Content,
		IdempotencyKey: key,
	})
	switch {
	case err == nil:
	case errors.Is(err, tasks.ErrEmptyPrompt):
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	case errors.Is(err, errSessionNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, tasks.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		g.sendJSONError(w, http.StatusServiceUnavailable, "task queue full")
		return
	case errors.Is(err, tasks.ErrExecutorClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	default:
		g.logger.Error("failed to submit chat", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to submit message")
		return
	}

	status := http.StatusAccepted
	if sub.existed {
		status = http.StatusOK
	}
	task := sub.task
	if err := sub.enqueue(r.Context()); err != nil {
		g.logger.Warn("task not enqueued", "task_id", task.ID, "error", err)
		if current, getErr := g.executor.Get(r.Context(), task.ID); getErr == nil {
			task = current
		}
	}
	g.writeJSON(w, status, ChatResponse{
		TaskID:    task.ID,
		Status:    task.Status,
		SessionID: task.SessionID,
	})
}

// handleGetTask handles GET /api/tasks/{task_id}. Tasks of other
// participants are reported as missing.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	taskID := chi.URLParam(r, "task_id")

	task, err := g.executor.Get(r.Context(), taskID)
	if errors.Is(err, tasks.ErrTaskNotFound) || (err == nil && task.ParticipantID != authCtx.ParticipantID) {
		g.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load task", "task_id", taskID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	g.writeJSON(w, http.StatusOK, task)
}

// handleListSessionTasks handles GET /api/sessions/{session_id}/tasks.
func (g *Gateway) handleListSessionTasks(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.checkSession(r.Context(), sessionID, authCtx.ParticipantID); err != nil {
		if errors.Is(err, errSessionNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.logger.Error("failed to check session", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to check session")
		return
	}

	list, err := g.executor.ListBySession(r.Context(), sessionID, limit)
	if err != nil {
		g.logger.Error("failed to list tasks", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	g.writeJSON(w, http.StatusOK, TaskListResponse{SessionID: sessionID, Tasks: list})
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, StatsResponse{
		Executor:    g.executor.Stats(),
		Sessions:    g.registry.SessionCount(),
		Connections: g.registry.ConnectionCount(),
	})
}

// parseChatRequest parses and validates a ChatRequest.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Content == "" {
		req.Content = req.Message
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	return &req, nil
}

// parseLimit parses the limit query parameter, clamping to maxTaskListLimit.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultTaskListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(limit, maxTaskListLimit), nil
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
