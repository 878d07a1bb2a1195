// ABOUTME: WebSocket endpoint for session chat: authenticate, register, read frames.
// ABOUTME: Chat frames become tasks; results come back through the delivery watcher.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/tasks"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	closeReasonUnauthorized = "Unauthorized"
	closeReasonCapacity     = "too many connections"
	closeReasonReplaced     = "replaced by a newer connection"
	closeReasonShutdown     = "server shutting down"
)

// makeUpgrader creates a WebSocket upgrader that honours the CORS origin list.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// handleSessionWS handles GET /ws/session/{session_id}.
func (g *Gateway) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	conn := newConn(ws, sessionID, writeWait, g.config.WebSocket.HeartbeatInterval, g.logger)
	conn.setState(stateAuthenticating)

	token, source := auth.TokenFromRequest(r)
	participantID, err := g.verifyToken(token)
	if err != nil {
		conn.logger.Info("websocket authentication failed", "source", source, "error", err)
		conn.Close(protocol.CloseUnauthorized, closeReasonUnauthorized)
		return
	}
	conn.authenticated(participantID)

	if !g.admit(conn) {
		conn.logger.Warn("connection limit reached", "limit", g.config.WebSocket.MaxConnections)
		conn.Close(websocket.CloseTryAgainLater, closeReasonCapacity)
		return
	}
	defer g.release(conn)

	g.serveConn(r.Context(), conn)
}

func (g *Gateway) verifyToken(token string) (string, error) {
	if token == "" {
		return "", auth.ErrInvalidToken
	}
	return g.verifier.Verify(token)
}

// admit records conn as live unless the connection cap is reached.
func (g *Gateway) admit(conn *Conn) bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	if g.closing {
		return false
	}
	if limit := g.config.WebSocket.MaxConnections; limit > 0 && len(g.conns) >= limit {
		return false
	}
	g.conns[conn] = struct{}{}
	return true
}

func (g *Gateway) release(conn *Conn) {
	g.connMu.Lock()
	delete(g.conns, conn)
	g.connMu.Unlock()
}

// closeConnections refuses new connections, then flushes and closes every
// live one. Frames still queued when ctx is done are dropped.
func (g *Gateway) closeConnections(ctx context.Context, code int, reason string) {
	g.connMu.Lock()
	g.closing = true
	live := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		live = append(live, c)
	}
	g.connMu.Unlock()

	var wg sync.WaitGroup
	for _, c := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.CloseAfterFlush(ctx, code, reason)
		}()
	}
	wg.Wait()
}

// serveConn runs an authenticated connection until the peer goes away.
func (g *Gateway) serveConn(ctx context.Context, conn *Conn) {
	if replaced := g.registry.Register(conn, conn.sessionID, conn.participantID); replaced != nil {
		if old, ok := replaced.(*Conn); ok {
			old.Close(websocket.CloseNormalClosure, closeReasonReplaced)
		}
	}

	var unregisterOnce sync.Once
	unregister := func() {
		unregisterOnce.Do(func() {
			g.registry.UnregisterSender(conn.sessionID, conn.participantID, conn)
		})
	}
	defer unregister()

	defer func() {
		if rec := recover(); rec != nil {
			conn.logger.Error("panic in websocket handler", "panic", rec)
			unregister()
			conn.Close(protocol.CloseInternalError, fmt.Sprint(rec))
		}
	}()

	pongWait := g.config.WebSocket.HeartbeatInterval * 2
	conn.ws.SetReadLimit(g.config.WebSocket.MaxMessageBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	conn.logger.Info("websocket connected")

	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				conn.logger.Debug("websocket read error", "error", err)
			}
			break
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			g.reply(ctx, conn, protocol.NewError(protocol.MsgInvalidFormat))
			continue
		}

		if err := g.handleFrame(ctx, conn, data); err != nil {
			conn.logger.Error("failed to process frame", "error", err)
			unregister()
			conn.Close(protocol.CloseInternalError, err.Error())
			return
		}
	}

	unregister()
	conn.Close(websocket.CloseNormalClosure, "")
	conn.logger.Info("websocket disconnected")
}

// handleFrame dispatches one client frame. Client mistakes are answered with
// error frames; only unexpected failures are returned.
func (g *Gateway) handleFrame(ctx context.Context, conn *Conn, data []byte) error {
	in, err := protocol.ParseInbound(data)
	if err != nil {
		g.reply(ctx, conn, protocol.NewError(protocol.MsgInvalidFormat))
		return nil
	}

	switch in.Type {
	case protocol.TypePing:
		g.reply(ctx, conn, protocol.NewPong())
		return nil
	case protocol.TypeChat:
		return g.handleChat(ctx, conn, in)
	default:
		g.reply(ctx, conn, protocol.NewError(protocol.MsgUnknownType))
		return nil
	}
}

// handleChat submits a chat frame. The task is handed to the workers only
// after task_received is queued, so no progress frame can overtake it.
func (g *Gateway) handleChat(ctx context.Context, conn *Conn, in *protocol.Inbound) error {
	sub, err := g.submitChat(ctx, chatRequest{
		SessionID:      conn.sessionID,
		ParticipantID:  conn.participantID,
		Content:        in.Content,
		IdempotencyKey: in.RequestID,
	})
	switch {
	case err == nil:
	case errors.Is(err, tasks.ErrEmptyPrompt):
		g.reply(ctx, conn, protocol.NewError(protocol.MsgEmptyMessage))
		return nil
	case errors.Is(err, errSessionNotFound):
		g.reply(ctx, conn, protocol.NewError(protocol.MsgSessionNotFound))
		return nil
	case errors.Is(err, tasks.ErrQueueFull):
		g.reply(ctx, conn, protocol.NewError(protocol.MsgQueueFull))
		return nil
	case errors.Is(err, tasks.ErrExecutorClosed):
		g.reply(ctx, conn, protocol.NewError(protocol.MsgSubmitFailed))
		return nil
	default:
		return err
	}

	g.reply(ctx, conn, protocol.NewTaskReceived(sub.task.ID, in.RequestID, time.Now()))
	if err := sub.enqueue(ctx); err != nil {
		conn.logger.Warn("task not enqueued", "task_id", sub.task.ID, "error", err)
	}
	return nil
}

// reply queues a response frame. A failed write surfaces on the next read.
func (g *Gateway) reply(ctx context.Context, conn *Conn, frame any) {
	if err := conn.Send(ctx, frame); err != nil {
		conn.logger.Debug("failed to write frame", "error", err)
	}
}
