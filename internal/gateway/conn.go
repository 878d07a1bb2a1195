// ABOUTME: One live WebSocket session connection and its lifecycle state.
// ABOUTME: Outbound frames are queued and written by one pump goroutine per connection.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// connState tracks where a connection is in its lifecycle.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("connState(%d)", int32(s))
	}
}

const (
	// maxCloseReason is the largest close reason that fits a control frame.
	maxCloseReason = 123

	// sendQueueSize is the number of frames buffered for one connection.
	sendQueueSize = 256
)

var (
	errConnClosed    = errors.New("connection closed")
	errSendQueueFull = errors.New("send queue full")
)

// Conn is a session connection. It satisfies registry.Sender. Frames are
// queued by Send and written by a single write pump, so a stalled peer only
// holds up its own queue.
type Conn struct {
	id            string
	sessionID     string
	participantID string

	ws        *websocket.Conn
	writeWait time.Duration

	send      chan []byte
	done      chan struct{} // closed by Close
	flush     chan struct{} // write what is queued, then stop
	flushOnce sync.Once
	pumpDone  chan struct{}

	state     atomic.Int32
	closeOnce sync.Once

	logger *slog.Logger
}

// newConn wraps ws and starts its write pump, which also pings the peer
// every pingInterval.
func newConn(ws *websocket.Conn, sessionID string, writeWait, pingInterval time.Duration, logger *slog.Logger) *Conn {
	c := &Conn{
		id:        uuid.New().String(),
		sessionID: sessionID,
		ws:        ws,
		writeWait: writeWait,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		flush:     make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
	c.logger = logger.With("conn_id", c.id, "session_id", sessionID)
	c.setState(stateConnecting)
	go c.writePump(pingInterval)
	return c
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

func (c *Conn) State() connState {
	return connState(c.state.Load())
}

func (c *Conn) setState(s connState) {
	c.state.Store(int32(s))
}

// authenticated binds the verified participant and moves the connection open.
func (c *Conn) authenticated(participantID string) {
	c.participantID = participantID
	c.logger = c.logger.With("participant_id", participantID)
	c.setState(stateOpen)
}

// Send queues one JSON frame for the write pump. Frames are written in the
// order they were queued. When the queue stays full until ctx is done the
// peer is too slow to keep: the connection is closed.
func (c *Conn) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if c.State() >= stateClosing {
		return errConnClosed
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		c.logger.Warn("closing slow connection", "queued", len(c.send))
		c.Close(websocket.ClosePolicyViolation, errSendQueueFull.Error())
		return errSendQueueFull
	}
}

// writePump owns every data frame write on the socket.
func (c *Conn) writePump(pingInterval time.Duration) {
	defer close(c.pumpDone)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.writeFailed(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.writeFailed(err)
				return
			}
		case <-c.flush:
			for {
				select {
				case data := <-c.send:
					if err := c.write(data); err != nil {
						c.writeFailed(err)
						return
					}
				default:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// writeFailed tears the socket down so the read loop ends too.
func (c *Conn) writeFailed(err error) {
	c.logger.Debug("failed to write frame", "error", err)
	c.Close(websocket.CloseInternalServerErr, "write failed")
}

// CloseAfterFlush stops accepting frames, waits until the queued ones are
// written or ctx is done, then closes with code and reason.
func (c *Conn) CloseAfterFlush(ctx context.Context, code int, reason string) {
	if c.State() < stateClosing {
		c.setState(stateClosing)
	}
	c.flushOnce.Do(func() { close(c.flush) })

	select {
	case <-c.pumpDone:
	case <-ctx.Done():
		c.logger.Debug("flush deadline exceeded", "queued", len(c.send))
	}
	c.Close(code, reason)
}

// Close sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect. Queued frames are discarded.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(stateClosing)
		close(c.done)

		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}

		// WriteControl may run concurrently with the pump's data writes.
		err := c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(c.writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("close frame not sent", "code", code, "error", err)
		}

		_ = c.ws.Close()
		c.setState(stateClosed)
	})
}
