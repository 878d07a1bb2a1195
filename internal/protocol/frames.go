// ABOUTME: JSON frame types exchanged over the session WebSocket.
// ABOUTME: Inbound chat/ping frames and every outbound frame the relay writes.

package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// Frame type discriminators.
const (
	TypeChat         = "chat"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
	TypeTaskReceived = "task_received"
	TypeTaskStatus   = "task_status"
	TypeTaskResult   = "task_result"
)

// WebSocket close codes used by the relay.
const (
	CloseUnauthorized  = 4001
	CloseInternalError = 4000
)

// Error frame messages.
const (
	MsgInvalidFormat   = "Invalid message format"
	MsgUnknownType     = "Unknown message type"
	MsgEmptyMessage    = "Empty message"
	MsgSessionNotFound = "Session not found"
	MsgQueueFull       = "Server busy, try again later"
	MsgSubmitFailed    = "Failed to submit message"
)

// Inbound is the envelope of every client frame. Fields beyond Type are
// only meaningful for chat.
type Inbound struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ParseInbound decodes a client frame. A frame without a type is malformed.
func ParseInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, errMissingType
	}
	return &in, nil
}

var errMissingType = errors.New("frame has no type")

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// NewPong builds a pong frame.
func NewPong() Pong {
	return Pong{Type: TypePong}
}

// Error reports a problem with a client frame. The connection stays open.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error frame.
func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// TaskReceived acknowledges a chat frame.
type TaskReceived struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewTaskReceived builds the acknowledgement for a submitted task.
func NewTaskReceived(taskID, requestID string, at time.Time) TaskReceived {
	return TaskReceived{
		Type:      TypeTaskReceived,
		TaskID:    taskID,
		RequestID: requestID,
		Timestamp: Timestamp(at),
	}
}

// TaskStatus reports a non-terminal task transition.
type TaskStatus struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Attempt   int    `json:"attempt"`
	Timestamp string `json:"timestamp"`
}

// TaskResult carries a finished task's outcome.
type TaskResult struct {
	Type       string  `json:"type"`
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	Output     *string `json:"output,omitempty"`
	OutputHTML *string `json:"output_html,omitempty"`
	Error      *string `json:"error,omitempty"`
	Attempts   int     `json:"attempts"`
	Timestamp  string  `json:"timestamp"`
}

// Timestamp formats t the way every frame carries time.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
