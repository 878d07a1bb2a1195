// ABOUTME: Tests for frame parsing and the JSON shape of outbound frames.
// ABOUTME: Field names here are the client contract.

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *Inbound
		wantErr bool
	}{
		{"chat", `{"type":"chat","content":"hi","request_id":"r1"}`, &Inbound{Type: "chat", Content: "hi", RequestID: "r1"}, false},
		{"ping", `{"type":"ping"}`, &Inbound{Type: "ping"}, false},
		{"unknown type still parses", `{"type":"dance"}`, &Inbound{Type: "dance"}, false},
		{"not json", `hello`, nil, true},
		{"missing type", `{"content":"hi"}`, nil, true},
		{"wrong shape", `["chat"]`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutboundShapes(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	data, err := json.Marshal(NewTaskReceived("t1", "", at))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"task_received","task_id":"t1","timestamp":"2025-01-02T03:04:05Z"}`, string(data))

	data, err = json.Marshal(NewError(MsgUnknownType))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"Unknown message type"}`, string(data))

	data, err = json.Marshal(NewPong())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))

	out := "4"
	data, err = json.Marshal(TaskResult{Type: TypeTaskResult, TaskID: "t1", Status: "completed", Output: &out, Attempts: 1, Timestamp: Timestamp(at)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"task_result","task_id":"t1","status":"completed","output":"4","attempts":1,"timestamp":"2025-01-02T03:04:05Z"}`, string(data))
}
