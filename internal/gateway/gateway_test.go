// ABOUTME: Tests for Gateway wiring, lifecycle and shared test helpers
// ABOUTME: Runs a real relay on free ports and checks HTTP and gRPC health

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/invoker"
	"github.com/2389/coven-relay/internal/store"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubAgent answers invocations in-process.
type stubAgent struct {
	calls   atomic.Int32
	healthy atomic.Bool
	fn      func(ctx context.Context, prompt string) invoker.Result
}

func newStubAgent() *stubAgent {
	a := &stubAgent{}
	a.healthy.Store(true)
	return a
}

func (a *stubAgent) Invoke(ctx context.Context, prompt, _, _ string, _ time.Duration) invoker.Result {
	a.calls.Add(1)
	if a.fn != nil {
		return a.fn(ctx, prompt)
	}
	return invoker.Succeeded("echo: " + prompt)
}

func (a *stubAgent) Version(context.Context) (string, error) {
	if !a.healthy.Load() {
		return "", errors.New("agent not installed")
	}
	return "stub-agent 1.0.0", nil
}

func (a *stubAgent) CheckHealth(context.Context) bool {
	return a.healthy.Load()
}

// testConfig returns a defaulted config with fast retries.
func testConfig() *config.Config {
	cfg := &config.Config{
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Database: config.DatabaseConfig{Path: ":memory:"},
	}
	cfg.ApplyDefaults()
	cfg.Tasks.Workers = 2
	cfg.Tasks.RetryDelay = 10 * time.Millisecond
	cfg.Tasks.MaxRetries = -1
	return cfg
}

type testRelay struct {
	gw     *Gateway
	store  *store.MockStore
	agent  *stubAgent
	server *httptest.Server
}

// newTestRelay starts a gateway over a MockStore behind an httptest server.
func newTestRelay(t *testing.T, agent *stubAgent, mutate ...func(*config.Config)) *testRelay {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	st := store.NewMockStore()
	gw, err := newGateway(cfg, st, agent, testLogger())
	require.NoError(t, err)
	require.NoError(t, gw.start(t.Context()))

	return &testRelay{gw: gw, store: st, agent: agent, server: serveGateway(t, gw)}
}

// serveGateway serves a started gateway over httptest and shuts both down
// at cleanup.
func serveGateway(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return srv
}

// createSession adds a session owned by userID.
func (r *testRelay) createSession(t *testing.T, id, userID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, r.store.CreateSession(t.Context(), &store.Session{
		ID: id, UserID: userID, Title: "test", CreatedAt: now, UpdatedAt: now,
	}))
}

// testToken issues a valid JWT for participantID.
func testToken(t *testing.T, participantID string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	tok, err := v.Generate(participantID, time.Hour)
	require.NoError(t, err)
	return tok
}

// dial opens a session WebSocket with the given token.
func (r *testRelay) dial(t *testing.T, sessionID, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws/session/" + sessionID
	if token != "" {
		u += "?token=" + token
	}
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(frame))
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readFrameOfType skips frames until one of the wanted type arrives.
func readFrameOfType(t *testing.T, ws *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for range 20 {
		frame := readFrame(t, ws)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame received", frameType)
	return nil
}

// readCloseError reads until the server closes and returns the close error.
func readCloseError(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce
	}
}

// freeAddr finds an available localhost port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// writeFakeCLI writes a shell script that answers --version.
func writeFakeCLI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-opencode")
	script := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo \"fake-opencode 0.1.0\"; exit 0; fi\necho \"done\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestGateway_RunServesHealthAndShutsDown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")
	cfg.Agent.CLIPath = writeFakeCLI(t)
	cfg.Agent.HealthInterval = 50 * time.Millisecond

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	healthURL := "http://" + cfg.Server.HTTPAddr + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fake-opencode 0.1.0")

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		res, err := client.Check(t.Context(), &healthpb.HealthCheckRequest{Service: agentHealthService})
		return err == nil && res.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RejectsWeakSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "short"

	_, err := newGateway(cfg, store.NewMockStore(), newStubAgent(), testLogger())
	assert.ErrorIs(t, err, auth.ErrWeakSecret)
}

func TestNewGateway_FillsUnsetIntervals(t *testing.T) {
	cfg := &config.Config{
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Database: config.DatabaseConfig{Path: ":memory:"},
	}

	gw, err := newGateway(cfg, store.NewMockStore(), newStubAgent(), testLogger())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultHeartbeat, cfg.WebSocket.HeartbeatInterval)
	assert.Equal(t, config.DefaultHealthInterval, cfg.Agent.HealthInterval)

	require.NoError(t, gw.start(t.Context()))
	relay := &testRelay{gw: gw, server: serveGateway(t, gw)}
	ws := relay.dial(t, "s1", testToken(t, "alice"))
	sendFrame(t, ws, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, ws)["type"])
}

func TestShutdown_Idempotent(t *testing.T) {
	gw, err := newGateway(testConfig(), store.NewMockStore(), newStubAgent(), testLogger())
	require.NoError(t, err)
	require.NoError(t, gw.start(t.Context()))

	assert.NoError(t, gw.Shutdown(t.Context()))
	assert.NoError(t, gw.Shutdown(t.Context()))
}

func TestWatchAgentHealth_TracksAgent(t *testing.T) {
	cfg := testConfig()
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	agent := newStubAgent()
	agent.healthy.Store(false)

	gw, err := newGateway(cfg, store.NewMockStore(), agent, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		gw.watchAgentHealth(ctx, 10*time.Millisecond)
	}()

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		res, err := gw.healthServer.Check(context.Background(), &healthpb.HealthCheckRequest{Service: agentHealthService})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return res.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status())
	agent.healthy.Store(true)
	assert.Eventually(t, func() bool {
		return status() == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "connecting", stateConnecting.String())
	assert.Equal(t, "open", stateOpen.String())
	assert.Equal(t, "closed", stateClosed.String())
	assert.Equal(t, "connState(9)", connState(9).String())
}
