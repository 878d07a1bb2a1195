// ABOUTME: Tests for coven-relay subcommands and the color log handler
// ABOUTME: Commands run against temp config files and an httptest relay stand-in

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

// writeConfig writes a minimal config and points COVEN_RELAY_CONFIG at it.
func writeConfig(t *testing.T, httpAddr string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := fmt.Sprintf(`server:
  http_addr: %q
database:
  path: %q
auth:
  jwt_secret: %q
`, httpAddr, filepath.Join(dir, "relay.db"), testSecret)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("COVEN_RELAY_CONFIG", path)
	return path
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_RELAY_CONFIG", "/etc/relay.yaml")
	assert.Equal(t, "/etc/relay.yaml", getConfigPath())

	t.Setenv("COVEN_RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "coven", "relay.yaml"), getConfigPath())
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/data")
	assert.Equal(t, filepath.Join("/tmp/data", "coven-relay"), getDataPath())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "executor").WithGroup("task").Info("task finished", "id", "t-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF task finished")
	assert.Contains(t, out, "component=executor")
	assert.Contains(t, out, "task.id=t-1")
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestRun_UnknownCommand(t *testing.T) {
	err := run(t.Context(), "bogus", nil, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown command: bogus")
}

func TestRunToken(t *testing.T) {
	writeConfig(t, "127.0.0.1:8080")

	var out bytes.Buffer
	require.NoError(t, run(t.Context(), "token", []string{"--participant", "user-1", "--ttl", "1h"}, nil, &out))

	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	pid, err := v.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "user-1", pid)
}

func TestRunToken_RequiresParticipant(t *testing.T) {
	writeConfig(t, "127.0.0.1:8080")
	err := runToken([]string{"--participant", "  "}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--participant is required")
}

func TestRunSession_CreateAndList(t *testing.T) {
	writeConfig(t, "127.0.0.1:8080")

	var out bytes.Buffer
	require.NoError(t, runSession(t.Context(), []string{"create", "--user", "alice", "--title", "demo", "--id", "s-1"}, &out))
	assert.Equal(t, "s-1", strings.TrimSpace(out.String()))

	err := runSession(t.Context(), []string{"create", "--user", "alice", "--id", "s-1"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "session already exists")

	out.Reset()
	require.NoError(t, runSession(t.Context(), []string{"list", "--user", "alice"}, &out))
	assert.Contains(t, out.String(), "s-1")
	assert.Contains(t, out.String(), "demo")
	assert.Contains(t, out.String(), "active")

	out.Reset()
	require.NoError(t, runSession(t.Context(), []string{"list", "--user", "bob"}, &out))
	assert.Equal(t, "no sessions\n", out.String())
}

func TestRunSession_UsesDBPathOverride(t *testing.T) {
	writeConfig(t, "127.0.0.1:8080")
	override := filepath.Join(t.TempDir(), "override.db")
	t.Setenv("COVEN_RELAY_DB_PATH", override)

	require.NoError(t, runSession(t.Context(), []string{"create", "--user", "alice", "--id", "s-env"}, &bytes.Buffer{}))

	s, err := store.NewSQLiteStore(override, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer s.Close()
	ok, err := s.SessionExists(t.Context(), "s-env", "alice")
	require.NoError(t, err)
	assert.True(t, ok, "session written to the COVEN_RELAY_DB_PATH database")
}

func TestRunSession_Errors(t *testing.T) {
	writeConfig(t, "127.0.0.1:8080")

	assert.Error(t, runSession(t.Context(), nil, &bytes.Buffer{}))
	assert.ErrorContains(t, runSession(t.Context(), []string{"create"}, &bytes.Buffer{}), "--user is required")
	assert.ErrorContains(t, runSession(t.Context(), []string{"drop", "--user", "a"}, &bytes.Buffer{}), "unknown session subcommand")
}

func TestLocalURL(t *testing.T) {
	u, err := localURL("0.0.0.0:8080", "/health")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/health", u)

	u, err = localURL("relay.internal:9000", "/health")
	require.NoError(t, err)
	assert.Equal(t, "http://relay.internal:9000/health", u)

	_, err = localURL("", "/health")
	assert.Error(t, err)
}

func TestRunHealth(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			fmt.Fprint(w, "OK")
		case "/health/ready":
			if !ready.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, "agent unavailable: not installed")
				return
			}
			fmt.Fprint(w, "ready (opencode 1.2.3)")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	writeConfig(t, strings.TrimPrefix(srv.URL, "http://"))

	var out bytes.Buffer
	require.NoError(t, runHealth(t.Context(), &out))
	assert.Contains(t, out.String(), "relay: healthy")
	assert.Contains(t, out.String(), "ready (opencode 1.2.3)")

	ready.Store(false)
	out.Reset()
	err := runHealth(t.Context(), &out)
	assert.ErrorContains(t, err, "not ready: status 503")
	assert.Contains(t, out.String(), "agent unavailable")
}

func TestRunHealth_Unreachable(t *testing.T) {
	writeConfig(t, "127.0.0.1:1")
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	assert.ErrorContains(t, runHealth(ctx, &bytes.Buffer{}), "health check failed")
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	configPath := filepath.Join(dir, "conf", "relay.yaml")

	// Accept every default except the config path and delivery mode.
	answers := []string{configPath, "", "", "", "", "", "submitter", "", ""}
	in := strings.NewReader(strings.Join(answers, "\n") + "\n")

	var out bytes.Buffer
	require.NoError(t, runInit(in, &out))
	assert.Contains(t, out.String(), "Config written to "+configPath)

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultHTTPAddr, cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, filepath.Join(dir, "data", "coven-relay", "relay.db"), cfg.Database.Path)
	assert.Equal(t, config.DeliverySubmitter, cfg.Delivery.Mode)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), auth.MinSecretLength)

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRunInit_KeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0600))

	in := strings.NewReader(path + "\nno\n")
	var out bytes.Buffer
	require.NoError(t, runInit(in, &out))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}
