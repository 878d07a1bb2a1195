// ABOUTME: Operator subcommands for coven-relay: init, token, session, health
// ABOUTME: Each command loads the same config file the server uses

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

const healthTimeout = 10 * time.Second

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// runToken issues a JWT whose sub claim is the participant id.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	participant := fs.String("participant", "", "participant id (sub claim)")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := strings.TrimSpace(*participant)
	if id == "" {
		return errors.New("--participant is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}

	token, err := verifier.Generate(id, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}

// runSession manages session records directly in the relay database.
func runSession(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("session requires a subcommand: create or list")
	}

	fs := flag.NewFlagSet("session "+args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	user := fs.String("user", "", "owning user id")
	title := fs.String("title", "", "session title")
	id := fs.String("id", "", "session id (generated when empty)")
	limit := fs.Int("limit", 100, "maximum sessions to list")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.DatabasePath(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	switch args[0] {
	case "create":
		sessionID := *id
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
		now := time.Now().UTC()
		if err := s.CreateSession(ctx, &store.Session{
			ID:        sessionID,
			UserID:    *user,
			Title:     *title,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		fmt.Fprintln(out, sessionID)
		return nil

	case "list":
		sessions, err := s.ListSessions(ctx, *user, *limit)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "no sessions")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tUPDATED")
		for _, sess := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sess.ID, sess.Title, sess.Status, sess.UpdatedAt.Format(time.RFC3339))
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown session subcommand: %s", args[0])
	}
}

// localURL turns a listen address into a URL reachable from this host.
func localURL(listenAddr, path string) (string, error) {
	if listenAddr == "" {
		return "", errors.New("server.http_addr is not set")
	}
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", listenAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + path, nil
}

func fetch(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

// runHealth checks liveness, then readiness, of a running relay.
func runHealth(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	liveURL, err := localURL(cfg.Server.HTTPAddr, "/health")
	if err != nil {
		return err
	}
	status, _, err := fetch(ctx, liveURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	fmt.Fprintln(out, "relay: healthy")

	readyURL, _ := localURL(cfg.Server.HTTPAddr, "/health/ready")
	status, body, err := fetch(ctx, readyURL)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	fmt.Fprintf(out, "agent: %s\n", body)
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d", status)
	}
	return nil
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-relay configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	defaultDBPath := filepath.Join(getDataPath(), "relay.db")

	outputFile := prompt(reader, out, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	httpAddr := prompt(reader, out, "HTTP address", config.DefaultHTTPAddr)
	grpcAddr := prompt(reader, out, "gRPC health address (empty to disable)", "")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	dbPath := prompt(reader, out, "SQLite database path", defaultDBPath)

	fmt.Fprintln(out, "\n--- Agent Configuration ---")
	cliPath := prompt(reader, out, "Agent CLI path", config.DefaultCLIPath)
	timeout := prompt(reader, out, "Invocation timeout", config.DefaultAgentTimeout.String())

	fmt.Fprintln(out, "\n--- Delivery Configuration ---")
	mode := prompt(reader, out, "Delivery mode (broadcast/submitter)", config.DeliveryBroadcast)

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
	cfg.WriteString("\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  cli_path: %q\n", cliPath))
	cfg.WriteString(fmt.Sprintf("  timeout: %q\n", timeout))
	cfg.WriteString("\n")

	cfg.WriteString("delivery:\n")
	cfg.WriteString(fmt.Sprintf("  mode: %q\n", mode))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if _, err := config.Parse([]byte(cfg.String()), false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-relay serve")

	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
