// ABOUTME: Runs the external agent CLI as a subprocess with a bounded timeout.
// ABOUTME: Failures are reported as Result values; nothing escapes as an error or panic.

package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Error strings reported in Result.Error for the two deadline paths.
const (
	ErrTimeout   = "Timeout"
	ErrCancelled = "Cancelled"
)

// HealthTimeout bounds the --version probe.
const HealthTimeout = 5 * time.Second

// waitDelay is how long Wait keeps draining pipes after the process is killed.
// Grandchildren that inherited stdout would otherwise keep Wait blocked.
const waitDelay = 2 * time.Second

// Result is the outcome of one agent invocation.
// Exactly one of Output and Error is set once the invocation has run.
type Result struct {
	Success bool    `json:"success"`
	Output  *string `json:"output"`
	Error   *string `json:"error"`
}

// Succeeded builds a successful Result.
func Succeeded(output string) Result {
	return Result{Success: true, Output: &output}
}

// Failed builds a failed Result.
func Failed(msg string) Result {
	return Result{Success: false, Error: &msg}
}

// TimedOut reports whether the result is the timeout failure.
func (r Result) TimedOut() bool {
	return !r.Success && r.Error != nil && *r.Error == ErrTimeout
}

// OutputText returns the output or "" when absent.
func (r Result) OutputText() string {
	if r.Output == nil {
		return ""
	}
	return *r.Output
}

// ErrorText returns the error or "" when absent.
func (r Result) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Agent is the contract the task executor depends on.
type Agent interface {
	Invoke(ctx context.Context, prompt, sessionID, participantID string, timeout time.Duration) Result
}

// Options configures an Invoker.
type Options struct {
	Path           string   // CLI binary, resolved via PATH when not absolute
	ExtraArgs      []string // inserted before the session/user flags
	WorkDir        string
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Invoker launches one subprocess per call. It holds no mutable state and is
// safe for concurrent use.
type Invoker struct {
	path           string
	extraArgs      []string
	workDir        string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New creates an Invoker.
func New(opts Options) *Invoker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Invoker{
		path:           opts.Path,
		extraArgs:      append([]string(nil), opts.ExtraArgs...),
		workDir:        opts.WorkDir,
		defaultTimeout: timeout,
		logger:         logger.With("component", "invoker"),
	}
}

// Path returns the configured CLI path.
func (i *Invoker) Path() string {
	return i.path
}

// Args builds the argv (without the binary) for one invocation.
func (i *Invoker) Args(prompt, sessionID, participantID string) []string {
	args := make([]string, 0, len(i.extraArgs)+5)
	args = append(args, i.extraArgs...)
	return append(args, "--session", sessionID, "--user", participantID, prompt)
}

// Invoke runs the agent and waits for it to exit or for the timeout to expire.
// A timeout <= 0 uses the default. On timeout the process (and its process
// group where supported) is killed and reaped before returning.
func (i *Invoker) Invoke(ctx context.Context, prompt, sessionID, participantID string, timeout time.Duration) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("agent invocation panicked", "session_id", sessionID, "panic", r)
			result = Failed(fmt.Sprintf("panic: %v", r))
		}
	}()

	if timeout <= 0 {
		timeout = i.defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, i.path, i.Args(prompt, sessionID, participantID)...)
	cmd.Dir = i.workDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	switch {
	case err == nil:
		i.logger.Debug("agent invocation succeeded",
			"session_id", sessionID,
			"elapsed", elapsed,
			"output_bytes", stdout.Len(),
		)
		return Succeeded(stdout.String())

	case ctx.Err() != nil:
		i.logger.Warn("agent invocation cancelled", "session_id", sessionID, "elapsed", elapsed)
		return Failed(ErrCancelled)

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		i.logger.Warn("agent invocation timed out",
			"session_id", sessionID,
			"participant_id", participantID,
			"timeout", timeout,
		)
		return Failed(ErrTimeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := stderr.String()
		if msg == "" {
			msg = exitErr.Error()
		}
		i.logger.Warn("agent exited with error",
			"session_id", sessionID,
			"exit_code", exitErr.ExitCode(),
			"elapsed", elapsed,
		)
		return Failed(msg)
	}

	i.logger.Error("agent invocation failed", "session_id", sessionID, "error", err)
	return Failed(err.Error())
}

// Version runs the CLI with --version under HealthTimeout and returns its trimmed stdout.
func (i *Invoker) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, i.path, "--version")
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("running %s --version: %w", i.path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CheckHealth reports whether the CLI answers --version successfully.
// All error detail is discarded.
func (i *Invoker) CheckHealth(ctx context.Context) bool {
	_, err := i.Version(ctx)
	return err == nil
}
