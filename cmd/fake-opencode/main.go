// ABOUTME: Deterministic stand-in for the opencode CLI used in E2E testing
// ABOUTME: Usage: fake-opencode [--version] [--session S] [--user U] <prompt>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const fakeVersion = "fake-opencode 0.1.0"

// Prompt directives. A prompt starting with one of these changes the
// behaviour of the run instead of being echoed.
const (
	failPrefix  = "fail:"  // exit 1 with the rest of the prompt on stderr
	sleepPrefix = "sleep:" // sleep for the given duration, then echo
	exitPrefix  = "exit:"  // exit with the given status code and no output
)

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("fake-opencode", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := fs.Bool("version", false, "print version and exit")
	session := fs.String("session", "", "session id")
	user := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return &exitError{code: 2, msg: ""}
	}

	if *showVersion {
		fmt.Fprintln(stdout, fakeVersion)
		return nil
	}

	prompt := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(prompt) == "" {
		return &exitError{code: 2, msg: "no prompt given"}
	}

	switch {
	case strings.HasPrefix(prompt, failPrefix):
		return &exitError{code: 1, msg: strings.TrimSpace(strings.TrimPrefix(prompt, failPrefix))}

	case strings.HasPrefix(prompt, exitPrefix):
		var code int
		if _, err := fmt.Sscanf(strings.TrimPrefix(prompt, exitPrefix), "%d", &code); err != nil {
			return &exitError{code: 2, msg: fmt.Sprintf("bad exit code in %q", prompt)}
		}
		return &exitError{code: code}

	case strings.HasPrefix(prompt, sleepPrefix):
		rest := strings.TrimPrefix(prompt, sleepPrefix)
		raw, tail, _ := strings.Cut(rest, " ")
		d, err := time.ParseDuration(raw)
		if err != nil {
			return &exitError{code: 2, msg: fmt.Sprintf("bad duration %q", raw)}
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return &exitError{code: 130, msg: "interrupted"}
		}
		prompt = strings.TrimSpace(tail)
		if prompt == "" {
			prompt = "slept " + d.String()
		}
	}

	fmt.Fprint(stdout, echoReply(prompt, *session, *user))
	return nil
}

func echoReply(input, session, user string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "# Reply\n\nHere is a **markdown** response:\n\n- First item\n- Second item with `code`\n- ~~Third~~ item\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nsession=%s user=%s\n", input, session, user)
}
