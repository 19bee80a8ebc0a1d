package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes container runtime CLI commands.
type Runner interface {
	// Output runs the command and returns its stdout. A non-zero exit is an
	// error that includes stderr.
	Output(ctx context.Context, args ...string) (string, error)

	// Run streams stdio to the command and returns its exit code. The error
	// is non-nil only when the command could not be run at all.
	Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) (int, error)
}

// osRunner executes the runtime binary via exec.CommandContext.
type osRunner struct {
	binary string
}

// NewRunner returns a Runner for the given runtime binary.
func NewRunner(binary string) Runner {
	return osRunner{binary: binary}
}

func (r osRunner) Output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %w\nstderr: %s",
			r.binary, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (r osRunner) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return -1, fmt.Errorf("%s %s: %w", r.binary, strings.Join(args, " "), err)
}

const tailLimit = 4096

// tailBuffer keeps the last tailLimit bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - tailLimit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
