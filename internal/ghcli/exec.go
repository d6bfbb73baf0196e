package ghcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

const DefaultMaxOutputBytes = 4 << 20

// Invocation is one subprocess to run.
type Invocation struct {
	Binary string
	Args   []string
	Env    []string
	Stdin  []byte
	Dir    string
}

func (in Invocation) String() string {
	return strings.TrimSpace(in.Binary + " " + strings.Join(in.Args, " "))
}

type Report struct {
	Command          string `json:"command"`
	ExitCode         int    `json:"exit_code"`
	DurationMS       int64  `json:"duration_ms"`
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
	StdoutTruncated  bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated  bool   `json:"stderr_truncated,omitempty"`
	OutputLimitBytes int    `json:"output_limit_bytes,omitempty"`
}

// Runner executes an Invocation. The context deadline bounds the run.
type Runner interface {
	Run(ctx context.Context, in Invocation) (Report, error)
}

// ErrToolUnavailable means the binary could not be found or started.
var ErrToolUnavailable = errors.New("command-line tool unavailable")

// CommandError is a subprocess that exited non-zero or ran out of time.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	TimedOut bool
	Timeout  time.Duration
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s timed out after %s", e.Command, e.Timeout)
	}
	msg := fmt.Sprintf("%s failed with exit code %d", e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + firstLines(stderr, 5)
	}
	return msg
}

func (e *CommandError) ErrorKind() core.Kind {
	if e.TimedOut {
		return core.KindTransientHost
	}
	return core.KindPermanentHost
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = append(lines[:n], "...")
	}
	return strings.Join(lines, "\n")
}

// ExecRunner runs invocations with os/exec.
type ExecRunner struct {
	MaxOutputBytes int
}

func NewExecRunner(maxOutputBytes int) *ExecRunner {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	return &ExecRunner{MaxOutputBytes: maxOutputBytes}
}

func (r *ExecRunner) Run(ctx context.Context, in Invocation) (Report, error) {
	report := Report{Command: in.String(), OutputLimitBytes: r.MaxOutputBytes}
	if strings.TrimSpace(in.Binary) == "" {
		return report, core.ValidationErrorf("command is empty")
	}

	cmd := exec.CommandContext(ctx, in.Binary, in.Args...)
	cmd.Dir = in.Dir
	cmd.Env = append(os.Environ(), in.Env...)
	if in.Stdin != nil {
		cmd.Stdin = bytes.NewReader(in.Stdin)
	}
	stdout := &limitedBuffer{max: r.MaxOutputBytes}
	stderr := &limitedBuffer{max: r.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	report.DurationMS = time.Since(start).Milliseconds()
	report.Stdout, report.StdoutTruncated = stdout.String(), stdout.truncated
	report.Stderr, report.StderrTruncated = stderr.String(), stderr.truncated

	if runErr == nil {
		return report, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		report.ExitCode = -1
		var timeout time.Duration
		if deadline, ok := ctx.Deadline(); ok {
			timeout = deadline.Sub(start).Round(time.Millisecond)
		}
		return report, &CommandError{Command: report.Command, ExitCode: -1, TimedOut: true, Timeout: timeout}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		report.ExitCode = exitErr.ExitCode()
		return report, &CommandError{Command: report.Command, ExitCode: report.ExitCode, Stderr: report.Stderr}
	}

	report.ExitCode = -1
	if errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist) {
		return report, core.Wrap(core.KindPermanentHost, in.Binary, fmt.Errorf("%w: %v", ErrToolUnavailable, runErr))
	}
	return report, core.Wrap(core.KindPermanentHost, in.Binary, runErr)
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n...[output truncated]"
	}
	return b.buf.String()
}
