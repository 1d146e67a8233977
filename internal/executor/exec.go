// Package executor runs allow-listed external commands for the action
// pipeline and the planning agent.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
)

const (
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout   = 60 * time.Second
	defaultMaxOutput = 1 << 20
)

// passthroughEnv are the variables a child process inherits.
var passthroughEnv = []string{"PATH", "HOME", "LANG", "TMPDIR"}

// Request describes one command run.
type Request struct {
	Command string
	Args    []string
	Timeout time.Duration
	Stdin   []byte
	Dir     string
	Env     map[string]string
}

// Result is the outcome of a command that started. A non-zero ExitCode is
// reported here, not as an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs commands.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Local runs commands as child processes with a scrubbed environment.
type Local struct {
	// MaxOutput caps captured stdout and stderr, each.
	MaxOutput int
}

var _ Executor = (*Local)(nil)

// Execute runs req and waits for it. Timeouts and start failures return an
// ErrCommandFailed error.
func (l *Local) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Command == "" {
		return Result{}, domain.Detail(domain.ErrValidation, "command is required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limit := l.MaxOutput
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	stdout := &cappedBuffer{max: limit}
	stderr := &cappedBuffer{max: limit}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = scrubbedEnv(req.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, domain.Detail(domain.ErrCommandFailed, "%s timed out after %s", req.Command, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, domain.WrapEngineError(domain.ErrCommandFailed.Code, fmt.Sprintf("run %s", req.Command), err)
	}
	return res, nil
}

// Available reports whether command resolves on PATH.
func Available(command string) bool {
	if command == "" {
		return false
	}
	_, err := exec.LookPath(command)
	return err == nil
}

func scrubbedEnv(extra map[string]string) []string {
	env := make([]string, 0, len(passthroughEnv)+len(extra))
	for _, k := range passthroughEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
