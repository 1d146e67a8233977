package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogersf/taskforge/internal/domain"
)

func TestAllowList_Check(t *testing.T) {
	l := NewAllowList([]string{"make", "scripts/", "**/go", " ", "tools/*-lint"})

	cases := []struct {
		command string
		allowed bool
	}{
		{"make", true},
		{"make-extra", false},
		{"scripts/deploy.sh", true},
		{"scripts/", false},
		{"other/scripts/deploy.sh", false},
		{"/usr/local/go/bin/go", true},
		{"go", true},
		{"tools/golangci-lint", true},
		{"tools/nested/golangci-lint", false},
		{"sudo", false},
		{"/usr/bin/sudo", false},
		{"", false},
		{"rm", false},
		{"scripts/../rm", false},
		{"./scripts/deploy.sh", true},
		{"scripts/../../etc/passwd", false},
	}
	for _, tc := range cases {
		t.Run(tc.command, func(t *testing.T) {
			d := l.Check(tc.command)
			assert.Equal(t, tc.allowed, d.Allowed, d.Reason)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestAllowList_DenyWinsOverAllow(t *testing.T) {
	l := NewAllowList([]string{"/usr/bin/"})
	assert.True(t, l.Check("/usr/bin/git").Allowed)
	d := l.Check("/usr/bin/sudo")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "denied")
}

func TestAllowList_PathTraversalIsCleaned(t *testing.T) {
	l := NewAllowList([]string{"/usr/bin/"})
	d := l.Check("/usr/bin/../../tmp/x")
	assert.False(t, d.Allowed, d.Reason)
	assert.True(t, l.Check("/usr/bin/./git").Allowed)
}

func TestAllowList_GlobMatchesWholePath(t *testing.T) {
	l := NewAllowList([]string{"go*"})
	assert.True(t, l.Check("gofmt").Allowed)
	d := l.Check("/tmp/evil/gopher")
	assert.False(t, d.Allowed, d.Reason)
	assert.False(t, l.Check("bin/go").Allowed)
}

func TestAllowList_DenyMatchesBaseName(t *testing.T) {
	l := NewAllowList([]string{"bin/*"})
	d := l.Check("bin/sudo")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "denied")
}

func TestAllowList_Replace(t *testing.T) {
	l := NewAllowList([]string{"make"})
	assert.True(t, l.Check("make").Allowed)

	l.Replace([]string{"npm"})
	assert.False(t, l.Check("make").Allowed)
	assert.True(t, l.Check("npm").Allowed)
	assert.Equal(t, []string{"npm"}, l.Entries())
}

func requireShell(t *testing.T) {
	t.Helper()
	if !Available("sh") {
		t.Skip("sh not available")
	}
}

func TestLocal_CapturesOutputAndExitCode(t *testing.T) {
	requireShell(t)
	ex := &Local{}
	res, err := ex.Execute(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err >&2; exit 3"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestLocal_Stdin(t *testing.T) {
	requireShell(t)
	ex := &Local{}
	res, err := ex.Execute(context.Background(), Request{Command: "sh", Args: []string{"-c", "cat"}, Stdin: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello", res.Stdout)
}

func TestLocal_Timeout(t *testing.T) {
	requireShell(t)
	ex := &Local{}
	res, err := ex.Execute(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCommandFailed))
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, -1, res.ExitCode)
}

func TestLocal_MissingBinary(t *testing.T) {
	ex := &Local{}
	_, err := ex.Execute(context.Background(), Request{Command: "definitely-not-a-real-binary-xyz"})
	assert.True(t, errors.Is(err, domain.ErrCommandFailed))

	_, err = ex.Execute(context.Background(), Request{})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestLocal_OutputIsCapped(t *testing.T) {
	requireShell(t)
	ex := &Local{MaxOutput: 4}
	res, err := ex.Execute(context.Background(), Request{Command: "sh", Args: []string{"-c", "echo 0123456789"}})
	require.NoError(t, err)
	assert.Equal(t, "0123", res.Stdout)
}

func TestScrubbedEnv(t *testing.T) {
	t.Setenv("TASKFORGE_SECRET", "s3cret")
	env := scrubbedEnv(map[string]string{"EXTRA": "1"})
	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "TASKFORGE_SECRET")
	assert.Contains(t, env, "EXTRA=1")
}
