package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "taskforge.yaml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
data_dir: /var/lib/taskforge
worker_interval_sec: 2
command_allow_list:
  - make
  - scripts/
planning_agent:
  command: plan-agent
  args: ["--json"]
github:
  merge_method: rebase
archive:
  endpoint: localhost:9000
  bucket: audit
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/taskforge/taskforge.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.AuditDir != "/var/lib/taskforge/audit" {
		t.Errorf("AuditDir = %q", cfg.AuditDir)
	}
	if cfg.WorkerInterval() != 2*time.Second {
		t.Errorf("WorkerInterval = %v, want 2s", cfg.WorkerInterval())
	}
	if len(cfg.CommandAllowList) != 2 {
		t.Errorf("CommandAllowList = %v", cfg.CommandAllowList)
	}
	if cfg.PlanningAgent.Command != "plan-agent" || cfg.PlanningAgentTimeout() != 30*time.Second {
		t.Errorf("PlanningAgent = %+v", cfg.PlanningAgent)
	}
	if cfg.GitHub.MergeMethod != "rebase" {
		t.Errorf("MergeMethod = %q", cfg.GitHub.MergeMethod)
	}
}

func TestLoad_JSONIsAccepted(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"listen_addr": ":8080", "worker_max_attempts": 5}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.WorkerMaxAttempts != 5 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.AuditRetentionDays != 30 {
		t.Errorf("AuditRetentionDays = %d, want 30", cfg.AuditRetentionDays)
	}
	if cfg.CommandTimeout() != 2*time.Minute {
		t.Errorf("CommandTimeout = %v, want 2m", cfg.CommandTimeout())
	}
	if cfg.MaxCheckpointsPerTask != 100 {
		t.Errorf("MaxCheckpointsPerTask = %d", cfg.MaxCheckpointsPerTask)
	}
	if cfg.GitHub.MergeMethod != "squash" {
		t.Errorf("MergeMethod = %q", cfg.GitHub.MergeMethod)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/taskforge.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "listen_addr: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"merge method", "github:\n  merge_method: octopus\n"},
		{"negative retention", "audit_retention_days: -1\n"},
		{"archive without bucket", "archive:\n  endpoint: localhost:9000\n  bucket: \"\"\n"},
		{"negative interval", "worker_interval_sec: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			if !errors.Is(err, domain.ErrConfigInvalid) {
				t.Fatalf("err = %v, want ErrConfigInvalid", err)
			}
		})
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "command_allow_list: [make]\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) { changes <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("command_allow_list: [make, go]\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changes:
		if len(cfg.CommandAllowList) != 2 {
			t.Errorf("reloaded allow list = %v", cfg.CommandAllowList)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
