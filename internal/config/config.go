// Package config loads the taskforge runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rogersf/taskforge/internal/domain"
)

// PlanningAgentConfig locates the external planning-agent CLI. An empty
// command selects the built-in heuristic.
type PlanningAgentConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// GitHubConfig feeds the merge gate.
type GitHubConfig struct {
	Token       string `yaml:"token"`
	MergeMethod string `yaml:"merge_method"`
	APIURL      string `yaml:"api_url"`
}

// ArchiveConfig addresses the bucket swept ledger partitions are copied to.
// Archiving is off when Endpoint is empty.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// Config holds the runtime configuration.
type Config struct {
	DataDir               string              `yaml:"data_dir"`
	DBPath                string              `yaml:"db_path"`
	AuditDir              string              `yaml:"audit_dir"`
	AuditRetentionDays    int                 `yaml:"audit_retention_days"`
	WorkerIntervalSec     int                 `yaml:"worker_interval_sec"`
	WorkerMaxAttempts     int                 `yaml:"worker_max_attempts"`
	MaxCheckpointsPerTask int                 `yaml:"max_checkpoints_per_task"`
	CommandAllowList      []string            `yaml:"command_allow_list"`
	CommandTimeoutSec     int                 `yaml:"command_timeout_sec"`
	PlanningAgent         PlanningAgentConfig `yaml:"planning_agent"`
	GitHub                GitHubConfig        `yaml:"github"`
	ListenAddr            string              `yaml:"listen_addr"`
	NATSURL               string              `yaml:"nats_url"`
	Archive               ArchiveConfig       `yaml:"archive"`
}

// Load reads a YAML (or JSON) config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = ".taskforge"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "taskforge.db")
	}
	if c.AuditDir == "" {
		c.AuditDir = filepath.Join(c.DataDir, "audit")
	}
	if c.AuditRetentionDays == 0 {
		c.AuditRetentionDays = 30
	}
	if c.WorkerIntervalSec == 0 {
		c.WorkerIntervalSec = 5
	}
	if c.WorkerMaxAttempts == 0 {
		c.WorkerMaxAttempts = 3
	}
	if c.MaxCheckpointsPerTask == 0 {
		c.MaxCheckpointsPerTask = 100
	}
	if c.CommandTimeoutSec == 0 {
		c.CommandTimeoutSec = 120
	}
	if c.PlanningAgent.TimeoutSec == 0 {
		c.PlanningAgent.TimeoutSec = 30
	}
	if c.GitHub.MergeMethod == "" {
		c.GitHub.MergeMethod = "squash"
	}
	if c.GitHub.Token == "" {
		c.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:9800"
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.AuditRetentionDays < 0 {
		problems = append(problems, "audit_retention_days must not be negative")
	}
	if c.WorkerIntervalSec < 0 {
		problems = append(problems, "worker_interval_sec must be positive")
	}
	if c.WorkerMaxAttempts < 0 {
		problems = append(problems, "worker_max_attempts must be positive")
	}
	if c.MaxCheckpointsPerTask < 0 {
		problems = append(problems, "max_checkpoints_per_task must be positive")
	}
	if c.CommandTimeoutSec < 0 {
		problems = append(problems, "command_timeout_sec must be positive")
	}
	switch c.GitHub.MergeMethod {
	case "merge", "squash", "rebase":
	default:
		problems = append(problems, "github.merge_method must be merge, squash or rebase")
	}
	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		problems = append(problems, "archive.bucket is required when archive.endpoint is set")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// WorkerInterval returns the worker poll interval.
func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.WorkerIntervalSec) * time.Second
}

// CommandTimeout returns the per-command timeout of the action pipeline.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSec) * time.Second
}

// PlanningAgentTimeout returns the planning-agent CLI timeout.
func (c *Config) PlanningAgentTimeout() time.Duration {
	return time.Duration(c.PlanningAgent.TimeoutSec) * time.Second
}
