// Package main is the entry point for taskforge.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rogersf/taskforge/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "taskforge",
		Short:         "Task orchestration core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML or JSON); falls back to TASKFORGE_CONFIG")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(g))
	cmd.AddCommand(auditCmd(g))
	cmd.AddCommand(tasksCmd(g))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskforge %s (commit=%s, built=%s)\n", version, commit, date)
		},
	})
	return cmd
}

// resolveConfigPath picks --config, then TASKFORGE_CONFIG, then
// ./taskforge.yaml when it exists.
func (g *globalFlags) resolveConfigPath() string {
	if g.configPath != "" {
		return g.configPath
	}
	if p := os.Getenv("TASKFORGE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("taskforge.yaml"); err == nil {
		return "taskforge.yaml"
	}
	return ""
}

func (g *globalFlags) loadConfig() (*config.Config, string, error) {
	path := g.resolveConfigPath()
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func (g *globalFlags) logger() *slog.Logger {
	return newLogger(g.logLevel)
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
