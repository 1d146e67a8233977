// Package planagent evaluates a task's plan with an external planning-agent
// CLI, falling back to the deterministic heuristic whenever the CLI is
// absent, slow or incoherent.
package planagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/executor"
	"github.com/rogersf/taskforge/internal/policy"
)

// DefaultTimeout bounds one CLI evaluation.
const DefaultTimeout = 30 * time.Second

// Evaluator produces a planning verdict for a task.
type Evaluator interface {
	Evaluate(ctx context.Context, task domain.Task) (policy.Evaluation, error)
}

// Heuristic is an Evaluator that never calls out.
type Heuristic struct{}

// Evaluate implements Evaluator.
func (Heuristic) Evaluate(_ context.Context, task domain.Task) (policy.Evaluation, error) {
	return policy.HeuristicEvaluate(task), nil
}

// Config locates the planning-agent CLI.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// CLI runs the planning-agent command with the task as JSON on stdin and
// expects {"decision": "...", "reasonCodes": [...]} on stdout.
type CLI struct {
	cfg       Config
	exec      executor.Executor
	available func(string) bool
	logger    *slog.Logger
}

// NewCLI builds a CLI evaluator. A nil ex uses a local executor.
func NewCLI(cfg Config, ex executor.Executor, logger *slog.Logger) *CLI {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if ex == nil {
		ex = &executor.Local{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{
		cfg:       cfg,
		exec:      ex,
		available: executor.Available,
		logger:    logger.With("component", "planagent"),
	}
}

// cliInput is what the agent receives on stdin.
type cliInput struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Description        string             `json:"description"`
	Priority           int                `json:"priority"`
	Status             domain.Status      `json:"status"`
	AcceptanceCriteria []string           `json:"acceptanceCriteria"`
	Goals              []string           `json:"goals"`
	Steps              []string           `json:"steps"`
	Risks              []string           `json:"risks"`
	Planned            domain.TestIntents `json:"planned"`
	OpenQuestion       bool               `json:"openQuestion"`
}

type cliOutput struct {
	Decision    string   `json:"decision"`
	ReasonCodes []string `json:"reasonCodes"`
}

// Evaluate implements Evaluator. It only returns an error when ctx is done;
// every CLI failure degrades to the heuristic with UsedFallback set.
func (c *CLI) Evaluate(ctx context.Context, task domain.Task) (policy.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return policy.Evaluation{}, err
	}
	ev, err := c.runCLI(ctx, task)
	if err == nil {
		return ev, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return policy.Evaluation{}, ctxErr
	}
	c.logger.Warn("planning agent unavailable, using heuristic", "task_id", task.ID, "error", err)
	fallback := policy.HeuristicEvaluate(task)
	fallback.UsedFallback = true
	return fallback, nil
}

func (c *CLI) runCLI(ctx context.Context, task domain.Task) (policy.Evaluation, error) {
	if !c.available(c.cfg.Command) {
		return policy.Evaluation{}, domain.Detail(domain.ErrPlanningAgent, "command %q not found", c.cfg.Command)
	}
	stdin, err := json.Marshal(inputFor(task))
	if err != nil {
		return policy.Evaluation{}, fmt.Errorf("encode task: %w", err)
	}
	res, err := c.exec.Execute(ctx, executor.Request{
		Command: c.cfg.Command,
		Args:    c.cfg.Args,
		Timeout: c.cfg.Timeout,
		Stdin:   stdin,
	})
	if err != nil {
		return policy.Evaluation{}, err
	}
	if res.ExitCode != 0 {
		return policy.Evaluation{}, domain.Detail(domain.ErrPlanningAgent, "exit code %d: %s", res.ExitCode, firstLine(res.Stderr))
	}
	return parseOutput(res.Stdout)
}

// parseOutput accepts the last JSON object line of stdout, so agents may log
// progress before the verdict.
func parseOutput(stdout string) (policy.Evaluation, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var out cliOutput
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			return policy.Evaluation{}, domain.Detail(domain.ErrPlanningAgent, "invalid JSON output: %v", err)
		}
		decision := domain.PlannerDecisionStatus(out.Decision)
		if decision != domain.DecisionApproved && decision != domain.DecisionNeedsInfo {
			return policy.Evaluation{}, domain.Detail(domain.ErrPlanningAgent, "unknown decision %q", out.Decision)
		}
		codes := out.ReasonCodes
		if codes == nil {
			codes = []string{}
		}
		return policy.Evaluation{
			Decision:         decision,
			ReasonCodes:      codes,
			EvaluationSource: domain.EvaluationCLI,
		}, nil
	}
	return policy.Evaluation{}, domain.Detail(domain.ErrPlanningAgent, "no JSON verdict on stdout")
}

func inputFor(task domain.Task) cliInput {
	meta := task.Clone().Metadata
	planning := meta.EnsurePlanningArtifact()
	return cliInput{
		ID:                 task.ID,
		Title:              task.Title,
		Description:        task.Description,
		Priority:           task.Priority,
		Status:             task.Status,
		AcceptanceCriteria: planning.AcceptanceCriteria,
		Goals:              planning.Goals,
		Steps:              planning.Steps,
		Risks:              planning.Risks,
		Planned:            meta.EnsureTestingArtifacts().Planned,
		OpenQuestion:       meta.AwaitingHumanArtifact.Open(),
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
