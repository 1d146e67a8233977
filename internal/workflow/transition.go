package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/executor"
	"github.com/rogersf/taskforge/internal/policy"
)

// ReasonGateError is recorded when a gate itself fails to evaluate.
const ReasonGateError = "GATE_EVALUATION_FAILED"

// Options offered on redirect questions.
const (
	OptionAttachArtifacts     = "attach_artifacts"
	OptionReturnToImplement   = "return_to_implementing"
	OptionConfigureToken      = "configure_token"
	OptionMergeManually       = "merge_manually"
	OptionResolvePullRequest  = "resolve_pull_request"
	OptionRetry               = "retry"
	OptionApproveException    = "approve_exception"
	OptionRevisePlan          = "revise_plan"
	OptionCancelTask          = policy.OptionCancelTask
	transitionCommitted       = "committed"
	transitionRedirectOutcome = "redirected"
	transitionBlockedOutcome  = "blocked"
)

// transition routes m.task to `to` through the guard. On a nil or redirect
// error m holds the state to commit. On ErrTransitionBlocked m is untouched.
func (s *Service) transition(ctx context.Context, m *mutation, to domain.Status) error {
	if !to.Valid() {
		return domain.Detail(domain.ErrInvalidStatus, "%q", to)
	}
	from := m.task.Status
	if !IsValidTransition(from, to) {
		s.metrics.Transition(string(from), string(to), transitionBlockedOutcome)
		return domain.Detail(domain.ErrTransitionBlocked, "%s -> %s is not allowed", from, to)
	}

	decision, gateName, err := s.gates.Evaluate(ctx, m.task.Clone(), from, to)
	if err != nil {
		s.logger.Warn("gate evaluation failed", "task_id", m.task.ID, "gate", gateName, "error", err)
		decision = deny(ReasonGateError, "%v", err)
	}
	if !decision.Allow {
		reason := domain.BlockingReason{Code: decision.Code, Message: decision.Message, At: s.now()}
		return s.redirect(ctx, m, from, to, reason, gateQuestion(m.task, decision, to, s.now()))
	}

	s.metrics.Transition(string(from), string(to), transitionCommitted)
	m.audit("status_changed", map[string]any{"from": string(from), "to": string(to)})
	return s.moveTo(ctx, m, to)
}

// recordBlocked notes a refused transition on m without changing status.
func (s *Service) recordBlocked(m *mutation, from, to domain.Status) {
	rt := m.task.Metadata.EnsureWorkflowRuntime()
	msg := fmt.Sprintf("%s -> %s is not allowed (allowed: %s)", from, to, joinStatuses(AllowedTargets(from)))
	reason := domain.BlockingReason{Code: domain.ReasonInvalidTransition, Message: msg, At: s.now()}
	replaced := false
	for i := range rt.BlockingReasons {
		if rt.BlockingReasons[i].Code == reason.Code {
			rt.BlockingReasons[i] = reason
			replaced = true
		}
	}
	if !replaced {
		rt.BlockingReasons = append(rt.BlockingReasons, reason)
	}
	m.audit("transition_blocked", map[string]any{"from": string(from), "to": string(to)})
	s.logger.Info("transition blocked", "task_id", m.task.ID, "from", from, "to", to)
}

// moveTo applies the status change and runs the exit and enter hooks plus the
// synchronous action pipeline. It returns a redirect error when an action
// moved the task to awaiting_human.
func (s *Service) moveTo(ctx context.Context, m *mutation, to domain.Status) error {
	t := &m.task
	from := t.Status
	now := s.now()
	rt := t.Metadata.EnsureWorkflowRuntime()
	rt.BlockingReasons = []domain.BlockingReason{}

	if from == domain.StatusBacklog && to != domain.StatusCancelled && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to == domain.StatusDone {
		t.CompletedAt = &now
	}
	if from == domain.StatusAwaitingHuman {
		if q := t.Metadata.AwaitingHumanArtifact; q.Open() {
			q.AnsweredAt = &now
		}
	}
	t.Status = to
	rt.LastTransition = &domain.TransitionRecord{From: from, To: to, At: now}

	emitted := s.runHooks(ctx, m, domain.PhaseOnExit, from, from, to)
	emitted = append(emitted, s.runHooks(ctx, m, domain.PhaseOnEnter, to, from, to)...)
	return s.runActions(ctx, m, emitted)
}

// redirect moves m.task to awaiting_human in place of the requested target
// and attaches the blocking reason and question.
func (s *Service) redirect(ctx context.Context, m *mutation, from, target domain.Status, reason domain.BlockingReason, q *domain.AwaitingHumanArtifact) error {
	if m.task.Status != domain.StatusAwaitingHuman {
		// a nested redirect from an awaiting_human action has already applied
		// its own reason; this reason and question still win
		if err := s.moveTo(ctx, m, domain.StatusAwaitingHuman); err != nil {
			s.logger.Warn("entering awaiting_human reported an error", "task_id", m.task.ID, "requested", target, "error", err)
		}
	}
	rt := m.task.Metadata.EnsureWorkflowRuntime()
	if !rt.HasBlockingReason(reason.Code) {
		rt.BlockingReasons = append(rt.BlockingReasons, reason)
	}
	m.task.Metadata.AwaitingHumanArtifact = q

	s.metrics.Transition(string(from), string(target), transitionRedirectOutcome)
	m.audit("transition_redirected", map[string]any{
		"from":      string(from),
		"requested": string(target),
		"code":      reason.Code,
		"message":   reason.Message,
	})
	s.logger.Info("transition redirected", "task_id", m.task.ID, "from", from, "requested", target, "code", reason.Code)
	return domain.Detail(domain.ErrTransitionRedirected, "%s -> %s: %s", from, target, reason.Code)
}

// gateQuestion builds the human question for a gate denial.
func gateQuestion(task domain.Task, d GateDecision, to domain.Status, now time.Time) *domain.AwaitingHumanArtifact {
	q := &domain.AwaitingHumanArtifact{
		SchemaVersion: domain.AwaitingHumanSchemaVersion,
		Question:      fmt.Sprintf("Moving %q to %s is blocked: %s. How should we proceed?", task.Title, to, d.Message),
		ReasonCodes:   []string{d.Code},
		CreatedAt:     now,
	}
	switch d.Code {
	case domain.ReasonReviewArtifactsMissing:
		q.Options = []string{OptionAttachArtifacts, OptionReturnToImplement, OptionCancelTask}
	case domain.ReasonPRTokenMissing:
		q.Options = []string{OptionConfigureToken, OptionMergeManually, OptionCancelTask}
	case domain.ReasonPRNotMerged, domain.ReasonPRMergeCheckFailed:
		q.Options = []string{OptionResolvePullRequest, OptionRetry, OptionCancelTask}
	default:
		q.Options = []string{OptionRetry, OptionCancelTask}
	}
	q.RecommendedOption = q.Options[0]
	return q
}

// runActions is the synchronous action pipeline. Each (id, phase, status)
// runs at most once; unknown types are left for the worker.
func (s *Service) runActions(ctx context.Context, m *mutation, emitted []emittedAction) error {
	for _, e := range emitted {
		rt := m.task.Metadata.EnsureWorkflowRuntime()
		if rt.HasExecuted(e.action.ID, e.phase, e.status) {
			continue
		}
		entry := domain.ActionHistoryEntry{
			At:         s.now(),
			Phase:      e.phase,
			Status:     e.status,
			Result:     domain.ResultOK,
			ActionID:   e.action.ID,
			ActionType: e.action.Type,
		}
		switch e.action.Type {
		case domain.ActionPlannerExecute:
			entry.Disposition = domain.DispositionExecuted
			rt.ActionHistory = append(rt.ActionHistory, entry)
			if err := s.runPlanner(ctx, m, e.status); err != nil {
				return err
			}
		case domain.ActionCommand:
			entry.Disposition = domain.DispositionExecuted
			if errMsg := s.runCommand(ctx, m, e.action); errMsg != "" {
				entry.Result = domain.ResultError
				entry.Error = errMsg
			}
			rt = m.task.Metadata.EnsureWorkflowRuntime()
			rt.ActionHistory = append(rt.ActionHistory, entry)
			s.metrics.HookRun(string(e.phase), string(entry.Result))
		default:
			entry.Disposition = domain.DispositionScheduled
			rt.ActionHistory = append(rt.ActionHistory, entry)
		}
	}
	return nil
}

// runPlanner applies the planner stage to m.task and redirects when the plan
// needs clarification.
func (s *Service) runPlanner(ctx context.Context, m *mutation, status domain.Status) error {
	res := policy.Plan(m.task, s.now())
	s.applyPlan(m, res)
	m.audit("planner_executed", map[string]any{
		"reasonCodes":           nonNil(res.ReasonCodes),
		"requiresClarification": res.RequiresClarification,
	})
	if !res.RequiresClarification {
		return nil
	}
	reason := domain.BlockingReason{
		Code:    domain.ReasonPlanningNeedsInfo,
		Message: "planning needs more information: " + joinCodes(res.ReasonCodes),
		At:      s.now(),
	}
	return s.redirect(ctx, m, status, status, reason, res.Questionnaire)
}

func (s *Service) applyPlan(m *mutation, res policy.PlannerResult) {
	planning := res.Planning
	m.task.Metadata.PlanningArtifact = &planning
	m.task.Metadata.EnsureTestingArtifacts().Planned = res.Planned
	if res.ClearQuestionnaire {
		m.task.Metadata.AwaitingHumanArtifact = nil
	}
}

// runCommand checks and executes a command action. It returns the failure
// message, or "" on success.
func (s *Service) runCommand(ctx context.Context, m *mutation, a domain.NextAction) string {
	command := a.StringField("command")
	args := a.StringSliceField("args")
	fail := func(code, msg string) string {
		rt := m.task.Metadata.EnsureWorkflowRuntime()
		if !rt.HasBlockingReason(code) {
			rt.BlockingReasons = append(rt.BlockingReasons, domain.BlockingReason{Code: code, Message: msg, At: s.now()})
		}
		m.audit("command_failed", map[string]any{"actionId": a.ID, "command": command, "code": code, "error": msg})
		s.logger.Warn("command action failed", "task_id", m.task.ID, "action_id", a.ID, "command", command, "code", code, "error", msg)
		return msg
	}

	if strings.TrimSpace(command) == "" {
		return fail(domain.ReasonCommandFailed, "command action has no command")
	}
	if d := s.allow.Check(command); !d.Allowed {
		return fail(domain.ReasonCommandNotAllowed, d.Reason)
	}
	if s.executor == nil {
		return fail(domain.ReasonCommandFailed, "no executor configured")
	}

	timeout := s.commandTimeout
	if ms, ok := numberField(a.Payload, "timeoutMs"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	res, err := s.executor.Execute(ctx, executor.Request{
		Command: command,
		Args:    args,
		Timeout: timeout,
		Dir:     a.StringField("cwd"),
	})
	if err != nil {
		return fail(domain.ReasonCommandFailed, err.Error())
	}
	if res.ExitCode != 0 {
		return fail(domain.ReasonCommandFailed, fmt.Sprintf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	m.audit("command_executed", map[string]any{
		"actionId":   a.ID,
		"command":    command,
		"exitCode":   res.ExitCode,
		"durationMs": res.Duration.Milliseconds(),
	})
	return ""
}

// numberField reads a numeric payload field that may have been decoded from
// JSON as float64.
func numberField(p map[string]any, key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func joinStatuses(list []domain.Status) string {
	if len(list) == 0 {
		return "none"
	}
	parts := make([]string, len(list))
	for i, st := range list {
		parts[i] = string(st)
	}
	return strings.Join(parts, ", ")
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
