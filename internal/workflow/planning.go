package workflow

import (
	"context"
	"reflect"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/observability"
	"github.com/rogersf/taskforge/internal/policy"
)

// AnswerInput is a human reply to the open question of a task.
type AnswerInput struct {
	Answer       string
	Actor        string
	ApprovesPlan bool
	// Resume optionally moves the task on once the answer is recorded.
	Resume *domain.Status
}

// AnswerHumanQuestion records an answer and closes the open question. An
// answer that approves the plan is accepted even with no question open.
func (s *Service) AnswerHumanQuestion(ctx context.Context, id string, in AnswerInput) (domain.Task, error) {
	answer := strings.TrimSpace(in.Answer)
	if answer == "" && !in.ApprovesPlan {
		return domain.Task{}, domain.Detail(domain.ErrValidation, "answer is required")
	}
	m, unlock, err := s.begin(id, in.Actor)
	if err != nil {
		return domain.Task{}, err
	}
	defer unlock()

	q := m.task.Metadata.AwaitingHumanArtifact
	if !q.Open() && !in.ApprovesPlan {
		return domain.Task{}, domain.Detail(domain.ErrNoOpenQuestion, "%s", id)
	}

	now := s.now()
	p := m.task.Metadata.EnsurePlanningArtifact()
	p.HumanAnswers = append(p.HumanAnswers, domain.HumanAnswer{
		Answer:       answer,
		Actor:        m.actor,
		ApprovesPlan: in.ApprovesPlan,
		At:           now,
	})
	if q.Open() {
		q.AnsweredAt = &now
	}
	if in.ApprovesPlan {
		p.Decision = &domain.PlannerDecision{
			Status:      domain.DecisionApproved,
			Source:      domain.SourceHumanReview,
			ReasonCodes: []string{},
			At:          now,
		}
	}
	m.audit("human_answered", map[string]any{"approvesPlan": in.ApprovesPlan})

	var statusErr error
	if in.Resume != nil && *in.Resume != m.task.Status {
		before := m.task.Clone()
		statusErr = s.transition(ctx, m, *in.Resume)
		if domain.IsBlocked(statusErr) {
			m.task = before
			s.recordBlocked(m, before.Status, *in.Resume)
		} else if statusErr != nil && !domain.IsRedirect(statusErr) {
			return domain.Task{}, statusErr
		}
	}

	if err := s.commit(ctx, m, true); err != nil {
		return domain.Task{}, err
	}
	return m.task.Clone(), statusErr
}

// ReconcilePlanning grows the plan of a planning task and records the
// planning agent's verdict. It commits only when something changed and never
// redirects; missing inputs surface through the verdict instead.
func (s *Service) ReconcilePlanning(ctx context.Context, id string) (task domain.Task, changed bool, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ReconcilePlanning", attribute.String("task.id", id))
	defer func() { observability.EndSpan(span, err) }()

	m, unlock, err := s.begin(id, "planner")
	if err != nil {
		return domain.Task{}, false, err
	}
	defer unlock()
	if m.task.Status != domain.StatusPlanning {
		return m.task.Clone(), false, nil
	}

	res := policy.Plan(m.task, s.now())
	if res.Changed {
		s.applyPlan(m, res)
		changed = true
	}

	eval, err := s.planner.Evaluate(ctx, m.task.Clone())
	if err != nil {
		return domain.Task{}, false, domain.WrapEngineError(domain.ErrPlanningAgent.Code, "evaluate "+id, err)
	}

	p := m.task.Metadata.EnsurePlanningArtifact()
	humanApproved := p.Decision != nil && p.Decision.Source == domain.SourceHumanReview &&
		p.Decision.Status == domain.DecisionApproved
	if !humanApproved {
		next := &domain.PlannerDecision{
			Status:           eval.Decision,
			Source:           domain.SourcePlanningAgent,
			EvaluationSource: eval.EvaluationSource,
			UsedFallback:     eval.UsedFallback,
			ReasonCodes:      nonNil(eval.ReasonCodes),
			At:               s.now(),
		}
		if !sameDecision(p.Decision, next) {
			p.Decision = next
			changed = true
		}
	}

	if !changed {
		return m.task.Clone(), false, nil
	}
	m.audit("planning_reconciled", map[string]any{
		"decision":         string(p.Decision.Status),
		"reasonCodes":      p.Decision.ReasonCodes,
		"evaluationSource": p.Decision.EvaluationSource,
		"usedFallback":     p.Decision.UsedFallback,
	})
	if err := s.commit(ctx, m, true); err != nil {
		return domain.Task{}, false, err
	}
	return m.task.Clone(), true, nil
}

func sameDecision(a, b *domain.PlannerDecision) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Status == b.Status && a.Source == b.Source &&
		a.EvaluationSource == b.EvaluationSource && a.UsedFallback == b.UsedFallback &&
		equalStrings(a.ReasonCodes, b.ReasonCodes)
}

// AdvanceResult reports what AdvanceIfReady did.
type AdvanceResult struct {
	Advanced   bool
	Redirected bool
	Decision   domain.ArchitectDecision
	Gaps       []string
}

// AdvanceIfReady runs the architect stage on a planning task with a complete,
// approved plan and moves it to implementing when the stage approves.
func (s *Service) AdvanceIfReady(ctx context.Context, id string) (result AdvanceResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.AdvanceIfReady", attribute.String("task.id", id))
	defer func() { observability.EndSpan(span, err) }()

	m, unlock, err := s.begin(id, "architect")
	if err != nil {
		return AdvanceResult{}, err
	}
	defer unlock()
	if m.task.Status != domain.StatusPlanning {
		return AdvanceResult{}, nil
	}
	if ready, gaps := policy.ReadyForArchitectureReview(m.task); !ready {
		return AdvanceResult{Gaps: gaps}, nil
	}

	res := policy.Architect(policy.ArchitectInputFor(m.task))
	result.Decision = res.Decision
	findings := res.Findings
	if findings == nil {
		findings = []domain.Finding{}
	}
	prev := m.task.Metadata.ArchitectureReview
	unchanged := prev != nil && prev.Decision == res.Decision && reflect.DeepEqual(prev.Findings, findings)
	m.task.Metadata.ArchitectureReview = &domain.ArchitectureReview{
		SchemaVersion: domain.ArchitectureReviewSchemaVersion,
		Decision:      res.Decision,
		Findings:      findings,
		ReviewedAt:    s.now(),
	}
	m.audit("architecture_reviewed", map[string]any{
		"decision": string(res.Decision),
		"findings": len(findings),
	})

	switch res.Decision {
	case domain.ArchitectApproved:
		terr := s.transition(ctx, m, domain.StatusImplementing)
		if terr != nil && !domain.IsRedirect(terr) {
			return result, terr
		}
		result.Advanced = terr == nil
		result.Redirected = terr != nil

	case domain.ArchitectChangesRequested:
		if unchanged {
			return result, nil
		}
		rt := m.task.Metadata.EnsureWorkflowRuntime()
		reason := domain.BlockingReason{
			Code:    domain.ReasonArchitectureChanges,
			Message: "architecture review requested changes: " + joinCodes(findingCodes(findings)),
			At:      s.now(),
		}
		kept := rt.BlockingReasons[:0]
		for _, br := range rt.BlockingReasons {
			if br.Code != reason.Code {
				kept = append(kept, br)
			}
		}
		rt.BlockingReasons = append(kept, reason)

	case domain.ArchitectBlocked:
		reason := domain.BlockingReason{
			Code:    domain.ReasonArchitectureBlocked,
			Message: "architecture review needs a human decision: " + joinCodes(findingCodes(findings)),
			At:      s.now(),
		}
		q := &domain.AwaitingHumanArtifact{
			SchemaVersion:     domain.AwaitingHumanSchemaVersion,
			Question:          "The plan for " + m.task.Title + " relies on a policy exception. Approve it, revise the plan, or cancel?",
			RecommendedOption: OptionRevisePlan,
			Options:           []string{OptionApproveException, OptionRevisePlan, OptionCancelTask},
			ReasonCodes:       findingCodes(findings),
			CreatedAt:         s.now(),
		}
		_ = s.redirect(ctx, m, domain.StatusPlanning, domain.StatusImplementing, reason, q)
		result.Redirected = true
	}

	if err := s.commit(ctx, m, true); err != nil {
		return AdvanceResult{}, err
	}
	return result, nil
}

func findingCodes(findings []domain.Finding) []string {
	codes := make([]string, 0, len(findings))
	for _, f := range findings {
		codes = append(codes, f.Code)
	}
	return codes
}
