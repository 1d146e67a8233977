package policy

import "github.com/rogersf/taskforge/internal/domain"

// Heuristic reason codes.
const (
	ReasonMissingGoals            = "MISSING_PLANNING_GOALS"
	ReasonMissingSteps            = "MISSING_PLANNING_STEPS"
	ReasonMissingUnitTests        = "MISSING_UNIT_TEST_INTENTS"
	ReasonMissingIntegrationTests = "MISSING_INTEGRATION_TEST_INTENTS"
	ReasonMissingE2ETests         = "MISSING_E2E_TEST_INTENTS"
	ReasonOpenHumanQuestion       = "OPEN_HUMAN_QUESTION"
)

// Evaluation is a planning agent verdict.
type Evaluation struct {
	Decision         domain.PlannerDecisionStatus `json:"decision"`
	ReasonCodes      []string                     `json:"reasonCodes"`
	EvaluationSource string                       `json:"evaluationSource"`
	UsedFallback     bool                         `json:"usedFallback"`
}

// HeuristicEvaluate is the deterministic planning verdict used when no
// planning agent CLI answers.
func HeuristicEvaluate(task domain.Task) Evaluation {
	meta := task.Clone().Metadata
	planning := meta.EnsurePlanningArtifact()
	planned := meta.EnsureTestingArtifacts().Planned

	codes := []string{}
	if len(nonEmpty(planning.AcceptanceCriteria)) == 0 {
		codes = append(codes, domain.ReasonMissingAcceptance)
	}
	if len(nonEmpty(planning.Goals)) == 0 {
		codes = append(codes, ReasonMissingGoals)
	}
	if len(nonEmpty(planning.Steps)) == 0 {
		codes = append(codes, ReasonMissingSteps)
	}
	if len(planned.Unit) == 0 {
		codes = append(codes, ReasonMissingUnitTests)
	}
	if len(planned.Integration) == 0 {
		codes = append(codes, ReasonMissingIntegrationTests)
	}
	if len(planned.E2E) == 0 {
		codes = append(codes, ReasonMissingE2ETests)
	}
	if meta.AwaitingHumanArtifact.Open() {
		codes = append(codes, ReasonOpenHumanQuestion)
	}

	ev := Evaluation{
		Decision:         domain.DecisionApproved,
		ReasonCodes:      codes,
		EvaluationSource: domain.EvaluationHeuristic,
	}
	if len(codes) > 0 {
		ev.Decision = domain.DecisionNeedsInfo
	}
	return ev
}
