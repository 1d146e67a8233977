package policy

import "github.com/rogersf/taskforge/internal/domain"

// Readiness gaps reported by ReadyForArchitectureReview.
const (
	GapAcceptanceCriteria = "acceptance_criteria"
	GapGoals              = "goals"
	GapSteps              = "steps"
	GapUnitTests          = "unit_tests"
	GapIntegrationTests   = "integration_tests"
	GapE2ETests           = "e2e_tests"
	GapDecision           = "planner_decision"
	GapOpenQuestion       = "open_question"
)

// ReadyForArchitectureReview reports whether a planning task carries a
// complete, approved plan, and lists what is missing when it does not.
func ReadyForArchitectureReview(task domain.Task) (bool, []string) {
	meta := task.Clone().Metadata
	planning := meta.EnsurePlanningArtifact()
	planned := meta.EnsureTestingArtifacts().Planned

	var gaps []string
	if len(nonEmpty(planning.AcceptanceCriteria)) == 0 {
		gaps = append(gaps, GapAcceptanceCriteria)
	}
	if len(nonEmpty(planning.Goals)) == 0 {
		gaps = append(gaps, GapGoals)
	}
	if len(nonEmpty(planning.Steps)) == 0 {
		gaps = append(gaps, GapSteps)
	}
	if len(planned.Unit) == 0 {
		gaps = append(gaps, GapUnitTests)
	}
	if len(planned.Integration) == 0 {
		gaps = append(gaps, GapIntegrationTests)
	}
	if len(planned.E2E) == 0 {
		gaps = append(gaps, GapE2ETests)
	}
	if !decisionApproved(planning.Decision) {
		gaps = append(gaps, GapDecision)
	}
	if meta.AwaitingHumanArtifact.Open() {
		gaps = append(gaps, GapOpenQuestion)
	}
	return len(gaps) == 0, gaps
}

func decisionApproved(d *domain.PlannerDecision) bool {
	if d == nil || d.Status != domain.DecisionApproved {
		return false
	}
	return d.Source == domain.SourcePlanningAgent || d.Source == domain.SourceHumanReview
}
