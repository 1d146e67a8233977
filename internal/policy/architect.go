package policy

import (
	"regexp"
	"strings"

	"github.com/rogersf/taskforge/internal/domain"
)

// Finding codes emitted by the architect stage.
const (
	FindingPolicyException    = "UNAPPROVED_POLICY_EXCEPTION"
	FindingMissingGoals       = "PLAN_MISSING_GOALS"
	FindingMissingSteps       = "PLAN_MISSING_STEPS"
	FindingMissingAcceptance  = "PLAN_MISSING_ACCEPTANCE_CRITERIA"
	FindingMissingUnitTests   = "TESTS_MISSING_UNIT"
	FindingMissingIntegration = "TESTS_MISSING_INTEGRATION"
	FindingMissingE2E         = "TESTS_MISSING_E2E"
	FindingNoRisksRecorded    = "PLAN_NO_RISKS_RECORDED"
)

var (
	policyExceptionPattern = regexp.MustCompile(`(?i)policy exception|risk acceptance|waive`)
	approvalPattern        = regexp.MustCompile(`(?i)\b(approve[ds]?|approval|accept(ed|s)?|acceptance|waive[ds]?|waiver)\b`)
)

// ArchitectInput is everything the architect stage looks at.
type ArchitectInput struct {
	AcceptanceCriteria []string
	LatestHumanAnswer  *domain.HumanAnswer
	Planning           domain.PlanningArtifact
	TestingPlanned     domain.TestIntents
}

// ArchitectResult is the architect stage verdict.
type ArchitectResult struct {
	Decision domain.ArchitectDecision
	Findings []domain.Finding
}

// Blocking reports whether the decision requires a human.
func (r ArchitectResult) Blocking() bool {
	return r.Decision == domain.ArchitectBlocked
}

// ArchitectInputFor extracts the architect stage input from a task snapshot.
func ArchitectInputFor(task domain.Task) ArchitectInput {
	meta := task.Clone().Metadata
	planning := meta.EnsurePlanningArtifact()
	tests := meta.EnsureTestingArtifacts()
	return ArchitectInput{
		AcceptanceCriteria: planning.AcceptanceCriteria,
		LatestHumanAnswer:  planning.LatestHumanAnswer(),
		Planning:           *planning,
		TestingPlanned:     tests.Planned,
	}
}

// Architect reviews a plan. A critical finding blocks on a human decision, a
// major finding requests changes, minor findings alone still approve.
func Architect(in ArchitectInput) ArchitectResult {
	var findings []domain.Finding
	add := func(sev domain.Severity, cat domain.FindingCategory, code, msg string) {
		findings = append(findings, domain.Finding{Severity: sev, Category: cat, Code: code, Message: msg})
	}

	if mentionsPolicyException(in) && !answerApproves(in.LatestHumanAnswer) {
		add(domain.SeverityCritical, domain.CategorySafety, FindingPolicyException,
			"plan relies on a policy exception or risk acceptance that no human has approved")
	}

	if len(nonEmpty(in.AcceptanceCriteria)) == 0 {
		add(domain.SeverityMajor, domain.CategoryWorkflow, FindingMissingAcceptance, "plan has no acceptance criteria")
	}
	if len(nonEmpty(in.Planning.Goals)) == 0 {
		add(domain.SeverityMajor, domain.CategoryArchitecture, FindingMissingGoals, "plan has no goals")
	}
	if len(nonEmpty(in.Planning.Steps)) == 0 {
		add(domain.SeverityMajor, domain.CategoryArchitecture, FindingMissingSteps, "plan has no steps")
	}
	if len(in.TestingPlanned.Unit) == 0 {
		add(domain.SeverityMajor, domain.CategoryTesting, FindingMissingUnitTests, "no unit tests planned")
	}
	if len(in.TestingPlanned.Integration) == 0 {
		add(domain.SeverityMajor, domain.CategoryTesting, FindingMissingIntegration, "no integration tests planned")
	}
	if len(in.TestingPlanned.E2E) == 0 {
		add(domain.SeverityMajor, domain.CategoryTesting, FindingMissingE2E, "no end-to-end tests planned")
	}

	if len(nonEmpty(in.Planning.Risks)) == 0 {
		add(domain.SeverityMinor, domain.CategoryArchitecture, FindingNoRisksRecorded, "no risks recorded")
	}

	return ArchitectResult{Decision: decide(findings), Findings: findings}
}

func decide(findings []domain.Finding) domain.ArchitectDecision {
	major := false
	for _, f := range findings {
		switch f.Severity {
		case domain.SeverityCritical:
			return domain.ArchitectBlocked
		case domain.SeverityMajor:
			major = true
		}
	}
	if major {
		return domain.ArchitectChangesRequested
	}
	return domain.ArchitectApproved
}

func mentionsPolicyException(in ArchitectInput) bool {
	var parts []string
	parts = append(parts, in.AcceptanceCriteria...)
	parts = append(parts, in.Planning.Goals...)
	parts = append(parts, in.Planning.Steps...)
	parts = append(parts, in.Planning.Risks...)
	return policyExceptionPattern.MatchString(strings.Join(parts, "\n"))
}

func answerApproves(a *domain.HumanAnswer) bool {
	if a == nil {
		return false
	}
	return a.ApprovesPlan || approvalPattern.MatchString(a.Answer)
}
