// Package policy holds the pure decision stages that gate planning: the
// planner stage, the architect stage, the readiness check and the planning
// heuristic. Nothing here mutates shared state or performs I/O.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
)

// Questionnaire options offered when planning needs clarification.
const (
	OptionProvideDetails         = "provide_missing_details"
	OptionProceedWithAssumptions = "proceed_with_assumptions"
	OptionCancelTask             = "cancel_task"
)

var ambiguousWord = regexp.MustCompile(`(?i)\bor\b`)

var riskByReason = map[string]string{
	domain.ReasonMissingDescription:  "Scope may be misread without a task description",
	domain.ReasonMissingAcceptance:   "Completion cannot be verified without acceptance criteria",
	domain.ReasonAmbiguousAcceptance: "Ambiguous acceptance criteria may cause rework",
}

// PlannerResult is the outcome of one planner stage run. Planning and Planned
// are the grown copies of the task's artifacts.
type PlannerResult struct {
	ReasonCodes           []string
	RequiresClarification bool
	Planning              domain.PlanningArtifact
	Planned               domain.TestIntents
	Questionnaire         *domain.AwaitingHumanArtifact
	// ClearQuestionnaire is set when a human answer was folded into the plan.
	ClearQuestionnaire bool
	Changed            bool
}

// MissingInputCodes derives the reason codes for absent or ambiguous inputs.
func MissingInputCodes(description string, criteria []string) []string {
	var codes []string
	if len(nonEmpty(criteria)) == 0 {
		codes = append(codes, domain.ReasonMissingAcceptance)
	}
	if strings.TrimSpace(description) == "" {
		codes = append(codes, domain.ReasonMissingDescription)
	}
	for _, c := range criteria {
		if ambiguousWord.MatchString(c) {
			codes = append(codes, domain.ReasonAmbiguousAcceptance)
			break
		}
	}
	return codes
}

// Plan runs the planner stage over a task snapshot. Growth is a set union:
// running Plan again on its own output changes nothing.
func Plan(task domain.Task, now time.Time) PlannerResult {
	meta := task.Clone().Metadata
	planning := meta.EnsurePlanningArtifact()
	tests := meta.EnsureTestingArtifacts()
	criteria := nonEmpty(planning.AcceptanceCriteria)

	res := PlannerResult{ReasonCodes: MissingInputCodes(task.Description, planning.AcceptanceCriteria)}
	grow := func(list *[]string, items ...string) {
		var changed bool
		*list, changed = AppendUnique(*list, items...)
		res.Changed = res.Changed || changed
	}

	grow(&planning.Goals, "Deliver: "+strings.TrimSpace(task.Title))
	for _, c := range criteria {
		grow(&planning.Goals, "Satisfy: "+c)
	}

	grow(&planning.Steps,
		"Confirm scope and constraints",
		"Implement: "+strings.TrimSpace(task.Title),
		"Write tests for each acceptance criterion",
		"Attach review and verification artifacts",
	)

	for _, code := range res.ReasonCodes {
		grow(&planning.Risks, riskByReason[code])
	}
	if n := len(task.Dependencies); n > 0 {
		grow(&planning.Risks, fmt.Sprintf("Depends on %d upstream task(s)", n))
	}

	for _, c := range criteria {
		grow(&tests.Planned.Unit, "Unit: "+c)
	}
	if len(criteria) > 0 {
		grow(&tests.Planned.Integration, "Integration: "+strings.TrimSpace(task.Title)+" flow")
		grow(&tests.Planned.E2E, "E2E: "+strings.TrimSpace(task.Title)+" acceptance")
	}

	answer := planning.LatestHumanAnswer()
	res.RequiresClarification = len(res.ReasonCodes) > 0 && answer == nil
	switch {
	case res.RequiresClarification:
		res.Questionnaire = Questionnaire(task.Title, res.ReasonCodes, now)
	case answer != nil:
		grow(&planning.Steps, "Incorporate human answer: "+strings.TrimSpace(answer.Answer))
		if meta.AwaitingHumanArtifact != nil {
			res.ClearQuestionnaire = true
			res.Changed = true
		}
	}

	res.Planning = *planning
	res.Planned = tests.Planned
	return res
}

// Questionnaire builds the question put to a human when planning is missing
// inputs.
func Questionnaire(title string, codes []string, now time.Time) *domain.AwaitingHumanArtifact {
	return &domain.AwaitingHumanArtifact{
		SchemaVersion: domain.AwaitingHumanSchemaVersion,
		Question: fmt.Sprintf("Planning %q needs more information (%s). How should we proceed?",
			strings.TrimSpace(title), strings.Join(codes, ", ")),
		RecommendedOption: OptionProvideDetails,
		Options:           []string{OptionProvideDetails, OptionProceedWithAssumptions, OptionCancelTask},
		ReasonCodes:       append([]string(nil), codes...),
		CreatedAt:         now,
	}
}

// AppendUnique appends the non-empty items not already in list and reports
// whether anything was added.
func AppendUnique(list []string, items ...string) ([]string, bool) {
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		seen[s] = struct{}{}
	}
	changed := false
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		list = append(list, item)
		changed = true
	}
	return list, changed
}

func nonEmpty(list []string) []string {
	var out []string
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
