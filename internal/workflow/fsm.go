package workflow

import (
	"sort"

	"github.com/rogersf/taskforge/internal/domain"
)

// validTransitions defines the legal status moves.
// Each key is a source status, and the value is the set of valid targets.
var validTransitions = map[domain.Status]map[domain.Status]bool{
	domain.StatusBacklog: {
		domain.StatusPlanning:      true,
		domain.StatusAwaitingHuman: true,
		domain.StatusCancelled:     true,
	},
	domain.StatusPlanning: {
		domain.StatusImplementing:  true,
		domain.StatusBacklog:       true, // unclaim
		domain.StatusAwaitingHuman: true,
		domain.StatusCancelled:     true,
	},
	domain.StatusImplementing: {
		domain.StatusReview:        true,
		domain.StatusPlanning:      true, // replan
		domain.StatusAwaitingHuman: true,
		domain.StatusCancelled:     true,
	},
	domain.StatusReview: {
		domain.StatusVerification:  true,
		domain.StatusImplementing:  true, // rework
		domain.StatusAwaitingHuman: true,
		domain.StatusCancelled:     true,
	},
	domain.StatusVerification: {
		domain.StatusDone:          true,
		domain.StatusImplementing:  true, // rework
		domain.StatusAwaitingHuman: true,
		domain.StatusCancelled:     true,
	},
	domain.StatusAwaitingHuman: {
		domain.StatusBacklog:      true,
		domain.StatusPlanning:     true,
		domain.StatusImplementing: true,
		domain.StatusReview:       true,
		domain.StatusVerification: true,
		domain.StatusCancelled:    true,
	},
	domain.StatusDone:      {},
	domain.StatusCancelled: {domain.StatusBacklog: true}, // reopen
}

// IsValidTransition checks if a status transition is legal.
func IsValidTransition(from, to domain.Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// AllowedTargets lists the statuses reachable from from, in lifecycle order.
func AllowedTargets(from domain.Status) []domain.Status {
	targets := validTransitions[from]
	out := make([]domain.Status, 0, len(targets))
	for to := range targets {
		out = append(out, to)
	}
	order := make(map[domain.Status]int, len(domain.AllStatuses))
	for i, s := range domain.AllStatuses {
		order[s] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}
