package workflow

import (
	"context"

	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/observability"
)

const claimAttempts = 3

// ClaimNextTask moves the best eligible backlog task to planning and returns
// it. A task is eligible when every dependency is done. Ties on priority go
// to the task more others depend on, then to a random pick. It returns nil
// when nothing is eligible. A claim whose planner run redirects to
// awaiting_human still returns the claimed task.
func (s *Service) ClaimNextTask(ctx context.Context) (task *domain.Task, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ClaimNextTask")
	defer func() { observability.EndSpan(span, err) }()

	for attempt := 0; attempt < claimAttempts; attempt++ {
		all := s.repo.List()
		candidates := eligible(all)
		if len(candidates) == 0 {
			return nil, nil
		}
		pick := s.choose(candidates, all)

		claimed, ok, err := s.claim(ctx, pick.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return claimed, nil
		}
		s.logger.Debug("claim lost a race, retrying", "task_id", pick.ID, "attempt", attempt+1)
	}
	return nil, nil
}

// claim re-checks eligibility under the task lock and transitions it.
func (s *Service) claim(ctx context.Context, id string) (*domain.Task, bool, error) {
	m, unlock, err := s.begin(id, "scheduler")
	if err != nil {
		// deleted since the scan
		return nil, false, nil
	}
	defer unlock()

	if m.task.Status != domain.StatusBacklog || !dependenciesDone(s.repo.List(), m.task) {
		return nil, false, nil
	}

	terr := s.transition(ctx, m, domain.StatusPlanning)
	if terr != nil && !domain.IsRedirect(terr) {
		return nil, false, terr
	}
	m.audit("task_claimed", map[string]any{
		"priority":   m.task.Priority,
		"status":     string(m.task.Status),
		"redirected": terr != nil,
	})
	if err := s.commit(ctx, m, true); err != nil {
		return nil, false, nil
	}
	s.logger.Info("task claimed", "task_id", id, "status", m.task.Status)
	out := m.task.Clone()
	return &out, true, nil
}

// eligible keeps backlog tasks whose dependencies are all done. all is
// already ordered by creation time and id.
func eligible(all []domain.Task) []domain.Task {
	var out []domain.Task
	for _, t := range all {
		if t.Status == domain.StatusBacklog && dependenciesDone(all, t) {
			out = append(out, t)
		}
	}
	return out
}

func dependenciesDone(all []domain.Task, t domain.Task) bool {
	if len(t.Dependencies) == 0 {
		return true
	}
	status := make(map[string]domain.Status, len(all))
	for _, o := range all {
		status[o.ID] = o.Status
	}
	for _, dep := range t.Dependencies {
		if status[dep] != domain.StatusDone {
			return false
		}
	}
	return true
}

// choose applies the claim ordering to a non-empty candidate list.
func (s *Service) choose(candidates, all []domain.Task) domain.Task {
	var best []domain.Task
	top := 0
	for _, c := range candidates {
		switch {
		case c.Priority > top:
			top = c.Priority
			best = append(best[:0], c)
		case c.Priority == top:
			best = append(best, c)
		}
	}
	if len(best) == 1 {
		return best[0]
	}

	var ties []domain.Task
	most := -1
	for _, c := range best {
		n := dependentCount(all, c.ID)
		switch {
		case n > most:
			most = n
			ties = append(ties[:0], c)
		case n == most:
			ties = append(ties, c)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	return ties[s.intn(len(ties))]
}

func (s *Service) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	i := s.rng.Intn(n)
	if i < 0 || i >= n {
		return 0
	}
	return i
}
