package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rogersf/taskforge/internal/domain"
)

// PlannerActionID is the id of the next-action the built-in planning hook
// emits. A fixed id makes the planner run at most once per entry phase.
const PlannerActionID = "planner_execute"

// HookInput is what a hook sees: a read-only snapshot of the task.
type HookInput struct {
	Task  domain.Task
	Phase domain.HookPhase
	From  domain.Status
	To    domain.Status
}

// HookResult is a hook's effect description.
type HookResult struct {
	NextActions     []domain.NextAction
	BlockingReasons []domain.BlockingReason
}

// HookFunc is a status hook. Hooks never mutate the task directly.
type HookFunc func(ctx context.Context, in HookInput) (HookResult, error)

type hookKey struct {
	status domain.Status
	phase  domain.HookPhase
}

type namedHook struct {
	name string
	fn   HookFunc
}

// HookRegistry holds hooks keyed by (status, phase). Registration order is
// execution order.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[hookKey][]namedHook
}

// NewHookRegistry returns a registry with the built-in planning hook.
func NewHookRegistry() *HookRegistry {
	r := &HookRegistry{hooks: make(map[hookKey][]namedHook)}
	r.Register(domain.StatusPlanning, domain.PhaseOnEnter, "planner", plannerHook)
	return r
}

// Register appends a hook for status and phase.
func (r *HookRegistry) Register(status domain.Status, phase domain.HookPhase, name string, fn HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := hookKey{status, phase}
	r.hooks[k] = append(r.hooks[k], namedHook{name: name, fn: fn})
}

// lookup returns the hooks for status and phase in registration order.
func (r *HookRegistry) lookup(status domain.Status, phase domain.HookPhase) []namedHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]namedHook(nil), r.hooks[hookKey{status, phase}]...)
}

func plannerHook(context.Context, HookInput) (HookResult, error) {
	return HookResult{NextActions: []domain.NextAction{{ID: PlannerActionID, Type: domain.ActionPlannerExecute}}}, nil
}

// callHook runs fn and turns a panic into an error.
func callHook(ctx context.Context, fn HookFunc, in HookInput) (res HookResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = HookResult{}
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn(ctx, in)
}

// checkPayloads rejects next-actions whose payload cannot round-trip through
// JSON. Task copies and persistence both rely on it.
func checkPayloads(actions []domain.NextAction) error {
	for _, a := range actions {
		if len(a.Payload) == 0 {
			continue
		}
		if _, err := json.Marshal(a.Payload); err != nil {
			return fmt.Errorf("next action %q has a payload that is not JSON-encodable: %w", a.ID, err)
		}
	}
	return nil
}

// emittedAction is a next-action produced by a hook during one transition.
type emittedAction struct {
	action domain.NextAction
	phase  domain.HookPhase
	status domain.Status
}

// runHooks executes the hooks for (status, phase) against m.task, records one
// history entry per hook and returns the actions they emitted. A failing hook
// contributes nothing and does not stop its siblings.
func (s *Service) runHooks(ctx context.Context, m *mutation, phase domain.HookPhase, status, from, to domain.Status) []emittedAction {
	var emitted []emittedAction
	for _, h := range s.hooks.lookup(status, phase) {
		rt := m.task.Metadata.EnsureWorkflowRuntime()
		now := s.now()
		res, err := callHook(ctx, h.fn, HookInput{Task: m.task.Clone(), Phase: phase, From: from, To: to})
		if err == nil {
			err = checkPayloads(res.NextActions)
		}

		entry := domain.ActionHistoryEntry{
			At:          now,
			Phase:       phase,
			Status:      status,
			Hook:        h.name,
			Disposition: domain.DispositionHook,
		}
		if err != nil {
			entry.Result = domain.ResultError
			entry.Error = err.Error()
			rt.ActionHistory = append(rt.ActionHistory, entry)
			s.metrics.HookRun(string(phase), string(domain.ResultError))
			s.logger.Warn("hook failed", "task_id", m.task.ID, "hook", h.name, "phase", phase, "status", status, "error", err)
			m.audit("hook_failed", map[string]any{
				"hook": h.name, "phase": string(phase), "status": string(status), "error": err.Error(),
			})
			continue
		}

		entry.Result = domain.ResultOK
		entry.NextActionCount = len(res.NextActions)
		entry.BlockingReasonCount = len(res.BlockingReasons)
		for _, a := range res.NextActions {
			if a.ID == "" {
				a.ID = fmt.Sprintf("%s-%s-%s-%d", h.name, phase, status, len(rt.ActionHistory))
			}
			if !rt.HasNextAction(a.ID) {
				rt.NextActions = append(rt.NextActions, a)
			}
			emitted = append(emitted, emittedAction{action: a, phase: phase, status: status})
		}
		for _, br := range res.BlockingReasons {
			if br.At.IsZero() {
				br.At = now
			}
			if !rt.HasBlockingReason(br.Code) {
				rt.BlockingReasons = append(rt.BlockingReasons, br)
			}
		}
		rt.ActionHistory = append(rt.ActionHistory, entry)
		s.metrics.HookRun(string(phase), string(domain.ResultOK))
	}
	return emitted
}
