package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/rogersf/taskforge/internal/domain"
)

func TestHooks_OrderAndIsolation(t *testing.T) {
	env := newTestEnv(t)
	var order []string
	record := func(name string) HookFunc {
		return func(_ context.Context, in HookInput) (HookResult, error) {
			order = append(order, name+":"+string(in.Phase))
			return HookResult{}, nil
		}
	}
	env.hooks.Register(domain.StatusBacklog, domain.PhaseOnExit, "exit-1", record("exit-1"))
	env.hooks.Register(domain.StatusCancelled, domain.PhaseOnEnter, "panics", func(context.Context, HookInput) (HookResult, error) {
		panic("kaboom")
	})
	env.hooks.Register(domain.StatusCancelled, domain.PhaseOnEnter, "fails", func(context.Context, HookInput) (HookResult, error) {
		return HookResult{}, errors.New("downstream unavailable")
	})
	env.hooks.Register(domain.StatusCancelled, domain.PhaseOnEnter, "enter-ok", func(_ context.Context, in HookInput) (HookResult, error) {
		order = append(order, "enter-ok:"+string(in.Phase))
		return HookResult{BlockingReasons: []domain.BlockingReason{{Code: "CLEANUP_PENDING", Message: "cleanup"}}}, nil
	})

	task := env.create(t, CreateInput{})
	got, err := env.svc.Update(context.Background(), task.ID, UpdateInput{Status: statusPtr(domain.StatusCancelled)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	want := []string{"exit-1:onExit", "enter-ok:onEnter"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("order = %v, want %v", order, want)
	}
	if got.Status != domain.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if !hasString(blockingCodes(got), "CLEANUP_PENDING") {
		t.Errorf("blocking reasons = %v", blockingCodes(got))
	}

	var errs, oks int
	for _, h := range got.Metadata.WorkflowRuntime.ActionHistory {
		if h.Disposition != domain.DispositionHook {
			continue
		}
		switch h.Result {
		case domain.ResultError:
			errs++
			if h.Error == "" {
				t.Errorf("hook %s error entry has no message", h.Hook)
			}
		case domain.ResultOK:
			oks++
		}
	}
	if errs != 2 || oks != 2 {
		t.Errorf("hook history errors=%d ok=%d, want 2 and 2", errs, oks)
	}
	if !env.auditor.has("hook_failed") {
		t.Error("expected hook_failed audit event")
	}
}

func TestHooks_SeeSnapshotNotLiveTask(t *testing.T) {
	env := newTestEnv(t)
	env.hooks.Register(domain.StatusCancelled, domain.PhaseOnEnter, "meddler", func(_ context.Context, in HookInput) (HookResult, error) {
		in.Task.Title = "hijacked"
		in.Task.Metadata.EnsurePlanningArtifact().Goals = []string{"hijacked"}
		return HookResult{}, nil
	})
	task := env.create(t, CreateInput{Title: "original"})
	got, err := env.svc.Update(context.Background(), task.ID, UpdateInput{Status: statusPtr(domain.StatusCancelled)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Title != "original" || len(got.Metadata.PlanningArtifact.Goals) != 0 {
		t.Error("hook mutation leaked into the task")
	}
}

func TestHooks_EmittedActionsAreQueuedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.hooks.Register(domain.StatusBacklog, domain.PhaseOnEnter, "notify", func(context.Context, HookInput) (HookResult, error) {
		return HookResult{NextActions: []domain.NextAction{{ID: "notify", Type: "notify"}}}, nil
	})
	ctx := context.Background()
	task := env.create(t, CreateInput{})
	for _, st := range []domain.Status{domain.StatusCancelled, domain.StatusBacklog, domain.StatusCancelled, domain.StatusBacklog} {
		if _, err := env.svc.Update(ctx, task.ID, UpdateInput{Status: statusPtr(st)}); err != nil {
			t.Fatalf("to %s: %v", st, err)
		}
	}
	got, _ := env.svc.Get(ctx, task.ID)
	rt := got.Metadata.WorkflowRuntime
	var queued, scheduled int
	for _, a := range rt.NextActions {
		if a.ID == "notify" {
			queued++
		}
	}
	for _, h := range rt.ActionHistory {
		if h.ActionID == "notify" {
			scheduled++
		}
	}
	if queued != 1 || scheduled != 1 {
		t.Errorf("queued=%d scheduled=%d, want 1 and 1", queued, scheduled)
	}
}

func TestHooks_NonJSONPayloadIsAHookError(t *testing.T) {
	env := newTestEnv(t)
	env.hooks.Register(domain.StatusCancelled, domain.PhaseOnEnter, "leaky", func(context.Context, HookInput) (HookResult, error) {
		return HookResult{NextActions: []domain.NextAction{
			{ID: "leaky", Type: "notify", Payload: map[string]any{"callback": func() {}}},
		}}, nil
	})
	task := env.create(t, CreateInput{})
	got, err := env.svc.Update(context.Background(), task.ID, UpdateInput{Status: statusPtr(domain.StatusCancelled)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	rt := got.Metadata.WorkflowRuntime
	if rt.HasNextAction("leaky") {
		t.Error("non-JSON action was queued")
	}
	var failed bool
	for _, h := range rt.ActionHistory {
		if h.Hook == "leaky" && h.Result == domain.ResultError {
			failed = true
		}
	}
	if !failed {
		t.Errorf("history = %+v, want an error entry for the hook", rt.ActionHistory)
	}
	if !env.auditor.has("hook_failed") {
		t.Error("expected hook_failed audit event")
	}
}
