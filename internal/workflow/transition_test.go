package workflow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rogersf/taskforge/internal/domain"
)

// seedAt stores task with its status forced to st.
func (e *testEnv) seedAt(t *testing.T, task domain.Task, st domain.Status) domain.Task {
	t.Helper()
	stored, ok := e.svc.repo.Get(task.ID)
	if !ok {
		t.Fatalf("task %s not stored", task.ID)
	}
	stored.Status = st
	e.svc.repo.Put(stored)
	return stored
}

func attachBoth(task *domain.Task) {
	at := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	ta := task.Metadata.EnsureTestingArtifacts()
	ta.Review = &domain.ArtifactRef{URI: "file:///review.md", AttachedAt: at}
	ta.Verification = &domain.ArtifactRef{URI: "file:///verify.log", AttachedAt: at}
}

func TestUpdate_TransitionMatrix(t *testing.T) {
	ctx := context.Background()
	for _, from := range domain.AllStatuses {
		for _, to := range domain.AllStatuses {
			if from == to {
				continue
			}
			from, to := from, to
			valid := IsValidTransition(from, to)

			t.Run(string(from)+"->"+string(to)+"/prepared", func(t *testing.T) {
				client := &fakePRClient{state: PRState{Merged: true}}
				env := newTestEnv(t, func(o *Options) {
					o.Gates = NewGateRegistry(&MergeGate{Client: client, Token: "tok"})
				})
				task := env.create(t, ready(CreateInput{}))
				stored, _ := env.svc.repo.Get(task.ID)
				attachBoth(&stored)
				stored.Metadata.PullRequest = &domain.PullRequestRef{Repo: "acme/app", Number: 7}
				env.svc.repo.Put(stored)
				env.seedAt(t, task, from)

				got, err := env.svc.Update(ctx, task.ID, UpdateInput{Status: statusPtr(to)})
				if !valid {
					if !errors.Is(err, domain.ErrTransitionBlocked) {
						t.Fatalf("err = %v, want ErrTransitionBlocked", err)
					}
					if got.Status != from {
						t.Errorf("Status = %s, want %s", got.Status, from)
					}
					if !hasString(blockingCodes(got), domain.ReasonInvalidTransition) {
						t.Errorf("blocking reasons = %v", blockingCodes(got))
					}
					return
				}
				if err != nil {
					t.Fatalf("Update: %v", err)
				}
				if got.Status != to {
					t.Errorf("Status = %s, want %s", got.Status, to)
				}
				if n := len(blockingCodes(got)); n != 0 {
					t.Errorf("blocking reasons = %v, want none", blockingCodes(got))
				}
			})

			t.Run(string(from)+"->"+string(to)+"/unprepared", func(t *testing.T) {
				env := newTestEnv(t, func(o *Options) {
					o.Gates = NewGateRegistry(&MergeGate{Client: &fakePRClient{}})
				})
				task := env.create(t, CreateInput{})
				stored, _ := env.svc.repo.Get(task.ID)
				stored.Metadata.PullRequest = &domain.PullRequestRef{Repo: "acme/app", Number: 7}
				env.svc.repo.Put(stored)
				env.seedAt(t, task, from)

				got, err := env.svc.Update(ctx, task.ID, UpdateInput{Status: statusPtr(to)})
				switch {
				case !valid:
					if !errors.Is(err, domain.ErrTransitionBlocked) {
						t.Fatalf("err = %v, want ErrTransitionBlocked", err)
					}
					if got.Status != from {
						t.Errorf("Status = %s, want %s", got.Status, from)
					}
				case to == domain.StatusPlanning || to == domain.StatusReview || to == domain.StatusDone:
					if !errors.Is(err, domain.ErrTransitionRedirected) {
						t.Fatalf("err = %v, want ErrTransitionRedirected", err)
					}
					if got.Status != domain.StatusAwaitingHuman {
						t.Errorf("Status = %s, want awaiting_human", got.Status)
					}
					if len(blockingCodes(got)) == 0 {
						t.Error("redirect recorded no blocking reason")
					}
					if q := got.Metadata.AwaitingHumanArtifact; q == nil || !q.Open() {
						t.Error("redirect left no open question")
					}
				default:
					if err != nil {
						t.Fatalf("Update: %v", err)
					}
					if got.Status != to {
						t.Errorf("Status = %s, want %s", got.Status, to)
					}
				}
			})
		}
	}
}

func TestRedirect_NestedRedirectIsLoggedAndOuterReasonWins(t *testing.T) {
	var logs bytes.Buffer
	env := newTestEnv(t, func(o *Options) {
		o.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	})
	env.hooks.Register(domain.StatusAwaitingHuman, domain.PhaseOnEnter, "replan", func(context.Context, HookInput) (HookResult, error) {
		return HookResult{NextActions: []domain.NextAction{{ID: "replan", Type: domain.ActionPlannerExecute}}}, nil
	})
	task := env.create(t, CreateInput{})
	env.seedAt(t, task, domain.StatusImplementing)

	got, err := env.svc.Update(context.Background(), task.ID, UpdateInput{Status: statusPtr(domain.StatusReview)})
	if !errors.Is(err, domain.ErrTransitionRedirected) {
		t.Fatalf("err = %v, want ErrTransitionRedirected", err)
	}
	if got.Status != domain.StatusAwaitingHuman {
		t.Fatalf("Status = %s, want awaiting_human", got.Status)
	}
	codes := blockingCodes(got)
	if !hasString(codes, domain.ReasonReviewArtifactsMissing) || !hasString(codes, domain.ReasonPlanningNeedsInfo) {
		t.Errorf("blocking reasons = %v", codes)
	}
	q := got.Metadata.AwaitingHumanArtifact
	if q == nil || len(q.ReasonCodes) != 1 || q.ReasonCodes[0] != domain.ReasonReviewArtifactsMissing {
		t.Errorf("question = %+v, want the review gate question", q)
	}
	if !strings.Contains(logs.String(), "entering awaiting_human reported an error") {
		t.Errorf("nested redirect was not logged: %s", logs.String())
	}
}
