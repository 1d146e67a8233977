package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/rogersf/taskforge/internal/domain"
)

type fakePRClient struct {
	state       PRState
	stateErr    error
	mergeResult PRState
	mergeErr    error

	stateCalls int
	merges     []MergeRequest
}

func (f *fakePRClient) GetPullRequestState(_ context.Context, _ PRQuery) (PRState, error) {
	f.stateCalls++
	return f.state, f.stateErr
}

func (f *fakePRClient) MergePullRequest(_ context.Context, req MergeRequest) (PRState, error) {
	f.merges = append(f.merges, req)
	return f.mergeResult, f.mergeErr
}

func taskWithPR() domain.Task {
	t := domain.Task{ID: "t-1", Title: "Ship it", Status: domain.StatusVerification}
	t.Metadata.PullRequest = &domain.PullRequestRef{Repo: "acme/app", Number: 42}
	return t
}

func TestReviewArtifactsGate(t *testing.T) {
	gate := ReviewArtifactsGate{}
	ctx := context.Background()

	task := domain.Task{ID: "t-1"}
	d, err := gate.Evaluate(ctx, task, domain.StatusImplementing, domain.StatusReview)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allow || d.Code != domain.ReasonReviewArtifactsMissing {
		t.Fatalf("decision = %+v, want deny %s", d, domain.ReasonReviewArtifactsMissing)
	}

	ta := task.Metadata.EnsureTestingArtifacts()
	ta.Review = &domain.ArtifactRef{URI: "file://review.md"}
	if d, _ = gate.Evaluate(ctx, task, domain.StatusImplementing, domain.StatusReview); d.Allow {
		t.Fatal("expected deny with only the review artifact")
	}

	ta.Verification = &domain.ArtifactRef{URI: "file://verify.md"}
	if d, _ = gate.Evaluate(ctx, task, domain.StatusImplementing, domain.StatusReview); !d.Allow {
		t.Fatalf("expected allow with both artifacts, got %+v", d)
	}
}

func TestMergeGate_NoPullRequestAllows(t *testing.T) {
	g := &MergeGate{}
	d, err := g.Evaluate(context.Background(), domain.Task{ID: "t-1"}, domain.StatusVerification, domain.StatusDone)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allow {
		t.Errorf("expected allow without PR context, got %+v", d)
	}
}

func TestMergeGate_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		client    *fakePRClient
		nilClient bool
		wantAllow bool
		wantCode  string
		wantMerge bool
	}{
		{name: "missing token", token: "", client: &fakePRClient{}, wantCode: domain.ReasonPRTokenMissing},
		{name: "nil client", token: "tok", nilClient: true, wantCode: domain.ReasonPRMergeCheckFailed},
		{name: "state error", token: "tok", client: &fakePRClient{stateErr: errors.New("503")}, wantCode: domain.ReasonPRMergeCheckFailed},
		{name: "already merged", token: "tok", client: &fakePRClient{state: PRState{Merged: true}}, wantAllow: true},
		{name: "merge succeeds", token: "tok", client: &fakePRClient{mergeResult: PRState{Merged: true}}, wantAllow: true, wantMerge: true},
		{name: "merge error", token: "tok", client: &fakePRClient{mergeErr: errors.New("conflict")}, wantCode: domain.ReasonPRMergeCheckFailed, wantMerge: true},
		{name: "not mergeable", token: "tok", client: &fakePRClient{mergeResult: PRState{Merged: false}}, wantCode: domain.ReasonPRNotMerged, wantMerge: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &MergeGate{Token: tt.token}
			if !tt.nilClient {
				g.Client = tt.client
			}
			d, err := g.Evaluate(context.Background(), taskWithPR(), domain.StatusVerification, domain.StatusDone)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Allow != tt.wantAllow {
				t.Fatalf("Allow = %v, want %v (%+v)", d.Allow, tt.wantAllow, d)
			}
			if d.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", d.Code, tt.wantCode)
			}
			if tt.nilClient {
				return
			}
			if merged := len(tt.client.merges) > 0; merged != tt.wantMerge {
				t.Errorf("merge attempted = %v, want %v", merged, tt.wantMerge)
			}
		})
	}
}

func TestMergeGate_MergeRequestShape(t *testing.T) {
	client := &fakePRClient{mergeResult: PRState{Merged: true}}

	g := &MergeGate{Client: client, Token: "tok"}
	if _, err := g.Evaluate(context.Background(), taskWithPR(), domain.StatusVerification, domain.StatusDone); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(client.merges) != 1 {
		t.Fatalf("merges = %d, want 1", len(client.merges))
	}
	req := client.merges[0]
	if req.MergeMethod != DefaultMergeMethod {
		t.Errorf("MergeMethod = %q, want %q", req.MergeMethod, DefaultMergeMethod)
	}
	if req.CommitTitle != "Ship it (#42)" {
		t.Errorf("CommitTitle = %q", req.CommitTitle)
	}

	g.MergeMethod = "rebase"
	client.merges = nil
	_, _ = g.Evaluate(context.Background(), taskWithPR(), domain.StatusVerification, domain.StatusDone)
	if client.merges[0].MergeMethod != "rebase" {
		t.Errorf("MergeMethod = %q, want rebase", client.merges[0].MergeMethod)
	}
}

type errGate struct{}

func (errGate) Name() string { return "broken" }
func (errGate) Evaluate(context.Context, domain.Task, domain.Status, domain.Status) (GateDecision, error) {
	return GateDecision{}, errors.New("boom")
}

func TestGateRegistry_Order(t *testing.T) {
	r := NewGateRegistry(&MergeGate{})

	gates := r.For(domain.StatusImplementing, domain.StatusReview)
	if len(gates) != 1 || gates[0].Name() != "review_artifacts" {
		t.Fatalf("implementing->review gates = %v", gates)
	}
	if gates := r.For(domain.StatusAwaitingHuman, domain.StatusReview); len(gates) != 1 || gates[0].Name() != "review_artifacts" {
		t.Fatalf("awaiting_human->review gates = %v", gates)
	}
	if gates := r.For(domain.StatusAwaitingHuman, domain.StatusDone); len(gates) != 1 || gates[0].Name() != "merge" {
		t.Fatalf("wildcard merge gate not applied: %v", gates)
	}
	if gates := r.For(domain.StatusBacklog, domain.StatusPlanning); len(gates) != 0 {
		t.Fatalf("backlog->planning should be ungated, got %v", gates)
	}

	r.Register(domain.StatusVerification, domain.StatusDone, errGate{})
	gates = r.For(domain.StatusVerification, domain.StatusDone)
	if len(gates) != 2 || gates[0].Name() != "broken" {
		t.Fatalf("specific gates should run before wildcard ones: %v", gates)
	}

	_, name, err := r.Evaluate(context.Background(), taskWithPR(), domain.StatusVerification, domain.StatusDone)
	if err == nil || name != "broken" {
		t.Fatalf("Evaluate = (%q, %v), want error from broken gate", name, err)
	}
}
