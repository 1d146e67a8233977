// Package workflow implements the task store and guarded status state machine:
// transitions, gates, hooks and the synchronous action pipeline.
package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/rogersf/taskforge/internal/domain"
)

// DefaultMergeMethod is used when no merge method is configured.
const DefaultMergeMethod = "squash"

// GateDecision is the outcome of a precondition check. A denied decision
// redirects the task to awaiting_human with Code as the blocking reason.
type GateDecision struct {
	Allow   bool
	Code    string
	Message string
}

func allow() GateDecision { return GateDecision{Allow: true} }

func deny(code, format string, args ...any) GateDecision {
	return GateDecision{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Gate evaluates whether a task may move from -> to.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, task domain.Task, from, to domain.Status) (GateDecision, error)
}

// ReviewArtifactsGate requires review and verification artifacts before a
// task enters review.
type ReviewArtifactsGate struct{}

// Name returns the gate name.
func (ReviewArtifactsGate) Name() string { return "review_artifacts" }

// Evaluate implements Gate.
func (ReviewArtifactsGate) Evaluate(_ context.Context, task domain.Task, _, _ domain.Status) (GateDecision, error) {
	ta := task.Metadata.TestingArtifacts
	var missing []string
	if ta == nil || ta.Review == nil {
		missing = append(missing, string(domain.ArtifactReview))
	}
	if ta == nil || ta.Verification == nil {
		missing = append(missing, string(domain.ArtifactVerification))
	}
	if len(missing) > 0 {
		return deny(domain.ReasonReviewArtifactsMissing, "missing %s artifact(s)", strings.Join(missing, " and ")), nil
	}
	return allow(), nil
}

// PRQuery identifies a pull request.
type PRQuery struct {
	Repo   string
	Number int
	Token  string
}

// MergeRequest asks for a pull request to be merged.
type MergeRequest struct {
	Repo        string
	Number      int
	Token       string
	MergeMethod string
	CommitTitle string
}

// PRState is what the merge gate needs to know about a pull request.
type PRState struct {
	Merged bool
}

// PullRequestClient is the GitHub collaborator. Implementations report a
// state lookup that gets any non-2xx response, and a merge refused with 405,
// 409 or 422, as Merged=false. Errors are for transport or unexpected failures.
type PullRequestClient interface {
	GetPullRequestState(ctx context.Context, q PRQuery) (PRState, error)
	MergePullRequest(ctx context.Context, req MergeRequest) (PRState, error)
}

// MergeGate requires the task's pull request, if any, to be merged before the
// task is done. It attempts the merge itself when the PR is still open.
type MergeGate struct {
	Client      PullRequestClient
	Token       string
	MergeMethod string
}

// Name returns the gate name.
func (g *MergeGate) Name() string { return "merge" }

// Evaluate implements Gate.
func (g *MergeGate) Evaluate(ctx context.Context, task domain.Task, _, _ domain.Status) (GateDecision, error) {
	pr := task.Metadata.PullRequest
	if pr == nil || pr.Repo == "" || pr.Number <= 0 {
		return allow(), nil
	}
	if g.Token == "" {
		return deny(domain.ReasonPRTokenMissing, "no GitHub token configured to check %s#%d", pr.Repo, pr.Number), nil
	}
	if g.Client == nil {
		return deny(domain.ReasonPRMergeCheckFailed, "no pull request client configured"), nil
	}

	state, err := g.Client.GetPullRequestState(ctx, PRQuery{Repo: pr.Repo, Number: pr.Number, Token: g.Token})
	if err != nil {
		return deny(domain.ReasonPRMergeCheckFailed, "check %s#%d: %v", pr.Repo, pr.Number, err), nil
	}
	if state.Merged {
		return allow(), nil
	}

	method := g.MergeMethod
	if method == "" {
		method = DefaultMergeMethod
	}
	state, err = g.Client.MergePullRequest(ctx, MergeRequest{
		Repo:        pr.Repo,
		Number:      pr.Number,
		Token:       g.Token,
		MergeMethod: method,
		CommitTitle: fmt.Sprintf("%s (#%d)", task.Title, pr.Number),
	})
	if err != nil {
		return deny(domain.ReasonPRMergeCheckFailed, "merge %s#%d: %v", pr.Repo, pr.Number, err), nil
	}
	if !state.Merged {
		return deny(domain.ReasonPRNotMerged, "%s#%d could not be merged", pr.Repo, pr.Number), nil
	}
	return allow(), nil
}

// anyStatus matches every source status in the gate registry.
const anyStatus domain.Status = "*"

type gateKey struct {
	from, to domain.Status
}

// GateRegistry maps transitions to their gates. Gates registered for a
// specific source run before wildcard gates.
type GateRegistry struct {
	gates map[gateKey][]Gate
}

// NewGateRegistry creates a registry with the built-in gates.
func NewGateRegistry(merge *MergeGate) *GateRegistry {
	r := &GateRegistry{gates: make(map[gateKey][]Gate)}
	// every way into review needs the artifacts, including a retry from
	// awaiting_human after a redirect
	r.Register(anyStatus, domain.StatusReview, ReviewArtifactsGate{})
	if merge != nil {
		r.Register(anyStatus, domain.StatusDone, merge)
	}
	return r
}

// Register adds a gate for from -> to. Use "*" as from to match any source.
func (r *GateRegistry) Register(from, to domain.Status, gate Gate) {
	k := gateKey{from, to}
	r.gates[k] = append(r.gates[k], gate)
}

// For returns the gates that guard from -> to, in evaluation order.
func (r *GateRegistry) For(from, to domain.Status) []Gate {
	out := append([]Gate(nil), r.gates[gateKey{from, to}]...)
	return append(out, r.gates[gateKey{anyStatus, to}]...)
}

// Evaluate runs the gates for from -> to and returns the first denial.
func (r *GateRegistry) Evaluate(ctx context.Context, task domain.Task, from, to domain.Status) (GateDecision, string, error) {
	for _, g := range r.For(from, to) {
		d, err := g.Evaluate(ctx, task, from, to)
		if err != nil {
			return GateDecision{}, g.Name(), fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		if !d.Allow {
			return d, g.Name(), nil
		}
	}
	return allow(), "", nil
}
