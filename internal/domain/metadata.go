package domain

import "time"

// Current schema versions of the metadata sub-documents.
const (
	WorkflowRuntimeSchemaVersion    = 2
	TestingArtifactsSchemaVersion   = 1
	PlanningArtifactSchemaVersion   = 1
	AwaitingHumanSchemaVersion      = 1
	ArchitectureReviewSchemaVersion = 1
	WorkerStateSchemaVersion        = 1
)

// Metadata holds the typed, versioned sub-documents attached to a task.
// Sub-documents are materialized lazily through the Ensure* accessors.
type Metadata struct {
	WorkflowRuntime       *WorkflowRuntimeState  `json:"workflowRuntime,omitempty"`
	TestingArtifacts      *TestingArtifacts      `json:"testingArtifacts,omitempty"`
	PlanningArtifact      *PlanningArtifact      `json:"planningArtifact,omitempty"`
	AwaitingHumanArtifact *AwaitingHumanArtifact `json:"awaitingHumanArtifact,omitempty"`
	ArchitectureReview    *ArchitectureReview    `json:"architectureReview,omitempty"`
	PullRequest           *PullRequestRef        `json:"pullRequest,omitempty"`
	Worker                *WorkerTaskState       `json:"worker,omitempty"`
}

// WorkflowRuntimeState tracks transitions, queued actions and execution history.
type WorkflowRuntimeState struct {
	SchemaVersion   int                  `json:"schemaVersion"`
	LastTransition  *TransitionRecord    `json:"lastTransition,omitempty"`
	NextActions     []NextAction         `json:"nextActions"`
	BlockingReasons []BlockingReason     `json:"blockingReasons"`
	ActionHistory   []ActionHistoryEntry `json:"actionHistory"`

	// LegacyBlockingCodes is the v1 shape of blocking reasons (codes only).
	LegacyBlockingCodes []string `json:"blockingCodes,omitempty"`
}

// HasExecuted reports whether an action already ran (or was scheduled) for the
// given phase and status.
func (w *WorkflowRuntimeState) HasExecuted(actionID string, phase HookPhase, status Status) bool {
	for _, h := range w.ActionHistory {
		if h.ActionID == actionID && h.Phase == phase && h.Status == status {
			return true
		}
	}
	return false
}

// ExecutedSynchronously reports whether any history entry shows the action was
// executed by the hook pipeline rather than left for the worker.
func (w *WorkflowRuntimeState) ExecutedSynchronously(actionID string) bool {
	for _, h := range w.ActionHistory {
		if h.ActionID == actionID && h.Disposition == DispositionExecuted {
			return true
		}
	}
	return false
}

// HasNextAction reports whether an action id is already queued.
func (w *WorkflowRuntimeState) HasNextAction(id string) bool {
	for _, a := range w.NextActions {
		if a.ID == id {
			return true
		}
	}
	return false
}

// HasBlockingReason reports whether a code is already recorded.
func (w *WorkflowRuntimeState) HasBlockingReason(code string) bool {
	for _, r := range w.BlockingReasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

// ArtifactRef points at an attached review or verification artifact.
type ArtifactRef struct {
	URI        string    `json:"uri"`
	Summary    string    `json:"summary,omitempty"`
	AttachedAt time.Time `json:"attachedAt"`
}

// ArtifactKind names an attachable testing artifact.
type ArtifactKind string

const (
	ArtifactReview       ArtifactKind = "review"
	ArtifactVerification ArtifactKind = "verification"
)

// TestIntents are the planned tests per level.
type TestIntents struct {
	Unit        []string `json:"unit"`
	Integration []string `json:"integration"`
	E2E         []string `json:"e2e"`
}

// Complete reports whether all three intent lists are non-empty.
func (t TestIntents) Complete() bool {
	return len(t.Unit) > 0 && len(t.Integration) > 0 && len(t.E2E) > 0
}

// TestingArtifacts holds planned tests and attached review/verification output.
type TestingArtifacts struct {
	SchemaVersion int          `json:"schemaVersion"`
	Planned       TestIntents  `json:"planned"`
	Review        *ArtifactRef `json:"review,omitempty"`
	Verification  *ArtifactRef `json:"verification,omitempty"`
}

// PlannerDecisionStatus is the planning verdict.
type PlannerDecisionStatus string

const (
	DecisionApproved  PlannerDecisionStatus = "approved"
	DecisionNeedsInfo PlannerDecisionStatus = "needs_info"
)

// Decision sources accepted by the architecture review readiness check.
const (
	SourcePlanningAgent = "planning_agent"
	SourceHumanReview   = "human_review"
)

// Evaluation sources of the planning agent.
const (
	EvaluationCLI       = "cli"
	EvaluationHeuristic = "heuristic"
)

// PlannerDecision records the latest planning verdict.
type PlannerDecision struct {
	Status           PlannerDecisionStatus `json:"status"`
	Source           string                `json:"source"`
	EvaluationSource string                `json:"evaluationSource,omitempty"`
	UsedFallback     bool                  `json:"usedFallback"`
	ReasonCodes      []string              `json:"reasonCodes"`
	At               time.Time             `json:"at"`
}

// HumanAnswer is a recorded reply to an awaiting_human question.
type HumanAnswer struct {
	Answer       string    `json:"answer"`
	Actor        string    `json:"actor,omitempty"`
	ApprovesPlan bool      `json:"approvesPlan"`
	At           time.Time `json:"at"`
}

// PlanningArtifact is the accumulated plan for a task.
type PlanningArtifact struct {
	SchemaVersion      int              `json:"schemaVersion"`
	AcceptanceCriteria []string         `json:"acceptanceCriteria"`
	Goals              []string         `json:"goals"`
	Steps              []string         `json:"steps"`
	Risks              []string         `json:"risks"`
	HumanAnswers       []HumanAnswer    `json:"humanAnswers"`
	Decision           *PlannerDecision `json:"decision,omitempty"`
}

// LatestHumanAnswer returns the most recent answer, or nil.
func (p *PlanningArtifact) LatestHumanAnswer() *HumanAnswer {
	if p == nil || len(p.HumanAnswers) == 0 {
		return nil
	}
	a := p.HumanAnswers[len(p.HumanAnswers)-1]
	return &a
}

// AwaitingHumanArtifact is the question put to a human when a task is redirected.
type AwaitingHumanArtifact struct {
	SchemaVersion     int        `json:"schemaVersion"`
	Question          string     `json:"question"`
	RecommendedOption string     `json:"recommendedOption"`
	Options           []string   `json:"options"`
	ReasonCodes       []string   `json:"reasonCodes"`
	CreatedAt         time.Time  `json:"createdAt"`
	AnsweredAt        *time.Time `json:"answeredAt,omitempty"`
}

// Open reports whether the question still awaits an answer.
func (a *AwaitingHumanArtifact) Open() bool {
	return a != nil && a.AnsweredAt == nil
}

// Severity of an architecture finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// FindingCategory classifies an architecture finding.
type FindingCategory string

const (
	CategoryArchitecture FindingCategory = "architecture"
	CategorySafety       FindingCategory = "safety"
	CategoryTesting      FindingCategory = "testing"
	CategoryWorkflow     FindingCategory = "workflow"
)

// Finding is one architect stage observation.
type Finding struct {
	Severity Severity        `json:"severity"`
	Category FindingCategory `json:"category"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
}

// ArchitectDecision is the architect stage verdict.
type ArchitectDecision string

const (
	ArchitectApproved         ArchitectDecision = "approved"
	ArchitectChangesRequested ArchitectDecision = "changes_requested"
	ArchitectBlocked          ArchitectDecision = "blocked_needs_human_decision"
)

// ArchitectureReview records the latest architect stage run.
type ArchitectureReview struct {
	SchemaVersion int               `json:"schemaVersion"`
	Decision      ArchitectDecision `json:"decision"`
	Findings      []Finding         `json:"findings"`
	ReviewedAt    time.Time         `json:"reviewedAt"`
}

// PullRequestRef is the merge gate context of a task.
type PullRequestRef struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// Checkpoint statuses.
const (
	CheckpointDispatched = "dispatched"
	CheckpointFailed     = "failed"
)

// Checkpoint is a bounded record that an action was dispatched or failed.
type Checkpoint struct {
	Key         string     `json:"key"`
	ActionID    string     `json:"actionId"`
	ActionType  ActionType `json:"actionType"`
	RunID       string     `json:"runId"`
	ProcessedAt time.Time  `json:"processedAt"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	Error       string     `json:"error,omitempty"`
}

// WorkerTaskState is the per-task bookkeeping of the worker scheduler.
type WorkerTaskState struct {
	SchemaVersion       int          `json:"schemaVersion"`
	SessionID           string       `json:"sessionId"`
	LastRunID           string       `json:"lastRunId,omitempty"`
	LastProcessedAt     *time.Time   `json:"lastProcessedAt,omitempty"`
	ReconciliationKeys  []string     `json:"reconciliationKeys"`
	DispatchedActionIDs []string     `json:"dispatchedActionIds"`
	FailedActionIDs     []string     `json:"failedActionIds"`
	Checkpoints         []Checkpoint `json:"checkpoints"`
}

// EnsureWorkflowRuntime materializes and migrates the runtime sub-document.
func (m *Metadata) EnsureWorkflowRuntime() *WorkflowRuntimeState {
	if m.WorkflowRuntime == nil {
		m.WorkflowRuntime = &WorkflowRuntimeState{}
	}
	migrateWorkflowRuntime(m.WorkflowRuntime)
	return m.WorkflowRuntime
}

func migrateWorkflowRuntime(w *WorkflowRuntimeState) {
	if w.SchemaVersion < 2 {
		// v1 stored blocking reasons as bare codes.
		for _, code := range w.LegacyBlockingCodes {
			if !w.HasBlockingReason(code) {
				w.BlockingReasons = append(w.BlockingReasons, BlockingReason{Code: code, Message: code})
			}
		}
		w.LegacyBlockingCodes = nil
	}
	if w.NextActions == nil {
		w.NextActions = []NextAction{}
	}
	if w.BlockingReasons == nil {
		w.BlockingReasons = []BlockingReason{}
	}
	if w.ActionHistory == nil {
		w.ActionHistory = []ActionHistoryEntry{}
	}
	w.SchemaVersion = WorkflowRuntimeSchemaVersion
}

// EnsureTestingArtifacts materializes the testing sub-document.
func (m *Metadata) EnsureTestingArtifacts() *TestingArtifacts {
	if m.TestingArtifacts == nil {
		m.TestingArtifacts = &TestingArtifacts{}
	}
	t := m.TestingArtifacts
	if t.Planned.Unit == nil {
		t.Planned.Unit = []string{}
	}
	if t.Planned.Integration == nil {
		t.Planned.Integration = []string{}
	}
	if t.Planned.E2E == nil {
		t.Planned.E2E = []string{}
	}
	t.SchemaVersion = TestingArtifactsSchemaVersion
	return t
}

// EnsurePlanningArtifact materializes the planning sub-document.
func (m *Metadata) EnsurePlanningArtifact() *PlanningArtifact {
	if m.PlanningArtifact == nil {
		m.PlanningArtifact = &PlanningArtifact{}
	}
	p := m.PlanningArtifact
	if p.AcceptanceCriteria == nil {
		p.AcceptanceCriteria = []string{}
	}
	if p.Goals == nil {
		p.Goals = []string{}
	}
	if p.Steps == nil {
		p.Steps = []string{}
	}
	if p.Risks == nil {
		p.Risks = []string{}
	}
	if p.HumanAnswers == nil {
		p.HumanAnswers = []HumanAnswer{}
	}
	p.SchemaVersion = PlanningArtifactSchemaVersion
	return p
}

// EnsureWorker materializes the worker sub-document.
func (m *Metadata) EnsureWorker() *WorkerTaskState {
	if m.Worker == nil {
		m.Worker = &WorkerTaskState{}
	}
	w := m.Worker
	if w.ReconciliationKeys == nil {
		w.ReconciliationKeys = []string{}
	}
	if w.DispatchedActionIDs == nil {
		w.DispatchedActionIDs = []string{}
	}
	if w.FailedActionIDs == nil {
		w.FailedActionIDs = []string{}
	}
	if w.Checkpoints == nil {
		w.Checkpoints = []Checkpoint{}
	}
	w.SchemaVersion = WorkerStateSchemaVersion
	return w
}

// Normalize materializes every always-present sub-document.
func (m *Metadata) Normalize() {
	m.EnsureWorkflowRuntime()
	m.EnsureTestingArtifacts()
	m.EnsurePlanningArtifact()
}
