// Package domain defines the core types for the task orchestration engine.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a task lifecycle status.
type Status string

const (
	StatusBacklog       Status = "backlog"
	StatusPlanning      Status = "planning"
	StatusImplementing  Status = "implementing"
	StatusReview        Status = "review"
	StatusVerification  Status = "verification"
	StatusAwaitingHuman Status = "awaiting_human"
	StatusDone          Status = "done"
	StatusCancelled     Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusBacklog,
	StatusPlanning,
	StatusImplementing,
	StatusReview,
	StatusVerification,
	StatusAwaitingHuman,
	StatusDone,
	StatusCancelled,
}

// Valid reports whether s is a member of the status enum.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// HookPhase identifies which side of a transition a hook runs on.
type HookPhase string

const (
	PhaseOnEnter HookPhase = "onEnter"
	PhaseOnExit  HookPhase = "onExit"
)

// Priority bounds.
const (
	MinPriority = 1
	MaxPriority = 5
)

// Task is a unit of orchestrated work.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Priority     int        `json:"priority"`
	Status       Status     `json:"status"`
	ProjectID    string     `json:"projectId,omitempty"`
	Dependencies []string   `json:"dependencies"`
	Tags         []string   `json:"tags"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	DueAt        *time.Time `json:"dueAt,omitempty"`
	Metadata     Metadata   `json:"metadata"`
	Version      int64      `json:"version"`
}

// Clone returns a deep copy of the task. Callers never share nested slices,
// maps or artifacts with the stored record.
func (t Task) Clone() Task {
	data, err := json.Marshal(t)
	if err != nil {
		// hook payloads are checked for JSON safety before they reach a task
		panic(fmt.Sprintf("domain: clone task %s: %v", t.ID, err))
	}
	var out Task
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("domain: clone task %s: %v", t.ID, err))
	}
	return out
}

// DependsOn reports whether the task lists id as a dependency.
func (t Task) DependsOn(id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// ActionType names a kind of next-action.
type ActionType string

const (
	ActionPlannerExecute ActionType = "planner_execute"
	ActionCommand        ActionType = "command"
)

// NextAction is a declarative record of work to be performed later.
type NextAction struct {
	ID      string         `json:"id"`
	Type    ActionType     `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// StringField returns a string payload field, or "" when absent.
func (a NextAction) StringField(key string) string {
	if a.Payload == nil {
		return ""
	}
	s, _ := a.Payload[key].(string)
	return s
}

// StringSliceField returns a []string payload field. Values decoded from JSON
// arrive as []any, both shapes are accepted.
func (a NextAction) StringSliceField(key string) []string {
	if a.Payload == nil {
		return nil
	}
	switch v := a.Payload[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// BlockingReason explains why a task cannot proceed.
type BlockingReason struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Blocking reason codes.
const (
	ReasonInvalidTransition      = "INVALID_STATUS_TRANSITION"
	ReasonReviewArtifactsMissing = "REVIEW_ARTIFACTS_MISSING"
	ReasonPRTokenMissing         = "PR_MERGE_TOKEN_MISSING"
	ReasonPRNotMerged            = "PR_NOT_MERGED"
	ReasonPRMergeCheckFailed     = "PR_MERGE_CHECK_FAILED"
	ReasonCommandNotAllowed      = "COMMAND_NOT_ALLOWED"
	ReasonCommandFailed          = "COMMAND_FAILED"
	ReasonPlanningNeedsInfo      = "PLANNING_NEEDS_INFO"
	ReasonArchitectureChanges    = "ARCHITECTURE_CHANGES_REQUESTED"
	ReasonArchitectureBlocked    = "ARCHITECTURE_BLOCKED"
	ReasonMissingAcceptance      = "MISSING_ACCEPTANCE_CRITERIA"
	ReasonMissingDescription     = "MISSING_DESCRIPTION"
	ReasonAmbiguousAcceptance    = "AC_AMBIGUOUS"
)

// HistoryResult is the outcome of one hook or action execution.
type HistoryResult string

const (
	ResultOK    HistoryResult = "ok"
	ResultError HistoryResult = "error"
)

// Disposition says what the synchronous pipeline did with an action.
type Disposition string

const (
	DispositionExecuted  Disposition = "executed"
	DispositionScheduled Disposition = "scheduled"
	DispositionHook      Disposition = "hook"
)

// ActionHistoryEntry records one hook or action execution. Entries are only
// ever appended.
type ActionHistoryEntry struct {
	At                  time.Time     `json:"at"`
	Phase               HookPhase     `json:"phase"`
	Status              Status        `json:"status"`
	Result              HistoryResult `json:"result"`
	NextActionCount     int           `json:"nextActionCount"`
	BlockingReasonCount int           `json:"blockingReasonCount"`
	Hook                string        `json:"hook,omitempty"`
	ActionID            string        `json:"actionId,omitempty"`
	ActionType          ActionType    `json:"actionType,omitempty"`
	Disposition         Disposition   `json:"disposition,omitempty"`
	Error               string        `json:"error,omitempty"`
}

// TransitionRecord captures the most recent status move.
type TransitionRecord struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// WorkflowDispatchJob is one unit of work on the dispatch queue.
type WorkflowDispatchJob struct {
	Key         string         `json:"key"`
	TaskID      string         `json:"taskId"`
	ActionID    string         `json:"actionId"`
	ActionType  ActionType     `json:"actionType"`
	Payload     map[string]any `json:"payload,omitempty"`
	RunID       string         `json:"runId"`
	SessionID   string         `json:"sessionId"`
	ProcessedAt time.Time      `json:"processedAt"`
	MaxAttempts int            `json:"maxAttempts"`
	Attempt     int            `json:"attempt"`
}

// DispatchKey builds the idempotency key for a task action.
func DispatchKey(taskID, actionID string) string {
	return taskID + ":" + actionID
}

// AuditEventRecord is one line of the hash-chained audit ledger.
type AuditEventRecord struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"eventType"`
	Actor        string         `json:"actor"`
	TraceID      string         `json:"traceId"`
	RequestID    string         `json:"requestId"`
	UserID       string         `json:"userId"`
	PreviousHash *string        `json:"previousHash"`
	Hash         string         `json:"hash"`
	Payload      map[string]any `json:"payload"`
}

// TaskID returns the taskId payload field when present.
func (r AuditEventRecord) TaskID() string {
	if r.Payload == nil {
		return ""
	}
	id, _ := r.Payload["taskId"].(string)
	return id
}
