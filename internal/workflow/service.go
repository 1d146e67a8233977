package workflow

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rogersf/taskforge/internal/audit"
	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/executor"
	"github.com/rogersf/taskforge/internal/observability"
	"github.com/rogersf/taskforge/internal/planagent"
)

// DefaultPriority is assigned when a task is created without one.
const DefaultPriority = 3

// DefaultCommandTimeout bounds command actions without their own timeout.
const DefaultCommandTimeout = 2 * time.Minute

// Auditor is the audit ledger as seen by the workflow.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event) (domain.AuditEventRecord, error)
}

// RNG breaks claim ties. *rand.Rand satisfies it.
type RNG interface {
	Intn(n int) int
}

// Options wires a Service. Zero values get working defaults.
type Options struct {
	Repository     Repository
	Persistence    Persistence
	Auditor        Auditor
	Gates          *GateRegistry
	Hooks          *HookRegistry
	Executor       executor.Executor
	AllowList      *executor.AllowList
	CommandTimeout time.Duration
	PlanningAgent  planagent.Evaluator
	RNG            RNG
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// Service is the task store and guarded state machine. It is safe for
// concurrent use: every read-modify-write runs under the task's lock, and
// dependency graph changes are serialized by graphMu.
type Service struct {
	repo           Repository
	persist        Persistence
	auditor        Auditor
	gates          *GateRegistry
	hooks          *HookRegistry
	executor       executor.Executor
	allow          *executor.AllowList
	commandTimeout time.Duration
	planner        planagent.Evaluator
	rng            RNG
	rngMu          sync.Mutex
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger
	metrics        *observability.Metrics

	locks   *keyedMutex
	graphMu sync.Mutex
	saveMu  sync.Mutex
}

// NewService builds a Service from opts.
func NewService(opts Options) *Service {
	s := &Service{
		repo:           opts.Repository,
		persist:        opts.Persistence,
		auditor:        opts.Auditor,
		gates:          opts.Gates,
		hooks:          opts.Hooks,
		executor:       opts.Executor,
		allow:          opts.AllowList,
		commandTimeout: opts.CommandTimeout,
		planner:        opts.PlanningAgent,
		rng:            opts.RNG,
		now:            opts.Clock,
		newID:          opts.IDGenerator,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		locks:          newKeyedMutex(),
	}
	if s.repo == nil {
		s.repo = NewMemoryRepository()
	}
	if s.gates == nil {
		s.gates = NewGateRegistry(&MergeGate{})
	}
	if s.hooks == nil {
		s.hooks = NewHookRegistry()
	}
	if s.allow == nil {
		s.allow = executor.NewAllowList(nil)
	}
	if s.commandTimeout <= 0 {
		s.commandTimeout = DefaultCommandTimeout
	}
	if s.planner == nil {
		s.planner = planagent.Heuristic{}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "workflow")
	return s
}

// mutation is the working copy of one task during an operation, plus the
// audit events to emit once it is committed.
type mutation struct {
	task   domain.Task
	base   int64
	actor  string
	events []audit.Event
}

func (m *mutation) audit(eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["taskId"] = m.task.ID
	m.events = append(m.events, audit.Event{EventType: eventType, Actor: m.actor, Payload: payload})
}

// begin locks id and loads a working copy. The returned func unlocks.
func (s *Service) begin(id, actor string) (*mutation, func(), error) {
	unlock := s.locks.Lock(id)
	t, ok := s.repo.Get(id)
	if !ok {
		unlock()
		return nil, nil, domain.Detail(domain.ErrTaskNotFound, "%s", id)
	}
	t.Metadata.Normalize()
	return &mutation{task: t, base: t.Version, actor: actorOrDefault(actor)}, unlock, nil
}

// commit stores the working copy, persists the task list and emits the
// collected audit events. touch controls whether updatedAt moves.
func (s *Service) commit(ctx context.Context, m *mutation, touch bool) error {
	if cur, ok := s.repo.Get(m.task.ID); ok && cur.Version != m.base {
		return domain.Detail(domain.ErrOptimisticLock, "task %s changed from version %d to %d", m.task.ID, m.base, cur.Version)
	}
	m.task.Version = m.base + 1
	if touch {
		m.task.UpdatedAt = s.now()
	}
	s.repo.Put(m.task)
	m.base = m.task.Version
	s.save(ctx)
	s.emit(ctx, m)
	return nil
}

func (s *Service) emit(ctx context.Context, m *mutation) {
	for _, ev := range m.events {
		s.record(ctx, ev)
	}
	m.events = nil
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.auditor == nil {
		return
	}
	if _, err := s.auditor.Record(ctx, ev); err != nil {
		s.logger.Warn("audit write failed", "event_type", ev.EventType, "error", err)
	}
}

// save hands the whole task list to the persistence collaborator. Failures
// are logged and audited; the in-memory commit stands.
func (s *Service) save(ctx context.Context) {
	if s.persist == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.persist.Save(ctx, s.repo.List()); err != nil {
		s.logger.Error("persist tasks failed", "error", err)
		s.record(ctx, audit.Event{EventType: "persistence_failed", Payload: map[string]any{"error": err.Error()}})
	}
}

// Restore replaces the in-memory task map with the persisted one and returns
// the number of tasks loaded.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	tasks, err := s.persist.Load(ctx)
	if err != nil {
		return 0, domain.WrapEngineError(domain.ErrPersistence.Code, "load tasks", err)
	}
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	for _, old := range s.repo.List() {
		s.repo.Delete(old.ID)
	}
	for _, t := range tasks {
		t.Metadata.Normalize()
		s.repo.Put(t)
	}
	all := s.repo.List()
	for _, t := range all {
		if err := validateGraph(all, t); err != nil {
			s.logger.Warn("restored task has an invalid dependency graph", "task_id", t.ID, "error", err)
		}
	}
	s.logger.Info("tasks restored", "count", len(tasks))
	return len(tasks), nil
}

// CreateInput describes a new task.
type CreateInput struct {
	ID                 string
	Title              string
	Description        string
	Priority           int
	ProjectID          string
	Dependencies       []string
	Tags               []string
	DueAt              *time.Time
	AcceptanceCriteria []string
	Actor              string
}

// Create validates and stores a new backlog task.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, domain.ErrTitleRequired
	}
	priority := in.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if err := validatePriority(priority); err != nil {
		return domain.Task{}, err
	}

	now := s.now()
	t := domain.Task{
		ID:           strings.TrimSpace(in.ID),
		Title:        title,
		Description:  in.Description,
		Priority:     priority,
		Status:       domain.StatusBacklog,
		ProjectID:    in.ProjectID,
		Dependencies: normalizeSet(in.Dependencies),
		Tags:         normalizeSet(in.Tags),
		CreatedAt:    now,
		UpdatedAt:    now,
		DueAt:        in.DueAt,
	}
	if t.ID == "" {
		t.ID = s.newID()
	}
	t.Metadata.Normalize()
	t.Metadata.PlanningArtifact.AcceptanceCriteria = normalizeList(in.AcceptanceCriteria)

	unlock := s.locks.Lock(t.ID)
	defer unlock()
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	if _, exists := s.repo.Get(t.ID); exists {
		return domain.Task{}, domain.Detail(domain.ErrDuplicateTask, "%s", t.ID)
	}
	if err := validateGraph(s.repo.List(), t); err != nil {
		return domain.Task{}, err
	}

	m := &mutation{task: t, base: 0, actor: actorOrDefault(in.Actor)}
	m.audit("task_created", map[string]any{
		"title":        t.Title,
		"priority":     t.Priority,
		"dependencies": t.Dependencies,
	})
	if err := s.commit(ctx, m, false); err != nil {
		return domain.Task{}, err
	}
	s.logger.Info("task created", "task_id", t.ID, "priority", t.Priority)
	return m.task.Clone(), nil
}

// Get returns a copy of the task.
func (s *Service) Get(_ context.Context, id string) (domain.Task, error) {
	t, ok := s.repo.Get(id)
	if !ok {
		return domain.Task{}, domain.Detail(domain.ErrTaskNotFound, "%s", id)
	}
	return t, nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status    domain.Status
	ProjectID string
	Tag       string
}

// List returns copies of the matching tasks, oldest first.
func (s *Service) List(_ context.Context, f Filter) []domain.Task {
	all := s.repo.List()
	out := all[:0]
	for _, t := range all {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		if f.Tag != "" && !contains(t.Tags, f.Tag) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// UpdateInput is a field patch. Nil fields are left unchanged.
type UpdateInput struct {
	Title              *string
	Description        *string
	Priority           *int
	ProjectID          *string
	Dependencies       *[]string
	Tags               *[]string
	DueAt              *time.Time
	ClearDueAt         bool
	AcceptanceCriteria *[]string
	Status             *domain.Status
	Actor              string
}

// Update patches fields and optionally moves the task through the guarded
// transition path. A redirected transition commits and returns
// ErrTransitionRedirected; a disallowed one records the attempt, drops the
// field changes and returns ErrTransitionBlocked.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (task domain.Task, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Update", attribute.String("task.id", id))
	defer func() { observability.EndSpan(span, err) }()

	m, unlock, err := s.begin(id, in.Actor)
	if err != nil {
		return domain.Task{}, err
	}
	defer unlock()
	original := m.task.Clone()

	changed, err := s.applyFields(m, in)
	if err != nil {
		return domain.Task{}, err
	}
	if in.Dependencies != nil {
		s.graphMu.Lock()
		defer s.graphMu.Unlock()
		if err := validateGraph(s.repo.List(), m.task); err != nil {
			return domain.Task{}, err
		}
	}
	if len(changed) > 0 {
		m.audit("task_updated", map[string]any{"fields": changed})
	}

	var statusErr error
	moving := in.Status != nil && *in.Status != m.task.Status
	if moving {
		statusErr = s.transition(ctx, m, *in.Status)
		switch {
		case statusErr == nil, domain.IsRedirect(statusErr):
		case errors.Is(statusErr, domain.ErrTransitionBlocked):
			blocked := &mutation{task: original, base: m.base, actor: m.actor}
			s.recordBlocked(blocked, original.Status, *in.Status)
			if err := s.commit(ctx, blocked, true); err != nil {
				return domain.Task{}, err
			}
			return blocked.task.Clone(), statusErr
		default:
			return domain.Task{}, statusErr
		}
	}

	if len(changed) == 0 && !moving {
		return m.task.Clone(), nil
	}
	if err := s.commit(ctx, m, true); err != nil {
		return domain.Task{}, err
	}
	return m.task.Clone(), statusErr
}

func (s *Service) applyFields(m *mutation, in UpdateInput) ([]string, error) {
	t := &m.task
	var changed []string
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, domain.ErrTitleRequired
		}
		if title != t.Title {
			t.Title = title
			changed = append(changed, "title")
		}
	}
	if in.Description != nil && *in.Description != t.Description {
		t.Description = *in.Description
		changed = append(changed, "description")
	}
	if in.Priority != nil {
		if err := validatePriority(*in.Priority); err != nil {
			return nil, err
		}
		if *in.Priority != t.Priority {
			t.Priority = *in.Priority
			changed = append(changed, "priority")
		}
	}
	if in.ProjectID != nil && *in.ProjectID != t.ProjectID {
		t.ProjectID = *in.ProjectID
		changed = append(changed, "projectId")
	}
	if in.Dependencies != nil {
		deps := normalizeSet(*in.Dependencies)
		if !equalStrings(deps, t.Dependencies) {
			t.Dependencies = deps
			changed = append(changed, "dependencies")
		}
	}
	if in.Tags != nil {
		tags := normalizeSet(*in.Tags)
		if !equalStrings(tags, t.Tags) {
			t.Tags = tags
			changed = append(changed, "tags")
		}
	}
	switch {
	case in.ClearDueAt && t.DueAt != nil:
		t.DueAt = nil
		changed = append(changed, "dueAt")
	case in.DueAt != nil:
		due := *in.DueAt
		t.DueAt = &due
		changed = append(changed, "dueAt")
	}
	if in.AcceptanceCriteria != nil {
		ac := normalizeList(*in.AcceptanceCriteria)
		p := t.Metadata.EnsurePlanningArtifact()
		if !equalStrings(ac, p.AcceptanceCriteria) {
			p.AcceptanceCriteria = ac
			changed = append(changed, "acceptanceCriteria")
		}
	}
	return changed, nil
}

// Delete removes a task nothing depends on.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	m, unlock, err := s.begin(id, actor)
	if err != nil {
		return err
	}
	defer unlock()
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	var dependents []string
	for _, t := range s.repo.List() {
		if t.DependsOn(id) {
			dependents = append(dependents, t.ID)
		}
	}
	if len(dependents) > 0 {
		return domain.Detail(domain.ErrTaskHasDependents, "%s is required by %s", id, strings.Join(dependents, ", "))
	}

	s.repo.Delete(id)
	s.save(ctx)
	m.audit("task_deleted", map[string]any{"title": m.task.Title, "status": string(m.task.Status)})
	s.emit(ctx, m)
	s.logger.Info("task deleted", "task_id", id)
	return nil
}

// AttachArtifact records a review or verification artifact.
func (s *Service) AttachArtifact(ctx context.Context, id string, kind domain.ArtifactKind, ref domain.ArtifactRef, actor string) (domain.Task, error) {
	if strings.TrimSpace(ref.URI) == "" {
		return domain.Task{}, domain.Detail(domain.ErrInvalidArtifact, "uri is required")
	}
	if kind != domain.ArtifactReview && kind != domain.ArtifactVerification {
		return domain.Task{}, domain.Detail(domain.ErrInvalidArtifact, "unknown kind %q", kind)
	}
	m, unlock, err := s.begin(id, actor)
	if err != nil {
		return domain.Task{}, err
	}
	defer unlock()

	ref.AttachedAt = s.now()
	ta := m.task.Metadata.EnsureTestingArtifacts()
	if kind == domain.ArtifactReview {
		ta.Review = &ref
	} else {
		ta.Verification = &ref
	}
	m.audit("artifact_attached", map[string]any{"kind": string(kind), "uri": ref.URI})
	if err := s.commit(ctx, m, true); err != nil {
		return domain.Task{}, err
	}
	return m.task.Clone(), nil
}

// SetPullRequest sets the merge gate context of a task.
func (s *Service) SetPullRequest(ctx context.Context, id string, pr domain.PullRequestRef, actor string) (domain.Task, error) {
	if parts := strings.Split(pr.Repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.Task{}, domain.Detail(domain.ErrValidation, "repo must be owner/name, got %q", pr.Repo)
	}
	if pr.Number <= 0 {
		return domain.Task{}, domain.Detail(domain.ErrValidation, "pull request number must be positive")
	}
	m, unlock, err := s.begin(id, actor)
	if err != nil {
		return domain.Task{}, err
	}
	defer unlock()

	m.task.Metadata.PullRequest = &pr
	m.audit("pull_request_set", map[string]any{"repo": pr.Repo, "number": pr.Number})
	if err := s.commit(ctx, m, true); err != nil {
		return domain.Task{}, err
	}
	return m.task.Clone(), nil
}

// SaveWorkerState replaces the worker sub-document. It does not move
// updatedAt, so worker bookkeeping never looks like a task change.
func (s *Service) SaveWorkerState(ctx context.Context, id string, state domain.WorkerTaskState) error {
	m, unlock, err := s.begin(id, "worker")
	if err != nil {
		return err
	}
	defer unlock()
	m.task.Metadata.Worker = &state
	m.task.Metadata.EnsureWorker()
	return s.commit(ctx, m, false)
}

func validatePriority(p int) error {
	if p < domain.MinPriority || p > domain.MaxPriority {
		return domain.Detail(domain.ErrInvalidPriority, "%d not in [%d, %d]", p, domain.MinPriority, domain.MaxPriority)
	}
	return nil
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

// normalizeSet trims, deduplicates and sorts.
func normalizeSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// normalizeList trims and drops empties, keeping order.
func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func joinCodes(codes []string) string {
	if len(codes) == 0 {
		return "none"
	}
	return strings.Join(codes, ", ")
}
