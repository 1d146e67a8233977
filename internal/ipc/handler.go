// Package ipc provides the HTTP API for taskforge.
package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rogersf/taskforge/internal/audit"
	"github.com/rogersf/taskforge/internal/domain"
	"github.com/rogersf/taskforge/internal/store"
	"github.com/rogersf/taskforge/internal/workflow"
)

// AuditSource is the read side of the audit ledger.
type AuditSource interface {
	Recent(limit int) ([]domain.AuditEventRecord, error)
	Subscribe(buffer int) (<-chan domain.AuditEventRecord, func())
}

var _ AuditSource = (*audit.Ledger)(nil)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Service   *workflow.Service
	Ledger    AuditSource
	DB        *sql.DB
	AuditRepo *store.AuditRepo
	Version   string
}

// CreateTaskRequest is the body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Priority           int        `json:"priority"`
	ProjectID          string     `json:"projectId"`
	Dependencies       []string   `json:"dependencies"`
	Tags               []string   `json:"tags"`
	DueAt              *time.Time `json:"dueAt"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria"`
}

// UpdateTaskRequest is the body for PATCH /api/v1/tasks/{taskID}. Absent
// fields are left unchanged.
type UpdateTaskRequest struct {
	Title              *string        `json:"title"`
	Description        *string        `json:"description"`
	Priority           *int           `json:"priority"`
	ProjectID          *string        `json:"projectId"`
	Dependencies       *[]string      `json:"dependencies"`
	Tags               *[]string      `json:"tags"`
	DueAt              *time.Time     `json:"dueAt"`
	ClearDueAt         bool           `json:"clearDueAt"`
	AcceptanceCriteria *[]string      `json:"acceptanceCriteria"`
	Status             *domain.Status `json:"status"`
}

// AnswerRequest is the body for POST /api/v1/tasks/{taskID}/answer.
type AnswerRequest struct {
	Answer       string         `json:"answer"`
	ApprovesPlan bool           `json:"approvesPlan"`
	Resume       *domain.Status `json:"resume"`
}

// ArtifactRequest is the body for POST /api/v1/tasks/{taskID}/artifacts.
type ArtifactRequest struct {
	Kind    domain.ArtifactKind `json:"kind"`
	URI     string              `json:"uri"`
	Summary string              `json:"summary"`
}

// TaskResponse wraps a task that was committed together with a redirect.
type TaskResponse struct {
	Task     domain.Task `json:"task"`
	Redirect *APIError   `json:"redirect,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.Version})
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.Service.Create(requestContext(r), workflow.CreateInput{
		ID:                 req.ID,
		Title:              req.Title,
		Description:        req.Description,
		Priority:           req.Priority,
		ProjectID:          req.ProjectID,
		Dependencies:       req.Dependencies,
		Tags:               req.Tags,
		DueAt:              req.DueAt,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Actor:              actor(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// ListTasks handles GET /api/v1/tasks?status=&projectId=&tag=.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, domain.Detail(domain.ErrInvalidStatus, "%q", status))
		return
	}
	tasks := h.Service.List(r.Context(), workflow.Filter{
		Status:    status,
		ProjectID: q.Get("projectId"),
		Tag:       q.Get("tag"),
	})
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{taskID}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.Get(r.Context(), r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// UpdateTask handles PATCH /api/v1/tasks/{taskID}.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.Service.Update(requestContext(r), r.PathValue("taskID"), workflow.UpdateInput{
		Title:              req.Title,
		Description:        req.Description,
		Priority:           req.Priority,
		ProjectID:          req.ProjectID,
		Dependencies:       req.Dependencies,
		Tags:               req.Tags,
		DueAt:              req.DueAt,
		ClearDueAt:         req.ClearDueAt,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Status:             req.Status,
		Actor:              actor(r),
	})
	writeTaskResult(w, task, err)
}

// DeleteTask handles DELETE /api/v1/tasks/{taskID}.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Delete(requestContext(r), r.PathValue("taskID"), actor(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClaimTask handles POST /api/v1/tasks/claim. It answers 204 when nothing is
// eligible.
func (h *Handler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Service.ClaimNextTask(requestContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// AnswerTask handles POST /api/v1/tasks/{taskID}/answer.
func (h *Handler) AnswerTask(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.Service.AnswerHumanQuestion(requestContext(r), r.PathValue("taskID"), workflow.AnswerInput{
		Answer:       req.Answer,
		Actor:        actor(r),
		ApprovesPlan: req.ApprovesPlan,
		Resume:       req.Resume,
	})
	writeTaskResult(w, task, err)
}

// AdvanceTask handles POST /api/v1/tasks/{taskID}/advance.
func (h *Handler) AdvanceTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("taskID")
	ctx := requestContext(r)
	if _, _, err := h.Service.ReconcilePlanning(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.Service.AdvanceIfReady(ctx, id)
	if err != nil && !domain.IsRedirect(err) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AttachArtifact handles POST /api/v1/tasks/{taskID}/artifacts.
func (h *Handler) AttachArtifact(w http.ResponseWriter, r *http.Request) {
	var req ArtifactRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.Service.AttachArtifact(requestContext(r), r.PathValue("taskID"), req.Kind,
		domain.ArtifactRef{URI: req.URI, Summary: req.Summary}, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// SetPullRequest handles PUT /api/v1/tasks/{taskID}/pull-request.
func (h *Handler) SetPullRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.PullRequestRef
	if !decode(w, r, &req) {
		return
	}
	task, err := h.Service.SetPullRequest(requestContext(r), r.PathValue("taskID"), req, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// TaskAudit handles GET /api/v1/tasks/{taskID}/audit from the SQLite mirror.
func (h *Handler) TaskAudit(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil || h.AuditRepo == nil {
		writeJSON(w, http.StatusNotImplemented, APIError{Code: 501, Kind: "internal", Message: "audit mirror not configured"})
		return
	}
	records, err := h.AuditRepo.ListByTask(r.Context(), h.DB, r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.AuditEventRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// RecentAudit handles GET /api/v1/audit/recent?limit=.
func (h *Handler) RecentAudit(w http.ResponseWriter, r *http.Request) {
	limit := audit.DefaultRecent
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, domain.Detail(domain.ErrValidation, "limit must be an integer"))
			return
		}
		limit = n
	}
	records, err := h.Ledger.Recent(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.AuditEventRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// StreamAudit handles GET /api/v1/audit/stream (SSE). Records are pushed as
// they are appended to the ledger.
func (h *Handler) StreamAudit(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Kind: "internal", Message: "streaming not supported"})
		return
	}

	records, cancel := h.Ledger.Subscribe(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	taskID := r.URL.Query().Get("taskId")
	ctx := r.Context()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case rec, ok := <-records:
			if !ok {
				return
			}
			if taskID != "" && rec.TaskID() != taskID {
				continue
			}
			writeSSERecord(w, flusher, rec)
		}
	}
}

// actor reads the acting user from X-User-ID.
func actor(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// requestContext carries request and user ids into audit records.
func requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if id := r.Header.Get("X-Request-ID"); id != "" {
		ctx = audit.WithRequestID(ctx, id)
	}
	if id := r.Header.Get("X-User-ID"); id != "" {
		ctx = audit.WithUserID(ctx, id)
	}
	return ctx
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: domain.ErrValidation.Code, Kind: string(domain.KindValidation), Message: "invalid request body"})
		return false
	}
	return true
}

// writeTaskResult answers 202 with the committed task when the transition was
// redirected to awaiting_human.
func writeTaskResult(w http.ResponseWriter, task domain.Task, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, task)
	case domain.IsRedirect(err):
		writeJSON(w, http.StatusAccepted, TaskResponse{Task: task, Redirect: apiError(err)})
	default:
		writeError(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindRedirected:
		status = http.StatusAccepted
	case domain.KindExternal:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, apiError(err))
}

func apiError(err error) *APIError {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return &APIError{Code: ee.Code, Kind: string(ee.Kind()), Message: ee.Message}
	}
	return &APIError{Code: -1, Kind: string(domain.KindInternal), Message: err.Error()}
}

func writeSSERecord(w http.ResponseWriter, f http.Flusher, rec domain.AuditEventRecord) {
	data, _ := json.Marshal(rec)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.EventType, data)
	f.Flush()
}
