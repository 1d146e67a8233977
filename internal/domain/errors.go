package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups engine error codes into the caller-facing taxonomy.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindRedirected ErrorKind = "redirected"
	KindExternal   ErrorKind = "external"
	KindInternal   ErrorKind = "internal"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is matches any EngineError carrying the same code, so errors built with
// NewEngineError compare equal to their sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Kind returns the taxonomy bucket of the error code.
func (e *EngineError) Kind() ErrorKind {
	return kindForCode(e.Code)
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// Detail returns a copy of a sentinel with extra context appended to its message.
func Detail(sentinel *EngineError, format string, args ...any) *EngineError {
	return &EngineError{
		Code:    sentinel.Code,
		Message: sentinel.Message + ": " + fmt.Sprintf(format, args...),
	}
}

// KindOf reports the taxonomy bucket for err, or KindInternal when err is not
// an EngineError.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind()
	}
	return KindInternal
}

// IsRedirect reports whether err signals that a transition was redirected to
// awaiting_human. The redirect has already been committed.
func IsRedirect(err error) bool {
	return errors.Is(err, ErrTransitionRedirected)
}

// IsBlocked reports whether err signals a transition that was refused outright.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrTransitionBlocked)
}

func kindForCode(code int) ErrorKind {
	switch {
	case code == ErrTransitionRedirected.Code:
		return KindRedirected
	case code <= -32000 && code > -32010:
		return KindValidation
	case code <= -32010 && code > -32020:
		return KindNotFound
	case code <= -32020 && code > -32030:
		return KindConflict
	case code <= -32030 && code > -32050:
		return KindExternal
	default:
		return KindInternal
	}
}

// ---- Validation errors (-32000 to -32009) ----

var (
	ErrValidation      = &EngineError{Code: -32001, Message: "invalid input"}
	ErrInvalidPriority = &EngineError{Code: -32002, Message: "priority must be between 1 and 5"}
	ErrTitleRequired   = &EngineError{Code: -32003, Message: "title is required"}
	ErrInvalidStatus   = &EngineError{Code: -32004, Message: "invalid status value"}
	ErrInvalidArtifact = &EngineError{Code: -32005, Message: "invalid artifact"}
)

// ---- Not found errors (-32010 to -32019) ----

var (
	ErrTaskNotFound       = &EngineError{Code: -32010, Message: "task not found"}
	ErrDependencyNotFound = &EngineError{Code: -32011, Message: "dependency not found"}
)

// ---- Conflict errors (-32020 to -32029) ----

var (
	ErrTransitionBlocked    = &EngineError{Code: -32020, Message: "status transition blocked"}
	ErrTransitionRedirected = &EngineError{Code: -32021, Message: "status transition redirected to awaiting_human"}
	ErrDependencyCycle      = &EngineError{Code: -32022, Message: "dependency cycle detected"}
	ErrTaskHasDependents    = &EngineError{Code: -32023, Message: "task has dependents"}
	ErrNoOpenQuestion       = &EngineError{Code: -32024, Message: "task has no open human question"}
	ErrOptimisticLock       = &EngineError{Code: -32025, Message: "optimistic lock conflict: state was modified concurrently"}
	ErrDuplicateTask        = &EngineError{Code: -32026, Message: "task already exists"}
)

// ---- External collaborator errors (-32030 to -32049) ----

var (
	ErrCommandFailed     = &EngineError{Code: -32030, Message: "command execution failed"}
	ErrCommandNotAllowed = &EngineError{Code: -32031, Message: "command is not in the allow-list"}
	ErrMergeGate         = &EngineError{Code: -32032, Message: "merge gate check failed"}
	ErrPlanningAgent     = &EngineError{Code: -32033, Message: "planning agent evaluation failed"}
	ErrPersistence       = &EngineError{Code: -32034, Message: "task persistence failed"}
	ErrAuditWrite        = &EngineError{Code: -32035, Message: "audit write failed"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrAuditChain      = &EngineError{Code: -32138, Message: "audit hash chain broken"}
)
