package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures surfaced by the core.
type ErrorCode string

const (
	// ErrCodeValidation indicates malformed input rejected before any write.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeSequenceConflict indicates a concurrent append raced past the
	// reserved sequence number. Callers may retry.
	ErrCodeSequenceConflict ErrorCode = "SEQUENCE_CONFLICT"

	// ErrCodeInvalidTransition indicates a checkpoint was already resolved.
	// Never retried automatically.
	ErrCodeInvalidTransition ErrorCode = "INVALID_STATE_TRANSITION"

	// ErrCodeBoundaryViolation indicates a cross-identity or cross-owner access.
	ErrCodeBoundaryViolation ErrorCode = "IDENTITY_BOUNDARY_VIOLATION"

	// ErrCodeIntegrity indicates a cold archive checksum mismatch.
	ErrCodeIntegrity ErrorCode = "INTEGRITY_VIOLATION"

	// ErrCodeEnrichmentUnavailable indicates the summarizer failed.
	ErrCodeEnrichmentUnavailable ErrorCode = "ENRICHMENT_UNAVAILABLE"

	// ErrCodeCheckpointRequired indicates the action is gated and blocked on
	// a pending checkpoint.
	ErrCodeCheckpointRequired ErrorCode = "CHECKPOINT_REQUIRED"

	// ErrCodeNotFound indicates the referenced resource does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is the typed failure returned by every core operation.
type Error struct {
	Code       ErrorCode
	Message    string
	Resource   string
	ResourceID string
	Details    map[string]string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Resource != "" && e.ResourceID != "" {
		msg = fmt.Sprintf("%s (%s=%s)", msg, e.Resource, e.ResourceID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func IsValidation(err error) bool            { return CodeOf(err) == ErrCodeValidation }
func IsSequenceConflict(err error) bool      { return CodeOf(err) == ErrCodeSequenceConflict }
func IsInvalidTransition(err error) bool     { return CodeOf(err) == ErrCodeInvalidTransition }
func IsBoundaryViolation(err error) bool     { return CodeOf(err) == ErrCodeBoundaryViolation }
func IsIntegrityViolation(err error) bool    { return CodeOf(err) == ErrCodeIntegrity }
func IsEnrichmentUnavailable(err error) bool { return CodeOf(err) == ErrCodeEnrichmentUnavailable }
func IsCheckpointRequired(err error) bool    { return CodeOf(err) == ErrCodeCheckpointRequired }
func IsNotFound(err error) bool              { return CodeOf(err) == ErrCodeNotFound }

// Validation creates a VALIDATION error.
func Validation(format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a NOT_FOUND error.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:       ErrCodeNotFound,
		Message:    resource + " not found",
		Resource:   resource,
		ResourceID: id,
	}
}

// NewSequenceConflict creates a SEQUENCE_CONFLICT error for the given reservation.
func NewSequenceConflict(threadID string, seq int64, cause error) *Error {
	return &Error{
		Code:       ErrCodeSequenceConflict,
		Message:    fmt.Sprintf("sequence %d already taken; retry with a fresh sequence", seq),
		Resource:   "thread",
		ResourceID: threadID,
		Details:    map[string]string{"sequence_number": fmt.Sprintf("%d", seq)},
		Err:        cause,
	}
}

// NewInvalidTransition creates an INVALID_STATE_TRANSITION error.
func NewInvalidTransition(checkpointID string, from CheckpointStatus, to CheckpointStatus) *Error {
	return &Error{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("cannot transition checkpoint from %s to %s", from, to),
		Resource:   "checkpoint",
		ResourceID: checkpointID,
		Details:    map[string]string{"from": string(from), "to": string(to)},
	}
}

// NewBoundaryViolation creates an IDENTITY_BOUNDARY_VIOLATION error.
// It never carries any of the protected resource's data.
func NewBoundaryViolation(resource, id string) *Error {
	return &Error{
		Code:       ErrCodeBoundaryViolation,
		Message:    "access denied: resource belongs to another identity",
		Resource:   resource,
		ResourceID: id,
	}
}

// NewIntegrityViolation creates an INTEGRITY_VIOLATION error.
func NewIntegrityViolation(entryID, stored, recomputed string) *Error {
	return &Error{
		Code:       ErrCodeIntegrity,
		Message:    "cold entry checksum mismatch",
		Resource:   "cold_entry",
		ResourceID: entryID,
		Details:    map[string]string{"stored": stored, "recomputed": recomputed},
	}
}

// NewEnrichmentUnavailable wraps a summarizer failure.
func NewEnrichmentUnavailable(step string, cause error) *Error {
	return &Error{
		Code:    ErrCodeEnrichmentUnavailable,
		Message: step + " unavailable",
		Err:     cause,
	}
}

// NewCheckpointRequired is the "blocked" response for a gated action.
func NewCheckpointRequired(cp Checkpoint) *Error {
	return &Error{
		Code:       ErrCodeCheckpointRequired,
		Message:    fmt.Sprintf("action %q requires approval; resolve the pending checkpoint", cp.Action),
		Resource:   "checkpoint",
		ResourceID: cp.ID,
		Details:    map[string]string{"class": string(cp.Class), "thread_id": cp.ThreadID},
	}
}
