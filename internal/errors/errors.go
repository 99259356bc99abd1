// Package errors provides error handling for the pipeline service.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// details and hints) and defines the service's error taxonomy:
//
//	ValidationError      pipeline structurally invalid, reported at submission
//	StageExecutionError  a stage failed at runtime, recorded on the job
//	ErrCancelled         job cancelled by request (not a fault)
//	ErrCapacity          submission rejected because the queue is full
//	ErrNotFound/ErrExpired  unknown or expired job identifiers
//
// Usage:
//
//	if err := stage.Execute(ctx, params, in); err != nil {
//	    return errors.Wrap(err, "read LAS header")
//	}
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithMessage   = crdb.WithMessage
	WithMessagef  = crdb.WithMessagef
	CombineErrors = crdb.CombineErrors
)

// User-facing messages and details
var (
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors. Wrap them with errors.Wrap to add context while keeping
// errors.Is working.
var (
	// ErrNotFound indicates the job or result identifier is unknown
	ErrNotFound = New("not found")

	// ErrExpired indicates a result existed but its retention window elapsed
	ErrExpired = New("expired")

	// ErrNotReady indicates the job has not reached a terminal state yet
	ErrNotReady = New("not ready")

	// ErrAlreadyTerminal indicates a cancel request for a finished job
	ErrAlreadyTerminal = New("job already in terminal state")

	// ErrCancelled indicates the job was cancelled by request
	ErrCancelled = New("cancelled")

	// ErrCapacity indicates the submission queue is full
	ErrCapacity = New("capacity exceeded")

	// ErrTimeout indicates the per-job wall-clock timeout elapsed
	ErrTimeout = New("job timed out")

	// ErrStageNotFound indicates a stage type missing from the registry
	ErrStageNotFound = New("stage type not registered")

	// ErrInvalidRequest indicates a malformed request document
	ErrInvalidRequest = New("invalid request")
)

// ValidationError reports the first structural problem found in a pipeline
// definition. The job is never created when submission returns one.
type ValidationError struct {
	StageIndex int
	StageType  string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.StageType == "" {
		return fmt.Sprintf("invalid pipeline at stage %d: %s", e.StageIndex, e.Reason)
	}
	return fmt.Sprintf("invalid pipeline at stage %d (%s): %s", e.StageIndex, e.StageType, e.Reason)
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(index int, stageType string, format string, args ...interface{}) *ValidationError {
	return &ValidationError{StageIndex: index, StageType: stageType, Reason: fmt.Sprintf(format, args...)}
}

// StageExecutionError wraps a runtime failure of a single stage.
type StageExecutionError struct {
	StageIndex int
	StageType  string
	Cause      error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %d (%s) failed: %v", e.StageIndex, e.StageType, e.Cause)
}

func (e *StageExecutionError) Unwrap() error { return e.Cause }

// Stable error codes exposed to API clients and stored on job records.
const (
	CodeValidation   = "validation_error"
	CodeStage        = "stage_error"
	CodeCancelled    = "cancelled"
	CodeCapacity     = "capacity_error"
	CodeTimeout      = "timeout"
	CodeNotFound     = "not_found"
	CodeExpired      = "expired"
	CodeNotReady     = "not_ready"
	CodeTerminal     = "already_terminal"
	CodeInvalid      = "invalid_request"
	CodeInternal     = "internal_error"
	CodeUnknownStage = "unknown_stage"
)

// Code classifies err into one of the stable error codes.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var verr *ValidationError
	if As(err, &verr) {
		return CodeValidation
	}
	switch {
	// timeout is checked before stage errors: a stage cut off by the
	// deadline carries both
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrCancelled):
		return CodeCancelled
	}
	var serr *StageExecutionError
	if As(err, &serr) {
		return CodeStage
	}
	switch {
	case Is(err, ErrCapacity):
		return CodeCapacity
	case Is(err, ErrNotFound):
		return CodeNotFound
	case Is(err, ErrExpired):
		return CodeExpired
	case Is(err, ErrNotReady):
		return CodeNotReady
	case Is(err, ErrAlreadyTerminal):
		return CodeTerminal
	case Is(err, ErrInvalidRequest):
		return CodeInvalid
	case Is(err, ErrStageNotFound):
		return CodeUnknownStage
	default:
		return CodeInternal
	}
}
