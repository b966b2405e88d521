// Package errors provides the error taxonomy shared by the training
// orchestration engine. Every error is a structured value carrying a stack
// trace (via cockroachdb/errors) and zerolog object marshaling, so failures
// inside background workers stay inspectable after the fact.
package errors

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	Structured error types
//
// ===========================================================================

// ValidationError reports bad or missing configuration: an unsafe script, an
// empty training set, fewer than two label classes for classification, and
// similar caller mistakes that are detected before any work starts.
type ValidationError struct {
	Param  string
	Reason string
	Value  interface{}
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("traceml: validation failed for %q: %s (got: %v)", e.Param, e.Reason, e.Value)
	}
	return fmt.Sprintf("traceml: validation failed for %q: %s", e.Param, e.Reason)
}

// MarshalZerologObject adds structured error fields to a zerolog event.
func (e *ValidationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param", e.Param).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ValidationError")
}

// NewValidationError creates a ValidationError with a stack trace attached.
func NewValidationError(param, reason string, value interface{}) error {
	return errors.WithStack(&ValidationError{Param: param, Reason: reason, Value: value})
}

// NotFoundError reports an unknown model, dataset, session, suggestion or
// script hook identifier.
type NotFoundError struct {
	Kind string // "model", "dataset", "session", "suggestion", "hook", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("traceml: %s %q not found", e.Kind, e.ID)
}

// MarshalZerologObject adds structured error fields to a zerolog event.
func (e *NotFoundError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("kind", e.Kind).
		Str("id", e.ID).
		Str("type", "NotFoundError")
}

// NewNotFoundError creates a NotFoundError with a stack trace attached.
func NewNotFoundError(kind, id string) error {
	return errors.WithStack(&NotFoundError{Kind: kind, ID: id})
}

// ScriptError reports a failure in a user-authored model-definition script:
// a hook that raised, returned a malformed result, or failed to compile.
// The hook name is always recorded so the failure is attributable.
type ScriptError struct {
	Hook string
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("traceml: script hook %q failed: %v", e.Hook, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// MarshalZerologObject adds structured error fields to a zerolog event.
func (e *ScriptError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("hook", e.Hook).
		AnErr("cause", e.Err).
		Str("type", "ScriptError")
}

// NewScriptError wraps err as a ScriptError for the given hook, attaching a
// stack trace.
func NewScriptError(hook string, err error) error {
	return errors.WithStack(&ScriptError{Hook: hook, Err: err})
}

// TrainingError reports a failure raised by a model backend during fit.
type TrainingError struct {
	Backend string
	Stage   string // "fit", "predict", "preprocess", ...
	Err     error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("traceml: %s backend failed during %s: %v", e.Backend, e.Stage, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// MarshalZerologObject adds structured error fields to a zerolog event.
func (e *TrainingError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("backend", e.Backend).
		Str("stage", e.Stage).
		AnErr("cause", e.Err).
		Str("type", "TrainingError")
}

// NewTrainingError wraps err as a TrainingError, attaching a stack trace.
func NewTrainingError(backend, stage string, err error) error {
	return errors.WithStack(&TrainingError{Backend: backend, Stage: stage, Err: err})
}

// DimensionError reports a shape mismatch between matrices or between a
// feature matrix and its label array.
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns/features
}

func (e *DimensionError) Error() string {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("traceml: %s: dimension mismatch on axis %d (%s): expected %d, got %d", e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// MarshalZerologObject adds structured error fields to a zerolog event.
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("type", "DimensionError")
}

// NewDimensionError creates a DimensionError with a stack trace attached.
func NewDimensionError(op string, expected, got, axis int) error {
	return errors.WithStack(&DimensionError{Op: op, Expected: expected, Got: got, Axis: axis})
}

// ===========================================================================
//
//	Sentinel errors
//
// ===========================================================================

var (
	// ErrCancelled marks a cooperative abort requested through a session's
	// cancellation token. Workers translate it into a terminal "cancelled"
	// status instead of "failed".
	ErrCancelled = New("training cancelled")

	// ErrEmptyData is returned when a dataset holds no readings.
	ErrEmptyData = New("empty data")

	// ErrNotFitted is returned when Predict is called before Fit.
	ErrNotFitted = New("model is not fitted yet")
)

// ===========================================================================
//
//	cockroachdb/errors passthrough
//
// ===========================================================================

// Is reports whether err matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target's type.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Wrap annotates err with a message, preserving the chain.
func Wrap(err error, message string) error { return errors.Wrap(err, message) }

// Wrapf annotates err with a formatted message, preserving the chain.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New creates an error with a stack trace.
func New(message string) error { return errors.New(message) }

// Newf creates a formatted error with a stack trace.
func Newf(format string, args ...interface{}) error { return errors.Newf(format, args...) }

// WithStack attaches a stack trace to err.
func WithStack(err error) error { return errors.WithStack(err) }
