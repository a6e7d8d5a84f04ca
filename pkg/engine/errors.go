// Package engine provides the core types and interfaces for the Stagecoach
// orchestration engine: workflow compilation, step scheduling, binding
// resolution, and the contracts implemented by the registry, message bus,
// and persistence layers.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: tool-client timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: schema violations, unknown units, structural workflow errors.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error represents a classified engine error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Unit is the unit-of-work name that caused the error, if applicable.
	Unit string `json:"unit,omitempty"`

	// Step is the workflow step id the error belongs to, if applicable.
	Step string `json:"step,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information, e.g. the
	// structured violation list from schema validation.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Step != "" && e.Unit != "":
		return fmt.Sprintf("[%s] %s (step=%s, unit=%s): %s",
			e.Class, e.Message, e.Step, e.Unit, e.unwrapMessage())
	case e.Unit != "":
		return fmt.Sprintf("[%s] %s (unit=%s): %s", e.Class, e.Message, e.Unit, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithUnit adds unit context to an error.
func (e *Error) WithUnit(unit string) *Error {
	e.Unit = unit
	return e
}

// WithStep adds step context to an error.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes. Structural codes (cycle, binding, phase entry) are never
// retried; they abort the affected run immediately.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeExecution        = "EXECUTION_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeCyclicDependency = "CYCLIC_DEPENDENCY"
	CodeBinding          = "BINDING_ERROR"
	CodePhaseEntry       = "PHASE_ENTRY_ERROR"
	CodeDeadLetter       = "DEAD_LETTER"
	CodeNotFound         = "NOT_FOUND"
	CodeDuplicateName    = "DUPLICATE_NAME"
	CodeCancelled        = "CANCELLED"
	CodeInternal         = "INTERNAL_ERROR"
)

// NewValidationError creates a permanent error for an input/output schema
// mismatch. Validation failures surface immediately and never consume a
// retry attempt.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeValidation, Message: message, Err: err}
}

// NewExecutionError creates a transient error for a unit-internal failure,
// retried per policy.
func NewExecutionError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Code: CodeExecution, Message: message, Err: err}
}

// NewThrottledError creates a throttled error, retried with a longer backoff.
func NewThrottledError(message string, err error) *Error {
	return &Error{Class: ErrorClassThrottled, Code: CodeExecution, Message: message, Err: err}
}

// NewTimeoutError creates a transient error for an attempt that exceeded its
// bound. Timeouts count toward the same attempt ceiling as execution errors.
func NewTimeoutError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Code: CodeTimeout, Message: message, Err: err}
}

// NewCyclicDependencyError creates a permanent error naming all members of a
// dependency cycle.
func NewCyclicDependencyError(members []string) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    CodeCyclicDependency,
		Message: fmt.Sprintf("circular dependency detected: %s", strings.Join(members, " -> ")),
		Details: map[string]interface{}{"members": members},
	}
}

// NewBindingError creates a permanent error for an unresolvable binding
// reference.
func NewBindingError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeBinding, Message: message, Err: err}
}

// NewPhaseEntryError creates a permanent error for a phase whose required
// context keys are missing.
func NewPhaseEntryError(message string, missing []string) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    CodePhaseEntry,
		Message: message,
		Details: map[string]interface{}{"missing": missing},
	}
}

// NewDeadLetterError creates a terminal error for an envelope that exhausted
// its retry budget and was parked in the dead letter store.
func NewDeadLetterError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeDeadLetter, Message: message, Err: err}
}

// NewNotFoundError creates a permanent not-found error.
func NewNotFoundError(message string) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeNotFound, Message: message}
}

// NewDuplicateNameError creates a permanent error for a name collision in the
// registry.
func NewDuplicateNameError(name string) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    CodeDuplicateName,
		Message: fmt.Sprintf("unit already registered: %s", name),
		Unit:    name,
	}
}

// NewCancelledError creates a permanent error for work stopped by run
// cancellation. Cancellation never consumes a retry attempt.
func NewCancelledError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeCancelled, Message: message, Err: err}
}

// NewInternalError creates a permanent internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Code: CodeInternal, Message: message, Err: err}
}

// CycleMembers extracts the cycle member list from a cyclic dependency error.
func CycleMembers(err error) []string {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeCyclicDependency {
		return nil
	}
	members, _ := e.Details["members"].([]string)
	return members
}

// IsRetryable returns true if the error can be retried. Transient and
// throttled errors are retryable; permanent errors are not.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// HasCode returns true if the error carries the given engine error code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation returns true for input/output schema mismatch errors.
func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

// IsTimeout returns true for attempt timeout errors.
func IsTimeout(err error) bool { return HasCode(err, CodeTimeout) }

// IsBinding returns true for unresolvable binding reference errors.
func IsBinding(err error) bool { return HasCode(err, CodeBinding) }

// IsCyclicDependency returns true for dependency cycle errors.
func IsCyclicDependency(err error) bool { return HasCode(err, CodeCyclicDependency) }

// IsNotFound returns true for lookups of unregistered names.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }
