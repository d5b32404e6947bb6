package spec

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a factory failure for recovery decisions and
// operator guidance.
type ErrorKind string

const (
	ErrValidation  ErrorKind = "validation_error"
	ErrGeneration  ErrorKind = "generation_error"
	ErrPersistence ErrorKind = "persistence_error"
	ErrTimeout     ErrorKind = "timeout_error"
	ErrApproval    ErrorKind = "approval_error"
	ErrSystem      ErrorKind = "system_error"
)

// FactoryError is the structured error type crossing every package
// boundary in the factory. Kind drives retry policy; SuggestedAction is
// shown verbatim to operators.
type FactoryError struct {
	Kind            ErrorKind `json:"kind"`
	Message         string    `json:"message"`
	SpecificationID string    `json:"specification_id,omitempty"`
	Phase           Phase     `json:"phase,omitempty"`
	Recoverable     bool      `json:"recoverable"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`

	cause error
}

func (e *FactoryError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s: %s (phase=%s)", e.Kind, e.Message, e.Phase)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FactoryError) Unwrap() error { return e.cause }

// WithSpecification attaches pipeline coordinates to the error and
// returns it for chaining.
func (e *FactoryError) WithSpecification(id string, phase Phase) *FactoryError {
	e.SpecificationID = id
	e.Phase = phase
	return e
}

// NewError builds a FactoryError with kind-appropriate defaults for
// Recoverable and SuggestedAction.
func NewError(kind ErrorKind, message string, cause error) *FactoryError {
	e := &FactoryError{
		Kind:       kind,
		Message:    message,
		OccurredAt: time.Now().UTC(),
		cause:      cause,
	}
	switch kind {
	case ErrValidation:
		e.Recoverable = false
		e.SuggestedAction = "correct the request fields and resubmit"
	case ErrGeneration:
		e.Recoverable = true
		e.SuggestedAction = "retry the phase; persistent failures may need a simpler complexity"
	case ErrPersistence:
		e.Recoverable = true
		e.SuggestedAction = "check store connectivity and retry"
	case ErrTimeout:
		e.Recoverable = true
		e.SuggestedAction = "retry the phase or raise the phase timeout"
	case ErrApproval:
		e.Recoverable = false
		e.SuggestedAction = "resolve the pending approval before continuing"
	default:
		e.Recoverable = false
		e.SuggestedAction = "inspect factory logs"
	}
	return e
}

// NewValidationError is shorthand for the most common construction.
func NewValidationError(message string) *FactoryError {
	return NewError(ErrValidation, message, nil)
}

// KindOf extracts the ErrorKind from err, classifying foreign errors
// conservatively: context deadline failures become timeout_error and
// everything else system_error.
func KindOf(err error) ErrorKind {
	var fe *FactoryError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrSystem
}

// Recoverable reports whether err is worth retrying.
func Recoverable(err error) bool {
	var fe *FactoryError
	if errors.As(err, &fe) {
		return fe.Recoverable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
