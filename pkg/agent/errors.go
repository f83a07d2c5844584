package agent

import (
	"errors"
	"fmt"
)

// Error kinds returned by ProcessTurn. Retrieval degradation is recorded in
// Metadata and never returned.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrSessionConflict    = errors.New("session conflict")
	ErrModelUnavailable   = errors.New("model unavailable")
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Error carries the kind of failure, the step that failed and the cause.
// errors.Is matches both the kind and the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrSessionConflict):
		return "session_conflict"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	default:
		return "internal"
	}
}

// PublicMessage returns a message safe to show callers. It distinguishes bad
// input from temporary unavailability without exposing internal causes.
func PublicMessage(err error) string {
	switch Code(err) {
	case "":
		return ""
	case "invalid_input":
		var e *Error
		if errors.As(err, &e) && e.Err != nil {
			return "Invalid request: " + e.Err.Error() + "."
		}
		return "Invalid request."
	case "session_conflict":
		return "This session is busy with another message. Please retry shortly."
	case "persistence_failure":
		return "The response could not be saved and may be lost. Please retry."
	case "model_unavailable":
		return "The language model is temporarily unavailable. Please try again shortly."
	default:
		return "An internal error occurred."
	}
}
