package tools

import (
	"fmt"

	"github.com/harun/ragent/pkg/session"
)

// Kind classifies a failed tool invocation.
type Kind string

const (
	KindInvalidArgs     Kind = session.ToolErrInvalidArgs
	KindExecutionFailed Kind = session.ToolErrExecutionFailed
	KindTimeout         Kind = session.ToolErrTimeout
	KindNotFound        Kind = session.ToolErrNotFound
)

// ToolError is returned in a Result when a tool could not produce output.
// It is fed back into the conversation rather than aborting a request.
type ToolError struct {
	Kind    Kind
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %s: %v", e.Tool, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Record converts the error into its persisted form.
func (e *ToolError) Record() *session.ToolCallError {
	if e == nil {
		return nil
	}
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return &session.ToolCallError{Kind: string(e.Kind), Message: msg}
}

func newToolError(kind Kind, tool, message string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Message: message, Err: err}
}
