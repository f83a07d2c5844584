package model

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
)

// Kind distinguishes final text from a tool request.
type Kind string

const (
	KindText        Kind = "text"
	KindToolRequest Kind = "tool_request"
)

// Request is the input to one generation call.
type Request struct {
	SystemPrompt string
	History      []session.Turn
	Context      []retrieval.Passage
	Tools        []tools.Descriptor
}

// Usage reports token consumption when the provider returns it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Completion is the model's output for one call: either final text or a
// request to invoke a tool.
type Completion struct {
	Kind       Kind
	Content    string
	ToolCallID string
	ToolName   string
	Args       map[string]any
	Usage      Usage
}

// Client generates completions. Implementations never retry.
type Client interface {
	Generate(ctx context.Context, req Request) (Completion, error)
	Name() string
	Ping(ctx context.Context) error
}

// Retryable reports whether a failed Generate call may succeed on retry.
// Provider API errors are retryable for timeouts, conflicts, rate limits and
// server errors. Transport errors are retryable unless the call was cancelled.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}

	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusConflict, code == http.StatusTooManyRequests:
		return true
	case code >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}
