package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/ragent/pkg/session"
)

// DefaultMaxChars bounds an assembled prompt when no budget is configured.
const DefaultMaxChars = 24000

// Budget limits the size of an assembled prompt.
type Budget struct {
	MaxChars int `json:"max_chars" mapstructure:"max_chars"`
}

// Message is one provider-neutral conversation entry. Tool messages carry the
// call they record.
type Message struct {
	Role     session.Role
	Content  string
	ToolCall *session.ToolCall
}

// Prompt is an assembled request ready for a provider adapter.
type Prompt struct {
	System   string
	Messages []Message
	// Evicted counts history turns dropped to fit the budget.
	Evicted int
}

// Size returns the prompt's character count as measured against a Budget.
func (p Prompt) Size() int {
	n := len(p.System)
	for _, m := range p.Messages {
		n += messageSize(m)
	}
	return n
}

// BuildPrompt assembles the system prompt, retrieved context and history. When
// the result exceeds the budget, history is evicted from the oldest turn
// forward. The most recent user turn and everything after it are never evicted.
func BuildPrompt(req Request, budget Budget) Prompt {
	maxChars := budget.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	p := Prompt{
		System:   systemText(req),
		Messages: make([]Message, 0, len(req.History)),
	}
	for _, t := range req.History {
		m := Message{Role: t.Role, Content: t.Content, ToolCall: t.ToolCall}
		if t.Role == session.RoleTool && t.ToolCall != nil {
			m.Content = ToolResultText(t.ToolCall)
		}
		p.Messages = append(p.Messages, m)
	}

	protected := len(p.Messages)
	for i := len(p.Messages) - 1; i >= 0; i-- {
		if p.Messages[i].Role == session.RoleUser {
			protected = i
			break
		}
	}

	size := p.Size()
	drop := 0
	for size > maxChars && drop < protected {
		size -= messageSize(p.Messages[drop])
		drop++
	}
	if drop > 0 {
		p.Messages = p.Messages[drop:]
		p.Evicted = drop
	}

	return p
}

func messageSize(m Message) int {
	n := len(m.Content)
	if m.ToolCall != nil {
		n += len(m.ToolCall.Name)
		if b, err := json.Marshal(m.ToolCall.Args); err == nil {
			n += len(b)
		}
	}
	return n
}

func systemText(req Request) string {
	system := strings.TrimSpace(req.SystemPrompt)
	if system == "" {
		system = "You are a helpful assistant."
	}
	if len(req.Context) == 0 {
		return system
	}

	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\n# Relevant Context\n\nAnswer using the passages below when they are relevant. Cite passages by their id in square brackets.\n\n")
	for _, p := range req.Context {
		fmt.Fprintf(&b, "## [%s] (source: %s, relevance: %.2f)\n\n%s\n\n", p.ID, p.SourceID, p.Score, p.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ToolResultText renders a tool call's outcome for the model.
func ToolResultText(call *session.ToolCall) string {
	if call == nil {
		return ""
	}
	if call.Error != nil {
		return fmt.Sprintf("error (%s): %s", call.Error.Kind, call.Error.Message)
	}
	if s, ok := call.Result.(string); ok {
		return s
	}
	b, err := json.Marshal(call.Result)
	if err != nil {
		return fmt.Sprintf("%v", call.Result)
	}
	return string(b)
}
