package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTurn is returned when a turn violates the data model.
	ErrInvalidTurn = errors.New("invalid turn")
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tool error kinds recorded on a ToolCall.
const (
	ToolErrInvalidArgs     = "invalid_args"
	ToolErrExecutionFailed = "execution_failed"
	ToolErrTimeout         = "timeout"
	ToolErrNotFound        = "not_found"
)

// Turn is one message unit in a session's history.
type Turn struct {
	ID         string            `json:"id"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	Citations  []string          `json:"citations,omitempty"`
	ToolCall   *ToolCall         `json:"tool_call,omitempty"`
	Evaluation *EvaluationReport `json:"evaluation,omitempty"`
}

// ToolCall records a single tool invocation for auditability.
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args"`
	Result  any            `json:"result,omitempty"`
	Error   *ToolCallError `json:"error,omitempty"`
	Latency time.Duration  `json:"latency"`
}

// ToolCallError is the persisted form of a failed tool invocation.
type ToolCallError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// EvaluationReport scores one assistant turn.
type EvaluationReport struct {
	Scores     map[string]float64 `json:"scores"`
	Passed     bool               `json:"passed"`
	Rationale  string             `json:"rationale"`
	Confidence float64            `json:"confidence"`
}

// Session is a conversation and its ordered turns.
type Session struct {
	ID           string            `json:"id"`
	Turns        []Turn            `json:"turns"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SessionInfo is the summary of a session used by listing and expiry.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	TurnCount    int       `json:"turn_count"`
}

// NewTurn creates a turn with a fresh id and the current time.
func NewTurn(role Role, content string) Turn {
	return Turn{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewID returns a short random identifier for turns and tool calls.
func NewID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return id
}

// Validate checks the result/error exclusivity of a tool call.
func (c *ToolCall) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: tool call name is empty", ErrInvalidTurn)
	}
	hasResult := c.Result != nil
	hasError := c.Error != nil
	if hasResult == hasError {
		return fmt.Errorf("%w: tool call %q must carry exactly one of result or error", ErrInvalidTurn, c.Name)
	}
	return nil
}

// Validate checks role-specific constraints of a turn.
func (t *Turn) Validate() error {
	switch t.Role {
	case RoleUser:
		if strings.TrimSpace(t.Content) == "" {
			return fmt.Errorf("%w: user turn content is empty", ErrInvalidTurn)
		}
	case RoleAssistant:
	case RoleTool:
		if t.ToolCall == nil {
			return fmt.Errorf("%w: tool turn without tool call", ErrInvalidTurn)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, t.Role)
	}

	if t.ToolCall != nil {
		if t.Role != RoleTool {
			return fmt.Errorf("%w: tool call on %s turn", ErrInvalidTurn, t.Role)
		}
		if err := t.ToolCall.Validate(); err != nil {
			return err
		}
	}
	if t.Evaluation != nil && t.Role != RoleAssistant {
		return fmt.Errorf("%w: evaluation on %s turn", ErrInvalidTurn, t.Role)
	}
	return nil
}

// Info summarizes the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		TurnCount:    len(s.Turns),
	}
}

// Recent returns the last n turns, or all turns when n <= 0.
func (s *Session) Recent(n int) []Turn {
	if n <= 0 || n >= len(s.Turns) {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// Clone returns a deep copy of the session's slices and maps.
func (s *Session) Clone() *Session {
	out := *s
	out.Turns = append([]Turn(nil), s.Turns...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
