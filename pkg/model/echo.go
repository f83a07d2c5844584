package model

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
)

const echoSnippetLen = 300

var calculatorTriggers = []string{"calculate", "compute"}

// EchoClient is an offline, deterministic Client. It asks for the calculator
// tool when a message starts with "calculate" or "compute", reports tool
// results, and otherwise answers from the best retrieved passage.
type EchoClient struct {
	budget Budget
}

// NewEchoClient creates an offline client.
func NewEchoClient(budget Budget) *EchoClient {
	return &EchoClient{budget: budget}
}

// Name returns the client name.
func (c *EchoClient) Name() string {
	return "echo"
}

// Ping always succeeds.
func (c *EchoClient) Ping(ctx context.Context) error {
	return nil
}

// Generate produces a completion without any network access.
func (c *EchoClient) Generate(ctx context.Context, req Request) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	prompt := BuildPrompt(req, c.budget)
	usage := Usage{InputTokens: (prompt.Size() + 3) / 4}

	var user *Message
	var lastTool *Message
	for i := range prompt.Messages {
		m := &prompt.Messages[i]
		switch m.Role {
		case session.RoleUser:
			user, lastTool = m, nil
		case session.RoleTool:
			lastTool = m
		}
	}
	if user == nil {
		return Completion{}, fmt.Errorf("no user message in prompt")
	}

	if lastTool != nil && lastTool.ToolCall != nil {
		content := describeToolResult(lastTool.ToolCall)
		return Completion{Kind: KindText, Content: content, Usage: withOutput(usage, content)}, nil
	}

	if expr, ok := calculatorRequest(user.Content); ok && hasTool(req.Tools, "calculator") {
		return Completion{
			Kind:     KindToolRequest,
			ToolName: "calculator",
			Args:     map[string]any{"expression": expr},
			Usage:    usage,
		}, nil
	}

	var content string
	if len(req.Context) > 0 {
		best := req.Context[0]
		content = fmt.Sprintf("Based on %s: %s [%s]", best.SourceID, snippet(best.Text), best.ID)
	} else {
		content = fmt.Sprintf("I could not find any documents about that. You asked: %s", strings.TrimSpace(user.Content))
	}

	return Completion{Kind: KindText, Content: content, Usage: withOutput(usage, content)}, nil
}

func calculatorRequest(message string) (string, bool) {
	msg := strings.TrimSpace(message)
	lower := strings.ToLower(msg)
	for _, trigger := range calculatorTriggers {
		if !strings.HasPrefix(lower, trigger) {
			continue
		}
		expr := strings.TrimSpace(msg[len(trigger):])
		expr = strings.TrimLeft(expr, ":")
		expr = strings.TrimRight(strings.TrimSpace(expr), "?.!")
		expr = strings.TrimSpace(expr)
		if expr == "" {
			return "", false
		}
		return expr, true
	}
	return "", false
}

func describeToolResult(call *session.ToolCall) string {
	if call.Error != nil {
		return fmt.Sprintf("The %s tool failed (%s): %s", call.Name, call.Error.Kind, call.Error.Message)
	}
	if out, ok := call.Result.(map[string]any); ok {
		if v, ok := out["result"].(float64); ok {
			if expr, ok := out["expression"].(string); ok {
				return fmt.Sprintf("%s = %s", expr, strconv.FormatFloat(v, 'f', -1, 64))
			}
			return fmt.Sprintf("The result is %s.", strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	return fmt.Sprintf("The %s tool returned: %s", call.Name, ToolResultText(call))
}

func hasTool(descs []tools.Descriptor, name string) bool {
	for _, d := range descs {
		if d.Name == name {
			return true
		}
	}
	return false
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= echoSnippetLen {
		return text
	}
	cut := strings.LastIndex(text[:echoSnippetLen], " ")
	if cut <= 0 {
		cut = echoSnippetLen
	}
	return text[:cut] + "..."
}

func withOutput(u Usage, content string) Usage {
	u.OutputTokens = (len(content) + 3) / 4
	return u
}
