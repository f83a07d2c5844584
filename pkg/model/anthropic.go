package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
)

// ProviderConfig configures a hosted model client.
type ProviderConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Budget      Budget
}

// AnthropicClient implements Client for Anthropic Claude.
type AnthropicClient struct {
	client anthropic.Client
	cfg    ProviderConfig
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(cfg ProviderConfig) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeSonnet4_5)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}
}

// Name returns the client name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Ping checks that the configured model is reachable.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.Get(ctx, c.cfg.Model, anthropic.ModelGetParams{})
	return err
}

// Generate makes one Messages API call.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (Completion, error) {
	prompt := BuildPrompt(req, c.cfg.Budget)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		Messages:  anthropicMessages(prompt.Messages, len(req.Tools) > 0),
		MaxTokens: int64(c.cfg.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: prompt.System}},
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(c.cfg.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, err
	}

	usage := Usage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return Completion{}, fmt.Errorf("failed to parse tool input: %w", err)
				}
			}
			return Completion{
				Kind:       KindToolRequest,
				Content:    text.String(),
				ToolCallID: b.ID,
				ToolName:   b.Name,
				Args:       args,
				Usage:      usage,
			}, nil
		}
	}

	return Completion{Kind: KindText, Content: text.String(), Usage: usage}, nil
}

// anthropicMessages converts prompt messages. The API rejects tool_use and
// tool_result blocks in a request that defines no tools, so without tools past
// tool turns are written out as plain text.
func anthropicMessages(messages []Message, withTools bool) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)

	for _, m := range messages {
		switch m.Role {
		case session.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case session.RoleAssistant:
			if len(out) == 0 {
				// The Messages API requires the conversation to open with a user turn.
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case session.RoleTool:
			if m.ToolCall == nil {
				continue
			}
			if len(out) == 0 {
				continue
			}
			args := m.ToolCall.Args
			if args == nil {
				args = map[string]any{}
			}
			if !withTools {
				call, _ := json.Marshal(args)
				out = append(out,
					anthropic.NewAssistantMessage(anthropic.NewTextBlock(fmt.Sprintf("Called tool %s with %s", m.ToolCall.Name, call))),
					anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf("Tool %s returned: %s", m.ToolCall.Name, m.Content))),
				)
				continue
			}
			out = append(out,
				anthropic.NewAssistantMessage(anthropic.NewToolUseBlock(m.ToolCall.ID, args, m.ToolCall.Name)),
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCall.ID, m.Content, m.ToolCall.Error != nil)),
			)
		}
	}

	return out
}

func anthropicTools(descs []tools.Descriptor) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(descs))
	for _, d := range descs {
		tool := anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: d.InputSchema["properties"],
				Required:   requiredFields(d.InputSchema),
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
