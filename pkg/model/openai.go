package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
)

// OpenAIClient implements Client for OpenAI-compatible chat completion APIs.
type OpenAIClient struct {
	client openai.Client
	cfg    ProviderConfig
}

// NewOpenAIClient creates an OpenAI client. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIClient(cfg ProviderConfig) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.ChatModelGPT4oMini)
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}
}

// Name returns the client name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Ping checks that the configured model is reachable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.Get(ctx, c.cfg.Model)
	return err
}

// Generate makes one chat completion call.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Completion, error) {
	prompt := BuildPrompt(req, c.cfg.Budget)

	messages, err := openaiMessages(prompt)
	if err != nil {
		return Completion{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: messages,
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = openaiTools(req.Tools)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Completion{}, err
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("no response choices returned")
	}

	usage := Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	msg := resp.Choices[0].Message

	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0]
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return Completion{}, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		return Completion{
			Kind:       KindToolRequest,
			Content:    msg.Content,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Args:       args,
			Usage:      usage,
		}, nil
	}

	return Completion{Kind: KindText, Content: msg.Content, Usage: usage}, nil
}

func openaiMessages(prompt Prompt) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt.Messages)+1)
	out = append(out, openai.SystemMessage(prompt.System))

	for _, m := range prompt.Messages {
		switch m.Role {
		case session.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case session.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case session.RoleTool:
			if m.ToolCall == nil {
				continue
			}
			args, err := json.Marshal(m.ToolCall.Args)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
			}
			out = append(out,
				openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
						ID: m.ToolCall.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      m.ToolCall.Name,
							Arguments: string(args),
						},
					}},
				}},
				openai.ToolMessage(m.Content, m.ToolCall.ID),
			)
		}
	}

	return out, nil
}

func openaiTools(descs []tools.Descriptor) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(descs))
	for _, d := range descs {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  openai.FunctionParameters(d.InputSchema),
			},
		})
	}
	return out
}
