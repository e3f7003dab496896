package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/docsage/pkg/models"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	cfg    Config
}

func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	// Retries are owned by the orchestrator.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) Plan(ctx context.Context, req PlanRequest) (Plan, error) {
	model := c.cfg.model(req.Model)
	system, history := chatMessages(planSystem(req.System), req.Messages)
	params := c.params(model, system, history, req.MaxTokens)
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, c.wrap(model, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			return ToolCall{Name: block.Name, Arguments: args}, nil
		case "text":
			text.WriteString(block.Text)
		}
	}
	return Direct{Text: text.String()}, nil
}

func (c *AnthropicClient) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	model := c.cfg.model(req.Model)
	system, history := chatMessages(SynthesisSystem(planSystem(req.System), req.Grounding), req.Messages)

	msg, err := c.client.Messages.New(ctx, c.params(model, system, history, req.MaxTokens))
	if err != nil {
		return "", c.wrap(model, err)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

func (c *AnthropicClient) SynthesizeStream(ctx context.Context, req SynthesisRequest) (<-chan StreamChunk, error) {
	model := c.cfg.model(req.Model)
	system, history := chatMessages(SynthesisSystem(planSystem(req.System), req.Grounding), req.Messages)

	stream := c.client.Messages.NewStreaming(ctx, c.params(model, system, history, req.MaxTokens))
	// The SSE stream connects lazily; surface connection failures here so
	// they are retried like any other request.
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		if err == nil {
			err = errors.New("stream ended before any event")
		}
		return nil, c.wrap(model, err)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		for {
			event := stream.Current()
			if event.Type == "content_block_delta" {
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					if !send(ctx, chunks, StreamChunk{Text: delta.Text}) {
						return
					}
				}
			}
			if event.Type == "message_stop" {
				return
			}
			if !stream.Next() {
				break
			}
		}
		if err := stream.Err(); err != nil {
			send(ctx, chunks, StreamChunk{Err: c.wrap(model, err)})
		}
	}()
	return chunks, nil
}

func (c *AnthropicClient) params(model, system string, history []models.Message, maxTokens int) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(c.cfg.maxTokens(maxTokens)),
		Messages:  anthropicMessages(history),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) wrap(model string, err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return wrapError("anthropic", model, 0, "", err)
	}
	code := ""
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		code = payload.Error.Type
	}
	return wrapError("anthropic", model, apiErr.StatusCode, code, err)
}

func anthropicMessages(history []models.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func anthropicTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil && tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}
