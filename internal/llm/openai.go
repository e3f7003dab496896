package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/docsage/pkg/models"
)

// OpenAIClient talks to the OpenAI chat completions API or any server that
// implements it (set Config.BaseURL).
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
}

// NewOpenAIClient returns ErrNotConfigured without an API key unless a
// custom base URL points at a server that does not need one.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: %w", ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Plan(ctx context.Context, req PlanRequest) (Plan, error) {
	model := c.cfg.model(req.Model)
	system, history := chatMessages(planSystem(req.System), req.Messages)
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  openAIMessages(system, history),
		MaxTokens: c.cfg.maxTokens(req.MaxTokens),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req.Tools)
		chatReq.ToolChoice = "auto"
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, c.wrap(model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, c.wrap(model, errors.New("response has no choices"))
	}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0].Function
		return ToolCall{Name: call.Name, Arguments: normalizeArguments(call.Arguments)}, nil
	}
	return Direct{Text: msg.Content}, nil
}

func (c *OpenAIClient) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	model := c.cfg.model(req.Model)
	resp, err := c.client.CreateChatCompletion(ctx, c.synthesisRequest(model, req, false))
	if err != nil {
		return "", c.wrap(model, err)
	}
	if len(resp.Choices) == 0 {
		return "", c.wrap(model, errors.New("response has no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) SynthesizeStream(ctx context.Context, req SynthesisRequest) (<-chan StreamChunk, error) {
	model := c.cfg.model(req.Model)
	stream, err := c.client.CreateChatCompletionStream(ctx, c.synthesisRequest(model, req, true))
	if err != nil {
		return nil, c.wrap(model, err)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				send(ctx, chunks, StreamChunk{Err: c.wrap(model, err)})
				return
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !send(ctx, chunks, StreamChunk{Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}()
	return chunks, nil
}

func (c *OpenAIClient) synthesisRequest(model string, req SynthesisRequest, stream bool) openai.ChatCompletionRequest {
	system, history := chatMessages(SynthesisSystem(planSystem(req.System), req.Grounding), req.Messages)
	return openai.ChatCompletionRequest{
		Model:     model,
		Messages:  openAIMessages(system, history),
		MaxTokens: c.cfg.maxTokens(req.MaxTokens),
		Stream:    stream,
	}
}

func (c *OpenAIClient) wrap(model string, err error) error {
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
		status int
		code   string
	)
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		if code == "" {
			code = apiErr.Type
		}
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return wrapError("openai", model, status, code, err)
}

func openAIMessages(system string, history []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}

func openAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaObject(tool.Schema),
			},
		})
	}
	return out
}

// schemaObject decodes a tool schema, falling back to an empty object
// schema so one bad tool does not break planning.
func schemaObject(raw json.RawMessage) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}

// normalizeArguments turns an empty argument string into an empty object.
func normalizeArguments(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

// send delivers chunk unless ctx ends first.
func send(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
