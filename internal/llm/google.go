package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/docsage/pkg/models"
)

// GoogleClient talks to the Gemini API.
type GoogleClient struct {
	client *genai.Client
	cfg    Config
}

func NewGoogleClient(ctx context.Context, cfg Config) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("google: %w", ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleClient{client: client, cfg: cfg}, nil
}

func (c *GoogleClient) Name() string { return "google" }

func (c *GoogleClient) Plan(ctx context.Context, req PlanRequest) (Plan, error) {
	model := c.cfg.model(req.Model)
	system, history := chatMessages(planSystem(req.System), req.Messages)
	config := c.config(system, req.MaxTokens)
	if len(req.Tools) > 0 {
		config.Tools = googleTools(req.Tools)
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, googleContents(history), config)
	if err != nil {
		return nil, wrapError("google", model, 0, "", err)
	}
	if calls := resp.FunctionCalls(); len(calls) > 0 {
		args, err := json.Marshal(calls[0].Args)
		if err != nil || calls[0].Args == nil {
			args = []byte("{}")
		}
		return ToolCall{Name: calls[0].Name, Arguments: args}, nil
	}
	return Direct{Text: resp.Text()}, nil
}

func (c *GoogleClient) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	model := c.cfg.model(req.Model)
	system, history := chatMessages(SynthesisSystem(planSystem(req.System), req.Grounding), req.Messages)

	resp, err := c.client.Models.GenerateContent(ctx, model, googleContents(history), c.config(system, req.MaxTokens))
	if err != nil {
		return "", wrapError("google", model, 0, "", err)
	}
	return resp.Text(), nil
}

// SynthesizeStream opens the stream on the first response so connection
// failures are reported before any fragment is delivered.
func (c *GoogleClient) SynthesizeStream(ctx context.Context, req SynthesisRequest) (<-chan StreamChunk, error) {
	model := c.cfg.model(req.Model)
	system, history := chatMessages(SynthesisSystem(planSystem(req.System), req.Grounding), req.Messages)

	type item struct {
		resp *genai.GenerateContentResponse
		err  error
	}
	items := make(chan item)
	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(items)
		for resp, err := range c.client.Models.GenerateContentStream(streamCtx, model, googleContents(history), c.config(system, req.MaxTokens)) {
			select {
			case items <- item{resp, err}:
			case <-streamCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	first, ok := <-items
	if ok && first.err != nil {
		cancel()
		return nil, wrapError("google", model, 0, "", first.err)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer cancel()
		if !ok {
			return
		}
		for it := first; ; {
			if it.err != nil {
				send(ctx, chunks, StreamChunk{Err: wrapError("google", model, 0, "", it.err)})
				return
			}
			if text := it.resp.Text(); text != "" {
				if !send(ctx, chunks, StreamChunk{Text: text}) {
					return
				}
			}
			if it, ok = <-items; !ok {
				return
			}
		}
	}()
	return chunks, nil
}

func (c *GoogleClient) config(system string, maxTokens int) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		// #nosec G115 -- bounded by min
		MaxOutputTokens: int32(min(c.cfg.maxTokens(maxTokens), math.MaxInt32)),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return config
}

func googleContents(history []models.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := genai.RoleUser
		if msg.Role == models.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: msg.Content}}})
	}
	return out
}

func googleTools(tools []Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 tool.Name,
			Description:          strings.TrimSpace(tool.Description),
			ParametersJsonSchema: schemaObject(tool.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
