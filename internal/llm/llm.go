// Package llm is the language model boundary: a planning call that either
// answers directly or asks for one tool call, and a synthesis call that
// answers from retrieved grounding text.
//
// Clients make exactly one remote request per call. Retries, backoff, and
// per-request timeouts belong to the caller.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/docsage/pkg/models"
)

// Client is implemented by each provider adapter.
type Client interface {
	// Name is the provider identifier used in logs and metrics.
	Name() string

	// Plan decides between answering directly and calling one tool.
	Plan(ctx context.Context, req PlanRequest) (Plan, error)

	// Synthesize answers the last user message from req.Grounding.
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)

	// SynthesizeStream is Synthesize delivered as fragments. The error is
	// returned only when the stream could not be opened; later failures
	// arrive as a StreamChunk with Err set, after which the channel closes.
	SynthesizeStream(ctx context.Context, req SynthesisRequest) (<-chan StreamChunk, error)
}

// Plan is the result of the planning call: Direct or ToolCall.
type Plan interface {
	isPlan()
}

// Direct is a plan that answers without retrieval.
type Direct struct {
	Text string
}

// ToolCall is a plan that requests one tool invocation.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

func (Direct) isPlan()   {}
func (ToolCall) isPlan() {}

func (d Direct) String() string { return "direct" }

func (c ToolCall) String() string { return fmt.Sprintf("tool_call(%s, %s)", c.Name, c.Arguments) }

// Tool is a tool the planner may call.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON schema of the arguments object.
	Schema json.RawMessage
}

// PlanRequest carries the conversation so far; its last message is the new
// user query.
type PlanRequest struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []Tool
	MaxTokens int
}

// SynthesisRequest carries the conversation and the grounding material the
// answer must be derived from.
type SynthesisRequest struct {
	Model     string
	System    string
	Messages  []models.Message
	Grounding string
	MaxTokens int
}

// StreamChunk is one synthesis fragment or the error that ended the stream.
type StreamChunk struct {
	Text string
	Err  error
}

// Config configures a provider adapter.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

const defaultMaxTokens = 2048

func (c Config) maxTokens(requested int) int {
	switch {
	case requested > 0:
		return requested
	case c.MaxTokens > 0:
		return c.MaxTokens
	default:
		return defaultMaxTokens
	}
}

func (c Config) model(requested string) string {
	if requested != "" {
		return requested
	}
	return c.Model
}

// New returns the adapter for provider.
func New(ctx context.Context, provider string, cfg Config) (Client, error) {
	switch provider {
	case "openai":
		return NewOpenAIClient(cfg)
	case "anthropic":
		return NewAnthropicClient(cfg)
	case "google":
		return NewGoogleClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
}
