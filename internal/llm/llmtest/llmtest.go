// Package llmtest provides a scripted llm.Client for orchestrator and
// session tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/docsage/internal/llm"
)

// ErrScriptExhausted is returned when a call has no scripted step left.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// PlanStep is one scripted planning response.
type PlanStep struct {
	Plan llm.Plan
	Err  error
}

// SynthesisStep is one scripted synthesis response. Streaming calls send
// Fragments (or Text as a single fragment) and then StreamErr, if set.
// With HoldAfter > 0 the stream blocks after that many fragments until the
// caller's context ends. A Silent stream opens and sends nothing until then.
type SynthesisStep struct {
	Text      string
	Err       error
	Fragments []string
	StreamErr error
	HoldAfter int
	Silent    bool
}

// Client replays scripted steps in order and records every request.
type Client struct {
	mu         sync.Mutex
	plans      []PlanStep
	syntheses  []SynthesisStep
	planReqs   []llm.PlanRequest
	synthReqs  []llm.SynthesisRequest
	streamReqs int
}

// New returns an empty script.
func New() *Client {
	return &Client{}
}

// ToolCall returns a ToolCall plan with JSON arguments.
func ToolCall(name, args string) llm.Plan {
	return llm.ToolCall{Name: name, Arguments: []byte(args)}
}

// OnPlan queues planning responses.
func (c *Client) OnPlan(steps ...PlanStep) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans = append(c.plans, steps...)
	return c
}

// OnSynthesize queues synthesis responses, shared by Synthesize and SynthesizeStream.
func (c *Client) OnSynthesize(steps ...SynthesisStep) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syntheses = append(c.syntheses, steps...)
	return c
}

func (c *Client) Name() string { return "scripted" }

func (c *Client) Plan(ctx context.Context, req llm.PlanRequest) (llm.Plan, error) {
	c.mu.Lock()
	c.planReqs = append(c.planReqs, req)
	if len(c.plans) == 0 {
		c.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	step := c.plans[0]
	c.plans = c.plans[1:]
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return step.Plan, step.Err
}

func (c *Client) next(req llm.SynthesisRequest) (SynthesisStep, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synthReqs = append(c.synthReqs, req)
	if len(c.syntheses) == 0 {
		return SynthesisStep{}, ErrScriptExhausted
	}
	step := c.syntheses[0]
	c.syntheses = c.syntheses[1:]
	return step, nil
}

func (c *Client) Synthesize(ctx context.Context, req llm.SynthesisRequest) (string, error) {
	step, err := c.next(req)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return step.Text, step.Err
}

func (c *Client) SynthesizeStream(ctx context.Context, req llm.SynthesisRequest) (<-chan llm.StreamChunk, error) {
	step, err := c.next(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	c.mu.Lock()
	c.streamReqs++
	c.mu.Unlock()

	fragments := step.Fragments
	if len(fragments) == 0 && step.Text != "" {
		fragments = []string{step.Text}
	}
	chunks := make(chan llm.StreamChunk)
	go func() {
		defer close(chunks)
		if step.Silent {
			<-ctx.Done()
			return
		}
		for i, fragment := range fragments {
			if step.HoldAfter > 0 && i == step.HoldAfter {
				<-ctx.Done()
				return
			}
			select {
			case chunks <- llm.StreamChunk{Text: fragment}:
			case <-ctx.Done():
				return
			}
		}
		if step.StreamErr != nil {
			select {
			case chunks <- llm.StreamChunk{Err: step.StreamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return chunks, nil
}

// PlanRequests returns the planning requests received so far.
func (c *Client) PlanRequests() []llm.PlanRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.PlanRequest(nil), c.planReqs...)
}

// SynthesisRequests returns the synthesis requests received so far,
// streaming or not.
func (c *Client) SynthesisRequests() []llm.SynthesisRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.SynthesisRequest(nil), c.synthReqs...)
}
