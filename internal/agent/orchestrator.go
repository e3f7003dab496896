// Package agent runs the grounded answer protocol for one query: plan,
// retrieve through the tool server, then synthesize from what was
// retrieved. It reads history but never writes it; callers commit the
// returned AnswerTurn.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/docsage/internal/backoff"
	"github.com/haasonsaas/docsage/internal/config"
	"github.com/haasonsaas/docsage/internal/llm"
	"github.com/haasonsaas/docsage/internal/observability"
	"github.com/haasonsaas/docsage/internal/toolserver"
	"github.com/haasonsaas/docsage/pkg/models"
)

// NoGroundingAnswer is the answer when retrieval produced nothing usable.
const NoGroundingAnswer = llm.NoGroundingAnswer

// directAskSystem replaces the tool-first prompt for DirectAsk.
const directAskSystem = `You are DocSage, an assistant for developer documentation questions.
No tools are available. Answer directly and say when you are unsure.`

// ToolServer is the retrieval side of a session. *toolserver.Supervisor
// implements it.
type ToolServer interface {
	Manifest() []toolserver.ToolSpec
	Invoke(ctx context.Context, tool string, args json.RawMessage, timeout time.Duration) (*toolserver.Result, error)
}

// HistoryReader loads prior messages. *history.Manager implements it.
type HistoryReader interface {
	Load(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Orchestrator answers queries for one session.
type Orchestrator struct {
	llm     llm.Client
	tools   ToolServer
	history HistoryReader
	cfg     config.AgentConfig
	policy  backoff.BackoffPolicy

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithBackoffPolicy sets the delay between model retries.
func WithBackoffPolicy(p backoff.BackoffPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// New builds an orchestrator. cfg is copied and never changes afterwards.
func New(client llm.Client, tools ToolServer, history HistoryReader, cfg config.AgentConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:     client,
		tools:   tools,
		history: history,
		cfg:     cfg,
		policy:  backoff.DefaultPolicy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "agent", "provider", client.Name())
	return o
}

// Config returns the orchestrator's agent settings.
func (o *Orchestrator) Config() config.AgentConfig { return o.cfg }

// Ask runs plan, retrieval, and synthesis for query against the history
// of conversationID and returns the uncommitted turn.
//
// Model failures that survive the retry budget are *LLMRequestError.
// Tool failures are the toolserver error types. Cancellation returns the
// context error.
func (o *Orchestrator) Ask(ctx context.Context, conversationID, query string) (*AnswerTurn, error) {
	ctx = observability.AddConversationID(ctx, conversationID)
	ctx, span := o.tracer.Start(ctx, "agent.ask", "conversation_id", conversationID)
	turn, err := o.ask(ctx, conversationID, query)
	if turn != nil {
		observability.SetAttributes(span, "answer_kind", string(turn.Kind))
	}
	observability.End(span, err)
	return turn, err
}

func (o *Orchestrator) ask(ctx context.Context, conversationID, query string) (*AnswerTurn, error) {
	p, err := o.prepare(ctx, conversationID, query)
	if err != nil {
		return nil, err
	}
	if p.answered() {
		return p.turn, nil
	}

	req := o.synthesisRequest(p)
	text, err := withRetry(ctx, o, PhaseSynthesize, func(ctx context.Context) (string, error) {
		ctx, span := o.tracer.Start(ctx, "agent.synthesize")
		text, err := o.llm.Synthesize(ctx, req)
		observability.End(span, err)
		return text, err
	})
	if err != nil {
		return nil, err
	}
	p.complete(AnswerGrounded, text)
	return p.turn, nil
}

// prepared is a turn after planning and retrieval. When turn.Assistant is
// already set no synthesis is needed.
type prepared struct {
	turn      *AnswerTurn
	messages  []models.Message
	grounding string
}

func (p *prepared) answered() bool { return p.turn.Assistant.Role != "" }

func (p *prepared) complete(kind AnswerKind, text string) {
	if strings.TrimSpace(text) == "" {
		kind, text = AnswerNoGrounding, NoGroundingAnswer
	}
	p.turn.Kind = kind
	p.turn.Assistant = models.NewMessage(models.RoleAssistant, text)
}

func (o *Orchestrator) prepare(ctx context.Context, conversationID, query string) (*prepared, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	prior, err := o.history.Load(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	user := models.NewMessage(models.RoleUser, query)
	p := &prepared{
		turn:     &AnswerTurn{ConversationID: conversationID, User: user},
		messages: append(prior, user),
	}

	planReq := llm.PlanRequest{
		Model:    o.cfg.Model,
		System:   o.cfg.SystemPrompt,
		Messages: p.messages,
		Tools:    o.manifest(),
	}
	plan, err := withRetry(ctx, o, PhasePlan, func(ctx context.Context) (llm.Plan, error) {
		ctx, span := o.tracer.Start(ctx, "agent.plan")
		plan, err := o.llm.Plan(ctx, planReq)
		observability.End(span, err)
		return plan, err
	})
	if err != nil {
		return nil, err
	}

	switch plan := plan.(type) {
	case llm.Direct:
		if o.cfg.DirectAnswers == config.DirectAnswersDecline {
			o.logger.Info("declined direct answer", "conversation_id", conversationID)
			p.complete(AnswerDeclined, NoGroundingAnswer)
		} else {
			p.complete(AnswerDirect, plan.Text)
		}
		return p, nil
	case llm.ToolCall:
		if err := o.retrieve(ctx, p, plan); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unexpected plan %T", plan)
	}
}

// retrieve runs the planned tool call. A tool that answers with an error
// or with nothing completes the turn with NoGroundingAnswer.
func (o *Orchestrator) retrieve(ctx context.Context, p *prepared, call llm.ToolCall) error {
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	inv := &ToolInvocation{ToolName: call.Name, Arguments: args}
	p.turn.Tool = inv

	start := time.Now()
	result, err := o.tools.Invoke(ctx, call.Name, args, o.cfg.RequestTimeout)
	inv.Latency = time.Since(start)

	var remote *toolserver.RemoteError
	switch {
	case errors.As(err, &remote):
		inv.RequestID = remote.RequestID
		inv.Error = remote.Message
		o.logger.Warn("tool returned an error", "tool", call.Name, "request_id", remote.RequestID, "error", remote.Message)
		p.complete(AnswerNoGrounding, NoGroundingAnswer)
		return nil
	case err != nil:
		return fmt.Errorf("retrieve with %q: %w", call.Name, err)
	}

	inv.RequestID = result.RequestID
	inv.Result = result.Text
	inv.Latency = result.Latency
	if strings.TrimSpace(result.Text) == "" {
		o.logger.Info("tool returned no grounding", "tool", call.Name, "request_id", result.RequestID)
		p.complete(AnswerNoGrounding, NoGroundingAnswer)
		return nil
	}
	p.grounding = result.Text
	return nil
}

func (o *Orchestrator) synthesisRequest(p *prepared) llm.SynthesisRequest {
	return llm.SynthesisRequest{
		Model:     o.cfg.Model,
		System:    o.cfg.SystemPrompt,
		Messages:  p.messages,
		Grounding: p.grounding,
	}
}

func (o *Orchestrator) manifest() []llm.Tool {
	specs := o.tools.Manifest()
	tools := make([]llm.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, llm.Tool{Name: spec.Name, Description: spec.Description, Schema: spec.Schema})
	}
	return tools
}

// DirectAsk answers from the model alone, skipping planning and retrieval.
// It exists for debugging and is refused unless allow_direct_ask is set.
func (o *Orchestrator) DirectAsk(ctx context.Context, conversationID, query string) (*AnswerTurn, error) {
	if !o.cfg.AllowDirectAsk {
		return nil, ErrDirectAskDisabled
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	prior, err := o.history.Load(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	user := models.NewMessage(models.RoleUser, query)
	p := &prepared{
		turn:     &AnswerTurn{ConversationID: conversationID, User: user},
		messages: append(prior, user),
	}

	req := llm.PlanRequest{Model: o.cfg.Model, System: directAskSystem, Messages: p.messages}
	plan, err := withRetry(ctx, o, PhaseDirect, func(ctx context.Context) (llm.Plan, error) {
		return o.llm.Plan(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	direct, ok := plan.(llm.Direct)
	if !ok {
		return nil, &LLMRequestError{
			Phase:    PhaseDirect,
			Provider: o.llm.Name(),
			Attempts: 1,
			Cause:    fmt.Errorf("model requested %v with no tools offered", plan),
		}
	}
	o.logger.Warn("answered without retrieval", "conversation_id", conversationID)
	p.complete(AnswerBypass, direct.Text)
	return p.turn, nil
}

// withRetry runs one model call under the per-request timeout, retrying
// transient failures with backoff.
func withRetry[T any](ctx context.Context, o *Orchestrator, phase Phase, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry(ctx, o, phase, func(ctx context.Context) (T, error) {
		attemptCtx, cancel := o.requestContext(ctx)
		defer cancel()
		return fn(attemptCtx)
	})
}

// retry applies the retry budget to fn, which owns its own timeout.
func retry[T any](ctx context.Context, o *Orchestrator, phase Phase, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := backoff.RetryWithBackoff(ctx, backoff.Options{
		Policy:      o.policy,
		MaxAttempts: o.cfg.Retries() + 1,
		Retryable:   llm.IsRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			o.logger.Warn("model request failed, retrying",
				"phase", phase, "attempt", attempt, "delay", delay, "reason", llm.ClassifyError(err), "error", err)
		},
	}, func(ctx context.Context, attempt int) (T, error) {
		start := time.Now()
		value, err := fn(ctx)
		o.metrics.RecordLLMRequest(o.llm.Name(), string(phase), requestStatus(err), time.Since(start).Seconds())
		return value, err
	})
	if err == nil {
		return result.Value, nil
	}
	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, fmt.Errorf("%s: %w", phase, ctxErr)
	}
	return zero, &LLMRequestError{
		Phase:     phase,
		Provider:  o.llm.Name(),
		Attempts:  result.Attempts,
		Transient: llm.IsRetryable(result.LastError),
		Cause:     err,
	}
}

func (o *Orchestrator) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func requestStatus(err error) string {
	if err == nil {
		return "success"
	}
	return string(llm.ClassifyError(err))
}
