// Package session binds one conversation to one orchestrator and one tool
// server process. A session runs one turn at a time, commits a turn to
// history only after it fully succeeded, and always stops its tool server
// when it ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/docsage/internal/agent"
	"github.com/haasonsaas/docsage/internal/backoff"
	"github.com/haasonsaas/docsage/internal/config"
	"github.com/haasonsaas/docsage/internal/history"
	"github.com/haasonsaas/docsage/internal/llm"
	"github.com/haasonsaas/docsage/internal/observability"
	"github.com/haasonsaas/docsage/internal/toolserver"
)

// Turn modes used in metrics.
const (
	modeAsk    = "ask"
	modeStream = "stream"
	modeDirect = "direct"
)

// ToolServer is the process-owning side of a session.
// *toolserver.Supervisor implements it.
type ToolServer interface {
	agent.ToolServer
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() toolserver.State
}

// Config is what a session is started with.
type Config struct {
	// ConversationID continues an existing conversation. Empty starts a new one.
	ConversationID string
	Agent          config.AgentConfig
	ToolServer     toolserver.Config
}

// Session is one live conversation.
type Session struct {
	id             string
	conversationID string
	cfg            config.AgentConfig

	agent   *agent.Orchestrator
	tools   ToolServer
	history *history.Manager

	logger  *slog.Logger
	metrics *observability.Metrics

	// slot admits one turn at a time; holders are tracked in inflight.
	slot *semaphore.Weighted

	mu       sync.Mutex
	closed   bool
	inflight context.CancelFunc
	endOnce  sync.Once
	endErr   error
}

// Option configures Start.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	tools   ToolServer
	backoff *backoff.BackoffPolicy
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithToolServer replaces the supervisor built from Config.ToolServer.
func WithToolServer(ts ToolServer) Option {
	return func(o *options) { o.tools = ts }
}

// WithBackoffPolicy sets the delay between model retries.
func WithBackoffPolicy(p backoff.BackoffPolicy) Option {
	return func(o *options) { o.backoff = &p }
}

// Start launches the tool server and returns a ready session. A tool server
// that fails to start aborts the session with *toolserver.StartupError.
func Start(ctx context.Context, client llm.Client, hist *history.Manager, cfg Config, opts ...Option) (*Session, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		id:             uuid.NewString(),
		conversationID: cfg.ConversationID,
		cfg:            cfg.Agent,
		history:        hist,
		metrics:        o.metrics,
		slot:           semaphore.NewWeighted(1),
	}
	if s.conversationID == "" {
		s.conversationID = uuid.NewString()
	}
	s.logger = o.logger.With("component", "session", "session_id", s.id, "conversation_id", s.conversationID)
	ctx = observability.AddSessionID(ctx, s.id)

	s.tools = o.tools
	if s.tools == nil {
		sup, err := toolserver.New(cfg.ToolServer,
			toolserver.WithLogger(o.logger.With("session_id", s.id)),
			toolserver.WithMetrics(o.metrics),
			toolserver.WithTracer(o.tracer),
		)
		if err != nil {
			return nil, err
		}
		s.tools = sup
	}

	if err := s.tools.Start(ctx); err != nil {
		_ = s.tools.Stop(context.WithoutCancel(ctx))
		s.logger.Error("tool server failed to start", "error", err)
		return nil, err
	}

	agentOpts := []agent.Option{
		agent.WithLogger(o.logger.With("session_id", s.id)),
		agent.WithMetrics(o.metrics),
		agent.WithTracer(o.tracer),
	}
	if o.backoff != nil {
		agentOpts = append(agentOpts, agent.WithBackoffPolicy(*o.backoff))
	}
	s.agent = agent.New(client, s.tools, hist, cfg.Agent, agentOpts...)

	s.metrics.SessionStarted()
	s.logger.Info("session started")
	return s, nil
}

// Run starts a session, passes it to fn, and ends it on every exit path,
// including a panic in fn.
func Run(ctx context.Context, client llm.Client, hist *history.Manager, cfg Config, fn func(context.Context, *Session) error, opts ...Option) (err error) {
	s, err := Start(ctx, client, hist, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if endErr := s.End(context.WithoutCancel(ctx)); endErr != nil && err == nil {
			err = endErr
		}
	}()
	return fn(ctx, s)
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// ConversationID is the conversation this session appends to.
func (s *Session) ConversationID() string { return s.conversationID }

// Tools is the session's tool server.
func (s *Session) Tools() ToolServer { return s.tools }

// Ask answers query and commits the turn. Any error leaves history as it
// was. A call made while another turn is in flight fails with ErrBusy.
func (s *Session) Ask(ctx context.Context, query string) (*agent.AnswerTurn, error) {
	return s.run(ctx, modeAsk, func(ctx context.Context) (*agent.AnswerTurn, error) {
		return s.agent.Ask(ctx, s.conversationID, query)
	})
}

// DirectAsk is Ask without planning or retrieval. It is refused unless
// agent.allow_direct_ask is set.
func (s *Session) DirectAsk(ctx context.Context, query string) (*agent.AnswerTurn, error) {
	return s.run(ctx, modeDirect, func(ctx context.Context) (*agent.AnswerTurn, error) {
		return s.agent.DirectAsk(ctx, s.conversationID, query)
	})
}

func (s *Session) run(ctx context.Context, mode string, fn func(context.Context) (*agent.AnswerTurn, error)) (*agent.AnswerTurn, error) {
	ctx, done, err := s.acquire(ctx, mode)
	if err != nil {
		return nil, err
	}
	defer done()

	turn, err := fn(ctx)
	if err == nil {
		err = s.commit(ctx, turn)
	}
	s.record(mode, err)
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// acquire claims the turn slot and returns a context that End can cancel.
func (s *Session) acquire(ctx context.Context, mode string) (context.Context, func(), error) {
	if !s.slot.TryAcquire(1) {
		s.record(mode, ErrBusy)
		return nil, nil, ErrBusy
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.slot.Release(1)
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(observability.AddSessionID(ctx, s.id))
	s.inflight = cancel
	s.mu.Unlock()

	var once sync.Once
	done := func() {
		once.Do(func() {
			s.mu.Lock()
			s.inflight = nil
			s.mu.Unlock()
			cancel()
			s.slot.Release(1)
		})
	}
	return ctx, done, nil
}

// commit appends the turn and applies the history limit. The append runs
// even if ctx was cancelled after the turn completed, so a finished turn
// is never half-recorded.
func (s *Session) commit(ctx context.Context, turn *agent.AnswerTurn) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.history.Append(ctx, s.conversationID, turn.User, turn.Assistant); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	if _, err := s.history.Truncate(ctx, s.conversationID, s.cfg.MaxHistoryTurns); err != nil {
		s.logger.Warn("history truncation failed", "error", err)
	}
	return nil
}

func (s *Session) record(mode string, err error) {
	outcome := "committed"
	if err != nil {
		outcome = string(Classify(err))
		if !errors.Is(err, ErrBusy) {
			s.logger.Warn("turn failed", "mode", mode, "failure", outcome, "error", err)
		}
	}
	s.metrics.RecordTurn(mode, outcome)
}

// End cancels any turn in flight, waits for it to unwind, and stops the
// tool server. It is safe to call more than once.
func (s *Session) End(ctx context.Context) error {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.inflight != nil {
			s.inflight()
		}
		s.mu.Unlock()

		waited := s.slot.Acquire(ctx, 1) == nil
		if err := s.tools.Stop(context.WithoutCancel(ctx)); err != nil {
			s.endErr = fmt.Errorf("stop tool server: %w", err)
		}
		if waited {
			s.slot.Release(1)
		}
		s.metrics.SessionEnded()
		s.logger.Info("session ended")
	})
	return s.endErr
}
