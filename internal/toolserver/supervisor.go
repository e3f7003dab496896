// Package toolserver supervises one external tool-serving process and
// mediates every request sent to it.
//
// The supervisor is an explicit state machine:
//
//	Stopped -> Starting -> Ready <-> Busy -> Stopping -> Stopped
//	                       Ready/Busy -> Crashed -> Starting | Stopped
//
// Requests are newline-delimited JSON-RPC frames on the process's stdin and
// stdout. Only one request is in flight at a time; concurrent callers queue.
// A process that exits unexpectedly is restarted once, and the request that
// observed the crash is replayed on the fresh process. A second crash stops
// the supervisor for good.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/docsage/internal/observability"
)

// Result is a successful tool invocation.
type Result struct {
	RequestID string
	Tool      string
	// Text is the readable grounding extracted from the result.
	Text    string
	Raw     json.RawMessage
	Latency time.Duration
}

// Supervisor owns one tool server process.
type Supervisor struct {
	cfg     Config
	dialect dialect
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	hook    func(from, to State)

	// slot serializes Start, Invoke, and Stop. Only its holder replaces proc.
	slot *semaphore.Weighted

	mu       sync.Mutex
	state    State
	proc     *process
	tools    *manifest
	crashes  int
	restarts int
	dirty    bool
	closing  bool
	failed   error

	watchers sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records invocations, restarts, and state changes.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithTracer wraps each invocation in a span.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Supervisor) { s.tracer = t }
}

// WithTransitionHook is called on every state change while the supervisor
// lock is held; it must not call back into the supervisor.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(s *Supervisor) { s.hook = fn }
}

// New validates cfg and returns a stopped supervisor.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tool server config: %w", err)
	}
	d, err := newDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:     cfg,
		dialect: d,
		logger:  slog.Default(),
		slot:    semaphore.NewWeighted(1),
		state:   StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "toolserver", "dialect", string(cfg.Dialect))
	s.metrics.ToolServerTransition("", StateStopped.String())
	return s, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Process describes the live process, if any.
func (s *Supervisor) Process() ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := ProcessInfo{State: s.state, Restarts: s.restarts}
	if s.proc != nil {
		info.PID = s.proc.pid()
		info.StartedAt = s.proc.startedAt
	}
	return info
}

// Manifest returns the tools advertised by the current process.
func (s *Supervisor) Manifest() []ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tools == nil {
		return nil
	}
	return s.tools.list()
}

// Start spawns the process and performs the capability handshake. Calling
// Start on a running supervisor is a no-op. Failures are *StartupError.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.slot.Release(1)

	s.mu.Lock()
	state, failed := s.state, s.failed
	s.closing = false
	s.mu.Unlock()

	if failed != nil {
		return failed
	}
	if state != StateStopped {
		return nil
	}
	return s.launch(ctx)
}

// launch requires the slot and a Stopped or Crashed state.
func (s *Supervisor) launch(ctx context.Context) error {
	s.mu.Lock()
	s.setState(StateStarting)
	s.mu.Unlock()

	fail := func(cause error, stderr string) error {
		s.mu.Lock()
		s.setState(StateStopped)
		s.mu.Unlock()
		err := &StartupError{Command: s.cfg.CommandLine(), Cause: cause, Stderr: stderr}
		s.logger.Error("tool server failed to start", "error", err)
		return err
	}

	p, err := spawn(s.cfg, s.logger)
	if err != nil {
		return fail(err, "")
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	specs, err := s.dialect.handshake(hctx, p)
	if err != nil {
		switch {
		case errors.Is(err, errProcessExited):
			err = fmt.Errorf("process exited before handshake completed: %w", err)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			err = fmt.Errorf("handshake timed out after %v: %w", s.cfg.HandshakeTimeout, err)
		}
		p.shutdown(s.cfg.StopGracePeriod)
		return fail(err, p.stderrTail())
	}

	tools := newManifest(specs, s.logger)
	s.mu.Lock()
	s.proc = p
	s.tools = tools
	s.dirty = false
	s.setState(StateReady)
	s.mu.Unlock()

	s.watchers.Add(1)
	go s.watch(p)

	s.logger.Info("tool server ready",
		"command", s.cfg.CommandLine(),
		"pid", p.pid(),
		"tools", len(specs))
	return nil
}

// watch marks an idle process that exits on its own as crashed. Exits
// during an invocation are handled by the invoker.
func (s *Supervisor) watch(p *process) {
	defer s.watchers.Done()
	<-p.exited

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != p || s.state != StateReady {
		return
	}
	s.logger.Warn("tool server exited while idle", "pid", p.pid(), "error", p.exitErr)
	s.setState(StateCrashed)
}

// Invoke calls tool with args and waits up to timeout for the correlated
// response. A timeout of zero uses the configured call timeout.
//
// Errors are *TimeoutError, *ProtocolError, *CrashError, *RemoteError,
// ErrNotStarted, or the context error when ctx ends first.
func (s *Supervisor) Invoke(ctx context.Context, tool string, args json.RawMessage, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "toolserver.invoke", "tool", tool)

	result, err := s.invoke(ctx, tool, args, timeout)

	observability.End(span, err)
	s.metrics.RecordToolInvocation(tool, invocationStatus(err), time.Since(start).Seconds())
	return result, err
}

func (s *Supervisor) invoke(ctx context.Context, tool string, args json.RawMessage, timeout time.Duration) (*Result, error) {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.slot.Release(1)

	if err := s.ensureReady(ctx, tool); err != nil {
		return nil, err
	}

	s.mu.Lock()
	tools := s.tools
	s.mu.Unlock()
	args, err := tools.check(tool, args)
	if err != nil {
		return nil, err
	}
	method, params := s.dialect.invocation(tool, args)

	for {
		p, state := s.begin()
		if p == nil {
			if state != StateCrashed {
				return nil, ErrNotStarted
			}
			if err := s.restartAfterCrash(ctx, tool, errors.New("process exited while idle")); err != nil {
				return nil, err
			}
			continue
		}

		id := uuid.NewString()
		start := time.Now()
		msg, err := p.roundTrip(observability.AddRequestID(ctx, id), id, method, params, timeout)
		latency := time.Since(start)

		var perr *ProtocolError
		switch {
		case err == nil:
			s.finish(StateReady, false)
			return s.decode(tool, id, msg, latency)
		case errors.Is(err, errCallTimeout):
			s.finish(StateReady, true)
			return nil, &TimeoutError{Tool: tool, RequestID: id, Timeout: timeout}
		case errors.As(err, &perr):
			s.finish(StateReady, true)
			perr.Tool = tool
			return nil, perr
		case ctx.Err() != nil:
			s.finish(StateReady, true)
			return nil, fmt.Errorf("tool %q request %s abandoned: %w", tool, id, ctx.Err())
		default:
			s.logger.Warn("tool server died during invocation", "tool", tool, "request_id", id, "error", err)
			s.finish(StateCrashed, false)
			if err := s.restartAfterCrash(ctx, tool, err); err != nil {
				return nil, err
			}
		}
	}
}

// ensureReady recovers a crashed process and recycles a dirty one before
// the next request goes out.
func (s *Supervisor) ensureReady(ctx context.Context, tool string) error {
	s.mu.Lock()
	state, failed, dirty := s.state, s.failed, s.dirty
	var exitErr error
	if s.proc != nil && s.proc.hasExited() {
		exitErr = s.proc.exitErr
	}
	s.mu.Unlock()

	switch {
	case failed != nil:
		return failed
	case state == StateStopped:
		return ErrNotStarted
	case state == StateCrashed:
		return s.restartAfterCrash(ctx, tool, fmt.Errorf("process exited while idle: %v", exitErr))
	case dirty:
		return s.recycle(ctx)
	}
	return nil
}

func (s *Supervisor) begin() (*process, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil, s.state
	}
	s.setState(StateBusy)
	return s.proc, StateBusy
}

func (s *Supervisor) finish(to State, dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dirty {
		s.dirty = true
	}
	s.setState(to)
}

// restartAfterCrash handles a Crashed process: one restart per supervisor lifetime,
// then permanent failure.
func (s *Supervisor) restartAfterCrash(ctx context.Context, tool string, cause error) error {
	s.mu.Lock()
	closing, p := s.closing, s.proc
	if !closing {
		s.crashes++
	}
	crashes := s.crashes
	s.mu.Unlock()

	if p != nil {
		p.shutdown(s.cfg.StopGracePeriod)
	}

	if closing {
		s.mu.Lock()
		s.proc = nil
		s.setState(StateStopped)
		s.mu.Unlock()
		return fmt.Errorf("tool server stopped during invocation: %w", ErrNotStarted)
	}

	if crashes > 1 {
		s.mu.Lock()
		err := &CrashError{Tool: tool, Restarts: s.restarts, Cause: cause}
		s.failed = err
		s.proc = nil
		s.setState(StateStopped)
		s.mu.Unlock()
		s.logger.Error("tool server crashed again, giving up", "error", cause)
		return err
	}

	s.logger.Warn("tool server crashed, restarting", "error", cause)
	s.mu.Lock()
	s.proc = nil
	s.restarts++
	s.mu.Unlock()
	s.metrics.RecordToolServerRestart("crash")

	if err := s.launch(context.WithoutCancel(ctx)); err != nil {
		s.mu.Lock()
		cerr := &CrashError{Tool: tool, Restarts: s.restarts, Cause: err}
		s.failed = cerr
		s.mu.Unlock()
		return cerr
	}
	return nil
}

// recycle replaces a process whose pipe state is unknown after a timeout,
// a protocol error, or an abandoned request. It does not count as a crash.
func (s *Supervisor) recycle(ctx context.Context) error {
	s.mu.Lock()
	p := s.proc
	s.setState(StateStopping)
	s.mu.Unlock()

	s.logger.Info("recycling tool server before next request", "pid", p.pid())
	p.shutdown(s.cfg.StopGracePeriod)

	s.mu.Lock()
	s.proc = nil
	s.setState(StateStopped)
	s.mu.Unlock()
	s.metrics.RecordToolServerRestart("recycle")

	if err := s.launch(context.WithoutCancel(ctx)); err != nil {
		s.mu.Lock()
		cerr := &CrashError{Restarts: s.restarts, Cause: err}
		s.failed = cerr
		s.mu.Unlock()
		return cerr
	}
	return nil
}

func (s *Supervisor) decode(tool, id string, msg *message, latency time.Duration) (*Result, error) {
	if msg.Error != nil {
		return nil, &RemoteError{Tool: tool, RequestID: id, Code: msg.Error.Code, Message: msg.Error.Message, Latency: latency}
	}
	text, toolErr, err := s.dialect.decodeResult(msg.Result)
	if err != nil {
		return nil, &ProtocolError{Tool: tool, RequestID: id, Reason: "malformed result", Cause: err}
	}
	if toolErr != "" {
		return nil, &RemoteError{Tool: tool, RequestID: id, Message: toolErr, Latency: latency}
	}
	return &Result{RequestID: id, Tool: tool, Text: text, Raw: msg.Result, Latency: latency}, nil
}

// Stop terminates the process: stdin is closed, the terminate signal is
// sent, and the process is killed after the grace period. Stop is
// idempotent. If ctx ends while an invocation holds the process, the
// process is killed so the invocation returns.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if err := s.slot.Acquire(ctx, 1); err != nil {
		s.mu.Lock()
		p := s.proc
		s.mu.Unlock()
		if p != nil {
			_ = kill(p.cmd.Process)
		}
		_ = s.slot.Acquire(context.Background(), 1)
	}
	defer s.slot.Release(1)

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.watchers.Wait()
		return nil
	}
	p := s.proc
	s.setState(StateStopping)
	s.mu.Unlock()

	if p != nil {
		p.shutdown(s.cfg.StopGracePeriod)
	}

	s.mu.Lock()
	s.proc = nil
	s.setState(StateStopped)
	s.mu.Unlock()
	s.watchers.Wait()

	s.logger.Info("tool server stopped")
	return nil
}

// setState requires s.mu.
func (s *Supervisor) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		s.logger.Error("unexpected tool server state transition", "from", from.String(), "to", to.String())
	}
	s.state = to
	s.logger.Debug("tool server state", "from", from.String(), "to", to.String())
	s.metrics.ToolServerTransition(from.String(), to.String())
	if s.hook != nil {
		s.hook(from, to)
	}
}

func invocationStatus(err error) string {
	var (
		remote   *RemoteError
		timeout  *TimeoutError
		protocol *ProtocolError
		crash    *CrashError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &protocol):
		return "protocol_error"
	case errors.As(err, &crash):
		return "crash"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
