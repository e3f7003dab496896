package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/docsage/internal/llm"
	"github.com/haasonsaas/docsage/internal/observability"
)

// StreamAsk is Ask with synthesis delivered as fragments. Planning and
// retrieval run before it returns; synthesis starts on the first Next.
//
// The stream cannot be restarted. Its Turn is available only after Next
// has returned false with a nil Err.
func (o *Orchestrator) StreamAsk(ctx context.Context, conversationID, query string) (*Stream, error) {
	ctx = observability.AddConversationID(ctx, conversationID)
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := o.tracer.Start(ctx, "agent.ask", "conversation_id", conversationID, "stream", true)

	p, err := o.prepare(ctx, conversationID, query)
	if err != nil {
		observability.End(span, err)
		cancel()
		return nil, err
	}
	return &Stream{
		o:      o,
		ctx:    ctx,
		cancel: cancel,
		span:   span,
		p:      p,
		req:    o.synthesisRequest(p),
	}, nil
}

// Stream yields the fragments of one answer. A stream that produces no
// fragment within RequestTimeout fails with a transient LLMRequestError.
//
// Next, Text, and Turn belong to the consuming goroutine. Close and Err
// may be called from anywhere.
type Stream struct {
	o      *Orchestrator
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	p      *prepared
	req    llm.SynthesisRequest

	chunks   <-chan llm.StreamChunk
	attempts int
	text     strings.Builder
	current  string
	final    bool

	mu      sync.Mutex
	release context.CancelFunc
	done    bool
	err     error
}

// Next advances to the next fragment. It returns false when the answer is
// complete or the stream failed; check Err to tell which.
func (s *Stream) Next() bool {
	if s.finished() {
		return false
	}
	if s.final {
		s.finish(nil)
		return false
	}
	if s.p.answered() {
		s.current = s.p.turn.Assistant.Content
		s.final = true
		return true
	}
	if s.chunks == nil {
		if err := s.open(); err != nil {
			s.finish(err)
			return false
		}
	}

	var idle <-chan time.Time
	if d := s.o.cfg.RequestTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-s.ctx.Done():
			s.finish(fmt.Errorf("%s: %w", PhaseSynthesize, s.ctx.Err()))
			return false
		case <-idle:
			s.finish(s.streamError(fmt.Errorf("no fragment within %s: %w", s.o.cfg.RequestTimeout, context.DeadlineExceeded)))
			return false
		case chunk, ok := <-s.chunks:
			switch {
			case !ok:
				if err := s.ctx.Err(); err != nil {
					s.finish(fmt.Errorf("%s: %w", PhaseSynthesize, err))
					return false
				}
				if s.text.Len() == 0 {
					s.p.complete(AnswerGrounded, "")
					return s.Next()
				}
				s.p.complete(AnswerGrounded, s.text.String())
				s.finish(nil)
				return false
			case chunk.Err != nil:
				s.finish(s.streamError(chunk.Err))
				return false
			case chunk.Text == "":
				continue
			}
			s.text.WriteString(chunk.Text)
			s.current = chunk.Text
			return true
		}
	}
}

// Text is the fragment produced by the last successful Next.
func (s *Stream) Text() string { return s.current }

// Err is the error that ended the stream, or nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Turn returns the completed turn, or nil while the stream is running or
// after it failed.
func (s *Stream) Turn() *AnswerTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done || s.err != nil {
		return nil
	}
	return s.p.turn
}

// Close abandons the stream. Closing a finished stream does nothing.
func (s *Stream) Close() error {
	s.finish(fmt.Errorf("%s: %w", PhaseSynthesize, context.Canceled))
	return nil
}

func (s *Stream) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	release := s.release
	s.mu.Unlock()

	if release != nil {
		release()
	}
	s.cancel()
	if err == nil {
		observability.SetAttributes(s.span, "answer_kind", string(s.p.turn.Kind))
	}
	observability.End(s.span, err)
}

// open establishes the synthesis stream. Only establishment is retried;
// once fragments flow a failure ends the stream.
func (s *Stream) open() error {
	type opened struct {
		chunks  <-chan llm.StreamChunk
		release context.CancelFunc
	}
	result, err := retry(s.ctx, s.o, PhaseSynthesize, func(ctx context.Context) (opened, error) {
		s.attempts++
		chunks, release, err := s.o.establish(ctx, s.req)
		return opened{chunks: chunks, release: release}, err
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		result.release()
		return fmt.Errorf("%s: %w", PhaseSynthesize, context.Canceled)
	}
	s.chunks, s.release = result.chunks, result.release
	s.mu.Unlock()
	return nil
}

func (s *Stream) streamError(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", PhaseSynthesize, ctxErr)
	}
	return &LLMRequestError{
		Phase:     PhaseSynthesize,
		Provider:  s.o.llm.Name(),
		Attempts:  s.attempts,
		Transient: llm.IsRetryable(err),
		Cause:     err,
	}
}

// establish opens one synthesis stream. RequestTimeout bounds opening it;
// Next applies the same limit to the wait for each later fragment.
func (o *Orchestrator) establish(ctx context.Context, req llm.SynthesisRequest) (<-chan llm.StreamChunk, context.CancelFunc, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	release := func() { cancel(nil) }
	if o.cfg.RequestTimeout <= 0 {
		chunks, err := o.llm.SynthesizeStream(attemptCtx, req)
		if err != nil {
			release()
			return nil, nil, err
		}
		return chunks, release, nil
	}

	timer := time.AfterFunc(o.cfg.RequestTimeout, func() { cancel(context.DeadlineExceeded) })
	chunks, err := o.llm.SynthesizeStream(attemptCtx, req)
	if !timer.Stop() {
		release()
		if ctx.Err() == nil {
			return nil, nil, fmt.Errorf("open synthesis stream: %w", context.DeadlineExceeded)
		}
		return nil, nil, ctx.Err()
	}
	if err != nil {
		release()
		return nil, nil, err
	}
	return chunks, release, nil
}
