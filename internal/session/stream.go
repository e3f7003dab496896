package session

import (
	"context"
	"sync"

	"github.com/haasonsaas/docsage/internal/agent"
)

// StreamAsk is Ask with the answer delivered as fragments. The session
// stays busy until the stream finishes, is closed, or ctx ends. The turn
// is committed only when the stream completes; an abandoned stream leaves
// history untouched. Opening the stream and each wait for a fragment are
// bounded by the agent's RequestTimeout.
func (s *Session) StreamAsk(ctx context.Context, query string) (*Stream, error) {
	ctx, done, err := s.acquire(ctx, modeStream)
	if err != nil {
		return nil, err
	}
	inner, err := s.agent.StreamAsk(ctx, s.conversationID, query)
	if err != nil {
		s.record(modeStream, err)
		done()
		return nil, err
	}

	st := &Stream{session: s, inner: inner, ctx: ctx, done: done}
	// Cancelling ctx frees the session even if the caller stops reading.
	context.AfterFunc(ctx, func() { st.Close() })
	return st, nil
}

// Stream is a session turn in progress. Next, Text, and Turn belong to
// the consuming goroutine; Close and Err may be called from anywhere.
type Stream struct {
	session *Session
	inner   *agent.Stream
	ctx     context.Context
	done    func()

	once sync.Once
	mu   sync.Mutex
	err  error
}

// Next advances to the next fragment.
func (st *Stream) Next() bool {
	if st.inner.Next() {
		return true
	}
	st.finish()
	return false
}

// Text is the current fragment.
func (st *Stream) Text() string { return st.inner.Text() }

// Turn is the committed turn, or nil if the stream has not completed.
func (st *Stream) Turn() *agent.AnswerTurn {
	if st.Err() != nil {
		return nil
	}
	return st.inner.Turn()
}

// Err reports why the stream ended early, including a failed commit.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		return st.err
	}
	return st.inner.Err()
}

// Close abandons the stream and frees the session for the next turn.
func (st *Stream) Close() error {
	st.inner.Close()
	st.finish()
	return nil
}

func (st *Stream) finish() {
	st.once.Do(func() {
		err := st.inner.Err()
		if err == nil {
			if turn := st.inner.Turn(); turn != nil {
				err = st.session.commit(st.ctx, turn)
			}
		}
		st.mu.Lock()
		st.err = err
		st.mu.Unlock()
		st.session.record(modeStream, err)
		st.done()
	})
}
