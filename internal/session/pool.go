package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// StartFunc starts a session for a conversation.
type StartFunc func(ctx context.Context, conversationID string) (*Session, error)

// Pool keeps one session per conversation for hosts that serve several
// conversations at once. Sessions share nothing but the history store.
type Pool struct {
	start StartFunc
	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewPool(start StartFunc) *Pool {
	return &Pool{start: start, sessions: map[string]*Session{}}
}

// Get returns the session for conversationID, starting it on first use.
// Concurrent first calls share one start.
func (p *Pool) Get(ctx context.Context, conversationID string) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := p.sessions[conversationID]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(conversationID, func() (any, error) {
		p.mu.Lock()
		if s, ok := p.sessions[conversationID]; ok {
			p.mu.Unlock()
			return s, nil
		}
		p.mu.Unlock()

		s, err := p.start(ctx, conversationID)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			_ = s.End(context.WithoutCancel(ctx))
			return nil, ErrClosed
		}
		p.sessions[conversationID] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Release ends and forgets one conversation's session.
func (p *Pool) Release(ctx context.Context, conversationID string) error {
	p.mu.Lock()
	s, ok := p.sessions[conversationID]
	delete(p.sessions, conversationID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return s.End(ctx)
}

// Len is the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close ends every session concurrently and refuses further Gets. Every
// session is ended even when one fails; the first failure is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = map[string]*Session{}
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.End(ctx); err != nil {
				return fmt.Errorf("end session for conversation %s: %w", s.ConversationID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
