package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/docsage/internal/history"
	"github.com/haasonsaas/docsage/internal/llm/llmtest"
	"github.com/haasonsaas/docsage/internal/observability"
)

func TestPool(t *testing.T) {
	hist := history.NewManager(history.NewMemoryStore())
	var (
		mu      sync.Mutex
		servers []*fakeServer
		starts  atomic.Int32
	)
	pool := NewPool(func(ctx context.Context, conversationID string) (*Session, error) {
		starts.Add(1)
		tools := newFakeServer("docs")
		mu.Lock()
		servers = append(servers, tools)
		mu.Unlock()
		return Start(ctx, llmtest.New(), hist, Config{ConversationID: conversationID, Agent: agentConfig()},
			WithToolServer(tools), WithLogger(observability.DiscardLogger()))
	})

	var wg sync.WaitGroup
	got := make([]*Session, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := pool.Get(context.Background(), "conv-a")
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			got[i] = s
		}()
	}
	wg.Wait()
	for _, s := range got[1:] {
		if s != got[0] {
			t.Fatal("concurrent Get() returned different sessions for one conversation")
		}
	}
	if got[0].ConversationID() != "conv-a" {
		t.Fatalf("ConversationID() = %q", got[0].ConversationID())
	}

	other, err := pool.Get(context.Background(), "conv-b")
	if err != nil {
		t.Fatalf("Get(conv-b) error = %v", err)
	}
	if other == got[0] {
		t.Fatal("different conversations share a session")
	}
	if n := starts.Load(); n != 2 {
		t.Fatalf("started %d sessions, want 2", n)
	}
	if pool.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", pool.Len())
	}

	if err := pool.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for i, tools := range servers {
		if _, stops, _ := tools.counts(); stops != 1 {
			t.Fatalf("server %d stopped %d times, want 1", i, stops)
		}
	}
	if _, err := pool.Get(context.Background(), "conv-c"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get() after Close error = %v, want ErrClosed", err)
	}
}

func TestPoolRelease(t *testing.T) {
	hist := history.NewManager(history.NewMemoryStore())
	tools := newFakeServer("docs")
	pool := NewPool(func(ctx context.Context, conversationID string) (*Session, error) {
		return Start(ctx, llmtest.New(), hist, Config{ConversationID: conversationID, Agent: agentConfig()},
			WithToolServer(tools), WithLogger(observability.DiscardLogger()))
	})

	if _, err := pool.Get(context.Background(), "conv-a"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := pool.Release(context.Background(), "conv-a"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if pool.Len() != 0 {
		t.Fatalf("Len() = %d after Release", pool.Len())
	}
	if _, stops, _ := tools.counts(); stops != 1 {
		t.Fatalf("stops = %d, want 1", stops)
	}
	if err := pool.Release(context.Background(), "conv-a"); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}

func TestPoolCloseReportsEndFailure(t *testing.T) {
	hist := history.NewManager(history.NewMemoryStore())
	errStop := errors.New("stop failed")
	var (
		mu      sync.Mutex
		servers = map[string]*fakeServer{}
	)
	pool := NewPool(func(ctx context.Context, conversationID string) (*Session, error) {
		tools := newFakeServer("docs")
		if conversationID == "conv-bad" {
			tools.stopErr = errStop
		}
		mu.Lock()
		servers[conversationID] = tools
		mu.Unlock()
		return Start(ctx, llmtest.New(), hist, Config{ConversationID: conversationID, Agent: agentConfig()},
			WithToolServer(tools), WithLogger(observability.DiscardLogger()))
	})
	for _, id := range []string{"conv-a", "conv-bad", "conv-c"} {
		if _, err := pool.Get(context.Background(), id); err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
	}

	err := pool.Close(context.Background())
	if !errors.Is(err, errStop) {
		t.Fatalf("Close() error = %v, want the stop failure", err)
	}
	for id, tools := range servers {
		if _, stops, _ := tools.counts(); stops != 1 {
			t.Fatalf("server for %s stopped %d times, want 1", id, stops)
		}
	}
}
