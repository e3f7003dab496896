package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/docsage/internal/llm"
	"github.com/haasonsaas/docsage/internal/llm/llmtest"
)

func collect(t *testing.T, s *Stream) []string {
	t.Helper()
	var fragments []string
	for s.Next() {
		fragments = append(fragments, s.Text())
	}
	return fragments
}

func TestStreamAskFragments(t *testing.T) {
	client := llmtest.New().
		OnPlan(llmtest.PlanStep{Plan: llmtest.ToolCall("search", `{"query":"function X return value"}`)}).
		OnSynthesize(llmtest.SynthesisStep{Fragments: []string{"X returns", " an", " integer."}})
	o := newOrchestrator(client, &fakeTools{result: "X returns an integer"}, testConfig())

	s, err := o.StreamAsk(context.Background(), "conv-1", "What does function X return?")
	if err != nil {
		t.Fatalf("StreamAsk() error = %v", err)
	}
	if s.Turn() != nil {
		t.Fatal("Turn() available before the stream finished")
	}
	fragments := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("fragments = %q", fragments)
	}
	turn := s.Turn()
	if turn == nil || turn.Answer() != "X returns an integer." || turn.Kind != AnswerGrounded {
		t.Fatalf("Turn() = %+v", turn)
	}
	if s.Next() {
		t.Fatal("Next() after completion returned true")
	}
}

func TestStreamAskAnsweredWithoutSynthesis(t *testing.T) {
	client := llmtest.New().OnPlan(llmtest.PlanStep{Plan: llm.Direct{Text: "Hi there."}})
	o := newOrchestrator(client, &fakeTools{}, testConfig())

	s, err := o.StreamAsk(context.Background(), "conv-1", "hello")
	if err != nil {
		t.Fatalf("StreamAsk() error = %v", err)
	}
	fragments := collect(t, s)
	if len(fragments) != 1 || fragments[0] != "Hi there." {
		t.Fatalf("fragments = %q", fragments)
	}
	if s.Turn() == nil || s.Turn().Kind != AnswerDirect {
		t.Fatalf("Turn() = %+v", s.Turn())
	}
}

func TestStreamAskEmptySynthesis(t *testing.T) {
	client := llmtest.New().
		OnPlan(llmtest.PlanStep{Plan: llmtest.ToolCall("search", `{"query":"q"}`)}).
		OnSynthesize(llmtest.SynthesisStep{})
	o := newOrchestrator(client, &fakeTools{result: "docs"}, testConfig())

	s, err := o.StreamAsk(context.Background(), "conv-1", "q")
	if err != nil {
		t.Fatalf("StreamAsk() error = %v", err)
	}
	fragments := collect(t, s)
	if strings.Join(fragments, "") != NoGroundingAnswer {
		t.Fatalf("fragments = %q", fragments)
	}
	if s.Turn() == nil || s.Turn().Kind != AnswerNoGrounding {
		t.Fatalf("Turn() = %+v", s.Turn())
	}
}

func TestStreamAskClose(t *testing.T) {
	client := llmtest.New().
		OnPlan(llmtest.PlanStep{Plan: llmtest.ToolCall("search", `{"query":"q"}`)}).
		OnSynthesize(llmtest.SynthesisStep{Fragments: []string{"first", "second"}, HoldAfter: 1})
	o := newOrchestrator(client, &fakeTools{result: "docs"}, testConfig())

	s, err := o.StreamAsk(context.Background(), "conv-1", "q")
	if err != nil {
		t.Fatalf("StreamAsk() error = %v", err)
	}
	if !s.Next() || s.Text() != "first" {
		t.Fatalf("first fragment = %q, err = %v", s.Text(), s.Err())
	}

	done := make(chan bool)
	go func() { done <- s.Next() }()
	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case more := <-done:
		if more {
			t.Fatal("Next() returned true after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next() did not return after Close")
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Fatalf("Err() = %v, want context.Canceled", s.Err())
	}
	if s.Turn() != nil {
		t.Fatal("Turn() available after Close")
	}
}

func TestStreamAskMidStreamFailureIsNotRetried(t *testing.T) {
	client := llmtest.New().
		OnPlan(llmtest.PlanStep{Plan: llmtest.ToolCall("search", `{"query":"q"}`)}).
		OnSynthesize(
			llmtest.SynthesisStep{Fragments: []string{"partial"}, StreamErr: transient()},
			llmtest.SynthesisStep{Text: "should not be used"},
		)
	o := newOrchestrator(client, &fakeTools{result: "docs"}, testConfig())

	s, err := o.StreamAsk(context.Background(), "conv-1", "q")
	if err != nil {
		t.Fatalf("StreamAsk() error = %v", err)
	}
	fragments := collect(t, s)
	if len(fragments) != 1 {
		t.Fatalf("fragments = %q", fragments)
	}
	var lerr *LLMRequestError
	if !errors.As(s.Err(), &lerr) || lerr.Phase != PhaseSynthesize || !lerr.Transient {
		t.Fatalf("Err() = %v, want transient synthesis LLMRequestError", s.Err())
	}
	if n := len(client.SynthesisRequests()); n != 1 {
		t.Fatalf("synthesis requests = %d, want 1", n)
	}
	if s.Turn() != nil {
		t.Fatal("Turn() available after failure")
	}
}

func TestStreamAskRetriesOpening(t *testing.T) {
	client := llmtest.New().
		OnPlan(llmtest.PlanStep{Plan: llmtest.ToolCall("search", `{"query":"q"}`)}).
		OnSynthesize(
			llmtest.SynthesisStep{Err: transient()},
			llmtest.SynthesisStep{Fragments: []string{"ok"}},
		)
	o := newOrchestrator(client, &fakeTools{result: "docs"}, testConfig())

	s, err := o.StreamAsk(context.Background(), "conv-1", "q")
	if err != nil {
		t.Fatalf("StreamAsk() error = %v", err)
	}
	if fragments := collect(t, s); len(fragments) != 1 || fragments[0] != "ok" {
		t.Fatalf("fragments = %q, err = %v", fragments, s.Err())
	}
	if n := len(client.SynthesisRequests()); n != 2 {
		t.Fatalf("synthesis requests = %d, want 2", n)
	}
}

func TestStreamAskPlanningFailureReturnsError(t *testing.T) {
	client := llmtest.New().OnPlan(llmtest.PlanStep{Err: &llm.ProviderError{Reason: llm.ReasonAuth}})
	o := newOrchestrator(client, &fakeTools{}, testConfig())

	s, err := o.StreamAsk(context.Background(), "conv-1", "q")
	if s != nil {
		t.Fatal("StreamAsk() returned a stream after planning failed")
	}
	var lerr *LLMRequestError
	if !errors.As(err, &lerr) || lerr.Phase != PhasePlan {
		t.Fatalf("StreamAsk() error = %v", err)
	}
}

func TestStreamAskCancelledFromAnotherGoroutine(t *testing.T) {
	tests := []struct {
		name  string
		abort func(cancel context.CancelFunc, s *Stream)
	}{
		{name: "context cancelled", abort: func(cancel context.CancelFunc, s *Stream) { cancel() }},
		{name: "stream closed", abort: func(cancel context.CancelFunc, s *Stream) { s.Close() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llmtest.New().
				OnPlan(llmtest.PlanStep{Plan: llmtest.ToolCall("search", `{"query":"q"}`)}).
				OnSynthesize(llmtest.SynthesisStep{Silent: true})
			o := newOrchestrator(client, &fakeTools{result: "docs"}, testConfig())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			s, err := o.StreamAsk(ctx, "conv-1", "q")
			if err != nil {
				t.Fatalf("StreamAsk() error = %v", err)
			}

			go func() {
				time.Sleep(30 * time.Millisecond)
				tt.abort(cancel, s)
			}()
			if s.Next() {
				t.Fatal("Next() returned true for a silent stream")
			}
			if !errors.Is(s.Err(), context.Canceled) {
				t.Fatalf("Err() = %v, want context.Canceled", s.Err())
			}
			if s.Turn() != nil {
				t.Fatal("Turn() available after cancellation")
			}
		})
	}
}

func TestStreamAskStalledStreamTimesOut(t *testing.T) {
	client := llmtest.New().
		OnPlan(llmtest.PlanStep{Plan: llmtest.ToolCall("search", `{"query":"q"}`)}).
		OnSynthesize(llmtest.SynthesisStep{Fragments: []string{"partial", "never sent"}, HoldAfter: 1})
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	o := newOrchestrator(client, &fakeTools{result: "docs"}, cfg)

	s, err := o.StreamAsk(context.Background(), "conv-1", "q")
	if err != nil {
		t.Fatalf("StreamAsk() error = %v", err)
	}
	if !s.Next() || s.Text() != "partial" {
		t.Fatalf("first fragment = %q, err = %v", s.Text(), s.Err())
	}

	start := time.Now()
	if s.Next() {
		t.Fatal("Next() returned true for a stalled stream")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stalled stream held for %v", elapsed)
	}
	var reqErr *LLMRequestError
	if !errors.As(s.Err(), &reqErr) || !reqErr.Transient || reqErr.Phase != PhaseSynthesize {
		t.Fatalf("Err() = %v, want transient synthesis LLMRequestError", s.Err())
	}
	if !errors.Is(s.Err(), context.DeadlineExceeded) {
		t.Fatalf("Err() = %v, want it to wrap DeadlineExceeded", s.Err())
	}
	if n := len(client.SynthesisRequests()); n != 1 {
		t.Fatalf("synthesis requests = %d, want 1", n)
	}
}
