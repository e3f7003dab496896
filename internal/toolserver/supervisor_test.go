package toolserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/haasonsaas/docsage/internal/observability"
	"github.com/haasonsaas/docsage/internal/toolserver"
	"github.com/haasonsaas/docsage/internal/toolserver/toolservertest"
)

func newSupervisor(t *testing.T, cfg toolserver.Config, opts ...toolserver.Option) *toolserver.Supervisor {
	t.Helper()
	opts = append([]toolserver.Option{toolserver.WithLogger(observability.DiscardLogger())}, opts...)
	sup, err := toolserver.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return sup
}

func startSupervisor(t *testing.T, cfg toolserver.Config, opts ...toolserver.Option) *toolserver.Supervisor {
	t.Helper()
	sup := newSupervisor(t, cfg, opts...)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := sup.Stop(context.Background()); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return sup
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return data
}

func TestStartHandshakeMCP(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := newSupervisor(t, toolservertest.Config(t, toolservertest.ModeMCP))
	if got := sup.State(); got != toolserver.StateStopped {
		t.Fatalf("initial state = %v, want stopped", got)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := sup.State(); got != toolserver.StateReady {
		t.Fatalf("state after Start = %v, want ready", got)
	}

	names := map[string]bool{}
	for _, spec := range sup.Manifest() {
		names[spec.Name] = true
	}
	for _, want := range []string{"search", "fail", "sleep", "crash", "flaky", "pid"} {
		if !names[want] {
			t.Errorf("manifest missing %q: %v", want, names)
		}
	}
	if info := sup.Process(); info.PID == 0 || info.StartedAt.IsZero() {
		t.Errorf("Process() = %+v, want live pid", info)
	}

	// Start on a running supervisor is a no-op.
	pid := sup.Process().PID
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := sup.Process().PID; got != pid {
		t.Errorf("second Start() replaced process: pid %d -> %d", pid, got)
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := sup.State(); got != toolserver.StateStopped {
		t.Errorf("state after Stop = %v, want stopped", got)
	}
}

func TestInvokeSearch(t *testing.T) {
	for _, mode := range []toolservertest.Mode{toolservertest.ModeMCP, toolservertest.ModeDirect} {
		t.Run(string(mode), func(t *testing.T) {
			sup := startSupervisor(t, toolservertest.Config(t, mode))

			res, err := sup.Invoke(context.Background(), "search",
				args(t, map[string]string{"query": "function X return value"}), 0)
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if res.Text != toolservertest.GroundingForX {
				t.Errorf("Text = %q, want %q", res.Text, toolservertest.GroundingForX)
			}
			if res.RequestID == "" || res.Tool != "search" {
				t.Errorf("Result = %+v, want request id and tool", res)
			}
			if got := sup.State(); got != toolserver.StateReady {
				t.Errorf("state after Invoke = %v, want ready", got)
			}
		})
	}
}

func TestInvokeBeforeStart(t *testing.T) {
	sup := newSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect))
	_, err := sup.Invoke(context.Background(), "search", nil, 0)
	if !errors.Is(err, toolserver.ErrNotStarted) {
		t.Fatalf("Invoke() error = %v, want ErrNotStarted", err)
	}
}

func TestStartupFailure(t *testing.T) {
	t.Run("exits early", func(t *testing.T) {
		sup := newSupervisor(t, toolservertest.Config(t, toolservertest.ModeExitEarly))
		err := sup.Start(context.Background())
		var serr *toolserver.StartupError
		if !errors.As(err, &serr) {
			t.Fatalf("Start() error = %v, want StartupError", err)
		}
		if !strings.Contains(serr.Stderr, "refusing to start") {
			t.Errorf("Stderr = %q, want fixture message", serr.Stderr)
		}
		if got := sup.State(); got != toolserver.StateStopped {
			t.Errorf("state = %v, want stopped", got)
		}
	})

	t.Run("handshake timeout", func(t *testing.T) {
		cfg := toolservertest.Config(t, toolservertest.ModeSilent)
		cfg.HandshakeTimeout = 200 * time.Millisecond
		sup := newSupervisor(t, cfg)
		err := sup.Start(context.Background())
		var serr *toolserver.StartupError
		if !errors.As(err, &serr) {
			t.Fatalf("Start() error = %v, want StartupError", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Start() error = %v, want deadline cause", err)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		cfg := toolservertest.Config(t, toolservertest.ModeDirect)
		cfg.Command = "/nonexistent/docsage-tool-server"
		sup := newSupervisor(t, cfg)
		var serr *toolserver.StartupError
		if err := sup.Start(context.Background()); !errors.As(err, &serr) {
			t.Fatalf("Start() error = %v, want StartupError", err)
		}
	})
}

func TestInvokeTimeoutRecyclesProcess(t *testing.T) {
	sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect))
	pid := sup.Process().PID

	_, err := sup.Invoke(context.Background(), "hang", nil, 100*time.Millisecond)
	var terr *toolserver.TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("Invoke() error = %v, want TimeoutError", err)
	}
	if terr.Tool != "hang" || terr.RequestID == "" {
		t.Errorf("TimeoutError = %+v", terr)
	}

	res, err := sup.Invoke(context.Background(), "search", args(t, map[string]string{"query": "slices"}), 0)
	if err != nil {
		t.Fatalf("Invoke() after timeout error = %v", err)
	}
	if res.Text != "documentation for slices" {
		t.Errorf("Text = %q", res.Text)
	}
	info := sup.Process()
	if info.PID == pid {
		t.Errorf("process was not recycled after timeout (pid %d)", pid)
	}
	if info.Restarts != 0 {
		t.Errorf("Restarts = %d, recycling is not a crash restart", info.Restarts)
	}
}

func TestInvokeProtocolErrors(t *testing.T) {
	for _, tool := range []string{"garbage", "wrong-id"} {
		t.Run(tool, func(t *testing.T) {
			sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect))

			_, err := sup.Invoke(context.Background(), tool, nil, time.Second)
			var perr *toolserver.ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("Invoke() error = %v, want ProtocolError", err)
			}
			if perr.Tool != tool {
				t.Errorf("ProtocolError.Tool = %q, want %q", perr.Tool, tool)
			}

			// The next request runs on a clean process.
			if _, err := sup.Invoke(context.Background(), "search", args(t, map[string]string{"query": "io"}), 0); err != nil {
				t.Fatalf("Invoke() after protocol error = %v", err)
			}
		})
	}
}

func TestInvokeRejectedBeforeSend(t *testing.T) {
	sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeMCP))
	pid := sup.Process().PID

	tests := []struct {
		name string
		tool string
		args json.RawMessage
		want error
	}{
		{name: "unknown tool", tool: "delete_everything", want: toolserver.ErrUnknownTool},
		{name: "missing required", tool: "search", args: json.RawMessage(`{}`), want: toolserver.ErrInvalidArguments},
		{name: "wrong type", tool: "search", args: json.RawMessage(`{"query": 3}`), want: toolserver.ErrInvalidArguments},
		{name: "not an object", tool: "search", args: json.RawMessage(`["query"]`), want: toolserver.ErrInvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sup.Invoke(context.Background(), tt.tool, tt.args, 0)
			var perr *toolserver.ProtocolError
			if !errors.As(err, &perr) || !errors.Is(err, tt.want) {
				t.Fatalf("Invoke() error = %v, want ProtocolError wrapping %v", err, tt.want)
			}
		})
	}
	if got := sup.Process().PID; got != pid {
		t.Errorf("rejected requests recycled the process: pid %d -> %d", pid, got)
	}
}

func TestInvokeRemoteErrors(t *testing.T) {
	t.Run("mcp tool error", func(t *testing.T) {
		sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeMCP))
		_, err := sup.Invoke(context.Background(), "fail", nil, 0)
		var rerr *toolserver.RemoteError
		if !errors.As(err, &rerr) {
			t.Fatalf("Invoke() error = %v, want RemoteError", err)
		}
		if rerr.Message != "library not found" {
			t.Errorf("Message = %q", rerr.Message)
		}
		if got := sup.State(); got != toolserver.StateReady {
			t.Errorf("state = %v, want ready", got)
		}
	})

	t.Run("rpc error", func(t *testing.T) {
		sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect))
		_, err := sup.Invoke(context.Background(), "error", nil, 0)
		var rerr *toolserver.RemoteError
		if !errors.As(err, &rerr) {
			t.Fatalf("Invoke() error = %v, want RemoteError", err)
		}
		if rerr.Code != -32000 || rerr.Message != "boom" {
			t.Errorf("RemoteError = %+v", rerr)
		}
	})
}

func TestNotificationsAreSkipped(t *testing.T) {
	sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect))
	res, err := sup.Invoke(context.Background(), "notify", nil, 0)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Text != "after notification" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestCrashRestartsOnceThenFails(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	hook := toolserver.WithTransitionHook(func(from, to toolserver.State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect), hook)

	_, err := sup.Invoke(context.Background(), "crash", nil, 0)
	var cerr *toolserver.CrashError
	if !errors.As(err, &cerr) {
		t.Fatalf("Invoke() error = %v, want CrashError", err)
	}
	if cerr.Restarts != 1 {
		t.Errorf("CrashError.Restarts = %d, want 1", cerr.Restarts)
	}
	if got := sup.State(); got != toolserver.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}

	// The failure is permanent.
	_, err = sup.Invoke(context.Background(), "search", args(t, map[string]string{"query": "io"}), 0)
	if !errors.As(err, &cerr) {
		t.Fatalf("Invoke() after crash error = %v, want CrashError", err)
	}
	if err := sup.Start(context.Background()); !errors.As(err, &cerr) {
		t.Fatalf("Start() after crash error = %v, want CrashError", err)
	}

	mu.Lock()
	defer mu.Unlock()
	starts := 0
	for _, tr := range transitions {
		if tr == "stopped->starting" || tr == "crashed->starting" {
			starts++
		}
	}
	if starts != 2 {
		t.Errorf("process launched %d times, want initial start plus one restart: %v", starts, transitions)
	}
}

func TestCrashReplayedOnFreshProcess(t *testing.T) {
	sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeMCP))
	pid := sup.Process().PID

	res, err := sup.Invoke(context.Background(), "flaky", nil, 0)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Text != "recovered" {
		t.Errorf("Text = %q, want recovered", res.Text)
	}
	info := sup.Process()
	if info.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", info.Restarts)
	}
	if info.PID == pid {
		t.Errorf("pid unchanged after restart")
	}
	if info.State != toolserver.StateReady {
		t.Errorf("state = %v, want ready", info.State)
	}
}

func TestIdleCrashRestartsOnNextRequest(t *testing.T) {
	sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeMCP))

	// Kill the process behind the supervisor's back while it is idle.
	proc, err := os.FindProcess(sup.Process().PID)
	if err != nil {
		t.Fatalf("find process: %v", err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	waitForState(t, sup, toolserver.StateCrashed)

	res, err := sup.Invoke(context.Background(), "search", args(t, map[string]string{"query": "function X"}), 0)
	if err != nil {
		t.Fatalf("Invoke() after idle crash error = %v", err)
	}
	if res.Text != toolservertest.GroundingForX {
		t.Errorf("Text = %q", res.Text)
	}
	if got := sup.Process().Restarts; got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}
}

func TestInvocationsAreSerialized(t *testing.T) {
	var (
		mu      sync.Mutex
		busy    int
		maxBusy int
	)
	hook := toolserver.WithTransitionHook(func(from, to toolserver.State) {
		mu.Lock()
		defer mu.Unlock()
		if to == toolserver.StateBusy {
			busy++
		}
		if from == toolserver.StateBusy {
			busy--
		}
		if busy > maxBusy {
			maxBusy = busy
		}
	})
	sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeMCP), hook)

	const callers = 5
	const sleep = 50 * time.Millisecond
	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sup.Invoke(context.Background(), "sleep", json.RawMessage(`{"ms": 50}`), 0)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
	}

	if elapsed := time.Since(start); elapsed < callers*sleep {
		t.Errorf("%d calls finished in %v, want at least %v when serialized", callers, elapsed, callers*sleep)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxBusy != 1 {
		t.Errorf("max concurrent requests = %d, want 1", maxBusy)
	}
}

func TestInvokeCancelledMarksProcessForRecycle(t *testing.T) {
	sup := startSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect))
	pid := sup.Process().PID

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sup.Invoke(ctx, "hang", nil, 5*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Invoke() error = %v, want context deadline", err)
	}
	var terr *toolserver.TimeoutError
	if errors.As(err, &terr) {
		t.Fatalf("caller cancellation reported as TimeoutError")
	}

	if _, err := sup.Invoke(context.Background(), "search", args(t, map[string]string{"query": "io"}), 0); err != nil {
		t.Fatalf("Invoke() after cancel error = %v", err)
	}
	if got := sup.Process().PID; got == pid {
		t.Errorf("abandoned process was reused")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sup := newSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect))
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() before Start error = %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := sup.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() #%d error = %v", i+1, err)
		}
	}
	if _, err := sup.Invoke(context.Background(), "search", nil, 0); !errors.Is(err, toolserver.ErrNotStarted) {
		t.Errorf("Invoke() after Stop error = %v, want ErrNotStarted", err)
	}
}

func TestStopKillsAfterGracePeriod(t *testing.T) {
	cfg := toolservertest.Config(t, toolservertest.ModeStubborn)
	cfg.StopGracePeriod = 200 * time.Millisecond
	sup := newSupervisor(t, cfg)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	start := time.Now()
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < cfg.StopGracePeriod {
		t.Errorf("Stop() returned after %v, before the grace period", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Stop() took %v", elapsed)
	}
	if got := sup.State(); got != toolserver.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

func TestStopInterruptsInvocation(t *testing.T) {
	sup := newSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect))
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sup.Invoke(context.Background(), "hang", nil, 30*time.Second)
		done <- err
	}()
	waitForState(t, sup, toolserver.StateBusy)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, toolserver.ErrNotStarted) {
			t.Errorf("interrupted Invoke() error = %v, want ErrNotStarted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Invoke() still blocked after Stop")
	}
	if got := sup.State(); got != toolserver.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
}

func TestStopDuringInvocationKeepsRestartBudget(t *testing.T) {
	sup := newSupervisor(t, toolservertest.Config(t, toolservertest.ModeDirect))
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sup.Invoke(context.Background(), "hang", nil, 30*time.Second)
		done <- err
	}()
	waitForState(t, sup, toolserver.StateBusy)

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sup.Stop(expired); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := <-done; !errors.Is(err, toolserver.ErrNotStarted) {
		t.Fatalf("interrupted Invoke() error = %v, want ErrNotStarted", err)
	}

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	res, err := sup.Invoke(context.Background(), "flaky", nil, 0)
	if err != nil {
		t.Fatalf("Invoke() after restart error = %v, want the crash to be retried", err)
	}
	if res.Text != "recovered" {
		t.Errorf("Text = %q, want recovered", res.Text)
	}
	if got := sup.State(); got != toolserver.StateReady {
		t.Errorf("state = %v, want ready", got)
	}
}

func waitForState(t *testing.T, sup *toolserver.Supervisor, want toolserver.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", sup.State(), want)
}
