package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	errProcessExited = errors.New("tool server process exited")
	errCallTimeout   = errors.New("tool server call timed out")
)

const (
	maxFrameSize    = 4 * 1024 * 1024
	frameBuffer     = 16
	stderrTailLines = 20
	// exitDrainWindow is how long a caller keeps reading frames written just
	// before the process died.
	exitDrainWindow = 100 * time.Millisecond
)

type frame struct {
	msg *message
	err error
}

// process is one generation of the tool server: the OS process, its pipes,
// and the goroutines that drain them. A crashed or recycled process is
// discarded and replaced, never reused.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	logger *slog.Logger

	startedAt time.Time
	frames    chan frame
	exited    chan struct{}
	closed    chan struct{}
	readDone  chan struct{}
	exitErr   error

	writeMu   sync.Mutex
	closeOnce sync.Once
	wg        sync.WaitGroup

	tailMu sync.Mutex
	tail   []string
}

// spawn starts the command with its own stdout and stderr pipes. The process
// outlives ctx; it is only ended by terminate or kill.
func spawn(cfg Config, logger *slog.Logger) (*process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...) // #nosec G204 -- command comes from validated configuration
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	configureCommand(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p := &process{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdoutR,
		stderr:    stderrR,
		logger:    logger.With("pid", cmd.Process.Pid),
		startedAt: time.Now(),
		frames:    make(chan frame, frameBuffer),
		exited:    make(chan struct{}),
		closed:    make(chan struct{}),
		readDone:  make(chan struct{}),
	}

	p.wg.Add(3)
	go p.readLoop()
	go p.logStderr()
	go p.wait()
	return p, nil
}

func (p *process) pid() int {
	return p.cmd.Process.Pid
}

func (p *process) wait() {
	defer p.wg.Done()
	p.exitErr = p.cmd.Wait()
	close(p.exited)
}

// readLoop decodes one JSON message per stdout line.
func (p *process) readLoop() {
	defer p.wg.Done()
	defer close(p.readDone)

	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		msg, err := decodeMessage([]byte(line))
		switch {
		case err != nil:
			p.deliver(frame{err: fmt.Errorf("malformed frame %q: %w", truncate(line, 120), err)})
		case msg.Method != "" && !msg.hasID():
			p.logger.Debug("server notification", "method", msg.Method)
		case msg.Method != "":
			p.rejectServerRequest(msg)
		default:
			p.deliver(frame{msg: msg})
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.deliver(frame{err: fmt.Errorf("read stdout: %w", err)})
	}
}

func (p *process) deliver(f frame) {
	select {
	case p.frames <- f:
	case <-p.closed:
	}
}

// rejectServerRequest answers requests the server sends to us (sampling,
// roots) with method-not-found so the server does not wait on them.
func (p *process) rejectServerRequest(msg *message) {
	p.logger.Debug("rejecting server request", "method", msg.Method)
	reply := map[string]any{
		"jsonrpc": "2.0",
		"id":      msg.ID,
		"error":   rpcError{Code: codeMethodNotFound, Message: "method not supported by client"},
	}
	if err := p.writeJSON(reply); err != nil {
		p.logger.Debug("failed to reject server request", "error", err)
	}
}

// logStderr logs stderr output and keeps a short tail for startup errors.
func (p *process) logStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.logger.Debug("server stderr", "message", line)
		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.tailMu.Unlock()
	}
}

func (p *process) stderrTail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return strings.Join(p.tail, " | ")
}

func (p *process) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// call implements caller for handshakes; the deadline comes from ctx.
func (p *process) call(ctx context.Context, method string, params any) (*message, error) {
	return p.roundTrip(ctx, uuid.NewString(), method, params, 0)
}

func (p *process) notify(method string, params any) error {
	req := request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return p.writeJSON(req)
}

// roundTrip writes one request and waits for its response. A timeout of
// zero relies on ctx alone. The returned error is errProcessExited,
// errCallTimeout, a *ProtocolError, a write error, or ctx.Err().
func (p *process) roundTrip(ctx context.Context, id, method string, params any, timeout time.Duration) (*message, error) {
	p.discardStale()

	req := request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, &ProtocolError{RequestID: id, Reason: "cannot encode params", Cause: err}
		}
		req.Params = raw
	}
	if err := p.writeJSON(req); err != nil {
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		select {
		case f := <-p.frames:
			return p.match(id, f)
		case <-p.exited:
			if msg, ok := p.drainAfterExit(id); ok {
				return msg, nil
			}
			return nil, fmt.Errorf("%w: %v", errProcessExited, p.exitErr)
		case <-timer:
			return nil, errCallTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *process) match(id string, f frame) (*message, error) {
	if f.err != nil {
		return nil, &ProtocolError{RequestID: id, Reason: "malformed response", Cause: f.err}
	}
	if got := f.msg.idString(); got != id {
		return nil, &ProtocolError{RequestID: id, Reason: fmt.Sprintf("response id %q does not match pending request %q", got, id)}
	}
	return f.msg, nil
}

// drainAfterExit picks up a response the process wrote right before exiting.
func (p *process) drainAfterExit(id string) (*message, bool) {
	select {
	case <-p.readDone:
	case <-time.After(exitDrainWindow):
	}
	for {
		select {
		case f := <-p.frames:
			if msg, err := p.match(id, f); err == nil {
				return msg, true
			}
		default:
			return nil, false
		}
	}
}

// discardStale drops frames nobody asked for before a new request goes out.
func (p *process) discardStale() {
	for {
		select {
		case f := <-p.frames:
			if f.err != nil {
				p.logger.Warn("discarding unreadable frame", "error", f.err)
			} else {
				p.logger.Warn("discarding unsolicited response", "id", f.msg.idString())
			}
		default:
			return
		}
	}
}

func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// shutdown closes stdin, sends the terminate signal, and kills the process
// if it is still alive after grace. It always waits for the pipe goroutines.
func (p *process) shutdown(grace time.Duration) {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if !p.hasExited() {
			if err := terminate(p.cmd.Process); err != nil {
				p.logger.Debug("terminate signal failed", "error", err)
			}
			timer := time.NewTimer(grace)
			select {
			case <-p.exited:
			case <-timer.C:
				p.logger.Warn("tool server ignored terminate signal, killing", "grace", grace)
				_ = kill(p.cmd.Process)
				<-p.exited
			}
			timer.Stop()
		}
		close(p.closed)
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
	p.wg.Wait()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
