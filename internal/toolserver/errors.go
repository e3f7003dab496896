package toolserver

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotStarted is returned by Invoke before Start or after Stop.
	ErrNotStarted = errors.New("toolserver: not started")

	// ErrUnknownTool marks a ProtocolError for a tool missing from the manifest.
	ErrUnknownTool = errors.New("toolserver: unknown tool")

	// ErrInvalidArguments marks a ProtocolError for arguments rejected by the tool schema.
	ErrInvalidArguments = errors.New("toolserver: arguments do not match tool schema")
)

// StartupError reports a process that exited, or did not answer, before
// the capability handshake completed.
type StartupError struct {
	Command string
	Cause   error
	// Stderr holds the last lines the process wrote to stderr, if any.
	Stderr string
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("tool server %q failed to start: %v", e.Command, e.Cause)
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *StartupError) Unwrap() error { return e.Cause }

// TimeoutError reports an invocation with no correlated response within its timeout.
type TimeoutError struct {
	Tool      string
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q request %s timed out after %v", e.Tool, e.RequestID, e.Timeout)
}

// ProtocolError reports a malformed response, a response whose id matches no
// pending request, or a request rejected before it was sent.
type ProtocolError struct {
	Tool      string
	RequestID string
	Reason    string
	Cause     error
}

func (e *ProtocolError) Error() string {
	msg := "tool server protocol error"
	if e.Tool != "" {
		msg += fmt.Sprintf(" for tool %q", e.Tool)
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// CrashError reports that the process died again after its one automatic
// restart, or could not be restarted. The supervisor stays stopped.
type CrashError struct {
	Tool     string
	Restarts int
	Cause    error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("tool server crashed after %d restart(s) and is permanently stopped: %v", e.Restarts, e.Cause)
}

func (e *CrashError) Unwrap() error { return e.Cause }

// RemoteError is an error object returned by the tool itself. The exchange
// completed normally; only the tool's answer is an error.
type RemoteError struct {
	Tool      string
	RequestID string
	Code      int
	Message   string
	Latency   time.Duration
}

func (e *RemoteError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tool %q returned error %d: %s", e.Tool, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %q returned error: %s", e.Tool, e.Message)
}
