package session

import (
	"context"
	"errors"

	"github.com/haasonsaas/docsage/internal/agent"
	"github.com/haasonsaas/docsage/internal/toolserver"
)

var (
	// ErrBusy rejects a call made while another turn is in flight.
	ErrBusy = errors.New("session: a turn is already in flight")

	// ErrClosed is returned after End.
	ErrClosed = errors.New("session: closed")
)

// FailureKind tells a caller what a failed turn means for them.
type FailureKind string

const (
	FailureNone FailureKind = ""
	// FailureTransient means no answer was produced; the query can be retried.
	FailureTransient FailureKind = "transient"
	// FailureDegraded means the tool server is unavailable.
	FailureDegraded FailureKind = "degraded"
	// FailureBusy means the caller overlapped turns on one session.
	FailureBusy FailureKind = "busy"
	// FailureCancelled means the caller gave up on the turn.
	FailureCancelled FailureKind = "cancelled"
	// FailureInternal covers everything retrying will not fix.
	FailureInternal FailureKind = "internal"
)

// Classify maps a turn error onto a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrBusy) {
		return FailureBusy
	}

	var (
		llmErr      *agent.LLMRequestError
		startupErr  *toolserver.StartupError
		timeoutErr  *toolserver.TimeoutError
		protocolErr *toolserver.ProtocolError
		crashErr    *toolserver.CrashError
	)
	switch {
	case errors.Is(err, toolserver.ErrUnknownTool), errors.Is(err, toolserver.ErrInvalidArguments):
		// The model asked for something the server does not offer.
		return FailureInternal
	case errors.As(err, &llmErr):
		if llmErr.Transient {
			return FailureTransient
		}
		return FailureInternal
	case errors.As(err, &startupErr),
		errors.As(err, &timeoutErr),
		errors.As(err, &protocolErr),
		errors.As(err, &crashErr),
		errors.Is(err, toolserver.ErrNotStarted):
		return FailureDegraded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCancelled
	default:
		return FailureInternal
	}
}
