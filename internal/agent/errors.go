package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("agent: empty query")

	// ErrDirectAskDisabled is returned by DirectAsk unless agent.allow_direct_ask is set.
	ErrDirectAskDisabled = errors.New("agent: direct ask is disabled")
)

// Phase names the model call that failed.
type Phase string

const (
	PhasePlan       Phase = "plan"
	PhaseSynthesize Phase = "synthesize"
	PhaseDirect     Phase = "direct"
)

// LLMRequestError is a model request that still failed after the retry
// budget was spent, or failed in a way retrying cannot fix.
type LLMRequestError struct {
	Phase    Phase
	Provider string
	// Attempts is the number of requests made, including the first.
	Attempts int
	// Transient is true when the last failure was a rate limit, timeout,
	// or server error.
	Transient bool
	Cause     error
}

func (e *LLMRequestError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s request to %s failed (%s, %d attempt(s)): %v", e.Phase, e.Provider, kind, e.Attempts, e.Cause)
}

func (e *LLMRequestError) Unwrap() error { return e.Cause }
