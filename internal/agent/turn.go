package agent

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/docsage/pkg/models"
)

// AnswerKind records how a turn's answer was produced.
type AnswerKind string

const (
	// AnswerGrounded was synthesized from retrieved documentation.
	AnswerGrounded AnswerKind = "grounded"
	// AnswerDirect is the planner's own answer, accepted by policy.
	AnswerDirect AnswerKind = "direct"
	// AnswerDeclined replaced a direct answer with the no-grounding answer.
	AnswerDeclined AnswerKind = "declined"
	// AnswerNoGrounding is the fixed answer after retrieval found nothing.
	AnswerNoGrounding AnswerKind = "no_grounding"
	// AnswerBypass came from DirectAsk without planning or retrieval.
	AnswerBypass AnswerKind = "bypass"
)

// ToolInvocation is the retrieval step of one turn. It is never stored
// on its own; it lives and dies with its AnswerTurn.
type ToolInvocation struct {
	RequestID string
	ToolName  string
	Arguments json.RawMessage
	// Result is the grounding text, empty when Error is set.
	Result  string
	Error   string
	Latency time.Duration
}

// AnswerTurn is a finished but uncommitted turn. Nothing reaches history
// until the caller passes User and Assistant to the history manager.
type AnswerTurn struct {
	ConversationID string
	Kind           AnswerKind
	User           models.Message
	Tool           *ToolInvocation
	Assistant      models.Message
}

// Answer is the assistant's text.
func (t *AnswerTurn) Answer() string {
	if t == nil {
		return ""
	}
	return t.Assistant.Content
}
