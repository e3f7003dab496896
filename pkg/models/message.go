package models

import (
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a single immutable entry in a conversation. Its position in
// Conversation.Messages is its sequence index.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// NewMessage creates a message stamped with the current UTC time.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, CreatedAt: time.Now().UTC()}
}

// Conversation is an ordered thread of turn-pairs, optionally led by a
// single system message.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Messages     []Message `json:"messages"`
}

// Clone returns a deep copy so callers never share the message slice.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Messages = append([]Message(nil), c.Messages...)
	return &clone
}

// HasSystemPrefix reports whether the conversation starts with a system message.
func (c *Conversation) HasSystemPrefix() bool {
	return len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem
}

// TurnCount returns the number of committed user/assistant pairs.
func (c *Conversation) TurnCount() int {
	n := len(c.Messages)
	if c.HasSystemPrefix() {
		n--
	}
	return n / 2
}

// SummaryPreviewLength bounds the last-message preview in summaries.
const SummaryPreviewLength = 50

// ConversationSummary is the listing view of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastMessage  string    `json:"lastMessage"`
	MessageCount int       `json:"messageCount"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Summary builds the listing view of c.
func (c *Conversation) Summary() ConversationSummary {
	summary := ConversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		LastActiveAt: c.LastActiveAt,
	}
	if n := len(c.Messages); n > 0 {
		summary.LastMessage = Preview(c.Messages[n-1].Content, SummaryPreviewLength)
	}
	return summary
}

// Preview shortens s to at most limit runes, marking the cut with "...".
func Preview(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
