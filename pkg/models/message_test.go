package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
			if !tt.constant.Valid() {
				t.Errorf("Valid() = false for %q", tt.constant)
			}
		})
	}

	if Role("bot").Valid() {
		t.Error("Valid() = true for unknown role")
	}
}

func TestMessage_JSONFields(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := Message{Role: RoleUser, Content: "hi", CreatedAt: ts}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"role":"user","content":"hi","timestamp":"2025-03-01T12:00:00Z"}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}
}

func TestConversation_CloneIsolatesMessages(t *testing.T) {
	conv := &Conversation{ID: "c1", Messages: []Message{NewMessage(RoleUser, "a")}}
	clone := conv.Clone()
	clone.Messages[0].Content = "changed"
	clone.Messages = append(clone.Messages, NewMessage(RoleAssistant, "b"))

	if conv.Messages[0].Content != "a" {
		t.Errorf("original content = %q, want a", conv.Messages[0].Content)
	}
	if len(conv.Messages) != 1 {
		t.Errorf("original length = %d, want 1", len(conv.Messages))
	}

	var nilConv *Conversation
	if nilConv.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

func TestConversation_TurnCount(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
		want     int
	}{
		{"empty", nil, 0},
		{"one pair", []Message{{Role: RoleUser}, {Role: RoleAssistant}}, 1},
		{"system prefix", []Message{{Role: RoleSystem}, {Role: RoleUser}, {Role: RoleAssistant}}, 1},
		{"two pairs", []Message{{Role: RoleUser}, {Role: RoleAssistant}, {Role: RoleUser}, {Role: RoleAssistant}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &Conversation{Messages: tt.messages}
			if got := conv.TurnCount(); got != tt.want {
				t.Errorf("TurnCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConversation_Summary(t *testing.T) {
	long := strings.Repeat("x", 80)
	conv := &Conversation{
		ID:    "c1",
		Title: "title",
		Messages: []Message{
			{Role: RoleUser, Content: "question"},
			{Role: RoleAssistant, Content: long},
		},
	}

	summary := conv.Summary()
	if summary.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", summary.MessageCount)
	}
	if summary.LastMessage != strings.Repeat("x", 50)+"..." {
		t.Errorf("LastMessage = %q", summary.LastMessage)
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("  short  ", 10); got != "short" {
		t.Errorf("Preview() = %q, want short", got)
	}
	if got := Preview("héllo wörld", 5); got != "héllo..." {
		t.Errorf("Preview() = %q, want héllo...", got)
	}
	if got := Preview("abc", 0); got != "abc" {
		t.Errorf("Preview() with zero limit = %q, want abc", got)
	}
}
