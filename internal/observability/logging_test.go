package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{"debug", 4},
		{"info", 3},
		{"warning", 2},
		{"error", 1},
		{"invalid", 3},
		{"", 3},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Level: tt.level, Format: "json", Output: &buf})

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")
			logger.Error("error message")

			if got := len(decodeLines(t, &buf)); got != tt.want {
				t.Errorf("level %q wrote %d records, want %d", tt.level, got, tt.want)
			}
		})
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	key := "sk-" + strings.Repeat("a", 48)
	logger.Info("using api_key="+strings.Repeat("b", 20),
		"api_key", "plain",
		"detail", "header Bearer "+strings.Repeat("c", 24),
		"error", errors.New("request failed for "+key),
	)

	out := buf.String()
	for _, secret := range []string{strings.Repeat("b", 20), "plain", strings.Repeat("c", 24), key} {
		if strings.Contains(out, secret) {
			t.Errorf("log output leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("log output missing redaction marker: %s", out)
	}
}

func TestLoggerRedactsWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf}).With("token", "abcdef")
	logger.Info("hello")

	if strings.Contains(buf.String(), "abcdef") {
		t.Errorf("With() attribute leaked: %s", buf.String())
	}
}

func TestLoggerAddsContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := AddSessionID(context.Background(), "sess-1")
	ctx = AddConversationID(ctx, "conv-1")
	ctx = AddRequestID(ctx, "req-1")
	logger.InfoContext(ctx, "turn committed")

	records := decodeLines(t, &buf)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	for key, want := range map[string]string{"session_id": "sess-1", "conversation_id": "conv-1", "request_id": "req-1"} {
		if records[0][key] != want {
			t.Errorf("%s = %v, want %s", key, records[0][key], want)
		}
	}
	if GetSessionID(ctx) != "sess-1" {
		t.Errorf("GetSessionID() = %q", GetSessionID(ctx))
	}
}

func TestLogLevelFromString(t *testing.T) {
	if LogLevelFromString("DEBUG") != slog.LevelDebug {
		t.Error("DEBUG should map to LevelDebug")
	}
	if LogLevelFromString("nope") != slog.LevelInfo {
		t.Error("unknown level should map to LevelInfo")
	}
}

func TestDiscardLogger(t *testing.T) {
	logger := DiscardLogger()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("DiscardLogger() should not be enabled for errors")
	}
}
