package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/docsage/internal/agent"
	"github.com/haasonsaas/docsage/internal/history"
	"github.com/haasonsaas/docsage/internal/llm"
	"github.com/haasonsaas/docsage/internal/observability"
	"github.com/haasonsaas/docsage/internal/session"
	"github.com/haasonsaas/docsage/internal/toolserver"
	"github.com/haasonsaas/docsage/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"ask", "chat", "history", "tools", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

// writeConfig creates a config file whose history lives in dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("history:\n  backend: json\n  path: %s\nlogging:\n  level: error\n", filepath.Join(dir, "history.json"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func seedHistory(t *testing.T, dir string) {
	t.Helper()
	ctx := context.Background()
	store, err := history.OpenStore(ctx, history.BackendJSON, filepath.Join(dir, "history.json"), "", observability.DiscardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	mgr := history.NewManager(store)
	defer mgr.Close()
	err = mgr.Append(ctx, "conv-1",
		models.NewMessage(models.RoleUser, "What does function X return?"),
		models.NewMessage(models.RoleAssistant, "X returns an integer."))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHistoryCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	seedHistory(t, dir)
	envFile := filepath.Join(dir, "missing.env")

	out, err := execute(t, "history", "list", "--config", cfgPath, "--env-file", envFile)
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	if !strings.Contains(out, "conv-1") || !strings.Contains(out, "What does function X return?") {
		t.Fatalf("history list output missing conversation:\n%s", out)
	}

	out, err = execute(t, "history", "show", "conv-1", "--config", cfgPath, "--env-file", envFile)
	if err != nil {
		t.Fatalf("history show: %v", err)
	}
	if !strings.Contains(out, "[assistant]") || !strings.Contains(out, "X returns an integer.") {
		t.Fatalf("history show output missing messages:\n%s", out)
	}

	if _, err := execute(t, "history", "show", "missing", "--config", cfgPath, "--env-file", envFile); !errors.Is(err, history.ErrConversationNotFound) {
		t.Fatalf("show missing = %v, want ErrConversationNotFound", err)
	}

	if _, err := execute(t, "history", "clear", "conv-1", "--config", cfgPath, "--env-file", envFile); err != nil {
		t.Fatalf("history clear: %v", err)
	}
	out, err = execute(t, "history", "list", "--config", cfgPath, "--env-file", envFile)
	if err != nil {
		t.Fatalf("history list after clear: %v", err)
	}
	if !strings.Contains(out, "No conversations found.") {
		t.Fatalf("expected empty history, got:\n%s", out)
	}
}

func TestHistoryClearArguments(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	if _, err := execute(t, "history", "clear", "--config", cfgPath); err == nil {
		t.Fatal("expected an error without id or --all")
	}
	if _, err := execute(t, "history", "clear", "conv-1", "--all", "--config", cfgPath); err == nil {
		t.Fatal("expected an error with both id and --all")
	}
}

func TestAskRequiresAPIKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	for _, name := range []string{"ANTHROPIC_API_KEY", "DOCSAGE_ANTHROPIC_API_KEY"} {
		t.Setenv(name, "")
	}
	_, err := execute(t, "ask", "hello", "--provider", "anthropic", "--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env"))
	if !errors.Is(err, llm.ErrNotConfigured) {
		t.Fatalf("ask without key = %v, want ErrNotConfigured", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "docsage "+version) {
		t.Fatalf("unexpected version output: %q", out)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DOCSAGE_CONFIG", "")
	if got := resolveConfigPath(""); got != "" {
		t.Fatalf("resolveConfigPath() = %q, want empty without a config file", got)
	}
	t.Setenv("DOCSAGE_CONFIG", "/etc/docsage.yaml")
	if got := resolveConfigPath(""); got != "/etc/docsage.yaml" {
		t.Fatalf("resolveConfigPath() = %q, want DOCSAGE_CONFIG", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("resolveConfigPath(flag) = %q, want flag value", got)
	}
}

func TestPrintAnswerCodeOnly(t *testing.T) {
	turn := &agent.AnswerTurn{Assistant: models.NewMessage(models.RoleAssistant,
		"Use it like this:\n```js\nconst x = f();\n```\nor\n```\nf()\n```\n")}

	var buf bytes.Buffer
	printAnswer(&buf, turn, true)
	want := "const x = f();\n\nf()\n"
	if buf.String() != want {
		t.Fatalf("code-only output = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	printAnswer(&buf, turn, false)
	if !strings.HasPrefix(buf.String(), "Use it like this:") {
		t.Fatalf("full answer not printed: %q", buf.String())
	}
}

func TestDescribeErrorAndExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		text string
		code int
	}{
		{"busy", session.ErrBusy, "another question is still being answered", 1},
		{"cancelled", context.Canceled, "cancelled", 130},
		{"degraded", &toolserver.StartupError{Command: "npx", Cause: errors.New("not found")}, "documentation server unavailable", 2},
		{"transient", &agent.LLMRequestError{Phase: agent.PhasePlan, Provider: "openai", Attempts: 4, Transient: true, Cause: errors.New("503")}, "temporarily unavailable", 2},
		{"internal", errors.New("boom"), "boom", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeError(tt.err); !strings.Contains(got, tt.text) {
				t.Fatalf("describeError() = %q, want it to contain %q", got, tt.text)
			}
			if got := exitCode(tt.err); got != tt.code {
				t.Fatalf("exitCode() = %d, want %d", got, tt.code)
			}
		})
	}
}
