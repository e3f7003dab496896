// Package toolservertest runs the test binary itself as a tool server so
// supervisor, session, and CLI tests exercise real processes and pipes.
//
// A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		toolservertest.RunIfFixture()
//		os.Exit(m.Run())
//	}
//
// and then launches a fixture with Config(t, toolservertest.ModeMCP).
package toolservertest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/haasonsaas/docsage/internal/toolserver"
)

// Mode selects the fixture behaviour.
type Mode string

const (
	// ModeMCP is a well-behaved MCP server built on mcp-go.
	ModeMCP Mode = "mcp"
	// ModeDirect speaks the direct dialect and can misbehave on request.
	ModeDirect Mode = "direct"
	// ModeExitEarly exits before answering the handshake.
	ModeExitEarly Mode = "exit-early"
	// ModeSilent reads requests and never answers.
	ModeSilent Mode = "silent"
	// ModeStubborn is ModeDirect that ignores the terminate signal and
	// keeps running after stdin closes.
	ModeStubborn Mode = "stubborn"
)

const (
	modeEnv   = "DOCSAGE_TOOLSERVER_FIXTURE"
	markerEnv = "DOCSAGE_TOOLSERVER_MARKER"
)

// GroundingForX is the text the search tool returns for queries about function X.
const GroundingForX = "X returns an integer"

// Config returns a supervisor config that re-executes the test binary in mode.
func Config(t testing.TB, mode Mode) toolserver.Config {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}
	cfg := toolserver.Config{
		Command:          exe,
		Args:             []string{"-test.run=^$"},
		Env:              map[string]string{modeEnv: string(mode), markerEnv: t.TempDir() + "/crashed"},
		Dialect:          toolserver.DialectDirect,
		HandshakeTimeout: 10 * time.Second,
		StopGracePeriod:  2 * time.Second,
		CallTimeout:      5 * time.Second,
	}
	if mode == ModeMCP {
		cfg.Dialect = toolserver.DialectMCP
	}
	return cfg
}

// RunIfFixture turns the current process into the fixture selected by the
// environment and exits. It returns immediately in a normal test run.
func RunIfFixture() {
	mode := Mode(os.Getenv(modeEnv))
	if mode == "" {
		return
	}
	var err error
	switch mode {
	case ModeMCP:
		err = serveMCP()
	case ModeDirect:
		err = serveDirect()
	case ModeStubborn:
		signal.Ignore(syscall.SIGTERM)
		if err = serveDirect(); err == nil {
			// Outlive stdin too so only a kill ends the process.
			time.Sleep(time.Hour)
		}
	case ModeExitEarly:
		fmt.Fprintln(os.Stderr, "fixture: refusing to start")
		os.Exit(1)
	case ModeSilent:
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
		}
	default:
		err = fmt.Errorf("unknown fixture mode %q", mode)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fixture:", err)
		os.Exit(2)
	}
	os.Exit(0)
}

func search(query string) string {
	switch {
	case strings.Contains(query, "function X"):
		return GroundingForX
	case strings.Contains(query, "nothing"):
		return ""
	default:
		return "documentation for " + query
	}
}

// crashOnce exits the process the first time it runs in a test; the marker
// file survives the restart.
func crashOnce() {
	marker := os.Getenv(markerEnv)
	if _, err := os.Stat(marker); err == nil {
		return
	}
	_ = os.WriteFile(marker, []byte("crashed"), 0o600)
	os.Exit(3)
}

func serveMCP() error {
	s := server.NewMCPServer("docsage-fixture", "1.0.0", server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Search library documentation"),
		mcp.WithString("query", mcp.Required(), mcp.Description("What to look up")),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(search(query)), nil
	})

	s.AddTool(mcp.NewTool("fail",
		mcp.WithDescription("Always reports a tool error"),
	), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("library not found"), nil
	})

	s.AddTool(mcp.NewTool("sleep",
		mcp.WithDescription("Sleeps before answering"),
		mcp.WithNumber("ms", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ms := req.GetFloat("ms", 0)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
		}
		return mcp.NewToolResultText("slept"), nil
	})

	s.AddTool(mcp.NewTool("crash",
		mcp.WithDescription("Exits the server without answering"),
	), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		os.Exit(3)
		return nil, nil
	})

	s.AddTool(mcp.NewTool("flaky",
		mcp.WithDescription("Crashes on the first call of a test, then answers"),
	), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		crashOnce()
		return mcp.NewToolResultText("recovered"), nil
	})

	s.AddTool(mcp.NewTool("pid",
		mcp.WithDescription("Returns the server process id"),
	), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(fmt.Sprint(os.Getpid())), nil
	})

	return server.ServeStdio(s)
}

type directRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

var directTools = []map[string]any{
	{
		"name": "search",
		"parameterSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
	},
	{"name": "garbage"},
	{"name": "wrong-id"},
	{"name": "error"},
	{"name": "hang"},
	{"name": "crash"},
	{"name": "flaky"},
	{"name": "notify"},
}

// serveDirect answers one JSON object per line with hand-written frames so
// it can break the protocol on purpose.
func serveDirect() error {
	out := bufio.NewWriter(os.Stdout)
	write := func(v any) {
		data, _ := json.Marshal(v)
		out.Write(append(data, '\n'))
		out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req directRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return fmt.Errorf("bad request line: %w", err)
		}
		if req.ID == "" {
			continue
		}

		switch req.Method {
		case "handshake":
			write(map[string]any{"id": req.ID, "result": map[string]any{"tools": directTools}})
		case "search":
			var params struct {
				Query string `json:"query"`
			}
			_ = json.Unmarshal(req.Params, &params)
			write(map[string]any{"id": req.ID, "result": map[string]any{"text": search(params.Query)}})
		case "garbage":
			out.WriteString("this is not json{\n")
			out.Flush()
		case "wrong-id":
			write(map[string]any{"id": "bogus-" + req.ID, "result": map[string]any{"text": "late"}})
		case "error":
			write(map[string]any{"id": req.ID, "error": map[string]any{"code": -32000, "message": "boom"}})
		case "hang":
		case "crash":
			os.Exit(3)
		case "flaky":
			crashOnce()
			write(map[string]any{"id": req.ID, "result": map[string]any{"text": "recovered"}})
		case "notify":
			write(map[string]any{"method": "progress", "params": map[string]any{"pct": 50}})
			write(map[string]any{"id": req.ID, "result": map[string]any{"text": "after notification"}})
		default:
			write(map[string]any{"id": req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
		}
	}
	return scanner.Err()
}
