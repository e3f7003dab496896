package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Standard JSON-RPC error codes
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

const mcpProtocolVersion = "2024-11-05"

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// message is anything read from the process: a response, a notification,
// or a request initiated by the server.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (m *message) hasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// idString normalizes the response id so string and numeric ids compare by text.
func (m *message) idString() string {
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(m.ID))
}

func decodeMessage(line []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	if !msg.hasID() && msg.Method == "" {
		return nil, fmt.Errorf("frame has neither id nor method")
	}
	if msg.hasID() && msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return nil, fmt.Errorf("response %s has neither result nor error", msg.ID)
	}
	return &msg, nil
}

// ToolSpec is one tool advertised during the handshake.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"parameterSchema,omitempty"`
}

// caller is the slice of the process used by dialects.
type caller interface {
	call(ctx context.Context, method string, params any) (*message, error)
	notify(method string, params any) error
}

// dialect adapts the supervisor to a wire protocol.
type dialect interface {
	handshake(ctx context.Context, c caller) ([]ToolSpec, error)
	invocation(tool string, args json.RawMessage) (method string, params any)
	decodeResult(raw json.RawMessage) (text string, toolErr string, err error)
}

func newDialect(d Dialect) (dialect, error) {
	switch d {
	case DialectMCP, "":
		return mcpDialect{}, nil
	case DialectDirect:
		return directDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", d)
	}
}

type mcpDialect struct{}

type mcpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type mcpListToolsResult struct {
	Tools      []mcpTool `json:"tools"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type mcpCallResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// maxToolPages bounds tools/list pagination against servers that never stop paging.
const maxToolPages = 10

func (mcpDialect) handshake(ctx context.Context, c caller) ([]ToolSpec, error) {
	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "docsage",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize: %s", resp.Error.Message)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	var specs []ToolSpec
	cursor := ""
	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		resp, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("tools/list: %s", resp.Error.Message)
		}
		var list mcpListToolsResult
		if err := json.Unmarshal(resp.Result, &list); err != nil {
			return nil, fmt.Errorf("parse tools/list result: %w", err)
		}
		for _, tool := range list.Tools {
			specs = append(specs, ToolSpec{Name: tool.Name, Description: tool.Description, Schema: tool.InputSchema})
		}
		if list.NextCursor == "" {
			break
		}
		cursor = list.NextCursor
	}
	return specs, nil
}

func (mcpDialect) invocation(tool string, args json.RawMessage) (string, any) {
	return "tools/call", map[string]any{"name": tool, "arguments": args}
}

func (mcpDialect) decodeResult(raw json.RawMessage) (string, string, error) {
	var result mcpCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", "", fmt.Errorf("parse tools/call result: %w", err)
	}
	text := joinContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", text, nil
	}
	return text, "", nil
}

type directDialect struct{}

type directHandshakeResult struct {
	Tools []ToolSpec `json:"tools"`
}

func (directDialect) handshake(ctx context.Context, c caller) ([]ToolSpec, error) {
	resp, err := c.call(ctx, "handshake", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("handshake: %s", resp.Error.Message)
	}
	var result directHandshakeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse handshake result: %w", err)
	}
	return result.Tools, nil
}

func (directDialect) invocation(tool string, args json.RawMessage) (string, any) {
	return tool, args
}

func (directDialect) decodeResult(raw json.RawMessage) (string, string, error) {
	return groundingText(raw), "", nil
}

// groundingText extracts readable text from a result object: a "text"
// field, MCP-style content blocks, or the compact JSON itself.
func groundingText(raw json.RawMessage) string {
	var shaped struct {
		Text    *string      `json:"text"`
		Content []mcpContent `json:"content"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil {
		if shaped.Text != nil {
			return *shaped.Text
		}
		if len(shaped.Content) > 0 {
			return joinContent(shaped.Content)
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}

func joinContent(blocks []mcpContent) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type == "text" || block.Type == "" {
			if t := strings.TrimSpace(block.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
