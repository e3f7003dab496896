package toolserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifest is the validated view of the tools a process advertised.
type manifest struct {
	specs   []ToolSpec
	schemas map[string]*jsonschema.Schema
	known   map[string]bool
}

func newManifest(specs []ToolSpec, logger *slog.Logger) *manifest {
	m := &manifest{
		specs:   specs,
		schemas: make(map[string]*jsonschema.Schema, len(specs)),
		known:   make(map[string]bool, len(specs)),
	}
	for _, spec := range specs {
		m.known[spec.Name] = true
		if len(bytes.TrimSpace(spec.Schema)) == 0 {
			continue
		}
		schema, err := jsonschema.CompileString("mem://tools/"+spec.Name+".json", string(spec.Schema))
		if err != nil {
			logger.Warn("tool schema does not compile, arguments will not be validated",
				"tool", spec.Name, "error", err)
			continue
		}
		m.schemas[spec.Name] = schema
	}
	return m
}

// check returns normalized arguments or a ProtocolError.
func (m *manifest) check(tool string, args json.RawMessage) (json.RawMessage, error) {
	if !m.known[tool] {
		return nil, &ProtocolError{Tool: tool, Reason: "tool is not in the advertised manifest", Cause: ErrUnknownTool}
	}
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage("{}")
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, &ProtocolError{Tool: tool, Reason: "arguments are not valid JSON", Cause: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}
	}
	if _, ok := decoded.(map[string]any); !ok {
		return nil, &ProtocolError{Tool: tool, Reason: "arguments must be a JSON object", Cause: ErrInvalidArguments}
	}
	if schema, ok := m.schemas[tool]; ok {
		if err := schema.Validate(decoded); err != nil {
			return nil, &ProtocolError{Tool: tool, Reason: "arguments rejected by tool schema", Cause: fmt.Errorf("%w: %v", ErrInvalidArguments, err)}
		}
	}
	return args, nil
}

func (m *manifest) list() []ToolSpec {
	out := make([]ToolSpec, len(m.specs))
	copy(out, m.specs)
	return out
}
