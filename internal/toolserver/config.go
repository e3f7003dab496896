package toolserver

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Dialect names the framing used on the process pipes.
type Dialect string

const (
	// DialectMCP speaks the Model Context Protocol: initialize, tools/list, tools/call.
	DialectMCP Dialect = "mcp"
	// DialectDirect uses a "handshake" method and calls each tool by name.
	DialectDirect Dialect = "direct"
)

// Config describes how to launch and talk to the tool server process.
type Config struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"workdir"`
	Dialect Dialect           `yaml:"dialect"`

	// HandshakeTimeout bounds process start plus capability handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// StopGracePeriod is how long Stop waits after the terminate signal before killing.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
	// CallTimeout is used when Invoke is called without a timeout.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultConfig launches the Context7 MCP server through npx.
func DefaultConfig() Config {
	cfg := Config{
		Command: "npx",
		Args:    []string{"-y", "@upstash/context7-mcp@latest"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset durations and the dialect.
func (c *Config) ApplyDefaults() {
	if c.Dialect == "" {
		c.Dialect = DialectMCP
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 60 * time.Second
	}
	if c.StopGracePeriod == 0 {
		c.StopGracePeriod = 3 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 60 * time.Second
	}
}

// CommandLine renders the command for logs and errors.
func (c Config) CommandLine() string {
	return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
}

// Validate checks the command for missing values and injection patterns.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	} else if err := validatePath(c.Command, "command"); err != nil {
		errs = append(errs, err)
	}
	if c.WorkDir != "" {
		if err := validatePath(c.WorkDir, "workdir"); err != nil {
			errs = append(errs, err)
		}
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			errs = append(errs, fmt.Errorf("arg[%d] contains suspicious shell metacharacters: %q", i, arg))
		}
	}
	switch c.Dialect {
	case "", DialectMCP, DialectDirect:
	default:
		errs = append(errs, fmt.Errorf("unknown dialect %q (want %q or %q)", c.Dialect, DialectMCP, DialectDirect))
	}
	if c.HandshakeTimeout < 0 || c.StopGracePeriod < 0 || c.CallTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

func validatePath(path, fieldName string) error {
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

// containsShellMetachars flags patterns that suggest command chaining. The
// process is never run through a shell, so this only catches config mistakes
// and pasted shell snippets.
func containsShellMetachars(s string) bool {
	for _, pattern := range []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
