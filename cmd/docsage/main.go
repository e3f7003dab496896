// Package main provides the docsage CLI, an assistant that answers
// developer documentation questions from a Context7 tool server.
//
// # Basic Usage
//
// Ask one question:
//
//	docsage ask "How do I use useEffect with cleanup?"
//
// Start an interactive conversation:
//
//	docsage chat
//
// Inspect stored conversations:
//
//	docsage history list
//	docsage history show <conversation-id>
//
// # Environment Variables
//
//   - DOCSAGE_CONFIG: Path to the configuration file
//   - DOCSAGE_LLM_PROVIDER: openai, anthropic, or google
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY: provider keys
//   - DOCSAGE_MODEL: Model override
//   - DOCSAGE_HISTORY_PATH: History file location
//   - DOCSAGE_LOG_LEVEL: debug, info, warn, or error
package main

import (
	"context"
	"fmt"
	"os"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "docsage: %s\n", describeError(err))
		os.Exit(exitCode(err))
	}
}
