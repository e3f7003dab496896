package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	envFiles    []string
	logLevel    string
	provider    string
	model       string
	metricsAddr string
}

func buildRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "docsage",
		Short: "DocSage - grounded answers to developer documentation questions",
		Long: `DocSage answers questions about libraries and APIs from live documentation.

Every technical answer is grounded: the model first asks the Context7 tool
server for documentation, then answers only from what it retrieved.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		// Errors are printed once by main.
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML or JSON5 configuration file (or set DOCSAGE_CONFIG)")
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Environment files to load before reading configuration")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.provider, "provider", "", "LLM provider: openai, anthropic, google")
	flags.StringVarP(&opts.model, "model", "m", "", "Model name override")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(
		buildAskCmd(opts),
		buildChatCmd(opts),
		buildHistoryCmd(opts),
		buildToolsCmd(opts),
		buildVersionCmd(),
	)
	return rootCmd
}

// =============================================================================
// Ask Command
// =============================================================================

type askOptions struct {
	conversationID string
	stream         bool
	direct         bool
	codeOnly       bool
}

func buildAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Example: `  # Ask a question in a new conversation
  docsage ask "What does useMemo return?"

  # Stream the answer and continue an earlier conversation
  docsage ask --stream --conversation 3f2a... "And with dependencies?"

  # Print only the code blocks of the answer
  docsage ask --code-only "Show a minimal Express server"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, root, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "Continue this conversation instead of starting a new one")
	cmd.Flags().BoolVarP(&opts.stream, "stream", "s", false, "Print the answer as it is generated")
	cmd.Flags().BoolVar(&opts.direct, "direct", false, "Skip retrieval and ask the model directly (debug only; requires agent.allow_direct_ask)")
	cmd.Flags().BoolVar(&opts.codeOnly, "code-only", false, "Print only fenced code blocks from the answer")
	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

func buildChatCmd(root *rootOptions) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation. Answers stream as they are generated.

Commands inside the chat:
  /history   list stored conversations
  /new       start a new conversation
  /clear     delete the current conversation's history
  /exit      quit

Ctrl-C cancels the answer in progress; at the prompt it quits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, root, conversationID)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Resume this conversation")
	return cmd
}

// =============================================================================
// History Commands
// =============================================================================

func buildHistoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and clear stored conversations",
	}
	cmd.AddCommand(
		buildHistoryListCmd(root),
		buildHistoryShowCmd(root),
		buildHistoryClearCmd(root),
	)
	return cmd
}

func buildHistoryListCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryList(cmd, root, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func buildHistoryShowCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print every message of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(cmd, root, args[0], asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func buildHistoryClearCmd(root *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [conversation-id]",
		Short: "Delete one conversation, or all of them with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryClear(cmd, root, args, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Delete every conversation")
	return cmd
}

// =============================================================================
// Tools Command
// =============================================================================

func buildToolsCmd(root *rootOptions) *cobra.Command {
	var showSchema bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Start the tool server and print the tools it advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, root, showSchema)
		},
	}
	cmd.Flags().BoolVar(&showSchema, "schema", false, "Include each tool's argument schema")
	return cmd
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docsage %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
