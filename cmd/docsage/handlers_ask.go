package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/docsage/internal/agent"
	"github.com/haasonsaas/docsage/internal/session"
)

// runAsk answers one question in a new or continued conversation.
func runAsk(cmd *cobra.Command, root *rootOptions, opts *askOptions, args []string) error {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return agent.ErrEmptyQuery
	}
	if opts.direct && opts.stream {
		return fmt.Errorf("--direct and --stream cannot be combined")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cmd, root, true)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if opts.direct && !a.cfg.Agent.AllowDirectAsk {
		return agent.ErrDirectAskDisabled
	}

	out := cmd.OutOrStdout()
	return session.Run(ctx, a.client, a.history, a.sessionConfig(opts.conversationID),
		func(ctx context.Context, s *session.Session) error {
			var (
				turn *agent.AnswerTurn
				err  error
			)
			switch {
			case opts.stream && !opts.codeOnly:
				turn, err = streamAnswer(ctx, s, query, out)
			case opts.direct:
				turn, err = s.DirectAsk(ctx, query)
			default:
				turn, err = s.Ask(ctx, query)
			}
			if err != nil {
				return err
			}
			if !opts.stream || opts.codeOnly {
				printAnswer(out, turn, opts.codeOnly)
			}
			if opts.conversationID == "" && isTerminal(os.Stderr) {
				fmt.Fprintf(cmd.ErrOrStderr(), "\nconversation: %s\n", turn.ConversationID)
			}
			return nil
		}, a.sessionOptions()...)
}

// streamAnswer writes fragments to out as they arrive and returns the
// committed turn.
func streamAnswer(ctx context.Context, s *session.Session, query string, out io.Writer) (*agent.AnswerTurn, error) {
	st, err := s.StreamAsk(ctx, query)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	for st.Next() {
		fmt.Fprint(out, st.Text())
	}
	fmt.Fprintln(out)
	if err := st.Err(); err != nil {
		return nil, err
	}
	return st.Turn(), nil
}

func printAnswer(out io.Writer, turn *agent.AnswerTurn, codeOnly bool) {
	if !codeOnly {
		fmt.Fprintln(out, turn.Answer())
		return
	}
	blocks := agent.ExtractCodeBlocks(turn.Answer())
	for i, block := range blocks {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, block.Code)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
