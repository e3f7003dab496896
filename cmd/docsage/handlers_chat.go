package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/docsage/internal/history"
	"github.com/haasonsaas/docsage/internal/session"
	"github.com/haasonsaas/docsage/pkg/models"
)

const chatHelp = `Commands: /history, /new, /clear, /help, /exit`

// chatLoop is one interactive chat: a pool of sessions keyed by
// conversation, of which one is current.
type chatLoop struct {
	app            *app
	pool           *session.Pool
	out            io.Writer
	interactive    bool
	conversationID string
	interrupts     chan os.Signal
}

// runChat reads questions line by line and streams each answer.
func runChat(cmd *cobra.Command, root *rootOptions, conversationID string) error {
	ctx := cmd.Context()
	a, err := newApp(cmd, root, true)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	c := &chatLoop{
		app:            a,
		out:            cmd.OutOrStdout(),
		interactive:    isTerminal(os.Stdin) && isTerminal(os.Stdout),
		conversationID: strings.TrimSpace(conversationID),
		interrupts:     make(chan os.Signal, 1),
	}
	c.pool = session.NewPool(func(ctx context.Context, id string) (*session.Session, error) {
		return session.Start(ctx, a.client, a.history, a.sessionConfig(id), a.sessionOptions()...)
	})
	defer func() {
		if err := c.pool.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("ending chat sessions", "error", err)
		}
	}()

	if c.conversationID == "" {
		c.conversationID = uuid.NewString()
	} else if msgs, err := a.history.Load(ctx, c.conversationID); err == nil && len(msgs) > 0 {
		fmt.Fprintf(c.out, "Resuming conversation %s (%d messages)\n", c.conversationID, len(msgs))
	}

	signal.Notify(c.interrupts, os.Interrupt)
	defer signal.Stop(c.interrupts)

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	if c.interactive {
		fmt.Fprintf(c.out, "DocSage %s. %s\n", version, chatHelp)
	}
	for {
		c.prompt()
		var line string
		select {
		case <-c.interrupts:
			fmt.Fprintln(c.out)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := c.command(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %s\n", describeError(err))
			}
			if quit {
				return nil
			}
			continue
		}
		if err := c.ask(ctx, line); err != nil {
			fmt.Fprintf(c.out, "\nerror: %s\n", describeError(err))
		}
	}
}

func (c *chatLoop) prompt() {
	if c.interactive {
		fmt.Fprint(c.out, "\nyou> ")
	}
}

// ask streams one answer. An interrupt cancels only this turn.
func (c *chatLoop) ask(ctx context.Context, query string) error {
	s, err := c.pool.Get(ctx, c.conversationID)
	if err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.interrupts:
			cancel()
		case <-turnCtx.Done():
		}
	}()

	if c.interactive {
		fmt.Fprint(c.out, "\ndocsage> ")
	}
	_, err = streamAnswer(turnCtx, s, query, c.out)
	if err != nil && turnCtx.Err() != nil && ctx.Err() == nil {
		fmt.Fprintln(c.out, "(cancelled)")
		return nil
	}
	return err
}

// command runs a slash command and reports whether the chat should end.
func (c *chatLoop) command(ctx context.Context, line string) (bool, error) {
	name, _, _ := strings.Cut(line, " ")
	switch strings.ToLower(name) {
	case "/exit", "/quit":
		return true, nil
	case "/help":
		fmt.Fprintln(c.out, chatHelp)
	case "/new":
		if err := c.pool.Release(ctx, c.conversationID); err != nil {
			return false, err
		}
		c.conversationID = uuid.NewString()
		fmt.Fprintln(c.out, "Started a new conversation.")
	case "/clear":
		err := c.app.history.Clear(ctx, c.conversationID)
		if err != nil && !errors.Is(err, history.ErrConversationNotFound) {
			return false, err
		}
		fmt.Fprintln(c.out, "Conversation history cleared.")
	case "/history":
		summaries, err := c.app.history.List(ctx)
		if err != nil {
			return false, err
		}
		c.printHistory(summaries)
	default:
		fmt.Fprintf(c.out, "Unknown command %s. %s\n", name, chatHelp)
	}
	return false, nil
}

func (c *chatLoop) printHistory(summaries []models.ConversationSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(c.out, "No conversations yet.")
		return
	}
	width := 80
	if c.interactive {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
			width = w
		}
	}
	for _, sum := range summaries {
		marker := " "
		if sum.ID == c.conversationID {
			marker = "*"
		}
		line := fmt.Sprintf("%s  %s  %s", shortID(sum.ID), sum.LastActiveAt.Local().Format("Jan 02 15:04"), sum.Title)
		fmt.Fprintf(c.out, "%s %s\n", marker, models.Preview(line, width-5))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
