package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/docsage/pkg/models"
)

// runHistoryList prints one row per conversation, most recent first.
func runHistoryList(cmd *cobra.Command, root *rootOptions, asJSON bool) error {
	ctx := cmd.Context()
	a, err := newApp(cmd, root, false)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	summaries, err := a.history.List(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tLAST ACTIVE\tLAST MESSAGE")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.ID,
			models.Preview(s.Title, 30),
			s.MessageCount,
			s.LastActiveAt.Local().Format(time.DateTime),
			s.LastMessage,
		)
	}
	return w.Flush()
}

// runHistoryShow prints every message of one conversation.
func runHistoryShow(cmd *cobra.Command, root *rootOptions, id string, asJSON bool) error {
	ctx := cmd.Context()
	a, err := newApp(cmd, root, false)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	conv, err := a.history.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get conversation %s: %w", id, err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(conv)
	}

	fmt.Fprintf(out, "Conversation: %s\n", conv.ID)
	if conv.Title != "" {
		fmt.Fprintf(out, "Title:        %s\n", conv.Title)
	}
	fmt.Fprintf(out, "Created:      %s\n", conv.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "Turns:        %d\n", conv.TurnCount())
	for _, msg := range conv.Messages {
		fmt.Fprintf(out, "\n[%s] %s\n%s\n", msg.Role, msg.CreatedAt.Local().Format(time.DateTime), msg.Content)
	}
	return nil
}

// runHistoryClear deletes one conversation or, with --all, every one.
func runHistoryClear(cmd *cobra.Command, root *rootOptions, args []string, all bool) error {
	switch {
	case all && len(args) > 0:
		return errors.New("pass a conversation id or --all, not both")
	case !all && len(args) == 0:
		return errors.New("a conversation id or --all is required")
	}

	ctx := cmd.Context()
	a, err := newApp(cmd, root, false)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	out := cmd.OutOrStdout()
	if all {
		if err := a.history.ClearAll(ctx); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		fmt.Fprintln(out, "Deleted all conversations.")
		return nil
	}
	if err := a.history.Clear(ctx, args[0]); err != nil {
		return fmt.Errorf("delete conversation %s: %w", args[0], err)
	}
	fmt.Fprintf(out, "Deleted conversation %s.\n", args[0])
	return nil
}
