package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/docsage/internal/toolserver"
)

// runTools starts the configured tool server, prints its manifest, and
// stops it again.
func runTools(cmd *cobra.Command, root *rootOptions, showSchema bool) error {
	ctx := cmd.Context()
	a, err := newApp(cmd, root, false)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	sup, err := toolserver.New(a.cfg.ToolServer,
		toolserver.WithLogger(a.logger),
		toolserver.WithMetrics(a.metrics),
		toolserver.WithTracer(a.tracer),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := sup.Stop(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("stopping tool server", "error", err)
		}
	}()
	if err := sup.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	info := sup.Process()
	fmt.Fprintf(out, "Tool server: %s (pid %d)\n\n", a.cfg.ToolServer.Command, info.PID)

	specs := sup.Manifest()
	if len(specs) == 0 {
		fmt.Fprintln(out, "No tools advertised.")
		return nil
	}
	if showSchema {
		for _, spec := range specs {
			fmt.Fprintf(out, "%s\n  %s\n", spec.Name, spec.Description)
			if len(spec.Schema) > 0 {
				var buf bytes.Buffer
				if err := json.Indent(&buf, spec.Schema, "  ", "  "); err == nil {
					fmt.Fprintf(out, "  %s\n", buf.String())
				}
			}
			fmt.Fprintln(out)
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tDESCRIPTION")
	for _, spec := range specs {
		fmt.Fprintf(w, "%s\t%s\n", spec.Name, spec.Description)
	}
	return w.Flush()
}
