// ABOUTME: The history subcommand printing recent executions from the journal
// ABOUTME: Newest first, colored by outcome

package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/jobagent/internal/config"
	"github.com/2389/jobagent/internal/journal"
)

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(getConfigPath(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is not configured")
	}

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	j, err := journal.Open(cfg.Journal.Path, setupLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}

	printHistory(cmd.OutOrStdout(), entries)
	return nil
}

func printHistory(out io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no executions recorded")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tJOB\tACTION\tMODE\tSTATUS\tDURATION\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.FinishedAt.Local().Format(time.DateTime),
			e.JobID,
			e.Action,
			e.Mode,
			statusColor(e.Status).Sprint(e.Status),
			e.FinishedAt.Sub(e.StartedAt).Round(time.Millisecond),
			e.Detail,
		)
	}
	w.Flush()
}

func statusColor(status string) *color.Color {
	switch status {
	case "SUCCEEDED":
		return color.New(color.FgGreen)
	case "FAILED":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}
