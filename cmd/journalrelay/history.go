package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/njoerd114/journalrelay/internal/config"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recent import runs",
	Long: `Without arguments, list the most recent import runs. With a run id, show
that run's counts and every entry that failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	st, err := (&app{cfg: cfg}).openHistory()
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("no run with id %q", args[0])
		}
		fmt.Fprintf(out, "run:      %s\n", run.ID)
		fmt.Fprintf(out, "archive:  %s\n", run.Archive)
		fmt.Fprintf(out, "backend:  %s\n", run.Backend)
		fmt.Fprintf(out, "started:  %s (%s)\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.FinishedAt.Sub(run.StartedAt).Round(1e6))
		fmt.Fprintf(out, "created: %d  updated: %d  skipped: %d  failed: %d\n", run.Created, run.Updated, run.Skipped, run.Failed)
		if run.Cancelled {
			fmt.Fprintf(out, "interrupted before entry %q\n", run.CutoffID)
		}
		for _, f := range run.Failures {
			fmt.Fprintf(out, "  ✗ %s [%s] %s\n", f.EntryID, f.Kind, f.Message)
		}
		return nil
	}

	runs, err := st.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tBACKEND\tCREATED\tUPDATED\tSKIPPED\tFAILED\tNOTE")
	for _, r := range runs {
		note := ""
		switch {
		case r.DryRun:
			note = "dry run"
		case r.Cancelled:
			note = "interrupted at " + r.CutoffID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.Backend,
			r.Created, r.Updated, r.Skipped, r.Failed, note)
	}
	return tw.Flush()
}
