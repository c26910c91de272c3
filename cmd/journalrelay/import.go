package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/journalrelay/internal/archive"
	"github.com/njoerd114/journalrelay/internal/importer"
	"github.com/njoerd114/journalrelay/internal/state"
)

var errImportFailures = errors.New("some entries failed to import")

var (
	importDryRun     bool
	importRepair     bool
	importExtractDir string
	importKeepFiles  bool
	importResume     bool
)

var importCmd = &cobra.Command{
	Use:   "import <export.zip>...",
	Short: "Import Journey ZIP exports",
	Long: `Import one or more Journey ZIP exports into the configured backend.

The journal tables are created or extended first. Each entry is then looked
up by its journal id: unknown entries are created in batches, entries whose
modification time is newer than the stored one are updated, and the rest are
skipped. Attachments are linked in the order they appear in the export.

Interrupting the import (Ctrl-C) finishes the entry in progress, flushes
pending creates and reports where it stopped. Every run is recorded in the
local history; --resume continues an interrupted archive from the entry
where it stopped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "report what would change without writing")
	importCmd.Flags().BoolVar(&importRepair, "repair-attachments", false, "also link missing attachments of unchanged entries")
	importCmd.Flags().StringVar(&importExtractDir, "extract-dir", "", "directory for extracted attachments (default: a temporary directory)")
	importCmd.Flags().BoolVar(&importKeepFiles, "keep-files", false, "keep the temporary extraction directory")
	importCmd.Flags().BoolVar(&importResume, "resume", false, "continue interrupted archives where the last run stopped")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	extractDir := importExtractDir
	if extractDir == "" {
		extractDir, err = os.MkdirTemp("", "journalrelay-*")
		if err != nil {
			return fmt.Errorf("creating extraction directory: %w", err)
		}
		if !importKeepFiles {
			defer os.RemoveAll(extractDir)
		}
	}

	history, err := a.openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	j, err := a.ensureSchema(ctx)
	if err != nil {
		return err
	}
	for _, w := range j.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}

	reconciler := importer.NewReconciler(a.adapter, a.cfg.TableNames(), j, importer.Options{
		BatchSize:         a.cfg.BatchSize,
		DryRun:            importDryRun,
		RepairAttachments: importRepair,
	}, a.logger)
	engine := importer.NewEngine(reconciler, a.logger)

	failed := 0
	for i, path := range args {
		key, err := filepath.Abs(path)
		if err != nil {
			key = path
		}
		r, err := archive.Open(path, filepath.Join(extractDir, fmt.Sprintf("%03d", i)), a.logger)
		if err != nil {
			return err
		}
		a.logger.Info("importing archive", "path", path, "entries", r.Len())

		var src importer.Source = r
		if importResume {
			from, err := history.ResumePoint(ctx, key, a.adapter.Name())
			if err != nil {
				_ = r.Close()
				return err
			}
			if from != "" {
				a.logger.Info("resuming interrupted import", "path", path, "from", from)
				src = importer.ResumeFrom(r, from)
			}
		}

		started := time.Now()
		res, err := engine.Run(ctx, src)
		_ = r.Close()
		printResult(cmd.OutOrStdout(), path, res)
		if res.RunID != "" {
			if herr := history.RecordRun(context.WithoutCancel(ctx), toRun(res, key, a.adapter.Name(), started)); herr != nil {
				a.logger.Error("recording run history", "run_id", res.RunID, "error", herr)
			}
		}
		if err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}
		failed += res.Failed
		if res.Cancelled {
			return fmt.Errorf("import of %s interrupted before entry %q: %w", path, res.CutoffID, ctx.Err())
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d", errImportFailures, failed)
	}
	return nil
}

func printResult(w io.Writer, path string, res importer.Result) {
	mode := ""
	if res.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "%s%s: %d entries\n", path, mode, res.Total())
	fmt.Fprintf(w, "  created: %d  updated: %d  skipped: %d  failed: %d\n",
		res.Created, res.Updated, res.Skipped, res.Failed)
	for _, f := range res.Failures {
		hint := ""
		if importer.IsLinkError(f.Err) {
			hint = " (entry stored, attachments incomplete: rerun with --repair-attachments)"
		}
		fmt.Fprintf(w, "  ✗ %s [%s] %s%s\n", f.EntryID, f.Kind, f.Message, hint)
	}
	if res.Cancelled {
		fmt.Fprintf(w, "  interrupted; resume from entry %q\n", res.CutoffID)
	}
}

func toRun(res importer.Result, archivePath, backendName string, started time.Time) *state.Run {
	r := &state.Run{
		ID:         res.RunID,
		Archive:    archivePath,
		Backend:    backendName,
		StartedAt:  started,
		FinishedAt: time.Now(),
		DryRun:     res.DryRun,
		Created:    res.Created,
		Updated:    res.Updated,
		Skipped:    res.Skipped,
		Failed:     res.Failed,
		Cancelled:  res.Cancelled,
		CutoffID:   res.CutoffID,
	}
	for _, f := range res.Failures {
		r.Failures = append(r.Failures, state.Failure{EntryID: f.EntryID, Kind: string(f.Kind), Message: f.Message})
	}
	return r
}
