package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/journalrelay/internal/importer"
	"github.com/njoerd114/journalrelay/internal/model"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump the imported entries as JSON",
	Long: `Read every entry back from the backend, together with its attachments in
stored order, and write them as a JSON array sorted by entry time.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to file instead of stdout")
}

type exportedAttachment struct {
	Filename string `json:"filename"`
	Kind     string `json:"kind"`
	MimeType string `json:"mime_type,omitempty"`
	Sequence int    `json:"sequence"`
}

type exportedEntry struct {
	ID          string               `json:"id"`
	EntryAt     time.Time            `json:"entry_at"`
	Timezone    string               `json:"timezone,omitempty"`
	ModifiedAt  *time.Time           `json:"modified_at,omitempty"`
	Title       string               `json:"title,omitempty"`
	Text        string               `json:"text,omitempty"`
	RichText    string               `json:"rich_text,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Favorite    bool                 `json:"favorite,omitempty"`
	MoodScore   *float64             `json:"mood_score,omitempty"`
	Latitude    *float64             `json:"lat,omitempty"`
	Longitude   *float64             `json:"lon,omitempty"`
	Place       string               `json:"place,omitempty"`
	SourceApp   string               `json:"source_app,omitempty"`
	Attachments []exportedAttachment `json:"attachments,omitempty"`
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	j, err := a.ensureSchema(ctx)
	if err != nil {
		return err
	}
	recs, err := a.adapter.ListRecords(ctx, j.Entries)
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}
	linker := importer.NewLinker(a.adapter, a.cfg.TableNames(), j, a.logger)

	out := make([]exportedEntry, 0, len(recs))
	for _, rec := range recs {
		e, err := a.adapter.FromBackendRecord(rec)
		if err != nil {
			a.logger.Warn("skipping unreadable record", "record", rec.ID, "error", err)
			continue
		}
		atts, err := linker.ReadBack(ctx, e.ID)
		if err != nil {
			return err
		}
		out = append(out, toExported(e, atts))
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].EntryAt.Before(out[k].EntryAt) })

	var w io.Writer = cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("creating %s: %w", exportOutput, err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	a.logger.Info("export complete", "entries", len(out))
	return nil
}

func toExported(e *model.Entry, atts []importer.LinkedAttachment) exportedEntry {
	x := exportedEntry{
		ID:        e.ID,
		EntryAt:   e.EntryAt,
		Timezone:  e.Timezone,
		Title:     e.Title,
		Text:      e.TextContent,
		RichText:  e.RichTextContent,
		Tags:      e.Tags,
		Favorite:  e.IsFavorite,
		MoodScore: e.MoodScore,
		Latitude:  e.Location.Lat,
		Longitude: e.Location.Lon,
		Place:     e.Location.Name,
		SourceApp: e.SourceApp,
	}
	if !e.ModifiedAt.IsZero() {
		m := e.ModifiedAt
		x.ModifiedAt = &m
	}
	for _, at := range atts {
		x.Attachments = append(x.Attachments, exportedAttachment{
			Filename: at.Filename,
			Kind:     string(at.Kind),
			MimeType: at.MimeType,
			Sequence: at.Sequence,
		})
	}
	return x
}
