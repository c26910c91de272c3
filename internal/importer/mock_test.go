package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/backend/backendtest"
	"github.com/njoerd114/journalrelay/internal/model"
	"github.com/njoerd114/journalrelay/internal/schema"
)

var (
	testLogger = slog.Default()
	testNames  = backend.TableNames{}.WithDefaults()
	baseTime   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

// --- fixtures ----------------------------------------------------------------

func newEntry(id string, modified time.Time, files ...string) *model.Entry {
	e := &model.Entry{
		ID:          id,
		EntryAt:     baseTime,
		CreatedAt:   baseTime,
		ModifiedAt:  modified,
		TextContent: "entry " + id,
	}
	for _, f := range files {
		e.MediaAttachments = append(e.MediaAttachments, model.Attachment{
			Kind:             model.KindFromFilename(f),
			OriginalFilename: f,
		})
	}
	return e
}

func numbered(n int) []*model.Entry {
	out := make([]*model.Entry, n)
	for i := range out {
		out[i] = newEntry(fmt.Sprintf("e-%02d", i), baseTime)
	}
	return out
}

// setup ensures the journal schema on a fresh fake and returns a
// Reconciler writing to it.
func setup(t *testing.T, caps backend.Capabilities, opts Options) (*backendtest.Fake, *Reconciler) {
	t.Helper()
	caps.CreateWithColumns = true
	fake := backendtest.New(caps)
	return fake, reconcilerFor(t, fake, opts)
}

func reconcilerFor(t *testing.T, fake *backendtest.Fake, opts Options) *Reconciler {
	t.Helper()
	j, err := schema.NewReconciler(fake, testLogger).EnsureJournalSchema(context.Background(), testNames)
	if err != nil {
		t.Fatalf("ensuring schema: %v", err)
	}
	fake.ResetCalls()
	return NewReconciler(fake, testNames, j, opts, testLogger)
}

func runAll(t *testing.T, r *Reconciler, entries ...*model.Entry) Result {
	t.Helper()
	res, err := r.Run(context.Background(), NewSliceSource(entries...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

// --- sources -----------------------------------------------------------------

// cancellingSource cancels the run after handing out `after` entries.
type cancellingSource struct {
	inner  Source
	after  int
	served int
	cancel context.CancelFunc
}

func (s *cancellingSource) Next() (*model.Entry, error) {
	e, err := s.inner.Next()
	if err == nil {
		s.served++
		if s.served == s.after {
			s.cancel()
		}
	}
	return e, err
}

// scriptedSource returns the given results in order, then io.EOF.
type scriptedSource struct {
	steps []func() (*model.Entry, error)
	pos   int
}

func (s *scriptedSource) Next() (*model.Entry, error) {
	if s.pos >= len(s.steps) {
		return nil, io.EOF
	}
	step := s.steps[s.pos]
	s.pos++
	return step()
}

// --- helpers -----------------------------------------------------------------

func entryIDs(fake *backendtest.Fake) []string {
	var ids []string
	for _, r := range fake.Rows(testNames.Entries) {
		ids = append(ids, backend.AsString(r.Fields[backend.ColJournalID]))
	}
	return ids
}

func attachmentFiles(fake *backendtest.Fake, entryID string) []string {
	var out []string
	for _, r := range fake.Rows(testNames.Attachments) {
		if backend.AsString(r.Fields[backend.ColAttachmentEntry]) == entryID {
			out = append(out, backend.AsString(r.Fields[backend.ColFilename]))
		}
	}
	return out
}

// failNth fails the nth create request (1-based) against table.
func failNth(table string, n int, err error) func(string, []backend.Fields) error {
	calls := 0
	return func(tbl string, _ []backend.Fields) error {
		if tbl != table {
			return nil
		}
		calls++
		if calls == n {
			return err
		}
		return nil
	}
}
