package importer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/model"
)

// ---------------------------------------------------------------------------
// Create, skip, update
// ---------------------------------------------------------------------------

func TestRun_CreatesNewEntries(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})

	res := runAll(t, r, numbered(3)...)

	assert.Equal(t, 3, res.Created)
	assert.Zero(t, res.Failed)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []string{"e-00", "e-01", "e-02"}, entryIDs(fake))
	assert.Equal(t, 1, fake.Calls("CreateRecords"), "one batch")
	for _, o := range res.Outcomes {
		assert.Equal(t, StateCreated, o.Action)
		assert.Equal(t, StateDone, o.Final)
		assert.NotEmpty(t, o.RemoteID)
	}
}

func TestRun_Idempotent(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	entries := numbered(4)
	entries[1].MediaAttachments = []model.Attachment{{Kind: model.KindPhoto, OriginalFilename: "p.jpg"}}

	first := runAll(t, r, entries...)
	require.Equal(t, 4, first.Created)
	fake.ResetCalls()

	second := runAll(t, r, entries...)
	assert.Equal(t, 4, second.Skipped)
	assert.Zero(t, second.Created+second.Updated+second.Failed)
	assert.Zero(t, fake.Writes())
}

func TestRun_NewerWins(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		want    State
		updates int
	}{
		{"newer updates", time.Second, StateUpdated, 1},
		{"tie skips", 0, StateSkipped, 0},
		{"older skips", -time.Second, StateSkipped, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, r := setup(t, backend.Capabilities{}, Options{})
			runAll(t, r, newEntry("a", baseTime))
			fake.ResetCalls()

			incoming := newEntry("a", baseTime.Add(tt.offset))
			incoming.TextContent = "changed"
			res := runAll(t, r, incoming)

			require.Len(t, res.Outcomes, 1)
			assert.Equal(t, tt.want, res.Outcomes[0].Action)
			assert.Equal(t, tt.updates, fake.Calls("UpdateRecord"))
			assert.Equal(t, tt.updates, fake.Writes(), "no other writes")

			row := fake.Rows(testNames.Entries)[0]
			if tt.updates == 1 {
				assert.Equal(t, "changed", row.Fields[backend.ColTextContent])
			} else {
				assert.Equal(t, "entry a", row.Fields[backend.ColTextContent])
			}
		})
	}
}

func TestRun_MissingModifiedAtSkips(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	runAll(t, r, newEntry("a", baseTime))
	fake.ResetCalls()

	res := runAll(t, r, newEntry("a", time.Time{}))
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, fake.Writes())
}

// The 12-entry scenario: one id appears twice, the second copy one second
// newer. The duplicate is flushed before it resolves, so it updates the
// record its first copy created.
func TestRun_DuplicateInArchive(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	entries := numbered(11)
	dup := newEntry("e-03", baseTime.Add(time.Second))
	dup.Title = "second copy"
	archive := append(append(append([]*model.Entry{}, entries[:7]...), dup), entries[7:]...)
	require.Len(t, archive, 12)

	res := runAll(t, r, archive...)

	assert.Equal(t, 11, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Skipped+res.Failed)

	ids := entryIDs(fake)
	assert.Len(t, ids, 11)
	distinct := map[string]bool{}
	for _, id := range ids {
		distinct[id] = true
	}
	assert.Len(t, distinct, 11)

	for _, row := range fake.Rows(testNames.Entries) {
		if row.Fields[backend.ColJournalID] == "e-03" {
			assert.Equal(t, "second copy", row.Fields[backend.ColTitle])
		}
	}

	// Re-running the same archive changes nothing.
	fake.ResetCalls()
	again := runAll(t, r, archive...)
	assert.Equal(t, 12, again.Skipped)
	assert.Zero(t, fake.Writes())
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestRun_PartialBatchFailure(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{MaxBatchSize: 2}, Options{})
	fake.CreateHook = failNth(testNames.Entries, 2, &backend.ValidationError{Op: "create records", Status: 422, Payload: "row rejected"})

	res := runAll(t, r, numbered(5)...)

	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, []string{"e-00", "e-01", "e-04"}, entryIDs(fake))

	require.Len(t, res.Failures, 2)
	for i, f := range res.Failures {
		assert.Equal(t, []string{"e-02", "e-03"}[i], f.EntryID)
		assert.Equal(t, backend.KindValidation, f.Kind)
		assert.Equal(t, "row rejected", f.Message)
	}
}

func TestRun_UpdateRejected(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	runAll(t, r, newEntry("a", baseTime), newEntry("b", baseTime))
	fake.UpdateHook = func(_, _ string, _ backend.Fields) error {
		return &backend.ValidationError{Op: "update record", Status: 400, Payload: `{"msg":"bad"}`}
	}

	res := runAll(t, r, newEntry("a", baseTime.Add(time.Hour)), newEntry("b", baseTime))

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped, "the run continues")
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "a", res.Failures[0].EntryID)
	assert.Equal(t, backend.KindValidation, res.Failures[0].Kind)
	assert.Equal(t, `{"msg":"bad"}`, res.Failures[0].Message)
	assert.Equal(t, StateResolvedExisting, res.Outcomes[0].Action)
}

func TestRun_InvalidEntryFailsWithoutBackendCalls(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	bad := newEntry("x", baseTime)
	bad.EntryAt = time.Time{}

	res := runAll(t, r, bad)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, fake.Calls("FindByField"))
}

func TestRun_ReadErrorFailsOnlyThatEntry(t *testing.T) {
	_, r := setup(t, backend.Capabilities{}, Options{})
	src := &scriptedSource{steps: []func() (*model.Entry, error){
		func() (*model.Entry, error) { return nil, &model.ReadError{ID: "broken", Err: errors.New("bad json")} },
		func() (*model.Entry, error) { return newEntry("ok", baseTime), nil },
	}}

	res, err := r.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "broken", res.Failures[0].EntryID)
}

func TestRun_SourceErrorStopsAfterFlushing(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	src := &scriptedSource{steps: []func() (*model.Entry, error){
		func() (*model.Entry, error) { return newEntry("a", baseTime), nil },
		func() (*model.Entry, error) { return nil, errors.New("zip: not a valid zip file") },
	}}

	res, err := r.Run(context.Background(), src)
	require.Error(t, err)
	assert.Equal(t, 1, res.Created, "buffered entries are not lost")
	assert.Equal(t, []string{"a"}, entryIDs(fake))
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestRun_CancelBetweenEntries(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancellingSource{inner: NewSliceSource(numbered(6)...), after: 3, cancel: cancel}

	res, err := r.Run(ctx, src)
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, "e-03", res.CutoffID)
	assert.Equal(t, 3, res.Created, "entries already started are finished")
	assert.Equal(t, []string{"e-00", "e-01", "e-02"}, entryIDs(fake))
}

func TestRun_CancelAfterLastEntry(t *testing.T) {
	_, r := setup(t, backend.Capabilities{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancellingSource{inner: NewSliceSource(numbered(2)...), after: 2, cancel: cancel}

	res, err := r.Run(ctx, src)
	require.NoError(t, err)
	assert.False(t, res.Cancelled, "nothing was cut off")
	assert.Empty(t, res.CutoffID)
	assert.Equal(t, 2, res.Created)
}

// ---------------------------------------------------------------------------
// Dry run
// ---------------------------------------------------------------------------

func TestRun_DryRunWritesNothing(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	runAll(t, r, newEntry("a", baseTime))

	dry := reconcilerFor(t, fake, Options{DryRun: true})
	res := runAll(t, dry,
		newEntry("a", baseTime.Add(time.Second)),
		newEntry("b", baseTime, "p.jpg"),
		newEntry("b", baseTime.Add(time.Second)),
		newEntry("c", baseTime),
		newEntry("c", baseTime),
	)

	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, fake.Writes())
	assert.Equal(t, []string{"a"}, entryIDs(fake))
}

// ---------------------------------------------------------------------------
// Attachments
// ---------------------------------------------------------------------------

func TestRun_AttachmentOrderSurvivesBackendOrdering(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	fake.NewestFirst = true

	res := runAll(t, r, newEntry("a", baseTime, "c.jpg", "a.mp4", "b.m4a"))
	require.Equal(t, 1, res.Created)

	got, err := r.Linker().ReadBack(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, want := range []string{"c.jpg", "a.mp4", "b.m4a"} {
		assert.Equal(t, i, got[i].Sequence)
		assert.Equal(t, want, got[i].Filename)
		assert.Equal(t, model.AttachmentKey("a", want), got[i].Key)
	}
	assert.Equal(t, model.KindVideo, got[1].Kind)
}

func TestRun_LinkFailureKeepsPrefix(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	fake.CreateHook = failNth(testNames.Attachments, 2, &backend.ValidationError{Op: "create records", Status: 422, Payload: "bad attachment"})

	res := runAll(t, r, newEntry("a", baseTime, "1.jpg", "2.jpg", "3.jpg"), newEntry("b", baseTime))

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Created, "the next entry is still imported")
	require.Len(t, res.Failures, 1)
	f := res.Failures[0]
	assert.Equal(t, "a", f.EntryID)
	assert.Equal(t, backend.KindValidation, f.Kind)
	assert.Equal(t, "bad attachment", f.Message)

	var le *LinkError
	require.ErrorAs(t, f.Err, &le)
	assert.Equal(t, 1, le.Linked)
	assert.Equal(t, 3, le.Total)
	assert.Equal(t, StateCreated, res.Outcomes[0].Action)
	assert.NotEmpty(t, res.Outcomes[0].RemoteID, "the entry record exists")

	assert.Equal(t, []string{"a", "b"}, entryIDs(fake))
	assert.Equal(t, []string{"1.jpg"}, attachmentFiles(fake, "a"))
}

func TestRun_RepairAttachments(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	fake.CreateHook = failNth(testNames.Attachments, 2, &backend.TransportError{Op: "create records", Status: 503})
	entry := newEntry("a", baseTime, "1.jpg", "2.jpg", "3.jpg")
	runAll(t, r, entry)
	fake.CreateHook = nil
	require.Equal(t, []string{"1.jpg"}, attachmentFiles(fake, "a"))

	// A plain rerun skips the entry without touching its attachments.
	fake.ResetCalls()
	res := runAll(t, r, entry)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, fake.Writes())

	repair := reconcilerFor(t, fake, Options{RepairAttachments: true})
	res = runAll(t, repair, entry)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"1.jpg", "2.jpg", "3.jpg"}, attachmentFiles(fake, "a"))
	assert.Equal(t, 2, fake.Calls("CreateRecords"), "only the missing attachments")
	assert.Zero(t, fake.Calls("UpdateRecord"))
}

func TestRun_UpdateLinksOnlyNewAttachments(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	runAll(t, r, newEntry("a", baseTime, "x.jpg", "y.jpg"))
	fake.ResetCalls()

	res := runAll(t, r, newEntry("a", baseTime.Add(time.Minute), "x.jpg", "y.jpg", "z.jpg"))

	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{"x.jpg", "y.jpg", "z.jpg"}, attachmentFiles(fake, "a"))
	assert.Equal(t, 1, fake.Calls("CreateRecords"))
}

func TestRun_UpdateInsertsAttachmentInMiddle(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	runAll(t, r, newEntry("a", baseTime, "x.jpg", "y.jpg"))
	fake.ResetCalls()

	res := runAll(t, r, newEntry("a", baseTime.Add(time.Minute), "x.jpg", "n.jpg", "y.jpg"))
	require.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, fake.Calls("CreateRecords"), "only n.jpg is new")

	got, err := r.Linker().ReadBack(context.Background(), "a")
	require.NoError(t, err)
	var files []string
	for i, a := range got {
		assert.Equal(t, i, a.Sequence)
		files = append(files, a.Filename)
	}
	assert.Equal(t, []string{"x.jpg", "n.jpg", "y.jpg"}, files)

	// Positions already match, so a repair pass has nothing to do.
	fake.ResetCalls()
	repair := reconcilerFor(t, fake, Options{RepairAttachments: true})
	res = runAll(t, repair, newEntry("a", baseTime.Add(time.Minute), "x.jpg", "n.jpg", "y.jpg"))
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, fake.Writes())
}

func TestRun_ReverseLinksRestoredAfterFailedWriteBack(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{ReverseLinks: true}, Options{})
	fake.UpdateHook = func(table, _ string, fields backend.Fields) error {
		if _, ok := fields[backend.ColEntryAttachments]; ok && table == testNames.Entries {
			return &backend.ValidationError{Op: "update record", Status: 400, Payload: "rejected"}
		}
		return nil
	}
	entry := newEntry("a", baseTime, "1.jpg", "2.jpg")
	res := runAll(t, r, entry)
	require.Equal(t, 1, res.Failed)
	fake.UpdateHook = nil

	reverse := func() any { return fake.Rows(testNames.Entries)[0].Fields[backend.ColEntryAttachments] }
	var attIDs []string
	for _, row := range fake.Rows(testNames.Attachments) {
		attIDs = append(attIDs, row.ID)
	}
	require.Len(t, attIDs, 2)
	require.Nil(t, reverse())

	repair := reconcilerFor(t, fake, Options{RepairAttachments: true})
	res = runAll(t, repair, entry)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, attIDs, reverse())
	assert.Zero(t, fake.Calls("CreateRecords"))

	// Once the list matches, repairing again writes nothing.
	fake.ResetCalls()
	res = runAll(t, repair, entry)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, fake.Writes())
}

func TestRun_ReverseLinksRestoredOnUpdate(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{ReverseLinks: true}, Options{})
	fake.UpdateHook = func(table, _ string, fields backend.Fields) error {
		if _, ok := fields[backend.ColEntryAttachments]; ok && table == testNames.Entries {
			return &backend.ValidationError{Op: "update record", Status: 400, Payload: "rejected"}
		}
		return nil
	}
	runAll(t, r, newEntry("a", baseTime, "1.jpg"))
	fake.UpdateHook = nil

	res := runAll(t, r, newEntry("a", baseTime.Add(time.Minute), "1.jpg"))
	assert.Equal(t, 1, res.Updated)
	att := fake.Rows(testNames.Attachments)
	require.Len(t, att, 1)
	assert.Equal(t, []string{att[0].ID}, fake.Rows(testNames.Entries)[0].Fields[backend.ColEntryAttachments])
}

func TestRun_ReverseLinksWrittenInOrder(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{ReverseLinks: true}, Options{})

	runAll(t, r, newEntry("a", baseTime, "1.jpg", "2.jpg", "3.jpg"))

	var attIDs []string
	for _, row := range fake.Rows(testNames.Attachments) {
		attIDs = append(attIDs, row.ID)
	}
	require.Len(t, attIDs, 3)
	entry := fake.Rows(testNames.Entries)[0]
	assert.Equal(t, attIDs, entry.Fields[backend.ColEntryAttachments])

	for i, row := range fake.Rows(testNames.Attachments) {
		assert.Equal(t, entry.ID, row.Fields[backend.ColJournalEntry])
		assert.Equal(t, i, row.Fields[backend.ColSequence])
	}
}

func TestRun_AttachmentMetadataFromFile(t *testing.T) {
	fake, r := setup(t, backend.Capabilities{}, Options{})
	path := filepath.Join(t.TempDir(), "pic.png")
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	require.NoError(t, os.WriteFile(path, png, 0o600))

	e := newEntry("a", baseTime)
	e.MediaAttachments = []model.Attachment{{LocalPath: path, Kind: model.KindPhoto, OriginalFilename: "pic.png"}}
	runAll(t, r, e)

	rows := fake.Rows(testNames.Attachments)
	require.Len(t, rows, 1)
	assert.Equal(t, "image/png", rows[0].Fields[backend.ColMimeType])
	assert.EqualValues(t, len(png), rows[0].Fields[backend.ColSize])
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

func TestEngine_Run(t *testing.T) {
	_, r := setup(t, backend.Capabilities{}, Options{})
	eng := NewEngine(r, testLogger)

	res, err := eng.Run(context.Background(), NewSliceSource(numbered(2)...))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)

	res, err = eng.Run(context.Background(), NewSliceSource(numbered(2)...))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
}

// ---------------------------------------------------------------------------
// Resume
// ---------------------------------------------------------------------------

func TestResumeFrom(t *testing.T) {
	src := &scriptedSource{steps: []func() (*model.Entry, error){
		func() (*model.Entry, error) { return newEntry("e-00", baseTime), nil },
		func() (*model.Entry, error) { return nil, &model.ReadError{ID: "bad", Err: io.ErrUnexpectedEOF} },
		func() (*model.Entry, error) { return newEntry("e-02", baseTime), nil },
		func() (*model.Entry, error) { return nil, &model.ReadError{ID: "bad-after", Err: io.ErrUnexpectedEOF} },
		func() (*model.Entry, error) { return newEntry("e-04", baseTime), nil },
	}}
	_, r := setup(t, backend.Capabilities{}, Options{})

	res, err := r.Run(context.Background(), ResumeFrom(src, "e-02"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "bad-after", res.Failures[0].EntryID)
}

func TestResumeFrom_UnknownID(t *testing.T) {
	src := ResumeFrom(NewSliceSource(numbered(3)...), "nope")
	_, err := src.Next()
	assert.ErrorIs(t, err, io.EOF)
}
