package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/model"
	"github.com/njoerd114/journalrelay/internal/schema"
)

// Options tune a run.
type Options struct {
	// BatchSize caps the number of entries created per request. Zero uses
	// the backend's maximum.
	BatchSize int

	// DryRun resolves every entry and reports what would happen without
	// writing anything.
	DryRun bool

	// RepairAttachments links missing attachments of skipped entries. It
	// is the only write a skipped entry can cause.
	RepairAttachments bool
}

// pending is an entry waiting in the create buffer.
type pending struct {
	entry  *model.Entry
	fields backend.Fields
}

// Reconciler runs the per-entry state machine. Entries are processed one
// at a time in source order; entries to create are buffered and created in
// batches, each followed by linking the attachments of its entries.
type Reconciler struct {
	adapter backend.Adapter
	entries backend.TableHandle
	linker  *Linker
	opts    Options
	log     *slog.Logger
}

// NewReconciler creates a Reconciler writing to the tables in j, which must
// have been ensured by a [schema.Reconciler] on the same adapter.
func NewReconciler(a backend.Adapter, names backend.TableNames, j *schema.Journal, opts Options, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	opts.BatchSize = backend.BatchSize(a.Capabilities().MaxBatchSize, opts.BatchSize)
	return &Reconciler{
		adapter: a,
		entries: j.Entries,
		linker:  NewLinker(a, names, j, logger),
		opts:    opts,
		log:     logger,
	}
}

// Linker returns the attachment linker the reconciler uses.
func (r *Reconciler) Linker() *Linker { return r.linker }

// run holds the mutable state of one Run.
type run struct {
	*Reconciler
	res    Result
	log    *slog.Logger
	buffer []pending
	queued map[string]bool

	// seen tracks entries a dry run would have created, keyed by id, so
	// that a later duplicate resolves against them.
	seen map[string]time.Time
}

// Run drains src. Failures are recorded per entry and never abort the run;
// the returned error is non-nil only when the source itself fails.
//
// Cancellation is checked between entries. Work on an entry that has
// started, including entries already in the create buffer, runs to
// completion; the result then names the first entry not processed.
func (r *Reconciler) Run(ctx context.Context, src Source) (Result, error) {
	runID := uuid.NewString()
	st := &run{
		Reconciler: r,
		res:        Result{RunID: runID, DryRun: r.opts.DryRun},
		log:        r.log.With("run_id", runID),
		queued:     make(map[string]bool),
		seen:       make(map[string]time.Time),
	}
	work := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			st.flush(work)
			st.cutoff(src)
			break
		}

		e, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var re *model.ReadError
		if errors.As(err, &re) {
			st.fail(re.ID, StatePending, "", err)
			continue
		}
		if err != nil {
			st.flush(work)
			return st.res, fmt.Errorf("reading source: %w", err)
		}

		st.process(work, e)
	}
	st.flush(work)

	st.log.Info("import complete",
		"created", st.res.Created,
		"updated", st.res.Updated,
		"skipped", st.res.Skipped,
		"failed", st.res.Failed,
		"dry_run", st.res.DryRun,
		"cancelled", st.res.Cancelled,
	)
	return st.res, nil
}

func (st *run) cutoff(src Source) {
	e, err := src.Next()
	switch {
	case err == nil:
		st.res.Cancelled, st.res.CutoffID = true, e.ID
	case errors.Is(err, io.EOF):
		return
	default:
		var re *model.ReadError
		st.res.Cancelled = true
		if errors.As(err, &re) {
			st.res.CutoffID = re.ID
		}
	}
	st.log.Warn("import cancelled", "cutoff_id", st.res.CutoffID)
}

// process takes e from PENDING to a terminal state, or into the create
// buffer.
func (st *run) process(ctx context.Context, e *model.Entry) {
	if err := e.Validate(); err != nil {
		st.fail(e.ID, StatePending, "", err)
		return
	}
	if st.queued[e.ID] {
		// The earlier copy must exist remotely before this one resolves.
		st.flush(ctx)
	}

	if st.opts.DryRun {
		st.dryRun(ctx, e)
		return
	}

	rec, err := backend.FindRecordByExternalID(ctx, st.adapter, st.entries, e.ID)
	if err != nil {
		st.fail(e.ID, StatePending, "", fmt.Errorf("resolving entry: %w", err))
		return
	}
	if rec == nil {
		st.transition(e.ID, StatePending, StateToCreate)
		st.buffer = append(st.buffer, pending{entry: e, fields: st.adapter.ToBackendFields(e)})
		st.queued[e.ID] = true
		if len(st.buffer) >= st.opts.BatchSize {
			st.flush(ctx)
		}
		return
	}

	st.transition(e.ID, StatePending, StateResolvedExisting)
	remote, err := st.adapter.FromBackendRecord(*rec)
	if err != nil {
		st.fail(e.ID, StateResolvedExisting, rec.ID, fmt.Errorf("decoding remote record %s: %w", rec.ID, err))
		return
	}

	if !e.NewerThan(remote.ModifiedAt) {
		if st.opts.RepairAttachments {
			if err := st.linker.Link(ctx, e, *rec); err != nil {
				st.fail(e.ID, StateSkipped, rec.ID, err)
				return
			}
		}
		st.done(e.ID, StateResolvedExisting, StateSkipped, rec.ID)
		return
	}

	if _, err := st.adapter.UpdateRecord(ctx, st.entries, rec.ID, st.adapter.ToBackendFields(e)); err != nil {
		st.fail(e.ID, StateResolvedExisting, rec.ID, fmt.Errorf("updating entry: %w", err))
		return
	}
	if err := st.linker.Link(ctx, e, *rec); err != nil {
		st.fail(e.ID, StateUpdated, rec.ID, err)
		return
	}
	st.done(e.ID, StateResolvedExisting, StateUpdated, rec.ID)
}

// flush creates the buffered entries and links their attachments.
func (st *run) flush(ctx context.Context) {
	if len(st.buffer) == 0 {
		return
	}
	buf := st.buffer
	st.buffer = nil
	clear(st.queued)

	rows := make([]backend.Fields, len(buf))
	for i, p := range buf {
		rows[i] = p.fields
	}
	st.log.Debug("creating entries", "count", len(rows), "batch_size", st.opts.BatchSize)

	for _, chunk := range backend.CreateChunked(ctx, st.adapter, st.entries, rows, st.opts.BatchSize) {
		for i := chunk.Start; i < chunk.End; i++ {
			e := buf[i].entry
			if chunk.Err != nil {
				st.fail(e.ID, StateToCreate, "", fmt.Errorf("creating entry: %w", chunk.Err))
				continue
			}
			rec := chunk.Records[i-chunk.Start]
			remoteID := rec.ID
			if err := st.linker.Link(ctx, e, rec); err != nil {
				st.fail(e.ID, StateCreated, remoteID, err)
				continue
			}
			st.done(e.ID, StateToCreate, StateCreated, remoteID)
		}
	}
}

// dryRun resolves e without writing.
func (st *run) dryRun(ctx context.Context, e *model.Entry) {
	remoteModified, known := st.seen[e.ID]
	if !known {
		rec, err := backend.FindRecordByExternalID(ctx, st.adapter, st.entries, e.ID)
		if err != nil {
			st.fail(e.ID, StatePending, "", fmt.Errorf("resolving entry: %w", err))
			return
		}
		if rec == nil {
			st.transition(e.ID, StatePending, StateToCreate)
			st.seen[e.ID] = e.ModifiedAt
			st.done(e.ID, StateToCreate, StateCreated, "")
			return
		}
		remote, err := st.adapter.FromBackendRecord(*rec)
		if err != nil {
			st.fail(e.ID, StateResolvedExisting, rec.ID, fmt.Errorf("decoding remote record %s: %w", rec.ID, err))
			return
		}
		remoteModified = remote.ModifiedAt
	}

	st.transition(e.ID, StatePending, StateResolvedExisting)
	if e.NewerThan(remoteModified) {
		st.seen[e.ID] = e.ModifiedAt
		st.done(e.ID, StateResolvedExisting, StateUpdated, "")
		return
	}
	st.seen[e.ID] = remoteModified
	st.done(e.ID, StateResolvedExisting, StateSkipped, "")
}

func (st *run) transition(id string, from, to State) {
	st.log.Debug("entry transition", "entry_id", id, "from", from, "to", to)
}

func (st *run) done(id string, from, action State, remoteID string) {
	st.transition(id, from, action)
	st.transition(id, action, StateDone)
	st.res.record(Outcome{EntryID: id, Action: action, Final: StateDone, RemoteID: remoteID})
}

func (st *run) fail(id string, last State, remoteID string, err error) {
	st.log.Error("entry failed", "entry_id", id, "state", last, "kind", backend.KindOf(err), "error", err)
	st.res.record(Outcome{EntryID: id, Action: last, Final: StateFailed, RemoteID: remoteID, Err: err})
}
