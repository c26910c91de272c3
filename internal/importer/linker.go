package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"

	"github.com/gabriel-vasile/mimetype"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/model"
	"github.com/njoerd114/journalrelay/internal/schema"
)

// LinkedAttachment is an attachment record read back from the backend.
type LinkedAttachment struct {
	RemoteID string
	Key      string
	Sequence int
	Filename string
	Kind     model.AttachmentKind
	MimeType string
}

// Linker stores attachment records and links them to their entry record.
type Linker struct {
	adapter     backend.Adapter
	entries     backend.TableHandle
	attachments backend.TableHandle
	forward     backend.Column
	reverse     backend.Column
	log         *slog.Logger

	// inspect reports mime type and size of an extracted file.
	inspect func(path string) (mimeType string, size int64)
}

// NewLinker creates a Linker for the journal tables in j.
func NewLinker(a backend.Adapter, names backend.TableNames, j *schema.Journal, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	fwd, _ := backend.AttachmentsDescriptor(names).Column(backend.ColJournalEntry)
	rev, _ := backend.EntriesDescriptor(names, true).Column(backend.ColEntryAttachments)
	l := &Linker{
		adapter:     a,
		entries:     j.Entries,
		attachments: j.Attachments,
		forward:     fwd,
		reverse:     rev,
		log:         logger,
	}
	l.inspect = l.inspectFile
	return l
}

// Link makes every attachment of e exist as a record linked to the entry
// record, with Sequence equal to its position. Attachments linked on an
// earlier run are recognised by their key; only their Sequence is moved
// when the entry gained attachments before them. Nothing is ever deleted.
//
// Attachments are created one at a time in order. When the k-th fails,
// the first k stay linked and a *LinkError is returned.
//
// On backends with reverse links the ordered id list is written onto the
// entry whenever it differs from the list the entry record carries.
func (l *Linker) Link(ctx context.Context, e *model.Entry, entry backend.RemoteRecord) error {
	total := len(e.MediaAttachments)
	if total == 0 {
		return nil
	}
	if entry.ID == "" {
		return &LinkError{EntryID: e.ID, Total: total, Err: &backend.NotFoundError{What: "entry record", Name: e.ID}}
	}

	existing, err := l.linked(ctx, e.ID)
	if err != nil {
		return &LinkError{EntryID: e.ID, Total: total, Err: err}
	}

	keys := model.AttachmentKeys(e.ID, e.MediaAttachments)
	ids := make([]string, total)
	for i, a := range e.MediaAttachments {
		if rec, ok := existing[keys[i]]; ok {
			ids[i] = rec.id
			if rec.seq == i {
				continue
			}
			update := backend.Fields{backend.ColSequence: i}
			if _, err := l.adapter.UpdateRecord(ctx, l.attachments, rec.id, update); err != nil {
				return &LinkError{EntryID: e.ID, Linked: i, Total: total,
					Err: fmt.Errorf("moving %s to position %d: %w", a.OriginalFilename, i, err)}
			}
			l.log.Debug("moved attachment", "entry_id", e.ID, "from", rec.seq, "to", i, "filename", a.OriginalFilename)
			continue
		}

		mimeType, size := l.inspect(a.LocalPath)
		fields := backend.EncodeAttachment(e.ID, keys[i], i, a, mimeType, size)
		fields[backend.ColJournalEntry] = l.adapter.EncodeLink(l.forward, []string{entry.ID})

		recs, err := l.adapter.CreateRecords(ctx, l.attachments, []backend.Fields{fields})
		if err == nil && len(recs) != 1 {
			err = fmt.Errorf("create returned %d records for 1 attachment", len(recs))
		}
		if err != nil {
			return &LinkError{EntryID: e.ID, Linked: i, Total: total, Err: err}
		}
		ids[i] = recs[0].ID
		l.log.Debug("linked attachment", "entry_id", e.ID, "sequence", i, "filename", a.OriginalFilename)
	}

	if !l.adapter.Capabilities().ReverseLinks {
		return nil
	}
	stored := backend.AsLinkIDs(entry.Fields[backend.ColEntryAttachments])
	if slices.Equal(stored, ids) {
		return nil
	}
	update := backend.Fields{backend.ColEntryAttachments: l.adapter.EncodeLink(l.reverse, ids)}
	if _, err := l.adapter.UpdateRecord(ctx, l.entries, entry.ID, update); err != nil {
		return &LinkError{EntryID: e.ID, Linked: total, Total: total,
			Err: fmt.Errorf("writing attachment list onto entry: %w", err)}
	}
	return nil
}

type linkedRecord struct {
	id  string
	seq int
}

// linked maps the attachment keys already stored for entryID to their
// records. The first record wins when a key repeats.
func (l *Linker) linked(ctx context.Context, entryID string) (map[string]linkedRecord, error) {
	recs, err := l.adapter.FindByField(ctx, l.attachments, backend.ColAttachmentEntry, entryID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments of %s: %w", entryID, err)
	}
	out := make(map[string]linkedRecord, len(recs))
	for _, r := range recs {
		key := backend.AsString(r.Fields[backend.ColAttachmentKey])
		if key == "" {
			continue
		}
		if _, dup := out[key]; dup {
			continue
		}
		seq, ok, err := backend.AsFloat(r.Fields[backend.ColSequence])
		if err != nil || !ok {
			seq = -1
		}
		out[key] = linkedRecord{id: r.ID, seq: int(seq)}
	}
	return out, nil
}

// ReadBack returns the attachments stored for entryID ordered by their
// Sequence, independent of the order the backend lists them in.
func (l *Linker) ReadBack(ctx context.Context, entryID string) ([]LinkedAttachment, error) {
	recs, err := l.adapter.FindByField(ctx, l.attachments, backend.ColAttachmentEntry, entryID)
	if err != nil {
		return nil, fmt.Errorf("reading attachments of %s: %w", entryID, err)
	}
	out := make([]LinkedAttachment, 0, len(recs))
	for _, r := range recs {
		seq, ok, err := backend.AsFloat(r.Fields[backend.ColSequence])
		if err != nil || !ok {
			return nil, fmt.Errorf("attachment %s of %s: bad %s value %v", r.ID, entryID, backend.ColSequence, r.Fields[backend.ColSequence])
		}
		out = append(out, LinkedAttachment{
			RemoteID: r.ID,
			Key:      backend.AsString(r.Fields[backend.ColAttachmentKey]),
			Sequence: int(seq),
			Filename: backend.AsString(r.Fields[backend.ColFilename]),
			Kind:     model.AttachmentKind(backend.AsString(r.Fields[backend.ColKind])),
			MimeType: backend.AsString(r.Fields[backend.ColMimeType]),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (l *Linker) inspectFile(path string) (string, int64) {
	if path == "" {
		return "", 0
	}
	fi, err := os.Stat(path)
	if err != nil {
		l.log.Debug("attachment file not readable", "path", path, "error", err)
		return "", 0
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fi.Size()
	}
	return m.String(), fi.Size()
}
