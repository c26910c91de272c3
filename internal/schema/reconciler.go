// Package schema brings the remote journal tables into the declared shape
// before any record is written.
//
// Reconciliation is additive: missing tables and columns are created,
// existing columns are never dropped or retyped. A column whose remote type
// differs from the declaration is reported as drift and left alone.
package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/njoerd114/journalrelay/internal/backend"
)

// EnsureResult describes what EnsureTable found and changed.
type EnsureResult struct {
	Handle       backend.TableHandle
	Created      bool
	AddedColumns []string
	Warnings     []backend.SchemaDriftWarning
}

// Reconciler ensures tables on one adapter and caches the resolved
// handles by table name.
type Reconciler struct {
	adapter backend.Adapter
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]backend.TableHandle
}

// NewReconciler creates a Reconciler for the given adapter.
func NewReconciler(a backend.Adapter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		adapter: a,
		logger:  logger,
		handles: make(map[string]backend.TableHandle),
	}
}

// Handle returns the handle of a table ensured earlier.
func (r *Reconciler) Handle(name string) (backend.TableHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[name]
	return h, ok
}

// EnsureTable makes the table described by desc exist with at least the
// declared columns and returns its handle. It is idempotent: a second call
// with the same descriptor performs no schema writes.
//
// Link columns need the handle of their target table, which must have been
// ensured through this Reconciler before. A missing target is reported as
// a [backend.SchemaError] wrapping a [backend.NotFoundError] before anything
// is sent to the backend.
func (r *Reconciler) EnsureTable(ctx context.Context, desc backend.SchemaDescriptor) (EnsureResult, error) {
	targets := make(map[string]backend.TableHandle)
	for _, col := range desc.LinkColumns() {
		h, ok := r.Handle(col.Link.Target)
		if !ok {
			return EnsureResult{}, &backend.SchemaError{
				Table:  desc.Table,
				Column: col.Name,
				Err:    &backend.NotFoundError{What: "link target table", Name: col.Link.Target},
			}
		}
		targets[col.Name] = h
	}

	var res EnsureResult

	info, err := r.adapter.LookupTable(ctx, desc.Table)
	if err != nil {
		return res, fmt.Errorf("looking up table %s: %w", desc.Table, err)
	}
	if info == nil {
		info, err = r.adapter.CreateTable(ctx, desc)
		if err != nil {
			return res, fmt.Errorf("creating table %s: %w", desc.Table, backend.AsSchemaError(err, desc.Table, ""))
		}
		res.Created = true
		r.logger.Info("created table", "table", desc.Table)
	}

	for _, col := range desc.Columns {
		remote, ok := info.Column(col.Name)
		if ok {
			if w, drift := r.drift(desc.Table, col, remote); drift {
				res.Warnings = append(res.Warnings, w)
			}
			continue
		}

		var target *backend.TableHandle
		if col.IsLink() {
			h := targets[col.Name]
			target = &h
		}
		if err := r.addColumn(ctx, info, col, target); err != nil {
			return res, err
		}
		res.AddedColumns = append(res.AddedColumns, col.Name)
	}
	if len(res.AddedColumns) > 0 && !res.Created {
		r.logger.Info("added columns", "table", desc.Table, "columns", res.AddedColumns)
	}

	h, err := r.adapter.ResolveHandle(ctx, info)
	if err != nil {
		return res, fmt.Errorf("resolving handle for %s: %w", desc.Table, err)
	}
	if h.WriteID != h.MetadataID {
		r.logger.Debug("table identifiers differ", "table", desc.Table, "metadata_id", h.MetadataID, "write_id", h.WriteID)
	}

	r.mu.Lock()
	r.handles[desc.Table] = h
	r.mu.Unlock()

	res.Handle = h
	return res, nil
}

// addColumn adds col. If the backend rejects it but the column is present
// on a fresh lookup, a concurrent writer added it and the call succeeds.
func (r *Reconciler) addColumn(ctx context.Context, info *backend.TableInfo, col backend.Column, target *backend.TableHandle) error {
	err := r.adapter.AddColumn(ctx, info, col, target)
	if err == nil {
		return nil
	}
	if backend.KindOf(err) == backend.KindSchema || backend.KindOf(err) == backend.KindValidation {
		if fresh, lerr := r.adapter.LookupTable(ctx, info.Name); lerr == nil && fresh != nil {
			if _, ok := fresh.Column(col.Name); ok {
				r.logger.Debug("column appeared concurrently", "table", info.Name, "column", col.Name)
				return nil
			}
		}
	}
	return fmt.Errorf("adding column %s.%s: %w", info.Name, col.Name, backend.AsSchemaError(err, info.Name, col.Name))
}

func (r *Reconciler) drift(table string, col backend.Column, remote backend.RemoteColumn) (backend.SchemaDriftWarning, bool) {
	declared := r.adapter.NativeType(col)
	if remote.NativeType == "" || strings.EqualFold(declared, remote.NativeType) {
		return backend.SchemaDriftWarning{}, false
	}
	w := backend.SchemaDriftWarning{Table: table, Column: col.Name, Declared: declared, Remote: remote.NativeType}
	r.logger.Warn("schema drift", "table", table, "column", col.Name, "declared", declared, "remote", remote.NativeType)
	return w, true
}

// Journal holds the handles of both journal tables.
type Journal struct {
	Entries     backend.TableHandle
	Attachments backend.TableHandle
	Warnings    []backend.SchemaDriftWarning
}

// EnsureJournalSchema ensures the entries table, then the attachments table
// with its link to entries, and finally, on backends with reverse links,
// the entries column listing the attachments.
func (r *Reconciler) EnsureJournalSchema(ctx context.Context, names backend.TableNames) (*Journal, error) {
	names = names.WithDefaults()
	steps := []backend.SchemaDescriptor{
		backend.EntriesDescriptor(names, false),
		backend.AttachmentsDescriptor(names),
	}
	if r.adapter.Capabilities().ReverseLinks {
		steps = append(steps, backend.EntriesDescriptor(names, true))
	}

	j := &Journal{}
	seen := make(map[string]bool)
	for _, desc := range steps {
		res, err := r.EnsureTable(ctx, desc)
		if err != nil {
			return nil, err
		}
		for _, w := range res.Warnings {
			if key := w.Table + "." + w.Column; !seen[key] {
				seen[key] = true
				j.Warnings = append(j.Warnings, w)
			}
		}
		if desc.Table == names.Entries {
			j.Entries = res.Handle
		} else {
			j.Attachments = res.Handle
		}
	}
	return j, nil
}
