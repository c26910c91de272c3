// Package grist stores journal entries in a Grist document. Grist keeps the
// two sides of a relation in separate reference columns, so the adapter
// declares reverse links and the linker writes both sides.
package grist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/backend/rest"
	"github.com/njoerd114/journalrelay/internal/model"
)

// Name is the registry key of this backend.
const Name = "grist"

const maxBatchSize = 500

func init() {
	backend.Register(Name, func(_ context.Context, s backend.Settings, logger *slog.Logger) (backend.Adapter, error) {
		if s.Container == "" {
			return nil, fmt.Errorf("grist: document id is required")
		}
		c, err := rest.New(rest.Config{
			Name:            Name,
			BaseURL:         s.URL,
			Header:          http.Header{"Authorization": []string{"Bearer " + s.Token}},
			Retry:           s.Retry,
			BreakerFailures: s.BreakerFailures,
			BreakerOpenFor:  s.BreakerOpenFor,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		return New(c, s.Container, s.BatchSize, logger), nil
	})
}

// Client is the subset of [rest.Client] used by the adapter.
type Client interface {
	Get(ctx context.Context, path string, query url.Values, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Patch(ctx context.Context, path string, body, out any) error
	Do(ctx context.Context, method, path string, query url.Values, body, out any) error
}

// Adapter implements [backend.Adapter] for Grist.
type Adapter struct {
	client  Client
	docID   string
	batch   int
	handles backend.HandleCache
	logger  *slog.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates an adapter for the document with the given id.
func New(c Client, docID string, batch int, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client: c,
		docID:  docID,
		batch:  backend.BatchSize(maxBatchSize, batch),
		logger: logger,
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{MaxBatchSize: a.batch, CreateWithColumns: true, ReverseLinks: true}
}

func (a *Adapter) Close() error { return nil }

// --- schema ------------------------------------------------------------------

func (a *Adapter) LookupTable(ctx context.Context, name string) (*backend.TableInfo, error) {
	var resp struct {
		Tables []struct {
			ID string `json:"id"`
		} `json:"tables"`
	}
	if err := a.client.Get(ctx, a.docPath("/tables"), nil, &resp); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	want := tableID(name)
	for _, t := range resp.Tables {
		if t.ID == name || t.ID == want {
			return a.describe(ctx, t.ID, name)
		}
	}
	return nil, nil //nolint:nilnil // intentional: "not found" sentinel
}

func (a *Adapter) describe(ctx context.Context, id, name string) (*backend.TableInfo, error) {
	var resp struct {
		Columns []gristColumn `json:"columns"`
	}
	if err := a.client.Get(ctx, a.tablePath(id, "/columns"), nil, &resp); err != nil {
		return nil, fmt.Errorf("listing columns of %s: %w", name, err)
	}
	info := &backend.TableInfo{Name: name, MetadataID: id}
	for _, c := range resp.Columns {
		info.Columns = append(info.Columns, backend.RemoteColumn{Name: c.ID, ID: c.ID, NativeType: c.Fields.Type})
	}
	return info, nil
}

func (a *Adapter) CreateTable(ctx context.Context, desc backend.SchemaDescriptor) (*backend.TableInfo, error) {
	cols := desc.PlainColumns()
	defs := make([]gristColumn, len(cols))
	for i, c := range cols {
		defs[i] = columnDef(c, "")
	}
	body := map[string]any{"tables": []map[string]any{{"id": tableID(desc.Table), "columns": defs}}}

	var resp struct {
		Tables []struct {
			ID string `json:"id"`
		} `json:"tables"`
	}
	if err := a.client.Post(ctx, a.docPath("/tables"), body, &resp); err != nil {
		return nil, backend.AsSchemaError(err, desc.Table, "")
	}
	if len(resp.Tables) != 1 || resp.Tables[0].ID == "" {
		return nil, &backend.SchemaError{Table: desc.Table, Err: fmt.Errorf("create response carried no table id")}
	}
	id := resp.Tables[0].ID
	a.logger.Info("created table", "table", desc.Table, "id", id)
	return a.describe(ctx, id, desc.Table)
}

func (a *Adapter) AddColumn(ctx context.Context, table *backend.TableInfo, col backend.Column, target *backend.TableHandle) error {
	targetID := ""
	if col.IsLink() {
		if target == nil {
			return &backend.SchemaError{Table: table.Name, Column: col.Name, Err: fmt.Errorf("link target not resolved")}
		}
		targetID = target.MetadataID
	}
	body := map[string]any{"columns": []gristColumn{columnDef(col, targetID)}}
	if err := a.client.Post(ctx, a.tablePath(table.MetadataID, "/columns"), body, nil); err != nil {
		return backend.AsSchemaError(err, table.Name, col.Name)
	}
	return nil
}

// ResolveHandle probes the records endpoint. Grist uses one identifier for
// both paths, but the table id may have been normalized from the name.
func (a *Adapter) ResolveHandle(ctx context.Context, table *backend.TableInfo) (backend.TableHandle, error) {
	if h, ok := a.handles.Get(table.Name); ok {
		return h, nil
	}
	candidates := append([]string{table.MetadataID}, table.Candidates...)
	candidates = append(candidates, tableID(table.Name))
	writeID, err := backend.ProbeWriteID(ctx, table.Name, candidates, func(ctx context.Context, id string) error {
		return a.client.Get(ctx, a.tablePath(id, "/records"), url.Values{"limit": {"1"}}, nil)
	})
	if err != nil {
		return backend.TableHandle{}, err
	}
	h := backend.TableHandle{Name: table.Name, MetadataID: table.MetadataID, WriteID: writeID}
	a.handles.Put(h)
	return h, nil
}

// --- records -----------------------------------------------------------------

func (a *Adapter) FindByField(ctx context.Context, h backend.TableHandle, field, value string) ([]backend.RemoteRecord, error) {
	filter, err := json.Marshal(map[string][]string{field: {value}})
	if err != nil {
		return nil, err
	}
	return a.list(ctx, h, url.Values{"filter": {string(filter)}})
}

func (a *Adapter) ListRecords(ctx context.Context, h backend.TableHandle) ([]backend.RemoteRecord, error) {
	return a.list(ctx, h, nil)
}

func (a *Adapter) list(ctx context.Context, h backend.TableHandle, q url.Values) ([]backend.RemoteRecord, error) {
	var resp gristRecords
	if err := a.client.Get(ctx, a.tablePath(h.WriteID, "/records"), q, &resp); err != nil {
		return nil, fmt.Errorf("listing %s: %w", h.Name, err)
	}
	out := make([]backend.RemoteRecord, 0, len(resp.Records))
	for _, r := range resp.Records {
		out = append(out, backend.RemoteRecord{ID: string(r.ID), Fields: r.Fields})
	}
	return out, nil
}

func (a *Adapter) CreateRecords(ctx context.Context, h backend.TableHandle, rows []backend.Fields) ([]backend.RemoteRecord, error) {
	if len(rows) > a.batch {
		return nil, fmt.Errorf("grist: %d rows exceed batch size %d", len(rows), a.batch)
	}
	body := gristRecords{Records: make([]gristRecord, len(rows))}
	for i, r := range rows {
		body.Records[i] = gristRecord{Fields: r}
	}
	var resp gristRecords
	if err := a.client.Post(ctx, a.tablePath(h.WriteID, "/records"), body, &resp); err != nil {
		return nil, fmt.Errorf("creating %d records in %s: %w", len(rows), h.Name, err)
	}
	if len(resp.Records) != len(rows) {
		return nil, fmt.Errorf("creating records in %s: got %d ids for %d rows", h.Name, len(resp.Records), len(rows))
	}
	out := make([]backend.RemoteRecord, len(rows))
	for i, r := range resp.Records {
		out[i] = backend.RemoteRecord{ID: string(r.ID), Fields: rows[i]}
	}
	return out, nil
}

func (a *Adapter) UpdateRecord(ctx context.Context, h backend.TableHandle, remoteID string, fields backend.Fields) (*backend.RemoteRecord, error) {
	body := map[string]any{"records": []map[string]any{{"id": rest.NativeID(remoteID), "fields": fields}}}
	if err := a.client.Patch(ctx, a.tablePath(h.WriteID, "/records"), body, nil); err != nil {
		return nil, fmt.Errorf("updating record %s in %s: %w", remoteID, h.Name, err)
	}
	return &backend.RemoteRecord{ID: remoteID, Fields: fields}, nil
}

// --- conversion --------------------------------------------------------------

func (a *Adapter) ToBackendFields(e *model.Entry) backend.Fields { return toFields(e) }

func (a *Adapter) FromBackendRecord(rec backend.RemoteRecord) (*model.Entry, error) {
	return backend.DecodeEntry(fromFields(rec.Fields))
}

// EncodeLink renders a Ref as the bare row id and a RefList as Grist's
// ["L", id, ...] list encoding.
func (a *Adapter) EncodeLink(col backend.Column, remoteIDs []string) any {
	if col.Link != nil && col.Link.Cardinality == backend.ManyToOne {
		if len(remoteIDs) == 0 {
			return 0
		}
		return rest.NativeID(remoteIDs[0])
	}
	out := make([]any, 0, len(remoteIDs)+1)
	out = append(out, "L")
	for _, id := range remoteIDs {
		out = append(out, rest.NativeID(id))
	}
	return out
}

func (a *Adapter) docPath(suffix string) string {
	return "/api/docs/" + rest.PathEscape(a.docID) + suffix
}

func (a *Adapter) tablePath(tableID, suffix string) string {
	return a.docPath("/tables/" + rest.PathEscape(tableID) + suffix)
}
