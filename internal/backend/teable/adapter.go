// Package teable stores journal entries in a Teable base.
package teable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/backend/rest"
	"github.com/njoerd114/journalrelay/internal/model"
)

// Name is the registry key of this backend.
const Name = "teable"

const (
	maxBatchSize = 1000
	pageSize     = 1000
)

func init() {
	backend.Register(Name, func(_ context.Context, s backend.Settings, logger *slog.Logger) (backend.Adapter, error) {
		if s.Container == "" {
			return nil, fmt.Errorf("teable: base id is required")
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

// Adapter implements [backend.Adapter] for Teable.
type Adapter struct {
	client  Client
	baseID  string
	batch   int
	handles backend.HandleCache
	logger  *slog.Logger

	// fieldIDs maps table name -> column name -> field id. Teable filters
	// address fields by id.
	mu       sync.Mutex
	fieldIDs map[string]map[string]string
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates an adapter for the base with the given id.
func New(c Client, baseID string, batch int, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:   c,
		baseID:   baseID,
		batch:    backend.BatchSize(maxBatchSize, batch),
		logger:   logger,
		fieldIDs: make(map[string]map[string]string),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{MaxBatchSize: a.batch, CreateWithColumns: true}
}

func (a *Adapter) Close() error { return nil }

// --- schema ------------------------------------------------------------------

func (a *Adapter) LookupTable(ctx context.Context, name string) (*backend.TableInfo, error) {
	var tables []tbTable
	if err := a.client.Get(ctx, a.basePath("/table"), nil, &tables); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == name {
			return a.describe(ctx, t.ID, name)
		}
	}
	return nil, nil //nolint:nilnil // intentional: "not found" sentinel
}

func (a *Adapter) describe(ctx context.Context, id, name string) (*backend.TableInfo, error) {
	var fields []tbField
	if err := a.client.Get(ctx, tablePath(id, "/field"), nil, &fields); err != nil {
		return nil, fmt.Errorf("listing fields of %s: %w", name, err)
	}
	info := &backend.TableInfo{Name: name, MetadataID: id}
	ids := make(map[string]string, len(fields))
	for _, f := range fields {
		info.Columns = append(info.Columns, backend.RemoteColumn{Name: f.Name, ID: f.ID, NativeType: f.Type})
		ids[f.Name] = f.ID
	}
	a.mu.Lock()
	a.fieldIDs[name] = ids
	a.mu.Unlock()
	return info, nil
}

func (a *Adapter) CreateTable(ctx context.Context, desc backend.SchemaDescriptor) (*backend.TableInfo, error) {
	cols := desc.PlainColumns()
	defs := make([]map[string]any, len(cols))
	for i, c := range cols {
		defs[i] = fieldDef(c)
	}
	// An explicit empty record list keeps Teable from seeding default rows.
	body := map[string]any{
		"name":         desc.Table,
		"fields":       defs,
		"records":      []any{},
		"fieldKeyType": "name",
	}
	var created tbTable
	if err := a.client.Post(ctx, a.basePath("/table"), body, &created); err != nil {
		return nil, backend.AsSchemaError(err, desc.Table, "")
	}
	if created.ID == "" {
		return nil, &backend.SchemaError{Table: desc.Table, Err: fmt.Errorf("create response carried no table id")}
	}
	a.logger.Info("created table", "table", desc.Table, "id", created.ID)
	return a.describe(ctx, created.ID, desc.Table)
}

func (a *Adapter) AddColumn(ctx context.Context, table *backend.TableInfo, col backend.Column, target *backend.TableHandle) error {
	def := fieldDef(col)
	if col.IsLink() {
		if target == nil {
			return &backend.SchemaError{Table: table.Name, Column: col.Name, Err: fmt.Errorf("link target not resolved")}
		}
		def["options"] = map[string]any{
			"relationship":   relationship(col.Link.Cardinality),
			"foreignTableId": target.MetadataID,
		}
	}
	var created tbField
	if err := a.client.Post(ctx, tablePath(table.MetadataID, "/field"), def, &created); err != nil {
		return backend.AsSchemaError(err, table.Name, col.Name)
	}
	if created.ID != "" {
		a.mu.Lock()
		if a.fieldIDs[table.Name] == nil {
			a.fieldIDs[table.Name] = make(map[string]string)
		}
		a.fieldIDs[table.Name][col.Name] = created.ID
		a.mu.Unlock()
	}
	return nil
}

func (a *Adapter) ResolveHandle(ctx context.Context, table *backend.TableInfo) (backend.TableHandle, error) {
	if h, ok := a.handles.Get(table.Name); ok {
		return h, nil
	}
	candidates := append([]string{table.MetadataID}, table.Candidates...)
	writeID, err := backend.ProbeWriteID(ctx, table.Name, candidates, func(ctx context.Context, id string) error {
		return a.client.Get(ctx, tablePath(id, "/record"), url.Values{"take": {"1"}}, nil)
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
	filter, err := json.Marshal(map[string]any{
		"conjunction": "and",
		"filterSet": []map[string]any{
			{"fieldId": a.fieldID(h.Name, field), "operator": "is", "value": value},
		},
	})
	if err != nil {
		return nil, err
	}
	return a.list(ctx, h, string(filter))
}

func (a *Adapter) ListRecords(ctx context.Context, h backend.TableHandle) ([]backend.RemoteRecord, error) {
	return a.list(ctx, h, "")
}

func (a *Adapter) list(ctx context.Context, h backend.TableHandle, filter string) ([]backend.RemoteRecord, error) {
	var out []backend.RemoteRecord
	for skip := 0; ; skip += pageSize {
		q := url.Values{
			"fieldKeyType": {"name"},
			"take":         {strconv.Itoa(pageSize)},
			"skip":         {strconv.Itoa(skip)},
		}
		if filter != "" {
			q.Set("filter", filter)
		}
		var resp tbRecordPage
		if err := a.client.Get(ctx, tablePath(h.WriteID, "/record"), q, &resp); err != nil {
			return nil, fmt.Errorf("listing %s: %w", h.Name, err)
		}
		for _, r := range resp.Records {
			out = append(out, backend.RemoteRecord{ID: r.ID, Fields: r.Fields})
		}
		if len(resp.Records) < pageSize {
			return out, nil
		}
	}
}

func (a *Adapter) CreateRecords(ctx context.Context, h backend.TableHandle, rows []backend.Fields) ([]backend.RemoteRecord, error) {
	if len(rows) > a.batch {
		return nil, fmt.Errorf("teable: %d rows exceed batch size %d", len(rows), a.batch)
	}
	recs := make([]tbRecord, len(rows))
	for i, r := range rows {
		recs[i] = tbRecord{Fields: r}
	}
	body := map[string]any{"fieldKeyType": "name", "typecast": true, "records": recs}

	var resp tbRecordPage
	if err := a.client.Post(ctx, tablePath(h.WriteID, "/record"), body, &resp); err != nil {
		return nil, fmt.Errorf("creating %d records in %s: %w", len(rows), h.Name, err)
	}
	if len(resp.Records) != len(rows) {
		return nil, fmt.Errorf("creating records in %s: got %d records for %d rows", h.Name, len(resp.Records), len(rows))
	}
	out := make([]backend.RemoteRecord, len(rows))
	for i, r := range resp.Records {
		out[i] = backend.RemoteRecord{ID: r.ID, Fields: r.Fields}
	}
	return out, nil
}

func (a *Adapter) UpdateRecord(ctx context.Context, h backend.TableHandle, remoteID string, fields backend.Fields) (*backend.RemoteRecord, error) {
	body := map[string]any{
		"fieldKeyType": "name",
		"typecast":     true,
		"record":       tbRecord{Fields: fields},
	}
	var updated tbRecord
	path := tablePath(h.WriteID, "/record/"+rest.PathEscape(remoteID))
	if err := a.client.Patch(ctx, path, body, &updated); err != nil {
		return nil, fmt.Errorf("updating record %s in %s: %w", remoteID, h.Name, err)
	}
	return &backend.RemoteRecord{ID: remoteID, Fields: updated.Fields}, nil
}

// --- conversion --------------------------------------------------------------

func (a *Adapter) ToBackendFields(e *model.Entry) backend.Fields { return toFields(e) }

func (a *Adapter) FromBackendRecord(rec backend.RemoteRecord) (*model.Entry, error) {
	return backend.DecodeEntry(rec.Fields)
}

func (a *Adapter) EncodeLink(col backend.Column, remoteIDs []string) any {
	if col.Link != nil && col.Link.Cardinality == backend.ManyToOne {
		if len(remoteIDs) == 0 {
			return nil
		}
		return map[string]string{"id": remoteIDs[0]}
	}
	refs := make([]map[string]string, len(remoteIDs))
	for i, id := range remoteIDs {
		refs[i] = map[string]string{"id": id}
	}
	return refs
}

func (a *Adapter) fieldID(table, column string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id := a.fieldIDs[table][column]; id != "" {
		return id
	}
	return column
}

func (a *Adapter) basePath(suffix string) string {
	return "/api/base/" + rest.PathEscape(a.baseID) + suffix
}

func tablePath(tableID, suffix string) string {
	return "/api/table/" + rest.PathEscape(tableID) + suffix
}
