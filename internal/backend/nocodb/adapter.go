// Package nocodb stores journal entries in a NocoDB base through the v3 REST
// API. NocoDB reports tables under a metadata id that is not always the id
// its data endpoints accept, so the adapter probes the data path before
// writing.
package nocodb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/backend/rest"
	"github.com/njoerd114/journalrelay/internal/model"
)

// Name is the registry key of this backend.
const Name = "nocodb"

// maxBatchSize is the create limit of the v3 records endpoint.
const maxBatchSize = 10

const pageSize = 200

func init() {
	backend.Register(Name, func(_ context.Context, s backend.Settings, logger *slog.Logger) (backend.Adapter, error) {
		if s.Container == "" {
			return nil, fmt.Errorf("nocodb: base id is required")
		}
		c, err := rest.New(rest.Config{
			Name:            Name,
			BaseURL:         s.URL,
			Header:          http.Header{"xc-token": []string{s.Token}},
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

// Adapter implements [backend.Adapter] for NocoDB.
type Adapter struct {
	client  Client
	baseID  string
	batch   int
	handles backend.HandleCache
	logger  *slog.Logger
}

var _ backend.Adapter = (*Adapter)(nil)

// New creates an adapter for the base with the given id. batch lowers the
// create batch size below the API limit; zero keeps the limit.
func New(c Client, baseID string, batch int, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client: c,
		baseID: baseID,
		batch:  backend.BatchSize(maxBatchSize, batch),
		logger: logger,
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{MaxBatchSize: a.batch, CreateWithColumns: true}
}

func (a *Adapter) Close() error { return nil }

// --- schema ------------------------------------------------------------------

func (a *Adapter) LookupTable(ctx context.Context, name string) (*backend.TableInfo, error) {
	var list struct {
		List []ncTable `json:"list"`
	}
	if err := a.client.Get(ctx, a.metaPath("/bases/%s/tables", a.baseID), nil, &list); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	for _, t := range list.List {
		if t.Title == name {
			return a.describe(ctx, string(t.ID), name)
		}
	}
	return nil, nil //nolint:nilnil // intentional: "not found" sentinel
}

// describe fetches the detailed metadata of a table. The detail endpoint
// may report identifiers beyond the one the table list used; all of them
// become write-id candidates.
func (a *Adapter) describe(ctx context.Context, id, name string) (*backend.TableInfo, error) {
	var t ncTable
	if err := a.client.Get(ctx, a.metaPath("/tables/%s", id), nil, &t); err != nil {
		return nil, fmt.Errorf("describing table %s: %w", name, err)
	}
	info := &backend.TableInfo{
		Name:       name,
		MetadataID: id,
		Candidates: []string{id, string(t.ID), t.UUID},
	}
	for _, f := range t.Fields {
		info.Columns = append(info.Columns, backend.RemoteColumn{Name: f.Title, ID: string(f.ID), NativeType: f.Type})
	}
	return info, nil
}

func (a *Adapter) CreateTable(ctx context.Context, desc backend.SchemaDescriptor) (*backend.TableInfo, error) {
	body := map[string]any{"title": desc.Table, "fields": toFieldDefs(desc.PlainColumns())}
	var created ncTable
	if err := a.client.Post(ctx, a.metaPath("/bases/%s/tables", a.baseID), body, &created); err != nil {
		return nil, backend.AsSchemaError(err, desc.Table, "")
	}
	if created.ID == "" {
		return nil, &backend.SchemaError{Table: desc.Table, Err: fmt.Errorf("create response carried no table id")}
	}
	a.logger.Info("created table", "table", desc.Table, "id", created.ID)
	return a.describe(ctx, string(created.ID), desc.Table)
}

func (a *Adapter) AddColumn(ctx context.Context, table *backend.TableInfo, col backend.Column, target *backend.TableHandle) error {
	def := fieldDef(col)
	if col.IsLink() {
		if target == nil {
			return &backend.SchemaError{Table: table.Name, Column: col.Name, Err: fmt.Errorf("link target not resolved")}
		}
		def["options"] = map[string]any{
			"relation_type":    relationType(col.Link.Cardinality),
			"related_table_id": target.MetadataID,
		}
	}
	if err := a.client.Post(ctx, a.metaPath("/tables/%s/fields", table.MetadataID), def, nil); err != nil {
		return backend.AsSchemaError(err, table.Name, col.Name)
	}
	return nil
}

func (a *Adapter) ResolveHandle(ctx context.Context, table *backend.TableInfo) (backend.TableHandle, error) {
	if h, ok := a.handles.Get(table.Name); ok {
		return h, nil
	}
	candidates := append([]string{table.MetadataID}, table.Candidates...)
	writeID, err := backend.ProbeWriteID(ctx, table.Name, candidates, func(ctx context.Context, id string) error {
		q := url.Values{"pageSize": {"1"}}
		return a.client.Get(ctx, a.dataPath(id), q, nil)
	})
	if err != nil {
		return backend.TableHandle{}, err
	}
	h := backend.TableHandle{Name: table.Name, MetadataID: table.MetadataID, WriteID: writeID}
	if writeID != table.MetadataID {
		a.logger.Info("table write id differs from metadata id",
			"table", table.Name, "metadata_id", table.MetadataID, "write_id", writeID)
	}
	a.handles.Put(h)
	return h, nil
}

// --- records -----------------------------------------------------------------

func (a *Adapter) FindByField(ctx context.Context, h backend.TableHandle, field, value string) ([]backend.RemoteRecord, error) {
	return a.list(ctx, h, whereEq(field, value))
}

func (a *Adapter) ListRecords(ctx context.Context, h backend.TableHandle) ([]backend.RemoteRecord, error) {
	return a.list(ctx, h, "")
}

func (a *Adapter) list(ctx context.Context, h backend.TableHandle, where string) ([]backend.RemoteRecord, error) {
	var out []backend.RemoteRecord
	for page := 1; ; page++ {
		q := url.Values{"page": {strconv.Itoa(page)}, "pageSize": {strconv.Itoa(pageSize)}}
		if where != "" {
			q.Set("where", where)
		}
		var resp ncRecordPage
		if err := a.client.Get(ctx, a.dataPath(h.WriteID), q, &resp); err != nil {
			return nil, fmt.Errorf("listing %s: %w", h.Name, err)
		}
		for _, r := range resp.Records {
			out = append(out, backend.RemoteRecord{ID: string(r.ID), Fields: r.Fields})
		}
		if resp.Next == "" || len(resp.Records) == 0 {
			return out, nil
		}
	}
}

func (a *Adapter) CreateRecords(ctx context.Context, h backend.TableHandle, rows []backend.Fields) ([]backend.RemoteRecord, error) {
	if len(rows) > a.batch {
		return nil, fmt.Errorf("nocodb: %d rows exceed batch size %d", len(rows), a.batch)
	}
	body := make([]ncRecord, len(rows))
	for i, r := range rows {
		body[i] = ncRecord{Fields: r}
	}
	var raw json.RawMessage
	if err := a.client.Post(ctx, a.dataPath(h.WriteID), body, &raw); err != nil {
		return nil, fmt.Errorf("creating %d records in %s: %w", len(rows), h.Name, err)
	}
	ids, err := createdIDs(raw)
	if err != nil {
		return nil, fmt.Errorf("creating records in %s: %w", h.Name, err)
	}
	if len(ids) != len(rows) {
		return nil, fmt.Errorf("creating records in %s: got %d ids for %d rows", h.Name, len(ids), len(rows))
	}
	out := make([]backend.RemoteRecord, len(rows))
	for i := range rows {
		out[i] = backend.RemoteRecord{ID: ids[i], Fields: rows[i]}
	}
	return out, nil
}

func (a *Adapter) UpdateRecord(ctx context.Context, h backend.TableHandle, remoteID string, fields backend.Fields) (*backend.RemoteRecord, error) {
	body := []map[string]any{{"id": rest.NativeID(remoteID), "fields": fields}}
	if err := a.client.Patch(ctx, a.dataPath(h.WriteID), body, nil); err != nil {
		return nil, fmt.Errorf("updating record %s in %s: %w", remoteID, h.Name, err)
	}
	return &backend.RemoteRecord{ID: remoteID, Fields: fields}, nil
}

// --- conversion --------------------------------------------------------------

func (a *Adapter) ToBackendFields(e *model.Entry) backend.Fields { return toFields(e) }

func (a *Adapter) FromBackendRecord(rec backend.RemoteRecord) (*model.Entry, error) {
	return backend.DecodeEntry(rec.Fields)
}

func (a *Adapter) EncodeLink(col backend.Column, remoteIDs []string) any {
	refs := make([]map[string]any, len(remoteIDs))
	for i, id := range remoteIDs {
		refs[i] = map[string]any{"id": rest.NativeID(id)}
	}
	if col.Link != nil && col.Link.Cardinality == backend.ManyToOne && len(refs) == 1 {
		return refs[0]
	}
	return refs
}

func (a *Adapter) metaPath(format string, args ...string) string {
	return "/api/v3/meta" + fmt.Sprintf(format, escapeAll(args)...)
}

func (a *Adapter) dataPath(tableID string) string {
	return fmt.Sprintf("/api/v3/data/%s/%s/records", rest.PathEscape(a.baseID), rest.PathEscape(tableID))
}

func escapeAll(args []string) []any {
	out := make([]any, len(args))
	for i, s := range args {
		out[i] = rest.PathEscape(s)
	}
	return out
}
