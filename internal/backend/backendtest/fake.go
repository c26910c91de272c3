// Package backendtest provides an in-memory [backend.Adapter] for tests of
// the packages built on top of the adapter contract.
//
// The fake keeps the metadata and data identifiers of a table distinct
// ("meta_<name>" and "data_<name>"), so callers that confuse the two fail.
// Records must only use declared columns.
package backendtest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/model"
)

// Name is the adapter name the fake reports.
const Name = "fake"

type table struct {
	name    string
	columns []backend.RemoteColumn
	rows    []backend.RemoteRecord
}

// Fake is a concurrency-safe in-memory backend.
type Fake struct {
	mu     sync.Mutex
	caps   backend.Capabilities
	tables map[string]*table // name → table
	nextID int
	calls  map[string]int

	// CreateHook, when set, is consulted before every create request and
	// can fail it.
	CreateHook func(table string, rows []backend.Fields) error

	// UpdateHook, when set, is consulted before every update.
	UpdateHook func(table, remoteID string, fields backend.Fields) error

	// RejectColumns makes AddColumn and CreateTable fail for the named
	// columns with a schema error.
	RejectColumns map[string]bool

	// NewestFirst lists records in reverse creation order.
	NewestFirst bool
}

var _ backend.Adapter = (*Fake)(nil)

// New returns an empty fake with the given capabilities. A zero
// MaxBatchSize defaults to 10.
func New(caps backend.Capabilities) *Fake {
	if caps.MaxBatchSize <= 0 {
		caps.MaxBatchSize = 10
	}
	return &Fake{caps: caps, tables: map[string]*table{}, calls: map[string]int{}}
}

func metaID(name string) string { return "meta_" + name }
func dataID(name string) string { return "data_" + name }

func (f *Fake) Name() string                       { return Name }
func (f *Fake) Capabilities() backend.Capabilities { return f.caps }
func (f *Fake) Close() error                       { return nil }

// NativeType reports the semantic type name itself.
func (f *Fake) NativeType(col backend.Column) string { return string(col.Type) }

func (f *Fake) LookupTable(_ context.Context, name string) (*backend.TableInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["LookupTable"]++

	t, ok := f.tables[name]
	if !ok {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	return f.info(t), nil
}

func (f *Fake) info(t *table) *backend.TableInfo {
	return &backend.TableInfo{
		Name:       t.name,
		MetadataID: metaID(t.name),
		Candidates: []string{dataID(t.name)},
		Columns:    slices.Clone(t.columns),
	}
}

func (f *Fake) CreateTable(_ context.Context, desc backend.SchemaDescriptor) (*backend.TableInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateTable"]++

	if _, ok := f.tables[desc.Table]; ok {
		return nil, &backend.SchemaError{Table: desc.Table, Status: 400, Payload: "table already exists"}
	}
	t := &table{name: desc.Table}
	if f.caps.CreateWithColumns {
		for _, c := range desc.PlainColumns() {
			if f.RejectColumns[c.Name] {
				return nil, &backend.SchemaError{Table: desc.Table, Column: c.Name, Status: 400, Payload: "column rejected"}
			}
			t.columns = append(t.columns, backend.RemoteColumn{Name: c.Name, ID: c.Name, NativeType: string(c.Type)})
		}
	}
	f.tables[desc.Table] = t
	return f.info(t), nil
}

func (f *Fake) AddColumn(_ context.Context, info *backend.TableInfo, col backend.Column, target *backend.TableHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["AddColumn"]++

	t := f.byMetaID(info.MetadataID)
	if t == nil {
		return &backend.SchemaError{Table: info.Name, Column: col.Name, Err: &backend.NotFoundError{What: "table", Name: info.MetadataID}}
	}
	if f.RejectColumns[col.Name] {
		return &backend.SchemaError{Table: info.Name, Column: col.Name, Status: 400, Payload: "column rejected"}
	}
	for _, c := range t.columns {
		if c.Name == col.Name {
			return &backend.SchemaError{Table: info.Name, Column: col.Name, Status: 400, Payload: "duplicate column"}
		}
	}
	if col.IsLink() && (target == nil || f.byMetaID(target.MetadataID) == nil) {
		return &backend.SchemaError{Table: info.Name, Column: col.Name, Err: &backend.NotFoundError{What: "link target", Name: col.Link.Target}}
	}
	t.columns = append(t.columns, backend.RemoteColumn{Name: col.Name, ID: col.Name, NativeType: string(col.Type)})
	return nil
}

func (f *Fake) ResolveHandle(ctx context.Context, info *backend.TableInfo) (backend.TableHandle, error) {
	f.mu.Lock()
	f.calls["ResolveHandle"]++
	f.mu.Unlock()

	candidates := append([]string{info.MetadataID}, info.Candidates...)
	id, err := backend.ProbeWriteID(ctx, info.Name, candidates, func(_ context.Context, id string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.byDataID(id) == nil {
			return &backend.NotFoundError{What: "table", Name: id, Status: 404}
		}
		return nil
	})
	if err != nil {
		return backend.TableHandle{}, err
	}
	return backend.TableHandle{Name: info.Name, MetadataID: info.MetadataID, WriteID: id}, nil
}

func (f *Fake) FindByField(_ context.Context, h backend.TableHandle, field, value string) ([]backend.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["FindByField"]++

	t, err := f.writable(h)
	if err != nil {
		return nil, err
	}
	var out []backend.RemoteRecord
	for _, r := range t.rows {
		if backend.AsString(r.Fields[field]) == value {
			out = append(out, copyRecord(r))
		}
	}
	if f.NewestFirst {
		slices.Reverse(out)
	}
	return out, nil
}

func (f *Fake) ListRecords(_ context.Context, h backend.TableHandle) ([]backend.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListRecords"]++

	t, err := f.writable(h)
	if err != nil {
		return nil, err
	}
	out := make([]backend.RemoteRecord, len(t.rows))
	for i, r := range t.rows {
		out[i] = copyRecord(r)
	}
	if f.NewestFirst {
		slices.Reverse(out)
	}
	return out, nil
}

func (f *Fake) CreateRecords(_ context.Context, h backend.TableHandle, rows []backend.Fields) ([]backend.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateRecords"]++

	t, err := f.writable(h)
	if err != nil {
		return nil, err
	}
	if len(rows) > f.caps.MaxBatchSize {
		return nil, &backend.ValidationError{Op: "create records", Status: 400,
			Payload: fmt.Sprintf("%d records exceed the limit of %d", len(rows), f.caps.MaxBatchSize)}
	}
	if f.CreateHook != nil {
		if err := f.CreateHook(t.name, rows); err != nil {
			return nil, err
		}
	}
	for _, r := range rows {
		if err := t.checkColumns(r); err != nil {
			return nil, err
		}
	}

	out := make([]backend.RemoteRecord, len(rows))
	for i, r := range rows {
		f.nextID++
		rec := backend.RemoteRecord{ID: fmt.Sprintf("rec-%d", f.nextID), Fields: copyFields(r)}
		t.rows = append(t.rows, rec)
		out[i] = copyRecord(rec)
	}
	return out, nil
}

func (f *Fake) UpdateRecord(_ context.Context, h backend.TableHandle, remoteID string, fields backend.Fields) (*backend.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateRecord"]++

	t, err := f.writable(h)
	if err != nil {
		return nil, err
	}
	if f.UpdateHook != nil {
		if err := f.UpdateHook(t.name, remoteID, fields); err != nil {
			return nil, err
		}
	}
	if err := t.checkColumns(fields); err != nil {
		return nil, err
	}
	for i := range t.rows {
		if t.rows[i].ID != remoteID {
			continue
		}
		for k, v := range fields {
			t.rows[i].Fields[k] = cloneValue(v)
		}
		rec := copyRecord(t.rows[i])
		return &rec, nil
	}
	return nil, &backend.NotFoundError{What: "record", Name: remoteID, Status: 404}
}

func (f *Fake) ToBackendFields(e *model.Entry) backend.Fields { return backend.EncodeEntry(e) }

func (f *Fake) FromBackendRecord(rec backend.RemoteRecord) (*model.Entry, error) {
	return backend.DecodeEntry(rec.Fields)
}

// EncodeLink renders a many-to-one link as the single id and a
// one-to-many link as the id list.
func (f *Fake) EncodeLink(col backend.Column, remoteIDs []string) any {
	if col.Link != nil && col.Link.Cardinality == backend.OneToMany {
		return slices.Clone(remoteIDs)
	}
	if len(remoteIDs) == 0 {
		return nil
	}
	return remoteIDs[0]
}

// --- test helpers ------------------------------------------------------------

// Calls returns how often the named adapter method ran.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// ResetCalls zeroes all call counters.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = map[string]int{}
}

// Writes returns the number of create and update requests issued.
func (f *Fake) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls["CreateRecords"] + f.calls["UpdateRecord"]
}

// Rows returns copies of the records stored in the named table.
func (f *Fake) Rows(tableName string) []backend.RemoteRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]backend.RemoteRecord, len(t.rows))
	for i, r := range t.rows {
		out[i] = copyRecord(r)
	}
	return out
}

// SetColumnType changes the native type the fake reports for a column.
func (f *Fake) SetColumnType(tableName, column, native string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return
	}
	for i := range t.columns {
		if t.columns[i].Name == column {
			t.columns[i].NativeType = native
		}
	}
}

// Columns returns the column names of the named table in creation order.
func (f *Fake) Columns(tableName string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]string, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.Name
	}
	return out
}

func (f *Fake) byMetaID(id string) *table {
	for _, t := range f.tables {
		if metaID(t.name) == id {
			return t
		}
	}
	return nil
}

func (f *Fake) byDataID(id string) *table {
	for _, t := range f.tables {
		if dataID(t.name) == id {
			return t
		}
	}
	return nil
}

func (f *Fake) writable(h backend.TableHandle) (*table, error) {
	t := f.byDataID(h.WriteID)
	if t == nil {
		return nil, &backend.NotFoundError{What: "table", Name: h.WriteID, Status: 404}
	}
	return t, nil
}

func (t *table) checkColumns(fields backend.Fields) error {
	for k := range fields {
		if !slices.ContainsFunc(t.columns, func(c backend.RemoteColumn) bool { return c.Name == k }) {
			return &backend.ValidationError{Op: "write records", Status: 422,
				Payload: fmt.Sprintf("unknown field %q in table %s", k, t.name)}
		}
	}
	return nil
}

func copyRecord(r backend.RemoteRecord) backend.RemoteRecord {
	return backend.RemoteRecord{ID: r.ID, Fields: copyFields(r.Fields)}
}

func copyFields(f backend.Fields) backend.Fields {
	out := make(backend.Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if s, ok := v.([]string); ok {
		return slices.Clone(s)
	}
	return v
}
