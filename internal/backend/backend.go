// Package backend defines the capability set every record-store backend
// implements, together with the pieces shared by all implementations: the
// error taxonomy, the retry policy, the batch chunker, the journal table
// layout, and the canonical field codec.
//
// Concrete adapters live in sub-packages (nocodb, teable, grist, sqlite) and
// register themselves with [Register] from an init function. The CLI selects
// one by name through [Open].
package backend

import (
	"context"

	"github.com/njoerd114/journalrelay/internal/model"
)

// Fields is a backend-native field map keyed by column name.
type Fields map[string]any

// RemoteRecord is a row as stored by a backend. ID is the identifier the
// backend's data-write path accepts for this row; it is never used to match
// entries across runs.
type RemoteRecord struct {
	ID     string
	Fields Fields
}

// ColumnType is the semantic type of a column. Each adapter maps it to a
// native type name.
type ColumnType string

const (
	TypeText     ColumnType = "text"
	TypeLongText ColumnType = "long_text"
	TypeNumber   ColumnType = "number"
	TypeInteger  ColumnType = "integer"
	TypeBool     ColumnType = "bool"
	TypeDate     ColumnType = "date"
	TypeLink     ColumnType = "link"
)

// Cardinality of a link column, seen from the table that owns the column.
type Cardinality string

const (
	ManyToOne Cardinality = "many_to_one"
	OneToMany Cardinality = "one_to_many"
)

// LinkSpec describes the relationship carried by a [TypeLink] column.
type LinkSpec struct {
	Target      string
	Cardinality Cardinality
}

// Column is one declared column of a [SchemaDescriptor].
type Column struct {
	Name string
	Type ColumnType
	Link *LinkSpec
}

// IsLink reports whether the column relates two tables.
func (c Column) IsLink() bool { return c.Type == TypeLink && c.Link != nil }

// SchemaDescriptor is the declared shape of one table. Descriptors are
// append-only: the reconciler adds what is missing and never drops or
// retypes existing columns.
type SchemaDescriptor struct {
	Table   string
	Columns []Column
}

// PlainColumns returns the non-link columns in declaration order.
func (d SchemaDescriptor) PlainColumns() []Column {
	out := make([]Column, 0, len(d.Columns))
	for _, c := range d.Columns {
		if !c.IsLink() {
			out = append(out, c)
		}
	}
	return out
}

// LinkColumns returns the link columns in declaration order.
func (d SchemaDescriptor) LinkColumns() []Column {
	var out []Column
	for _, c := range d.Columns {
		if c.IsLink() {
			out = append(out, c)
		}
	}
	return out
}

// Column looks up a declared column by name.
func (d SchemaDescriptor) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// RemoteColumn is a column as reported by a backend's metadata endpoint.
type RemoteColumn struct {
	// Name is the user-visible column name used in record payloads.
	Name string
	// ID is the backend-internal column identifier, if distinct.
	ID string
	// NativeType is the backend's own type name.
	NativeType string
}

// TableInfo is what a backend's metadata endpoint reports for a table.
type TableInfo struct {
	// Name is the user-assigned table name, the only identifier stable
	// across runs.
	Name string

	// MetadataID is the identifier the metadata endpoint uses for the table.
	MetadataID string

	// Candidates lists further identifiers the metadata reported that may be
	// the one the data-write path expects, in preference order.
	Candidates []string

	Columns []RemoteColumn
}

// Column looks up a remote column by name.
func (t *TableInfo) Column(name string) (RemoteColumn, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return RemoteColumn{}, false
}

// TableHandle identifies a table for both schema and data operations. The
// two identifiers may coincide but are never assumed to.
type TableHandle struct {
	Name       string
	MetadataID string
	WriteID    string
}

// Capabilities describes backend-imposed limits and behaviours.
type Capabilities struct {
	// MaxBatchSize is the hard cap of records per create request.
	MaxBatchSize int

	// CreateWithColumns is true when a table can be created together with
	// its full column set in one call.
	CreateWithColumns bool

	// ReverseLinks is true when the owning side of a relation is a separate
	// column that must be written explicitly (the entry's list of
	// attachments).
	ReverseLinks bool
}

// Adapter is the capability set of one backend.
//
// Schema methods are primitives; idempotent table ensuring is built on top
// of them by the schema reconciler. Record methods operate on handles that
// the reconciler resolved.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	// NativeType maps a declared column to the type name the backend
	// reports for such a column. Used for drift detection.
	NativeType(col Column) string

	// LookupTable finds a table by name. It returns (nil, nil) if absent.
	LookupTable(ctx context.Context, name string) (*TableInfo, error)

	// CreateTable creates the table with the descriptor's plain columns
	// (or bare, when CreateWithColumns is false).
	CreateTable(ctx context.Context, desc SchemaDescriptor) (*TableInfo, error)

	// AddColumn adds one column. For link columns target is the resolved
	// handle of the linked table; it is nil otherwise.
	AddColumn(ctx context.Context, table *TableInfo, col Column, target *TableHandle) error

	// ResolveHandle determines and validates the identifier the data-write
	// path accepts for the table.
	ResolveHandle(ctx context.Context, table *TableInfo) (TableHandle, error)

	// FindByField returns the records whose field equals value.
	FindByField(ctx context.Context, h TableHandle, field, value string) ([]RemoteRecord, error)

	// ListRecords returns every record of the table.
	ListRecords(ctx context.Context, h TableHandle) ([]RemoteRecord, error)

	// CreateRecords creates at most Capabilities().MaxBatchSize records in
	// one request and returns them in input order.
	CreateRecords(ctx context.Context, h TableHandle, rows []Fields) ([]RemoteRecord, error)

	// UpdateRecord overwrites the given fields of one record.
	UpdateRecord(ctx context.Context, h TableHandle, remoteID string, fields Fields) (*RemoteRecord, error)

	// ToBackendFields and FromBackendRecord translate between the entry
	// model and the backend's record representation.
	ToBackendFields(e *model.Entry) Fields
	FromBackendRecord(rec RemoteRecord) (*model.Entry, error)

	// EncodeLink renders remote record ids as the value of a link column.
	EncodeLink(col Column, remoteIDs []string) any

	Close() error
}

// FindRecordByExternalID looks up an entry record by its immutable external
// id, never by the backend's primary key. It returns (nil, nil) if no record
// matches. When several match, the first one reported wins.
func FindRecordByExternalID(ctx context.Context, a Adapter, h TableHandle, id string) (*RemoteRecord, error) {
	recs, err := a.FindByField(ctx, h, ColJournalID, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	return &recs[0], nil
}
