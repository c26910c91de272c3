package teable

import (
	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/model"
)

// Teable field types.
const (
	typeSingleLine = "singleLineText"
	typeLongText   = "longText"
	typeNumber     = "number"
	typeCheckbox   = "checkbox"
	typeDate       = "date"
	typeLink       = "link"
)

type tbTable struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DBTableName string `json:"dbTableName,omitempty"`
}

type tbField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type tbRecord struct {
	ID     string         `json:"id,omitempty"`
	Fields backend.Fields `json:"fields"`
}

type tbRecordPage struct {
	Records []tbRecord `json:"records"`
}

// NativeType maps a semantic column type to Teable's field type.
func (a *Adapter) NativeType(col backend.Column) string { return nativeType(col.Type) }

func nativeType(t backend.ColumnType) string {
	switch t {
	case backend.TypeLongText:
		return typeLongText
	case backend.TypeNumber, backend.TypeInteger:
		return typeNumber
	case backend.TypeBool:
		return typeCheckbox
	case backend.TypeDate:
		return typeDate
	case backend.TypeLink:
		return typeLink
	default:
		return typeSingleLine
	}
}

func fieldDef(col backend.Column) map[string]any {
	def := map[string]any{"name": col.Name, "type": nativeType(col.Type)}
	switch col.Type {
	case backend.TypeInteger:
		def["options"] = map[string]any{"formatting": map[string]any{"type": "decimal", "precision": 0}}
	case backend.TypeNumber:
		def["options"] = map[string]any{"formatting": map[string]any{"type": "decimal", "precision": 6}}
	}
	return def
}

func relationship(c backend.Cardinality) string {
	if c == backend.OneToMany {
		return "oneMany"
	}
	return "manyOne"
}

// toFields adapts the canonical representation: Teable stores an unchecked
// checkbox as an absent value, so false is sent as null.
func toFields(e *model.Entry) backend.Fields {
	f := backend.EncodeEntry(e)
	for _, col := range []string{backend.ColIsFavorite, backend.ColIsPinned} {
		if v, ok := f[col].(bool); ok && !v {
			f[col] = nil
		}
	}
	return f
}
