package grist

import (
	"strings"
	"time"
	"unicode"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/backend/rest"
	"github.com/njoerd114/journalrelay/internal/model"
)

// Grist column types.
const (
	typeText    = "Text"
	typeNumeric = "Numeric"
	typeInt     = "Int"
	typeBool    = "Bool"
	typeDate    = "Date"
	typeRef     = "Ref:"
	typeRefList = "RefList:"
)

type gristColumn struct {
	ID     string           `json:"id"`
	Fields gristColumnProps `json:"fields"`
}

type gristColumnProps struct {
	Type  string `json:"type,omitempty"`
	Label string `json:"label,omitempty"`
}

type gristRecord struct {
	ID     rest.ID        `json:"id,omitempty"`
	Fields backend.Fields `json:"fields,omitempty"`
}

type gristRecords struct {
	Records []gristRecord `json:"records"`
}

// NativeType maps a declared column to the type Grist reports for it.
func (a *Adapter) NativeType(col backend.Column) string {
	target := ""
	if col.Link != nil {
		target = tableID(col.Link.Target)
	}
	return nativeType(col, target)
}

func nativeType(col backend.Column, targetID string) string {
	switch col.Type {
	case backend.TypeNumber:
		return typeNumeric
	case backend.TypeInteger:
		return typeInt
	case backend.TypeBool:
		return typeBool
	case backend.TypeDate:
		return typeDate
	case backend.TypeLink:
		if col.Link != nil && col.Link.Cardinality == backend.OneToMany {
			return typeRefList + targetID
		}
		return typeRef + targetID
	default:
		return typeText
	}
}

func columnDef(col backend.Column, targetID string) gristColumn {
	return gristColumn{ID: col.Name, Fields: gristColumnProps{Type: nativeType(col, targetID), Label: col.Name}}
}

// tableID derives the identifier Grist assigns to a table name: letters,
// digits and underscores only, starting with an upper-case letter.
func tableID(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	id := b.String()
	if id == "" {
		return "Table1"
	}
	first := rune(id[0])
	switch {
	case unicode.IsDigit(first) || first == '_':
		id = "T" + id
	case unicode.IsLower(first):
		id = string(unicode.ToUpper(first)) + id[1:]
	}
	return id
}

// toFields adapts the canonical representation. Grist Date cells hold
// seconds since the epoch at UTC midnight.
func toFields(e *model.Entry) backend.Fields {
	f := backend.EncodeEntry(e)
	if s, ok := f[backend.ColCalendarEntryAt].(string); ok {
		if d, err := time.Parse(time.DateOnly, s); err == nil {
			f[backend.ColCalendarEntryAt] = d.Unix()
		}
	}
	return f
}

// fromFields drops null cells. Absent values are always written as null,
// so a 0 in a numeric cell is a real value.
func fromFields(f backend.Fields) backend.Fields {
	out := make(backend.Fields, len(f))
	for k, v := range f {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
