package nocodb

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/backend/rest"
	"github.com/njoerd114/journalrelay/internal/model"
)

// NocoDB v3 UI types.
const (
	typeText     = "SingleLineText"
	typeLongText = "LongText"
	typeDecimal  = "Decimal"
	typeNumber   = "Number"
	typeCheckbox = "Checkbox"
	typeDate     = "Date"
	typeLinks    = "Links"
)

type ncField struct {
	ID    rest.ID `json:"id"`
	Title string  `json:"title"`
	Type  string  `json:"type"`
}

type ncTable struct {
	ID     rest.ID   `json:"id"`
	UUID   string    `json:"uuid,omitempty"`
	Title  string    `json:"title"`
	Fields []ncField `json:"fields,omitempty"`
}

type ncRecord struct {
	ID     rest.ID        `json:"id,omitempty"`
	Fields backend.Fields `json:"fields"`
}

type ncRecordPage struct {
	Records []ncRecord `json:"records"`
	Next    string     `json:"next,omitempty"`
}

// NativeType maps a semantic column type to NocoDB's type name.
func (a *Adapter) NativeType(col backend.Column) string { return nativeType(col.Type) }

func nativeType(t backend.ColumnType) string {
	switch t {
	case backend.TypeLongText:
		return typeLongText
	case backend.TypeNumber:
		return typeDecimal
	case backend.TypeInteger:
		return typeNumber
	case backend.TypeBool:
		return typeCheckbox
	case backend.TypeDate:
		return typeDate
	case backend.TypeLink:
		return typeLinks
	default:
		return typeText
	}
}

func fieldDef(col backend.Column) map[string]any {
	return map[string]any{"title": col.Name, "type": nativeType(col.Type)}
}

func toFieldDefs(cols []backend.Column) []map[string]any {
	out := make([]map[string]any, len(cols))
	for i, c := range cols {
		out[i] = fieldDef(c)
	}
	return out
}

func relationType(c backend.Cardinality) string {
	if c == backend.OneToMany {
		return "hm"
	}
	return "bt"
}

// toFields starts from the canonical representation; NocoDB accepts all of
// its value shapes as they are.
func toFields(e *model.Entry) backend.Fields {
	return backend.EncodeEntry(e)
}

// whereEq renders NocoDB's comparison filter. Commas and parentheses in the
// value would end the clause early, so they are escaped.
func whereEq(field, value string) string {
	r := strings.NewReplacer(`\`, `\\`, `,`, `\,`, `(`, `\(`, `)`, `\)`)
	return fmt.Sprintf("(%s,eq,%s)", field, r.Replace(value))
}

// createdIDs extracts the ids of created records. Depending on the server
// version the response is either a bare list or wrapped in "records".
func createdIDs(raw json.RawMessage) ([]string, error) {
	var recs []ncRecord
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil, fmt.Errorf("decoding created records: %w", err)
		}
	case strings.HasPrefix(trimmed, "{"):
		var page ncRecordPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decoding created records: %w", err)
		}
		recs = page.Records
	default:
		return nil, fmt.Errorf("unexpected create response %q", trimmed)
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		if r.ID == "" {
			return nil, fmt.Errorf("created record %d has no id", i)
		}
		ids[i] = string(r.ID)
	}
	return ids, nil
}
