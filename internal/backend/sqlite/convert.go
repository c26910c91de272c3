package sqlite

import "github.com/njoerd114/journalrelay/internal/backend"

// NativeType maps a declared column to its SQLite column type.
func (s *Store) NativeType(col backend.Column) string { return nativeType(col.Type) }

func nativeType(t backend.ColumnType) string {
	switch t {
	case backend.TypeNumber:
		return "REAL"
	case backend.TypeInteger, backend.TypeBool, backend.TypeLink:
		return "INTEGER"
	default:
		return "TEXT"
	}
}
