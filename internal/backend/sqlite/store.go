// Package sqlite stores journal entries in a local SQLite database. It
// serves as an offline backend and as the reference implementation of the
// backend contract in tests.
//
// Table and column names come from schema descriptors and are always
// quoted; values are always bound as parameters.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/njoerd114/journalrelay/internal/backend"
	"github.com/njoerd114/journalrelay/internal/model"
)

// Name is the registry key of this backend.
const Name = "sqlite"

const maxBatchSize = 500

// idColumn is the rowid alias every table carries.
const idColumn = "id"

func init() {
	backend.Register(Name, func(_ context.Context, s backend.Settings, logger *slog.Logger) (backend.Adapter, error) {
		path := s.Path
		if path == "" {
			var err error
			if path, err = DefaultDBPath(); err != nil {
				return nil, err
			}
		}
		return Open(path, s.BatchSize, s.Retry, logger)
	})
}

// Store is the SQLite-backed adapter.
type Store struct {
	db      *sql.DB
	batch   int
	retry   backend.RetryPolicy
	handles backend.HandleCache
	logger  *slog.Logger
}

var _ backend.Adapter = (*Store)(nil)

// DefaultDBPath returns the default path for the journal database:
// ~/.local/share/journalrelay/journal.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "journalrelay", "journal.db"), nil
}

// Open opens (or creates) the SQLite database at path and configures WAL
// mode with foreign keys enforced.
func Open(path string, batch int, retry backend.RetryPolicy, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	return &Store{
		db:     db,
		batch:  backend.BatchSize(maxBatchSize, batch),
		retry:  retry,
		logger: logger,
	}, nil
}

func (s *Store) Name() string { return Name }

func (s *Store) Capabilities() backend.Capabilities {
	return backend.Capabilities{MaxBatchSize: s.batch, CreateWithColumns: true}
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- schema ------------------------------------------------------------------

func (s *Store) LookupTable(ctx context.Context, name string) (*backend.TableInfo, error) {
	var found string
	err := s.do(ctx, "lookup table", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&found)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, err
	}
	return s.describe(ctx, name)
}

func (s *Store) describe(ctx context.Context, name string) (*backend.TableInfo, error) {
	info := &backend.TableInfo{Name: name, MetadataID: name}
	err := s.do(ctx, "describe table", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, name)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		info.Columns = info.Columns[:0]
		for rows.Next() {
			var col, typ string
			if err := rows.Scan(&col, &typ); err != nil {
				return err
			}
			if col == idColumn {
				continue
			}
			info.Columns = append(info.Columns, backend.RemoteColumn{Name: col, ID: col, NativeType: typ})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("describing table %s: %w", name, err)
	}
	return info, nil
}

func (s *Store) CreateTable(ctx context.Context, desc backend.SchemaDescriptor) (*backend.TableInfo, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n    %s INTEGER PRIMARY KEY AUTOINCREMENT", quote(desc.Table), idColumn)
	for _, c := range desc.PlainColumns() {
		fmt.Fprintf(&b, ",\n    %s %s", quote(c.Name), nativeType(c.Type))
	}
	b.WriteString("\n)")

	stmts := []string{b.String()}
	for _, key := range []string{backend.ColJournalID, backend.ColAttachmentKey} {
		if _, ok := desc.Column(key); ok {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
				quote("idx_"+desc.Table+"_"+key), quote(desc.Table), quote(key)))
		}
	}

	err := s.inTx(ctx, "create table", func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, backend.AsSchemaError(err, desc.Table, "")
	}
	s.logger.Info("created table", "table", desc.Table)
	return s.describe(ctx, desc.Table)
}

func (s *Store) AddColumn(ctx context.Context, table *backend.TableInfo, col backend.Column, target *backend.TableHandle) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(table.MetadataID), quote(col.Name), nativeType(col.Type))
	if col.IsLink() {
		if target == nil {
			return &backend.SchemaError{Table: table.Name, Column: col.Name, Err: fmt.Errorf("link target not resolved")}
		}
		if col.Link.Cardinality == backend.OneToMany {
			return &backend.SchemaError{Table: table.Name, Column: col.Name,
				Err: fmt.Errorf("one-to-many links are derived from the many side in sqlite")}
		}
		stmt += fmt.Sprintf(" REFERENCES %s(%s)", quote(target.MetadataID), idColumn)
	}
	err := s.do(ctx, "add column", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	})
	return backend.AsSchemaError(err, table.Name, col.Name)
}

// ResolveHandle verifies the table is readable. SQLite addresses a table by
// its name on both paths.
func (s *Store) ResolveHandle(ctx context.Context, table *backend.TableInfo) (backend.TableHandle, error) {
	if h, ok := s.handles.Get(table.Name); ok {
		return h, nil
	}
	candidates := append([]string{table.MetadataID}, table.Candidates...)
	writeID, err := backend.ProbeWriteID(ctx, table.Name, candidates, func(ctx context.Context, id string) error {
		return s.do(ctx, "probe table", func(ctx context.Context) error {
			rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", quote(id)))
			if err != nil {
				return err
			}
			return rows.Close()
		})
	})
	if err != nil {
		return backend.TableHandle{}, err
	}
	h := backend.TableHandle{Name: table.Name, MetadataID: table.MetadataID, WriteID: writeID}
	s.handles.Put(h)
	return h, nil
}

// --- records -----------------------------------------------------------------

func (s *Store) FindByField(ctx context.Context, h backend.TableHandle, field, value string) ([]backend.RemoteRecord, error) {
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? ORDER BY %s", quote(h.WriteID), quote(field), idColumn)
	return s.query(ctx, "find records", q, value)
}

func (s *Store) ListRecords(ctx context.Context, h backend.TableHandle) ([]backend.RemoteRecord, error) {
	q := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", quote(h.WriteID), idColumn)
	return s.query(ctx, "list records", q)
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]backend.RemoteRecord, error) {
	var out []backend.RemoteRecord
	err := s.do(ctx, op, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// CreateRecords inserts all rows in one transaction, so a chunk either
// lands completely or not at all.
func (s *Store) CreateRecords(ctx context.Context, h backend.TableHandle, rows []backend.Fields) ([]backend.RemoteRecord, error) {
	if len(rows) > s.batch {
		return nil, fmt.Errorf("sqlite: %d rows exceed batch size %d", len(rows), s.batch)
	}
	out := make([]backend.RemoteRecord, len(rows))
	err := s.inTx(ctx, "create records", func(tx *sql.Tx) error {
		for i, r := range rows {
			cols, args := columnsAndArgs(r)
			var q string
			if len(cols) == 0 {
				q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quote(h.WriteID))
			} else {
				q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
					quote(h.WriteID), strings.Join(quoteAll(cols), ", "), placeholders(len(cols)))
			}
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			out[i] = backend.RemoteRecord{ID: strconv.FormatInt(id, 10), Fields: r}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateRecord(ctx context.Context, h backend.TableHandle, remoteID string, fields backend.Fields) (*backend.RemoteRecord, error) {
	cols, args := columnsAndArgs(fields)
	if len(cols) == 0 {
		return &backend.RemoteRecord{ID: remoteID, Fields: fields}, nil
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = quote(c) + " = ?"
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quote(h.WriteID), strings.Join(sets, ", "), idColumn)
	args = append(args, remoteID)

	var affected int64
	err := s.do(ctx, "update record", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &backend.NotFoundError{What: "record", Name: h.Name + "/" + remoteID}
	}
	return &backend.RemoteRecord{ID: remoteID, Fields: fields}, nil
}

// --- conversion --------------------------------------------------------------

func (s *Store) ToBackendFields(e *model.Entry) backend.Fields { return backend.EncodeEntry(e) }

func (s *Store) FromBackendRecord(rec backend.RemoteRecord) (*model.Entry, error) {
	return backend.DecodeEntry(rec.Fields)
}

// EncodeLink stores a many-to-one link as the referenced rowid.
func (s *Store) EncodeLink(_ backend.Column, remoteIDs []string) any {
	if len(remoteIDs) == 0 {
		return nil
	}
	if n, err := strconv.ParseInt(remoteIDs[0], 10, 64); err == nil {
		return n
	}
	return remoteIDs[0]
}

// --- helpers -----------------------------------------------------------------

// do runs fn under the retry policy, translating driver errors into the
// backend taxonomy.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return backend.Retry(ctx, s.retry, func(ctx context.Context) error {
		return classify(op, fn(ctx))
	})
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.do(ctx, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// classify maps lock contention to transport errors (retryable) and other
// driver rejections to validation errors carrying the SQLite message.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &backend.TransportError{Op: op, Payload: se.Error(), Err: err}
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return &backend.ValidationError{Op: op, Payload: err.Error()}
}

// scanner is the subset of *sql.Rows used to read a record.
type scanner interface {
	Columns() ([]string, error)
	Scan(dest ...any) error
}

func scanRecord(s scanner) (backend.RemoteRecord, error) {
	cols, err := s.Columns()
	if err != nil {
		return backend.RemoteRecord{}, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := s.Scan(ptrs...); err != nil {
		return backend.RemoteRecord{}, fmt.Errorf("scanning record row: %w", err)
	}

	rec := backend.RemoteRecord{Fields: make(backend.Fields, len(cols))}
	for i, c := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if c == idColumn {
			rec.ID = backend.AsString(v)
			continue
		}
		rec.Fields[c] = v
	}
	return rec, nil
}

func columnsAndArgs(f backend.Fields) ([]string, []any) {
	cols := make([]string, 0, len(f))
	for c := range f {
		if c != idColumn {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = f[c]
	}
	return cols, args
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteAll(idents []string) []string {
	out := make([]string, len(idents))
	for i, s := range idents {
		out[i] = quote(s)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
