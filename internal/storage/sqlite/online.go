package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"featurestore/internal/storage"
)

// maxCellsPerStatement keeps an upsert under SQLite's default limit of 999
// bind parameters (5 per cell).
const maxCellsPerStatement = 190

// Store implements storage.OnlineStore for SQLite.
//
// Key design points:
//   - One row per (entity_key, feature_name); value holds JSON.
//   - Timestamps are INTEGER unix micros, which compare correctly in the
//     upsert WHERE clause (TEXT timestamps would not across offsets).
//   - The pool is capped at one connection: SQLite allows a single writer,
//     and ":memory:" databases are private to their connection.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens (and creates, for file DSNs) the database at cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.OnlineStore, error) {
	if dir := fileDir(cfg.DSN); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// fileDir returns the parent directory of a plain file DSN, or "".
func fileDir(dsn string) string {
	if dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	path, _, _ := strings.Cut(dsn, "?")
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

func (s *Store) Close() { _ = s.db.Close() }

// EnsureTables creates the per-view tables. Idempotent.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, buildCreateSQL(t.Name)); err != nil {
			return fmt.Errorf("sqlite: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// WriteRows upserts the rows in one transaction.
func (s *Store) WriteRows(ctx context.Context, table string, rows []storage.Row) (int64, error) {
	cells, err := storage.Cells(rows)
	if err != nil {
		return 0, err
	}
	if len(cells) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var written int64
	for _, chunk := range storage.Chunk(cells, maxCellsPerStatement) {
		q, args := buildUpsertSQL(table, chunk)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlite: upsert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		written += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// ReadRows selects every stored feature of keys.
func (s *Store) ReadRows(ctx context.Context, table string, keys []string) (map[string]storage.Row, error) {
	if len(keys) == 0 {
		return map[string]storage.Row{}, nil
	}
	var cells []storage.Cell
	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		q, args := buildSelectSQL(table, keys[start:end])
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: select %s: %w", table, err)
		}
		for rows.Next() {
			var c storage.Cell
			var value sql.NullString
			if err := rows.Scan(&c.EntityKey, &c.Feature, &value, &c.EventTS, &c.CreatedTS); err != nil {
				rows.Close()
				return nil, err
			}
			c.Value = "null"
			if value.Valid {
				c.Value = value.String
			}
			cells = append(cells, c)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return storage.Assemble(cells)
}

// DropTables drops tables if they exist.
func (s *Store) DropTables(ctx context.Context, tables []string) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(t)); err != nil {
			return fmt.Errorf("sqlite: drop table %s: %w", t, err)
		}
	}
	return nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildCreateSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  entity_key TEXT NOT NULL,
  feature_name TEXT NOT NULL,
  value TEXT,
  event_ts INTEGER NOT NULL,
  created_ts INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (entity_key, feature_name)
)`, sqlIdent(table))
}

// buildUpsertSQL builds a multi-row upsert that only replaces a stored value
// when the incoming event timestamp is equal or newer.
func buildUpsertSQL(table string, cells []storage.Cell) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (entity_key, feature_name, value, event_ts, created_ts) VALUES ")

	args := make([]any, 0, len(cells)*5)
	for i, c := range cells {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, c.EntityKey, c.Feature, c.Value, c.EventTS, c.CreatedTS)
	}
	b.WriteString(" ON CONFLICT (entity_key, feature_name) DO UPDATE SET")
	b.WriteString(" value = excluded.value, event_ts = excluded.event_ts, created_ts = excluded.created_ts")
	b.WriteString(" WHERE ")
	b.WriteString(sqlIdent(table))
	b.WriteString(".event_ts <= excluded.event_ts")
	return b.String(), args
}

func buildSelectSQL(table string, keys []string) (string, []any) {
	ph := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
	q := fmt.Sprintf(
		`SELECT entity_key, feature_name, value, event_ts, created_ts FROM %s WHERE entity_key IN (%s)`,
		sqlIdent(table), ph,
	)
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return q, args
}
