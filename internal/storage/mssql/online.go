package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"featurestore/internal/storage"
)

// maxCellsPerStatement keeps a MERGE under SQL Server's 2100 parameter cap
// (5 per cell).
const maxCellsPerStatement = 400

// Store implements storage.OnlineStore for Microsoft SQL Server.
//
// Writes use one MERGE per chunk: matched rows are updated only when the
// incoming event timestamp is equal or newer, unmatched rows are inserted.
// HOLDLOCK serializes concurrent merges on the same keys.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.OnlineStore, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(64)
	db.SetMaxIdleConns(64)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases database resources held by this store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureTables creates the view tables when missing.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, buildCreateSQL(t.Name)); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// WriteRows merges rows in one transaction.
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
		q, args := buildMergeSQL(table, chunk)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: merge %s: %w", table, err)
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
	for start := 0; start < len(keys); start += 2000 {
		end := min(start+2000, len(keys))
		q, args := buildSelectSQL(table, keys[start:end])
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("mssql: select %s: %w", table, err)
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
		q := fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;", strings.ReplaceAll(t, "'", "''"), mssqlTableIdent(t))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: drop table %s: %w", t, err)
		}
	}
	return nil
}

// buildCreateSQL wraps CREATE TABLE in an OBJECT_ID guard, which keeps
// EnsureTables idempotent without IF NOT EXISTS syntax.
func buildCreateSQL(table string) string {
	defs := "entity_key NVARCHAR(64) NOT NULL, " +
		"feature_name NVARCHAR(256) NOT NULL, " +
		"value NVARCHAR(MAX) NULL, " +
		"event_ts BIGINT NOT NULL, " +
		"created_ts BIGINT NOT NULL DEFAULT 0, " +
		"PRIMARY KEY (entity_key, feature_name)"
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(table, "'", "''"),
		mssqlTableIdent(table),
		defs,
	)
}

// buildMergeSQL builds the MERGE statement and its args for one chunk.
func buildMergeSQL(table string, cells []storage.Cell) (string, []any) {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")

	args := make([]any, 0, len(cells)*5)
	p := 1
	for i, c := range cells {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(@p%d, @p%d, @p%d, @p%d, @p%d)", p, p+1, p+2, p+3, p+4)
		p += 5
		args = append(args, c.EntityKey, c.Feature, c.Value, c.EventTS, c.CreatedTS)
	}
	b.WriteString(") AS src (entity_key, feature_name, value, event_ts, created_ts)")
	b.WriteString(" ON tgt.entity_key = src.entity_key AND tgt.feature_name = src.feature_name")
	b.WriteString(" WHEN MATCHED AND tgt.event_ts <= src.event_ts THEN UPDATE SET")
	b.WriteString(" value = src.value, event_ts = src.event_ts, created_ts = src.created_ts")
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (entity_key, feature_name, value, event_ts, created_ts)")
	b.WriteString(" VALUES (src.entity_key, src.feature_name, src.value, src.event_ts, src.created_ts);")
	return b.String(), args
}

func buildSelectSQL(table string, keys []string) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT entity_key, feature_name, value, event_ts, created_ts FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WHERE entity_key IN (")

	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
		args = append(args, k)
	}
	b.WriteString(")")
	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.features" -> [dbo].[features]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
