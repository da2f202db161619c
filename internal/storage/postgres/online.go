package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"featurestore/internal/storage"
)

// maxCellsPerStatement keeps one upsert well under the 65535 bind parameter
// limit of the wire protocol.
const maxCellsPerStatement = 2000

/*
Store implements storage.OnlineStore for Postgres.

It provides:
  - One row per (entity_key, feature_name) with the value as JSONB
  - Last-write-wins upserts via ON CONFLICT ... DO UPDATE ... WHERE
  - Transactional batch writes through a pgx pool
*/
type Store struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a new Postgres-backed Store.
func New(ctx context.Context, cfg storage.Config) (storage.OnlineStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureTables creates the schema (for qualified names) and the view tables.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL := buildCreateSQL(t.Name)
		if schemaSQL != "" {
			if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := s.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// WriteRows upserts rows in one transaction.
func (s *Store) WriteRows(ctx context.Context, table string, rows []storage.Row) (int64, error) {
	cells, err := storage.Cells(rows)
	if err != nil {
		return 0, err
	}
	if len(cells) == 0 {
		return 0, nil
	}

	var written int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, chunk := range storage.Chunk(cells, maxCellsPerStatement) {
			q, args := buildUpsertSQL(table, chunk)
			cmd, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return fmt.Errorf("postgres: upsert %s: %w", table, err)
			}
			written += cmd.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// ReadRows selects every stored feature of keys.
func (s *Store) ReadRows(ctx context.Context, table string, keys []string) (map[string]storage.Row, error) {
	if len(keys) == 0 {
		return map[string]storage.Row{}, nil
	}
	rows, err := s.pool.Query(ctx, buildSelectSQL(table), keys)
	if err != nil {
		return nil, fmt.Errorf("postgres: select %s: %w", table, err)
	}
	defer rows.Close()

	var cells []storage.Cell
	for rows.Next() {
		var c storage.Cell
		var value *string
		if err := rows.Scan(&c.EntityKey, &c.Feature, &value, &c.EventTS, &c.CreatedTS); err != nil {
			return nil, err
		}
		c.Value = "null"
		if value != nil {
			c.Value = *value
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return storage.Assemble(cells)
}

// DropTables drops tables if they exist.
func (s *Store) DropTables(ctx context.Context, tables []string) error {
	for _, t := range tables {
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgTableIdent(t)); err != nil {
			return fmt.Errorf("postgres: drop table %s: %w", t, err)
		}
	}
	return nil
}

// buildCreateSQL returns the DDL for one view table. schemaSQL is empty for
// unqualified names.
func buildCreateSQL(table string) (schemaSQL, tableSQL string) {
	if schema, _ := splitQualifiedName(table); schema != "" {
		schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(schema)
	}
	tableSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  entity_key TEXT NOT NULL,
  feature_name TEXT NOT NULL,
  value JSONB,
  event_ts BIGINT NOT NULL,
  created_ts BIGINT NOT NULL DEFAULT 0,
  PRIMARY KEY (entity_key, feature_name)
)`, pgTableIdent(table))
	return schemaSQL, tableSQL
}

// buildUpsertSQL constructs one multi-row upsert and its args.
//
// It is pure and deterministic so placeholder numbering and the
// last-write-wins guard are unit tested without a database.
func buildUpsertSQL(table string, cells []storage.Cell) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" AS t (entity_key, feature_name, value, event_ts, created_ts) VALUES ")

	args := make([]any, 0, len(cells)*5)
	p := 1
	for i, c := range cells {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d, $%d::jsonb, $%d, $%d)", p, p+1, p+2, p+3, p+4)
		p += 5
		args = append(args, c.EntityKey, c.Feature, c.Value, c.EventTS, c.CreatedTS)
	}
	b.WriteString(" ON CONFLICT (entity_key, feature_name) DO UPDATE SET")
	b.WriteString(" value = EXCLUDED.value, event_ts = EXCLUDED.event_ts, created_ts = EXCLUDED.created_ts")
	b.WriteString(" WHERE t.event_ts <= EXCLUDED.event_ts")
	return b.String(), args
}

func buildSelectSQL(table string) string {
	return fmt.Sprintf(
		`SELECT entity_key, feature_name, value::text, event_ts, created_ts FROM %s WHERE entity_key = ANY($1)`,
		pgTableIdent(table),
	)
}

// splitQualifiedName splits "schema.table"; schema is empty when absent.
func splitQualifiedName(name string) (schema string, table string) {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}
