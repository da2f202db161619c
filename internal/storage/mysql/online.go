package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"featurestore/internal/storage"
)

const maxCellsPerStatement = 1000

// Store implements storage.OnlineStore for MySQL and MariaDB.
//
// Last-write-wins uses INSERT ... ON DUPLICATE KEY UPDATE with IF() guards.
// MySQL evaluates the assignments left to right, so event_ts is assigned
// last: the guards before it still see the stored timestamp.
//
// The written count is MySQL's affected-rows figure, where an updated row
// counts twice and an unchanged one zero.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("mysql", New)
}

// New parses cfg.DSN with the driver's own parser (so a malformed DSN fails
// before dialing) and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.OnlineStore, error) {
	dc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	connector, err := mysql.NewConnector(dc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

// EnsureTables creates the view tables when missing.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, buildCreateSQL(t.Name)); err != nil {
			return fmt.Errorf("mysql: create table %s: %w", t.Name, err)
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
			return 0, fmt.Errorf("mysql: upsert %s: %w", table, err)
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
	q, args := buildSelectSQL(table, keys)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("mysql: select %s: %w", table, err)
	}
	defer rows.Close()

	var cells []storage.Cell
	for rows.Next() {
		var c storage.Cell
		var value sql.NullString
		if err := rows.Scan(&c.EntityKey, &c.Feature, &value, &c.EventTS, &c.CreatedTS); err != nil {
			return nil, err
		}
		c.Value = "null"
		if value.Valid {
			c.Value = value.String
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
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+myIdent(t)); err != nil {
			return fmt.Errorf("mysql: drop table %s: %w", t, err)
		}
	}
	return nil
}

func myIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// buildCreateSQL uses VARCHAR(191) for feature names so the composite key
// stays inside InnoDB's index size with utf8mb4.
func buildCreateSQL(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s ("+
		"entity_key CHAR(64) NOT NULL, "+
		"feature_name VARCHAR(191) NOT NULL, "+
		"value LONGTEXT NULL, "+
		"event_ts BIGINT NOT NULL, "+
		"created_ts BIGINT NOT NULL DEFAULT 0, "+
		"PRIMARY KEY (entity_key, feature_name)"+
		") DEFAULT CHARSET=utf8mb4", myIdent(table))
}

func buildUpsertSQL(table string, cells []storage.Cell) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(myIdent(table))
	b.WriteString(" (entity_key, feature_name, value, event_ts, created_ts) VALUES ")

	args := make([]any, 0, len(cells)*5)
	for i, c := range cells {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, c.EntityKey, c.Feature, c.Value, c.EventTS, c.CreatedTS)
	}
	const newer = "event_ts <= VALUES(event_ts)"
	b.WriteString(" ON DUPLICATE KEY UPDATE ")
	b.WriteString("value = IF(" + newer + ", VALUES(value), value), ")
	b.WriteString("created_ts = IF(" + newer + ", VALUES(created_ts), created_ts), ")
	b.WriteString("event_ts = IF(" + newer + ", VALUES(event_ts), event_ts)")
	return b.String(), args
}

func buildSelectSQL(table string, keys []string) (string, []any) {
	ph := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
	q := fmt.Sprintf(
		"SELECT entity_key, feature_name, value, event_ts, created_ts FROM %s WHERE entity_key IN (%s)",
		myIdent(table), ph,
	)
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return q, args
}
