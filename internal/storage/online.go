package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config selects and configures an online store backend.
//
// Edge cases:
//   - Kind must match a registered backend ("sqlite", "postgres", ...).
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// TableSpec describes the online table of one feature view.
type TableSpec struct {
	Name     string
	View     string
	Features []string
}

// Row is the latest known feature values of one entity in one view.
//
// EntityKey is builtin.EntityKey over the view join keys. Values holds one
// entry per feature; a nil value is a stored null.
type Row struct {
	EntityKey string
	EventTS   time.Time
	CreatedTS time.Time
	Values    map[string]any
}

// OnlineStore is a backend-agnostic key/value view of materialized features.
//
// Each backend implements last-write-wins in its own idiomatic way (ON
// CONFLICT ... WHERE, MERGE, conditional upsert): a value is replaced only by
// a write whose event timestamp is equal or newer, so replays and out-of-order
// pushes never move a feature back in time.
type OnlineStore interface {
	// Close releases backend resources. Call once.
	Close()

	// EnsureTables creates the tables if missing. Idempotent.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// WriteRows upserts rows into table and returns the number of feature
	// values written (stale values are not counted).
	WriteRows(ctx context.Context, table string, rows []Row) (int64, error)

	// ReadRows returns the stored rows for keys. Missing keys are absent
	// from the map. Numbers come back as json.Number; callers coerce them
	// against the view schema.
	ReadRows(ctx context.Context, table string, keys []string) (map[string]Row, error)

	// DropTables removes tables. Missing tables are ignored.
	DropTables(ctx context.Context, tables []string) error
}

type factory func(ctx context.Context, cfg Config) (OnlineStore, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers an online store backend under kind.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs an OnlineStore using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (OnlineStore, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing online store kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported online_store.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
