// Package parser holds the format registry for batch source readers.
//
// Each format lives in its own subpackage and registers itself in init();
// import featurestore/internal/parser/all to link every format.
package parser

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"featurestore/internal/config"
	"featurestore/internal/transformer"
)

// StreamFunc parses src and sends one pooled *transformer.Row per record to
// out, with values aligned to columns (nil for a missing value).
//
// Contract:
//   - The func closes src.
//   - Recoverable per-record problems go to onErr and the record is skipped.
//   - On ctx cancellation in-flight rows are dropped, not re-pooled.
//   - The caller owns closing out after the func returns.
type StreamFunc func(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opts config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error

// HeaderFunc returns the column names present in src (for inference).
type HeaderFunc func(src io.ReadCloser, opts config.Options) ([]string, error)

type format struct {
	stream StreamFunc
	header HeaderFunc
}

var (
	mu      sync.RWMutex
	formats = map[string]format{}
)

// Register makes a format available by name.
//
// Panics:
//   - If name is empty or stream is nil.
//   - If name is already registered.
func Register(name string, stream StreamFunc, header HeaderFunc) {
	mu.Lock()
	defer mu.Unlock()

	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		panic("parser: Register called with empty name")
	}
	if stream == nil {
		panic("parser: Register called with nil stream func")
	}
	if _, exists := formats[name]; exists {
		panic(fmt.Sprintf("parser: format already registered: %q", name))
	}
	formats[name] = format{stream: stream, header: header}
}

// Stream returns the stream func for a format.
func Stream(name string) (StreamFunc, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := formats[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("parser: unknown format %q (registered: %s)", name, strings.Join(namesLocked(), ", "))
	}
	return f.stream, nil
}

// Header returns the header func for a format.
func Header(name string) (HeaderFunc, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := formats[strings.ToLower(name)]
	if !ok || f.header == nil {
		return nil, fmt.Errorf("parser: format %q cannot list columns", name)
	}
	return f.header, nil
}

// Formats returns the registered format names, sorted.
func Formats() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	out := make([]string, 0, len(formats))
	for k := range formats {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeHeader maps a raw column title to a column name: a mapped title
// wins, otherwise it is trimmed, lower-cased and spaces become underscores.
// A leading UTF-8 BOM is stripped.
func NormalizeHeader(h string, headerMap map[string]string) string {
	h = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	if mapped, ok := headerMap[h]; ok {
		return mapped
	}
	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}
