package transformer

import (
	"fmt"
	"sort"
	"sync"
)

// Func is an on-demand transform: a pure function from an input frame (the
// joined outputs of its source views plus request fields) to an output frame
// of derived features, row aligned with the input.
//
// Implementations must be deterministic and must not retain or mutate in.
type Func func(in *Frame) (*Frame, error)

var (
	funcsMu sync.RWMutex
	funcs   = map[string]Func{}
)

// Register adds fn to the process-wide transform table under name.
//
// When to use:
//   - Call Register from an init() function in the package that declares the
//     on-demand feature view; the view references the transform by name.
//
// Panics:
//   - If name is empty.
//   - If fn is nil.
//   - If name is already registered.
func Register(name string, fn Func) {
	funcsMu.Lock()
	defer funcsMu.Unlock()

	if name == "" {
		panic("transformer: Register called with empty name")
	}
	if fn == nil {
		panic("transformer: Register called with nil func")
	}
	if _, exists := funcs[name]; exists {
		panic(fmt.Sprintf("transformer: func already registered for name=%q", name))
	}
	funcs[name] = fn
}

// Lookup returns the transform registered under name.
func Lookup(name string) (Func, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// Names returns all registered transform names, sorted.
func Names() []string {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	out := make([]string, 0, len(funcs))
	for k := range funcs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply runs fn over in and enforces the on-demand view contract:
//   - the output has exactly the declared schema columns (no more, no fewer),
//   - the output has one row per input row.
//
// The returned frame is reordered to schema order.
func Apply(view string, schema []string, fn Func, in *Frame) (*Frame, error) {
	if fn == nil {
		return nil, fmt.Errorf("on-demand view %s: no transform", view)
	}
	out, err := fn(in)
	if err != nil {
		return nil, fmt.Errorf("on-demand view %s: %w", view, err)
	}
	if out == nil {
		return nil, fmt.Errorf("on-demand view %s: transform returned nil frame", view)
	}
	if out.Len() != in.Len() {
		return nil, fmt.Errorf("on-demand view %s: transform returned %d rows for %d input rows", view, out.Len(), in.Len())
	}

	want := make(map[string]struct{}, len(schema))
	for _, c := range schema {
		want[c] = struct{}{}
	}
	for _, c := range out.Columns {
		if _, ok := want[c]; !ok {
			return nil, fmt.Errorf("on-demand view %s: transform produced undeclared column %q", view, c)
		}
	}
	if len(out.Columns) != len(schema) {
		for _, c := range schema {
			if !out.Has(c) {
				return nil, fmt.Errorf("on-demand view %s: transform did not produce declared column %q", view, c)
			}
		}
		return nil, fmt.Errorf("on-demand view %s: transform produced duplicate columns %v", view, out.Columns)
	}

	return out.Select(schema...)
}
