package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"featurestore/internal/transformer"
)

// Cell is one stored feature value: the long layout shared by the SQL and
// document backends (one record per entity key and feature). Value is JSON.
type Cell struct {
	EntityKey string
	Feature   string
	Value     string
	EventTS   int64 // unix micros
	CreatedTS int64 // unix micros, 0 when unknown
}

// Micros converts t to unix microseconds; the zero time maps to 0.
func Micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// FromMicros is the inverse of Micros.
func FromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// EncodeValue renders a feature value as JSON. Times become RFC3339 strings,
// []byte becomes base64 and NaN or infinite floats become the strings
// "NaN", "Infinity" and "-Infinity", all of which registry.Coerce reads back.
func EncodeValue(v any) (string, error) {
	if t, ok := v.(time.Time); ok {
		v = t.UTC()
	}
	v = transformer.JSONSafe(v)
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value %T: %w", v, err)
	}
	return string(b), nil
}

// DecodeValue parses a stored JSON value, keeping numbers as json.Number.
func DecodeValue(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value %q: %w", s, err)
	}
	return v, nil
}

// Cells flattens rows into cells ordered by entity key then feature.
//
// When a batch carries the same entity twice only the newest row survives
// (event time, then created time), so a single upsert statement never
// touches one target record twice.
func Cells(rows []Row) ([]Cell, error) {
	type slot struct {
		ev, cr int64
		ix     int
	}
	latest := map[string]slot{}
	for i, r := range rows {
		ev, cr := Micros(r.EventTS), Micros(r.CreatedTS)
		if s, ok := latest[r.EntityKey]; ok && (s.ev > ev || (s.ev == ev && s.cr > cr)) {
			continue
		}
		latest[r.EntityKey] = slot{ev: ev, cr: cr, ix: i}
	}

	var out []Cell
	for key, s := range latest {
		r := rows[s.ix]
		for feature, v := range r.Values {
			enc, err := EncodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("entity %s feature %s: %w", key, feature, err)
			}
			out = append(out, Cell{EntityKey: key, Feature: feature, Value: enc, EventTS: s.ev, CreatedTS: s.cr})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityKey != out[j].EntityKey {
			return out[i].EntityKey < out[j].EntityKey
		}
		return out[i].Feature < out[j].Feature
	})
	return out, nil
}

// Assemble groups cells back into rows. A row's timestamps are the newest of
// its cells.
func Assemble(cells []Cell) (map[string]Row, error) {
	out := map[string]Row{}
	for _, c := range cells {
		r, ok := out[c.EntityKey]
		if !ok {
			r = Row{EntityKey: c.EntityKey, Values: map[string]any{}}
		}
		v, err := DecodeValue(c.Value)
		if err != nil {
			return nil, fmt.Errorf("entity %s feature %s: %w", c.EntityKey, c.Feature, err)
		}
		r.Values[c.Feature] = v
		if t := FromMicros(c.EventTS); t.After(r.EventTS) {
			r.EventTS = t
		}
		if t := FromMicros(c.CreatedTS); t.After(r.CreatedTS) {
			r.CreatedTS = t
		}
		out[c.EntityKey] = r
	}
	return out, nil
}

// Chunk splits cells into slices of at most n (n <= 0 means one slice), for
// backends that cap the number of bind parameters per statement.
func Chunk(cells []Cell, n int) [][]Cell {
	if n <= 0 || len(cells) <= n {
		if len(cells) == 0 {
			return nil
		}
		return [][]Cell{cells}
	}
	var out [][]Cell
	for len(cells) > n {
		out = append(out, cells[:n])
		cells = cells[n:]
	}
	return append(out, cells)
}
