// Package json reads JSON and JSON-lines batch sources.
//
// Accepted layouts:
//   - a root array of objects
//   - an envelope object whose records live in an array field (records_field,
//     or the first array-valued field when unset)
//   - one or more concatenated objects (JSON lines)
//
// Options:
//   - header_map: source key -> column name
//   - records_field: envelope field holding the records
//   - array_join_separator: joins arrays of strings into one value (default ",")
//
// A column name with dots ("booking.id") addresses a nested object.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"featurestore/internal/config"
	"featurestore/internal/parser"
	"featurestore/internal/transformer"
)

func init() {
	parser.Register("json", StreamJSONRows, Header)
}

// mapper resolves columns against decoded objects without copying them.
type mapper struct {
	columns []string
	rev     map[string]string // column -> source key
	sep     string
}

func newMapper(columns []string, opts config.Options) *mapper {
	rev := map[string]string{}
	for orig, col := range opts.StringMap("header_map") {
		if orig != "" && col != "" {
			rev[col] = orig
		}
	}
	sep := opts.String("array_join_separator", ",")
	if sep == "" {
		sep = ","
	}
	return &mapper{columns: columns, rev: rev, sep: sep}
}

func (m *mapper) fill(dst []any, obj map[string]any) {
	for i, col := range m.columns {
		key := col
		if orig, ok := m.rev[col]; ok {
			key = orig
		}
		dst[i] = flatten(lookup(obj, key), m.sep)
	}
}

// lookup finds key in obj, descending into nested objects on dots when the
// dotted key itself is absent.
func lookup(obj map[string]any, key string) any {
	if v, ok := obj[key]; ok {
		return v
	}
	head, rest, ok := strings.Cut(key, ".")
	if !ok {
		return nil
	}
	child, ok := obj[head].(map[string]any)
	if !ok {
		return nil
	}
	return lookup(child, rest)
}

// flatten joins arrays of strings; other values pass through.
func flatten(v any, sep string) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	ss := make([]string, 0, len(arr))
	for _, it := range arr {
		if it == nil {
			continue
		}
		s, ok := it.(string)
		if !ok {
			return v
		}
		ss = append(ss, s)
	}
	return strings.Join(ss, sep)
}

// StreamJSONRows parses src and streams each record as a pooled
// *transformer.Row aligned with columns. Numbers arrive as json.Number.
func StreamJSONRows(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opts config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	dec := json.NewDecoder(src)
	dec.UseNumber()
	m := newMapper(columns, opts)
	recordsField := opts.String("records_field", "")

	line := 0
	emit := func(obj map[string]any) error {
		line++
		row := transformer.GetRow(len(columns))
		row.Line = line
		m.fill(row.V, obj)
		select {
		case out <- row:
			return nil
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
	fail := func(err error) error {
		if onErr != nil && ctx.Err() == nil {
			onErr(line+1, err)
		}
		return err
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fail(fmt.Errorf("json: read token: %w", err))
		}

		switch tok {
		case json.Delim('['):
			if err := streamArray(ctx, dec, emit); err != nil {
				return fail(err)
			}
		case json.Delim('{'):
			streamed, single, err := streamObject(ctx, dec, recordsField, emit)
			if err != nil {
				return fail(err)
			}
			if !streamed {
				if err := emit(single); err != nil {
					return err
				}
			}
		default:
			return fail(fmt.Errorf("json: unsupported root token %T (want object or array)", tok))
		}
	}
}

// streamArray emits the objects of an array whose '[' was consumed, and
// consumes the closing ']'. null elements are skipped.
func streamArray(ctx context.Context, dec *json.Decoder, emit func(map[string]any) error) error {
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("json: decode array element: %w", err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("json: array element not an object (got %T)", raw)
		}
		if err := emit(obj); err != nil {
			return err
		}
	}
	return expectDelim(dec, ']')
}

// streamObject walks a root object whose '{' was consumed. If it holds the
// records array it is streamed and the remaining fields are skipped;
// otherwise the object itself is returned as a single record.
func streamObject(ctx context.Context, dec *json.Decoder, recordsField string, emit func(map[string]any) error) (bool, map[string]any, error) {
	single := map[string]any{}
	streamed := false

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return false, nil, fmt.Errorf("json: read object key: %w", err)
		}
		key, _ := keyTok.(string)

		if streamed {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return true, nil, fmt.Errorf("json: skip field %q: %w", key, err)
			}
			continue
		}

		valTok, err := dec.Token()
		if err != nil {
			return false, nil, fmt.Errorf("json: read value of %q: %w", key, err)
		}
		if valTok == json.Delim('[') && (recordsField == "" || recordsField == key) {
			if err := streamArray(ctx, dec, emit); err != nil {
				return false, nil, err
			}
			streamed = true
			continue
		}
		v, err := materialize(dec, valTok)
		if err != nil {
			return false, nil, err
		}
		single[key] = v
	}
	if err := expectDelim(dec, '}'); err != nil {
		return streamed, nil, err
	}
	return streamed, single, nil
}

// materialize builds the value whose first token has been read.
func materialize(dec *json.Decoder, tok json.Token) (any, error) {
	switch tok {
	case json.Delim('{'):
		m := map[string]any{}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested key: %w", err)
			}
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested value: %w", err)
			}
			v, err := materialize(dec, vt)
			if err != nil {
				return nil, err
			}
			k, _ := kt.(string)
			m[k] = v
		}
		return m, expectDelim(dec, '}')
	case json.Delim('['):
		var arr []any
		for dec.More() {
			vt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read nested element: %w", err)
			}
			v, err := materialize(dec, vt)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, expectDelim(dec, ']')
	}
	return tok, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read %q: %w", want, err)
	}
	if tok != want {
		return fmt.Errorf("json: expected %q, got %v", want, tok)
	}
	return nil
}

// Header returns the normalized keys of the first record, sorted.
func Header(src io.ReadCloser, opts config.Options) ([]string, error) {
	defer src.Close()
	dec := json.NewDecoder(src)
	dec.UseNumber()

	var first map[string]any
	stop := errors.New("stop")
	emit := func(obj map[string]any) error {
		first = obj
		return stop
	}

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("json: read token: %w", err)
	}
	switch tok {
	case json.Delim('['):
		err = streamArray(context.Background(), dec, emit)
	case json.Delim('{'):
		var streamed bool
		var single map[string]any
		streamed, single, err = streamObject(context.Background(), dec, opts.String("records_field", ""), emit)
		if err == nil && !streamed {
			first = single
		}
	default:
		return nil, fmt.Errorf("json: unsupported root token %T", tok)
	}
	if err != nil && !errors.Is(err, stop) {
		return nil, err
	}
	if first == nil {
		return nil, fmt.Errorf("json: no records")
	}

	hm := opts.StringMap("header_map")
	var cols []string
	keys := make([]string, 0, len(first))
	for k := range first {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cols = append(cols, parser.NormalizeHeader(k, hm))
	}
	return cols, nil
}
