// Package csv reads delimited text batch sources.
//
// Options:
//   - has_header (default true), comma (default ","), trim_space (default true)
//   - header_map: raw title -> column name
//   - lazy_quotes, fields_per_record
//   - encoding: IANA charset name such as "windows-1250" or "ISO-8859-2";
//     input is decoded to UTF-8 before parsing
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"featurestore/internal/config"
	"featurestore/internal/parser"
	"featurestore/internal/transformer"
	"featurestore/internal/transformer/builtin"
)

func init() {
	parser.Register("csv", StreamCSVRows, Header)
}

// decoding wraps r so it yields UTF-8. An empty name or "utf-8" is a no-op.
func decoding(r io.Reader, name string) (io.Reader, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return r, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("csv: encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("csv: encoding %q is not supported", name)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

func newReader(src io.Reader, opt config.Options) (*csv.Reader, error) {
	r, err := decoding(src, opt.String("encoding", ""))
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(r)
	cr.Comma = opt.Rune("comma", ',')
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	if n := opt.Int("fields_per_record", 0); n != 0 {
		cr.FieldsPerRecord = n
	} else {
		cr.FieldsPerRecord = -1
	}
	return cr, nil
}

// Header returns the normalized header row.
func Header(src io.ReadCloser, opt config.Options) ([]string, error) {
	defer src.Close()
	cr, err := newReader(src, opt)
	if err != nil {
		return nil, err
	}
	hdr, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	hm := opt.StringMap("header_map")
	out := make([]string, len(hdr))
	for i, h := range hdr {
		out[i] = parser.NormalizeHeader(h, hm)
	}
	if !opt.Bool("has_header", true) {
		for i := range out {
			out[i] = fmt.Sprintf("column_%d", i+1)
		}
	}
	return out, nil
}

// StreamCSVRows streams CSV into pooled *transformer.Row objects aligned to
// the target columns order. Empty cells become nil; values stay strings and
// are typed later against the view schema.
//
// On ctx cancellation in-flight rows are dropped, not re-pooled, because
// downstream drain-safe stages may still read them.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opt config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	var line int
	trim := opt.Bool("trim_space", true)

	cr, err := newReader(src, opt)
	if err != nil {
		return err
	}

	colIx := make([]int, len(columns))
	for i := range colIx {
		colIx[i] = -1
	}

	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	if opt.Bool("has_header", true) {
		hdr, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("read header: %w", err))
			}
			return err
		}
		hm := opt.StringMap("header_map")
		srcToIdx := make(map[string]int, len(hdr))
		for i, h := range hdr {
			srcToIdx[parser.NormalizeHeader(h, hm)] = i
		}
		for t, target := range columns {
			if si, ok := srcToIdx[target]; ok {
				colIx[t] = si
			}
		}
	} else {
		for i := range columns {
			colIx[i] = i
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		row := transformer.GetRow(len(columns))
		row.Line = line

		for t := range columns {
			si := colIx[t]
			if si < 0 || si >= len(rec) {
				row.V[t] = nil
				continue
			}
			v := rec[si]
			if trim && builtin.HasEdgeSpace(v) {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				row.V[t] = nil
			} else {
				row.V[t] = v
			}
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}
