// Package html reads a <table> from an HTML page as a batch source.
//
// Options:
//   - table_selector: CSS selector of the table (default "table", first match)
//   - has_header (default true): the first row holds the column titles
//   - header_map: raw title -> column name
//   - match: column -> regular expression applied to the cell text; a capture
//     group wins over the full match, and no match yields null
package html

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"featurestore/internal/config"
	"featurestore/internal/parser"
	"featurestore/internal/transformer"
)

func init() {
	parser.Register("html", StreamHTMLRows, Header)
}

// table is the parsed grid of one <table>: header titles and cell texts.
type table struct {
	header []string
	rows   [][]string
	lines  []int
}

func readTable(src io.Reader, opts config.Options) (*table, error) {
	doc, err := goquery.NewDocumentFromReader(src)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	sel := opts.String("table_selector", "table")
	tbl := doc.Find(sel).First()
	if tbl.Length() == 0 {
		return nil, fmt.Errorf("html: no table matches %q", sel)
	}

	var grid [][]string
	tbl.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		// nested tables belong to their own grid
		if tr.Closest("table").Get(0) != tbl.Get(0) {
			return
		}
		var cells []string
		tr.ChildrenFiltered("th,td").Each(func(_ int, c *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(c.Text()))
		})
		grid = append(grid, cells)
	})

	t := &table{}
	start := 0
	if opts.Bool("has_header", true) && len(grid) > 0 {
		hm := opts.StringMap("header_map")
		for _, h := range grid[0] {
			t.header = append(t.header, parser.NormalizeHeader(h, hm))
		}
		start = 1
	} else if len(grid) > 0 {
		for i := range grid[0] {
			t.header = append(t.header, fmt.Sprintf("column_%d", i+1))
		}
	}
	for i := start; i < len(grid); i++ {
		t.rows = append(t.rows, grid[i])
		t.lines = append(t.lines, i+1)
	}
	return t, nil
}

// Header returns the normalized column titles of the table.
func Header(src io.ReadCloser, opts config.Options) ([]string, error) {
	defer src.Close()
	t, err := readTable(src, opts)
	if err != nil {
		return nil, err
	}
	return t.header, nil
}

// StreamHTMLRows streams the body rows of the selected table. Cells are
// strings, typed later against the view schema; empty cells become nil.
func StreamHTMLRows(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opts config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	t, err := readTable(src, opts)
	if err != nil {
		if onErr != nil {
			onErr(0, err)
		}
		return err
	}

	res := make([]*regexp.Regexp, len(columns))
	patterns := opts.StringMap("match")
	for i, c := range columns {
		re, err := compileOptionalRegex(patterns[c], c)
		if err != nil {
			return err
		}
		res[i] = re
	}

	colIx := make([]int, len(columns))
	for i, c := range columns {
		colIx[i] = -1
		for si, h := range t.header {
			if h == c {
				colIx[i] = si
				break
			}
		}
	}

	for ri, rec := range t.rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := transformer.GetRow(len(columns))
		row.Line = t.lines[ri]
		for ci, si := range colIx {
			if si < 0 || si >= len(rec) {
				row.V[ci] = nil
				continue
			}
			if v := applyRegexFilter(rec[si], res[ci]); v != "" {
				row.V[ci] = v
			} else {
				row.V[ci] = nil
			}
		}
		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
	return nil
}

func compileOptionalRegex(pattern, column string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("html: invalid match for column %q: %w", column, err)
	}
	return re, nil
}

// applyRegexFilter returns group 1 when present, otherwise the full match, and
// "" when re does not match.
func applyRegexFilter(value string, re *regexp.Regexp) string {
	if value == "" || re == nil {
		return value
	}
	sm := re.FindStringSubmatch(value)
	if len(sm) == 0 {
		return ""
	}
	if len(sm) > 1 {
		return sm[1]
	}
	return sm[0]
}
