// Package probe samples a batch source file and infers a starting repo
// definition for it: a dtype per column, the likely entity key, and the
// event and created timestamp columns.
//
// Inference is best-effort. Values that disagree with every specific dtype
// fall back to String, and the generated HCL is meant to be reviewed and
// refined by hand before it is applied.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"featurestore/internal/blob"
	"featurestore/internal/config"
	"featurestore/internal/parser"
	"featurestore/internal/registry"
	"featurestore/internal/transformer"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// DefaultMaxRows bounds the sample when Options.MaxRows is zero.
const DefaultMaxRows = 1000

// Options control sampling.
type Options struct {
	// Path is a local path or s3:// location.
	Path string
	// Format overrides the format derived from the file extension.
	Format string
	// Parser options, as in a file_source options block.
	Parser config.Options
	// MaxRows to sample from the start of the file.
	MaxRows int
	// Name is the base for generated object names; defaults to the file name.
	Name string
}

// Column is the inference for one column.
type Column struct {
	Name     string
	DType    registry.DType
	Nulls    int
	Distinct int
}

// Result is the outcome of a probe.
type Result struct {
	Name    string
	Path    string
	Format  string
	Rows    int
	Skipped int
	Columns []Column

	JoinKey        string
	TimestampField string
	CreatedColumn  string
}

// Infer samples the file at opt.Path and infers its schema.
func Infer(ctx context.Context, blobs *blob.Store, opt Options) (Result, error) {
	src := &registry.FileSource{Path: opt.Path, Format: opt.Format, Options: opt.Parser}
	format := registry.FormatOf(src)
	res := Result{Name: baseName(opt.Path), Path: opt.Path, Format: format}
	if opt.Name != "" {
		res.Name = normalizeName(opt.Name)
	}
	limit := opt.MaxRows
	if limit <= 0 {
		limit = DefaultMaxRows
	}

	data, err := blobs.Read(ctx, opt.Path)
	if err != nil {
		return res, fmt.Errorf("probe: %w", err)
	}
	header, err := parser.Header(format)
	if err != nil {
		return res, fmt.Errorf("probe: %w", err)
	}
	columns, err := header(io.NopCloser(bytes.NewReader(data)), opt.Parser)
	if err != nil {
		return res, fmt.Errorf("probe: %s: %w", opt.Path, err)
	}
	if len(columns) == 0 {
		return res, fmt.Errorf("probe: %s: no columns", opt.Path)
	}

	rows, skipped, err := sample(ctx, data, format, columns, opt.Parser, limit)
	if err != nil {
		return res, fmt.Errorf("probe: %s: %w", opt.Path, err)
	}
	res.Rows, res.Skipped = len(rows), skipped

	res.Columns = make([]Column, len(columns))
	for i, name := range columns {
		res.Columns[i] = inferColumn(name, rows, i)
	}
	res.TimestampField, res.CreatedColumn = timestampColumns(res.Columns, len(rows))
	res.JoinKey = inferJoinKey(res.Columns, res.TimestampField, res.CreatedColumn)
	return res, nil
}

// sample streams up to limit rows of data. Reaching limit stops the parser
// early; that cancellation is not an error.
func sample(ctx context.Context, data []byte, format string, columns []string, opts config.Options, limit int) ([][]any, int, error) {
	stream, err := parser.Stream(format)
	if err != nil {
		return nil, 0, err
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan *transformer.Row, 64)
	errCh := make(chan error, 1)
	skipped := 0
	go func() {
		errCh <- stream(sctx, io.NopCloser(bytes.NewReader(data)), columns, opts, out, func(int, error) { skipped++ })
		close(out)
	}()

	rows := make([][]any, 0, 64)
	for r := range out {
		if len(rows) < limit {
			rows = append(rows, append([]any(nil), r.V...))
			if len(rows) == limit {
				cancel()
			}
		}
		r.Free()
	}
	if err := <-errCh; err != nil && (ctx.Err() != nil || len(rows) < limit) {
		return nil, 0, err
	}
	return rows, skipped, nil
}

// kinds tracks which dtypes every non-null value of a column still fits.
type kinds struct {
	seen                    bool
	allInt, allFloat, allTS bool
	allBool, allBytes       bool
}

func inferColumn(name string, rows [][]any, col int) Column {
	c := Column{Name: name, DType: registry.String}
	k := kinds{allInt: true, allFloat: true, allTS: true, allBool: true, allBytes: true}
	distinct := map[string]struct{}{}

	for _, r := range rows {
		if col >= len(r) || isNull(r[col]) {
			c.Nulls++
			continue
		}
		v := r[col]
		k.seen = true
		distinct[fmt.Sprint(v)] = struct{}{}
		k.observe(v)
	}
	c.Distinct = len(distinct)
	if !k.seen {
		return c
	}
	// Prefer more specific types.
	switch {
	case k.allInt:
		c.DType = registry.Int64
	case k.allFloat:
		c.DType = registry.Float64
	case k.allBool:
		c.DType = registry.Bool
	case k.allTS:
		c.DType = registry.UnixTimestamp
	case k.allBytes:
		c.DType = registry.Bytes
	}
	return c
}

func (k *kinds) observe(v any) {
	isInt, isFloat, isBool, isTS, isBytes := false, false, false, false, false
	switch x := v.(type) {
	case bool:
		isBool = true
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		isInt, isFloat = true, true
	case float32, float64:
		f, _, _ := transformer.Float64(x)
		isFloat = true
		isInt = f == math.Trunc(f) && !math.IsInf(f, 0)
	case json.Number:
		_, err := x.Int64()
		isInt = err == nil
		_, err = x.Float64()
		isFloat = err == nil
	case time.Time:
		isTS = true
	case []byte:
		isBytes = true
	case string:
		s := strings.TrimSpace(x)
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			isInt = true
		}
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			isFloat = true
		}
		_, isBool = parseBoolLoose(s)
		// Numeric strings would parse as unix seconds; keep them numeric.
		if !isFloat {
			_, ok, err := registry.ParseTime(s)
			isTS = ok && err == nil
		}
	}
	k.allInt = k.allInt && isInt
	k.allFloat = k.allFloat && isFloat
	k.allBool = k.allBool && isBool
	k.allTS = k.allTS && isTS
	k.allBytes = k.allBytes && isBytes
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func parseBoolLoose(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y":
		return true, true
	case "false", "f", "no", "n":
		return false, true
	}
	return false, false
}

// timestampColumns picks the event timestamp column (event_timestamp when
// present, otherwise the first timestamp column) and a created column: a
// column named like "created" that holds timestamps or nothing at all.
func timestampColumns(cols []Column, rows int) (event, created string) {
	for _, c := range cols {
		if !strings.Contains(c.Name, "created") {
			continue
		}
		if c.DType == registry.UnixTimestamp || c.Nulls == rows {
			created = c.Name
			break
		}
	}
	for _, c := range cols {
		if c.DType != registry.UnixTimestamp || c.Name == created {
			continue
		}
		if c.Name == "event_timestamp" {
			return c.Name, created
		}
		if event == "" {
			event = c.Name
		}
	}
	return event, created
}

// inferJoinKey picks the most distinct integer or string column with no
// nulls, preferring names ending in "id".
func inferJoinKey(cols []Column, skip ...string) string {
	best, bestScore := "", -1
	for _, c := range cols {
		if c.Nulls > 0 || c.Distinct == 0 || containsString(skip, c.Name) {
			continue
		}
		if c.DType != registry.Int64 && c.DType != registry.String {
			continue
		}
		score := c.Distinct
		if strings.HasSuffix(c.Name, "id") {
			score += 1 << 30
		}
		if score > bestScore {
			best, bestScore = c.Name, score
		}
	}
	return best
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func baseName(loc string) string {
	b := path.Base(strings.ReplaceAll(loc, "\\", "/"))
	if i := strings.Index(b, "."); i > 0 {
		b = b[:i]
	}
	return normalizeName(b)
}

// normalizeName lower-cases s and maps anything outside [a-z0-9_] to '_'.
func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "source"
	}
	return out
}

// Features returns the columns that are neither the join key nor a
// timestamp column.
func (r Result) Features() []Column {
	var out []Column
	for _, c := range r.Columns {
		if c.Name == r.JoinKey || c.Name == r.TimestampField || c.Name == r.CreatedColumn {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Summary renders a short human-readable report.
func (r Result) Summary() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "path=%s format=%s sample_rows=%d skipped=%d\n", r.Path, r.Format, r.Rows, r.Skipped)
	fmt.Fprintf(&b, "join_key=%s timestamp_field=%s created_column=%s\n", r.JoinKey, r.TimestampField, r.CreatedColumn)
	fmt.Fprintf(&b, "column,dtype,nulls,distinct\n")
	for _, c := range r.Columns {
		fmt.Fprintf(&b, "%s,%s,%d,%d\n", c.Name, c.DType, c.Nulls, c.Distinct)
	}
	return []byte(b.String())
}

// HCL renders an entity, a file_source and a feature_view for the sample.
// Parts that could not be inferred are left empty for the author to fill in.
func (r Result) HCL() []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	entity := strings.TrimSuffix(strings.TrimSuffix(r.JoinKey, "id"), "_")
	if entity == "" {
		entity = r.Name
	}
	var keys []cty.Value
	if r.JoinKey != "" {
		keys = append(keys, cty.StringVal(r.JoinKey))
	}
	eb := body.AppendNewBlock("entity", []string{entity}).Body()
	if len(keys) == 0 {
		eb.SetAttributeValue("join_keys", cty.ListValEmpty(cty.String))
	} else {
		eb.SetAttributeValue("join_keys", cty.ListVal(keys))
	}
	body.AppendNewline()

	source := r.Name + "_source"
	sb := body.AppendNewBlock("file_source", []string{source}).Body()
	sb.SetAttributeValue("path", cty.StringVal(r.Path))
	if r.Format != "" && r.Format != strings.TrimPrefix(path.Ext(r.Path), ".") {
		sb.SetAttributeValue("format", cty.StringVal(r.Format))
	}
	sb.SetAttributeValue("timestamp_field", cty.StringVal(r.TimestampField))
	if r.CreatedColumn != "" {
		sb.SetAttributeValue("created_timestamp_column", cty.StringVal(r.CreatedColumn))
	}
	body.AppendNewline()

	vb := body.AppendNewBlock("feature_view", []string{r.Name + "_view"}).Body()
	vb.SetAttributeValue("entities", cty.ListVal([]cty.Value{cty.StringVal(entity)}))
	vb.SetAttributeValue("source", cty.StringVal(source))
	vb.SetAttributeValue("online", cty.True)
	features := r.Features()
	for _, c := range features {
		vb.AppendNewline()
		fb := vb.AppendNewBlock("field", []string{c.Name}).Body()
		fb.SetAttributeValue("dtype", cty.StringVal(string(c.DType)))
	}
	return f.Bytes()
}
