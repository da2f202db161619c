package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"featurestore/internal/registry"
	"featurestore/internal/transformer"
	"featurestore/internal/transformer/builtin"
)

// EntityKeyColumn holds the hex entity key stamped onto view rows.
const EntityKeyColumn = "__entity_key"

// ErrNoTimestamp marks a row without an event timestamp. Such rows cannot be
// placed in time and are skipped.
var ErrNoTimestamp = errors.New("missing event timestamp")

// Layout is the column layout of a view's rows read from its batch source:
// join keys, features, event timestamp, optional created timestamp, then the
// entity key.
type Layout struct {
	View           string
	JoinKeys       []string
	Features       []registry.Field
	TimestampField string
	CreatedField   string
}

// LayoutOf derives the layout of fv from its batch source.
func LayoutOf(fv *registry.FeatureView) (Layout, error) {
	src := fv.BatchSource()
	if src == nil {
		return Layout{}, fmt.Errorf("feature view %s has no batch source", fv.Name)
	}
	return Layout{
		View:           fv.Name,
		JoinKeys:       fv.JoinKeys(),
		Features:       fv.Schema,
		TimestampField: src.TimestampField,
		CreatedField:   src.CreatedTimestampColumn,
	}, nil
}

// SourceColumns are the columns read from the source.
func (l Layout) SourceColumns() []string {
	cols := append([]string(nil), l.JoinKeys...)
	for _, f := range l.Features {
		cols = append(cols, f.Name)
	}
	cols = append(cols, l.TimestampField)
	if l.CreatedField != "" {
		cols = append(cols, l.CreatedField)
	}
	return cols
}

// Columns are SourceColumns followed by EntityKeyColumn.
func (l Layout) Columns() []string {
	return append(l.SourceColumns(), EntityKeyColumn)
}

// FeatureNames returns the feature column names in schema order.
func (l Layout) FeatureNames() []string {
	out := make([]string, len(l.Features))
	for i, f := range l.Features {
		out[i] = f.Name
	}
	return out
}

// TSIndex is the position of the event timestamp column.
func (l Layout) TSIndex() int { return len(l.JoinKeys) + len(l.Features) }

// CreatedIndex is the position of the created column, or -1.
func (l Layout) CreatedIndex() int {
	if l.CreatedField == "" {
		return -1
	}
	return l.TSIndex() + 1
}

// KeyIndex is the position of EntityKeyColumn.
func (l Layout) KeyIndex() int { return len(l.Columns()) - 1 }

// Coerce converts features to their dtypes and the timestamps to time.Time
// in place. Join keys are left as parsed.
func (l Layout) Coerce(row []any) error {
	base := len(l.JoinKeys)
	for i, f := range l.Features {
		v, err := registry.Coerce(row[base+i], f.DType)
		if err != nil {
			return fmt.Errorf("column %s: %w", f.Name, err)
		}
		row[base+i] = v
	}
	ts, ok, err := registry.ParseTime(row[l.TSIndex()])
	if err != nil {
		return fmt.Errorf("column %s: %w", l.TimestampField, err)
	}
	if !ok {
		return ErrNoTimestamp
	}
	row[l.TSIndex()] = ts
	if ci := l.CreatedIndex(); ci >= 0 {
		ct, ok, err := registry.ParseTime(row[ci])
		if err != nil {
			return fmt.Errorf("column %s: %w", l.CreatedField, err)
		}
		if ok {
			row[ci] = ct
		} else {
			row[ci] = nil
		}
	}
	return nil
}

// ReadView reads the rows of fv's batch source in Layout order with values
// coerced and the entity key stamped. Rows that fail coercion or carry a null
// join key are logged and skipped.
func (s *Store) ReadView(ctx context.Context, fv *registry.FeatureView) (*transformer.Frame, Layout, error) {
	logf := s.logf()
	start := time.Now()

	l, err := LayoutOf(fv)
	if err != nil {
		return nil, Layout{}, err
	}
	columns := l.Columns()
	src := fv.BatchSource()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		rejected int
	)
	reject := func(format string, v ...any) {
		mu.Lock()
		rejected++
		n := rejected
		mu.Unlock()
		if n <= 10 {
			logf("offline: view=%s "+format, append([]any{fv.Name}, v...)...)
		}
	}

	raw := make(chan *transformer.Row, 256)
	typed := make(chan *transformer.Row, 256)
	keyed := make(chan *transformer.Row, 256)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Stream(ctx, src, columns, raw, func(loc string, line int, err error) {
			reject("file=%s line=%d skipped: %v", loc, line, err)
		})
		close(raw)
	}()

	go func() {
		defer close(typed)
		for r := range raw {
			if err := l.Coerce(r.V); err != nil {
				reject("line=%d skipped: %v", r.Line, err)
				r.Free()
				continue
			}
			select {
			case typed <- r:
			case <-ctx.Done():
				r.Drop()
			}
		}
	}()

	go func() {
		transformer.KeyLoopRows(ctx, columns, typed, keyed, transformer.KeySpec{
			JoinKeys:    l.JoinKeys,
			TargetField: EntityKeyColumn,
		}, func(line int, reason string) {
			reject("line=%d skipped: %s", line, reason)
		})
		close(keyed)
	}()

	f := transformer.NewFrame(columns...)
	for r := range keyed {
		f.Append(append([]any(nil), r.V...))
		r.Free()
	}
	if err := <-errCh; err != nil {
		return nil, Layout{}, err
	}
	mu.Lock()
	defer mu.Unlock()
	logf("stage=offline_read view=%s ok rows=%d rejected=%d duration=%s", fv.Name, f.Len(), rejected, time.Since(start))
	return f, l, nil
}

// Newer reports whether (ts, created) sorts after (otherTS, otherCreated):
// later event time first, then later created time. A zero created time sorts
// before any set one.
func Newer(ts, created, otherTS, otherCreated time.Time) bool {
	if !ts.Equal(otherTS) {
		return ts.After(otherTS)
	}
	return created.After(otherCreated)
}

func timeAt(row []any, i int) time.Time {
	if i < 0 {
		return time.Time{}
	}
	t, _ := row[i].(time.Time)
	return t
}

// FilterInterval keeps rows whose event time falls in (start, end]. A zero
// start is unbounded.
func FilterInterval(f *transformer.Frame, l Layout, start, end time.Time) *transformer.Frame {
	out := transformer.NewFrame(f.Columns...)
	ti := l.TSIndex()
	for _, r := range f.Rows {
		ts, ok := r[ti].(time.Time)
		if !ok {
			continue
		}
		if !start.IsZero() && !ts.After(start) {
			continue
		}
		if ts.After(end) {
			continue
		}
		out.Rows = append(out.Rows, r)
	}
	return out
}

// LatestPerEntity keeps the newest row per entity key (see Newer), in order
// of each key's first appearance.
func LatestPerEntity(f *transformer.Frame, l Layout) *transformer.Frame {
	ki, ti, ci := l.KeyIndex(), l.TSIndex(), l.CreatedIndex()

	pos := make(map[string]int)
	out := transformer.NewFrame(f.Columns...)
	for _, r := range f.Rows {
		key, _ := r[ki].(string)
		j, seen := pos[key]
		if !seen {
			pos[key] = len(out.Rows)
			out.Rows = append(out.Rows, r)
			continue
		}
		cur := out.Rows[j]
		if Newer(timeAt(r, ti), timeAt(r, ci), timeAt(cur, ti), timeAt(cur, ci)) {
			out.Rows[j] = r
		}
	}
	return out
}

// Timeline indexes view rows by entity key for point-in-time lookups.
type Timeline struct {
	layout Layout
	rows   map[string][][]any // per key, oldest first
}

// NewTimeline groups the rows of f (as returned by ReadView) by entity key.
func NewTimeline(f *transformer.Frame, l Layout) *Timeline {
	ki, ti, ci := l.KeyIndex(), l.TSIndex(), l.CreatedIndex()
	tl := &Timeline{layout: l, rows: make(map[string][][]any)}
	for _, r := range f.Rows {
		key, _ := r[ki].(string)
		tl.rows[key] = append(tl.rows[key], r)
	}
	for _, rs := range tl.rows {
		sort.SliceStable(rs, func(i, j int) bool {
			return Newer(timeAt(rs[j], ti), timeAt(rs[j], ci), timeAt(rs[i], ti), timeAt(rs[i], ci))
		})
	}
	return tl
}

// AsOf returns the newest row of key with event time <= at. With ttl > 0 a
// row older than at-ttl does not count. nil means no row qualifies.
func (tl *Timeline) AsOf(key string, at time.Time, ttl time.Duration) []any {
	rs := tl.rows[key]
	ti := tl.layout.TSIndex()
	// First row with event time after at.
	n := sort.Search(len(rs), func(i int) bool { return timeAt(rs[i], ti).After(at) })
	if n == 0 {
		return nil
	}
	r := rs[n-1]
	if ttl > 0 && !timeAt(r, ti).After(at.Add(-ttl)) {
		return nil
	}
	return r
}

// PointInTimeJoin appends the features of l to entities. For each entity row
// the values come from the newest feature row with event time <= the row's
// timestamp (and within ttl when ttl > 0); rows without a match get nulls.
//
// entities must carry the join keys of l and tsField holding time values or
// anything registry.ParseTime accepts. The returned frame is a copy; columns
// are named by names[i] for feature i.
func PointInTimeJoin(entities *transformer.Frame, tsField string, tl *Timeline, ttl time.Duration, names []string) (*transformer.Frame, error) {
	l := tl.layout
	if len(names) != len(l.Features) {
		return nil, fmt.Errorf("point-in-time join %s: %d names for %d features", l.View, len(names), len(l.Features))
	}
	keyIdx := make([]int, len(l.JoinKeys))
	for i, k := range l.JoinKeys {
		if keyIdx[i] = entities.Index(k); keyIdx[i] < 0 {
			return nil, fmt.Errorf("entity rows: %w: %s", transformer.ErrMissingColumn, k)
		}
	}
	tsIdx := entities.Index(tsField)
	if tsIdx < 0 {
		return nil, fmt.Errorf("entity rows: %w: %s", transformer.ErrMissingColumn, tsField)
	}

	out := entities.Clone()
	cols := make([][]any, len(names))
	for i := range cols {
		cols[i] = make([]any, entities.Len())
	}
	vals := make([]any, len(keyIdx))
	base := len(l.JoinKeys)
	for ri, r := range entities.Rows {
		at, ok, err := registry.ParseTime(r[tsIdx])
		if err != nil {
			return nil, fmt.Errorf("entity row %d: %s: %w", ri, tsField, err)
		}
		if !ok {
			return nil, fmt.Errorf("entity row %d: %w", ri, ErrNoTimestamp)
		}
		null := false
		for i, ix := range keyIdx {
			vals[i] = r[ix]
			if r[ix] == nil {
				null = true
			}
		}
		if null {
			continue
		}
		hit := tl.AsOf(builtin.EntityKey(l.JoinKeys, vals), at, ttl)
		if hit == nil {
			continue
		}
		for i := range names {
			cols[i][ri] = hit[base+i]
		}
	}
	for i, n := range names {
		if err := out.AddColumn(n, cols[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
