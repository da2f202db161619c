// Package push ingests rows sent to a push source into the offline store, the
// online store, or both.
package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"featurestore/internal/materialize"
	"featurestore/internal/metrics"
	"featurestore/internal/offline"
	"featurestore/internal/registry"
	"featurestore/internal/storage"
	"featurestore/internal/transformer"
	"featurestore/internal/transformer/builtin"
)

// Mode selects where pushed rows land.
type Mode string

const (
	Online           Mode = "online"
	Offline          Mode = "offline"
	OnlineAndOffline Mode = "online_and_offline"
)

// ParseMode accepts the mode names; empty means Online.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return Online, nil
	case Online, Offline, OnlineAndOffline:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown push mode %q (want online, offline or online_and_offline)", s)
}

func (m Mode) online() bool  { return m == Online || m == OnlineAndOffline }
func (m Mode) offline() bool { return m == Offline || m == OnlineAndOffline }

// Logger is the minimal logging interface used by the pusher.
type Logger interface {
	Printf(format string, v ...any)
}

// PartAppender appends typed rows to a batch source; *offline.Store
// implements it.
type PartAppender interface {
	AppendPart(ctx context.Context, src *registry.FileSource, f *transformer.Frame, dtypes map[string]registry.DType) (string, error)
}

// Pusher routes pushed frames.
type Pusher struct {
	Registry *registry.Registry
	Online   storage.OnlineStore
	Offline  PartAppender
	Logger   Logger
}

// Result summarizes one push.
type Result struct {
	Rows     int
	Part     string   // offline part written, if any
	Views    []string // online views updated
	Written  int64
	Rejected int // rows skipped online for a null join key
}

func (p *Pusher) logger() func(format string, v ...any) {
	if p.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return p.Logger.Printf
}

// Push writes f to the push source named source.
//
// f must carry every join key, feature and the timestamp field of each view
// fed by the source; the created column is optional. Values are coerced to
// the declared dtypes first, so a bad value fails the whole push before
// anything is written. The offline part is written before the online rows.
func (p *Pusher) Push(ctx context.Context, source string, f *transformer.Frame, mode Mode) (res Result, err error) {
	began := time.Now()
	defer func() { metrics.RecordStep("push", err, time.Since(began)) }()

	ps, err := p.Registry.PushSource(source)
	if err != nil {
		return Result{}, err
	}
	if ps.BatchSource == nil {
		return Result{}, fmt.Errorf("push source %s has no batch source", source)
	}
	views := p.Registry.ViewsForSource(source)

	dtypes, required := Columns(ps.BatchSource, views)
	for _, c := range required {
		if !f.Has(c) {
			return Result{}, fmt.Errorf("push %s: %w: %s", source, transformer.ErrMissingColumn, c)
		}
	}

	typed := f.Clone()
	for c, d := range dtypes {
		if !typed.Has(c) {
			continue
		}
		if err := registry.CoerceColumn(typed, c, d); err != nil {
			return Result{}, fmt.Errorf("push %s: %w", source, err)
		}
	}
	tsIdx := typed.Index(ps.BatchSource.TimestampField)
	for i, r := range typed.Rows {
		if r[tsIdx] == nil {
			return Result{}, fmt.Errorf("push %s: row %d: %w", source, i, offline.ErrNoTimestamp)
		}
	}
	if mode.online() {
		if err := encodable(typed, views); err != nil {
			return Result{}, fmt.Errorf("push %s: %w", source, err)
		}
	}
	res.Rows = typed.Len()

	if mode.offline() {
		if p.Offline == nil {
			return res, errors.New("push: no offline store configured")
		}
		known := make([]string, 0, len(dtypes))
		for _, c := range typed.Columns {
			if _, ok := dtypes[c]; ok {
				known = append(known, c)
			}
		}
		part, err := typed.Select(known...)
		if err != nil {
			return res, err
		}
		if res.Part, err = p.Offline.AppendPart(ctx, ps.BatchSource, part, dtypes); err != nil {
			return res, err
		}
	}

	if mode.online() {
		if p.Online == nil {
			return res, errors.New("push: no online store configured")
		}
		for _, fv := range views {
			if !fv.Online {
				continue
			}
			n, rejected, err := p.writeView(ctx, fv, typed)
			if err != nil {
				return res, err
			}
			res.Views = append(res.Views, fv.Name)
			res.Written += n
			res.Rejected += rejected
		}
	}

	metrics.RecordRows("pushed", res.Rows)
	p.logger()("stage=push source=%s mode=%s ok rows=%d views=%v written=%d rejected=%d duration=%s",
		source, mode, res.Rows, res.Views, res.Written, res.Rejected, time.Since(began).Truncate(time.Millisecond))
	return res, nil
}

// encodable checks that every online feature value can be stored, so a push
// never leaves an offline part behind a failed online write.
func encodable(typed *transformer.Frame, views []*registry.FeatureView) error {
	for _, fv := range views {
		if !fv.Online {
			continue
		}
		for _, fd := range fv.Schema {
			ix := typed.Index(fd.Name)
			if ix < 0 {
				continue
			}
			for i, r := range typed.Rows {
				if _, err := storage.EncodeValue(r[ix]); err != nil {
					return fmt.Errorf("row %d column %s: %w", i, fd.Name, err)
				}
			}
		}
	}
	return nil
}

// writeView writes the newest pushed row per entity to fv's online table.
func (p *Pusher) writeView(ctx context.Context, fv *registry.FeatureView, typed *transformer.Frame) (int64, int, error) {
	l, err := offline.LayoutOf(fv)
	if err != nil {
		return 0, 0, err
	}

	cols := l.Columns()
	rows := transformer.NewFrame(cols...)
	idx := make([]int, len(cols))
	for i, c := range cols {
		idx[i] = typed.Index(c)
	}
	keyVals := make([]any, len(l.JoinKeys))
	rejected := 0
	for _, r := range typed.Rows {
		out := make([]any, len(cols))
		for i, ix := range idx {
			if ix >= 0 {
				out[i] = r[ix]
			}
		}
		null := false
		for i := range l.JoinKeys {
			keyVals[i] = out[i]
			null = null || out[i] == nil
		}
		if null {
			rejected++
			continue
		}
		out[l.KeyIndex()] = builtin.EntityKey(l.JoinKeys, keyVals)
		rows.Append(out)
	}

	spec := materialize.TableSpecFor(p.Registry.Project(), fv)
	if err := p.Online.EnsureTables(ctx, []storage.TableSpec{spec}); err != nil {
		return 0, 0, err
	}
	latest := offline.LatestPerEntity(rows, l)
	n, err := p.Online.WriteRows(ctx, spec.Name, materialize.OnlineRows(latest, l))
	if err != nil {
		return 0, 0, fmt.Errorf("push to %s: %w", fv.Name, err)
	}
	return n, rejected, nil
}

// Columns returns the dtype of every column a push to src may carry and the
// columns it must carry. Join keys have no dtype and are stored as text
// offline.
func Columns(src *registry.FileSource, views []*registry.FeatureView) (map[string]registry.DType, []string) {
	dtypes := map[string]registry.DType{src.TimestampField: registry.UnixTimestamp}
	if src.CreatedTimestampColumn != "" {
		dtypes[src.CreatedTimestampColumn] = registry.UnixTimestamp
	}

	seen := map[string]bool{}
	var required []string
	need := func(c string) {
		if !seen[c] {
			seen[c] = true
			required = append(required, c)
		}
	}
	for _, fv := range views {
		for _, k := range fv.JoinKeys() {
			need(k)
			if _, ok := dtypes[k]; !ok {
				dtypes[k] = registry.String
			}
		}
		for _, fd := range fv.Schema {
			need(fd.Name)
			if _, ok := dtypes[fd.Name]; !ok {
				dtypes[fd.Name] = fd.DType
			}
		}
	}
	need(src.TimestampField)
	return dtypes, required
}
