// Package materialize copies the latest feature rows of each online feature
// view from the offline store into the online store.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"featurestore/internal/metrics"
	"featurestore/internal/offline"
	"featurestore/internal/registry"
	"featurestore/internal/storage"
	"featurestore/internal/transformer"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// ViewReader is the offline read used by the engine; *offline.Store
// implements it.
type ViewReader interface {
	ReadView(ctx context.Context, fv *registry.FeatureView) (*transformer.Frame, offline.Layout, error)
}

// Engine materializes feature views.
//
// For each view it reads the batch source, keeps rows whose event time is in
// (start, end], reduces them to the newest row per entity, and writes those
// in batches through LoaderWorkers goroutines. A view's interval is recorded
// in the registry only after all of its batches are written.
type Engine struct {
	Registry *registry.Registry
	Offline  ViewReader
	Online   storage.OnlineStore
	Logger   Logger

	// BatchSize is the number of entity rows per WriteRows call (default 1024).
	BatchSize int
	// LoaderWorkers is the number of concurrent writers (default 1).
	LoaderWorkers int
}

// ViewResult summarizes one materialized view.
type ViewResult struct {
	View     string
	Start    time.Time
	End      time.Time
	Rows     int   // rows in the interval
	Entities int   // distinct entities written
	Written  int64 // feature values the store reported written
	Duration time.Duration
}

// Result is the outcome of one materialization run.
type Result struct {
	Views []ViewResult
}

// Rows totals the entity rows written across views.
func (r Result) Rows() int {
	n := 0
	for _, v := range r.Views {
		n += v.Entities
	}
	return n
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return e.Logger.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// TableSpecFor describes the online table of fv.
func TableSpecFor(project string, fv *registry.FeatureView) storage.TableSpec {
	return storage.TableSpec{
		Name:     storage.TableName(project, fv.Name),
		View:     fv.Name,
		Features: fv.FeatureNames(),
	}
}

// resolveViews returns the named views, or every online view when names is
// empty. Naming a view that is not online is an error.
func (e *Engine) resolveViews(names []string) ([]*registry.FeatureView, error) {
	if len(names) == 0 {
		var out []*registry.FeatureView
		for _, fv := range e.Registry.FeatureViews() {
			if fv.Online {
				out = append(out, fv)
			}
		}
		return out, nil
	}
	out := make([]*registry.FeatureView, 0, len(names))
	for _, n := range names {
		fv, err := e.Registry.FeatureView(n)
		if err != nil {
			return nil, err
		}
		if !fv.Online {
			return nil, fmt.Errorf("feature view %s is not online", n)
		}
		out = append(out, fv)
	}
	return out, nil
}

func (e *Engine) check() error {
	if e.Registry == nil || e.Offline == nil || e.Online == nil {
		return errors.New("materialize: Registry, Offline and Online are required")
	}
	return nil
}

// Materialize loads (start, end] of the given views (all online views when
// empty). A zero start is unbounded.
func (e *Engine) Materialize(ctx context.Context, views []string, start, end time.Time) (Result, error) {
	if err := e.check(); err != nil {
		return Result{}, err
	}
	if end.IsZero() {
		return Result{}, errors.New("materialize: end time is required")
	}
	if !start.IsZero() && !start.Before(end) {
		return Result{}, fmt.Errorf("materialize: start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	fvs, err := e.resolveViews(views)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, fv := range fvs {
		vr, err := e.materializeView(ctx, fv, start, end)
		if err != nil {
			return res, err
		}
		res.Views = append(res.Views, vr)
	}
	return res, nil
}

// MaterializeIncremental loads each view from where its last run ended up to
// end. A view never materialized starts at end-TTL, or unbounded without a
// TTL. Views already materialized up to end are skipped.
func (e *Engine) MaterializeIncremental(ctx context.Context, views []string, end time.Time) (Result, error) {
	if err := e.check(); err != nil {
		return Result{}, err
	}
	if end.IsZero() {
		return Result{}, errors.New("materialize: end time is required")
	}
	fvs, err := e.resolveViews(views)
	if err != nil {
		return Result{}, err
	}
	logf := e.logger()

	var res Result
	for _, fv := range fvs {
		start, ok := e.Registry.LastMaterializedEnd(fv.Name)
		if !ok && fv.TTL > 0 {
			start = end.Add(-fv.TTL)
		}
		if !start.IsZero() && !start.Before(end) {
			logf("stage=materialize view=%s skipped: already materialized to %s", fv.Name, start.Format(time.RFC3339))
			continue
		}
		vr, err := e.materializeView(ctx, fv, start, end)
		if err != nil {
			return res, err
		}
		res.Views = append(res.Views, vr)
	}
	return res, nil
}

func (e *Engine) materializeView(ctx context.Context, fv *registry.FeatureView, start, end time.Time) (vr ViewResult, err error) {
	logf := e.logger()
	began := time.Now()
	defer func() { metrics.RecordStep("materialize", err, time.Since(began)) }()

	vr = ViewResult{View: fv.Name, Start: start, End: end}
	spec := TableSpecFor(e.Registry.Project(), fv)

	ddlStart := time.Now()
	if err := e.Online.EnsureTables(ctx, []storage.TableSpec{spec}); err != nil {
		return vr, fmt.Errorf("materialize %s: %w", fv.Name, err)
	}
	logf("stage=ddl view=%s table=%s ok duration=%s", fv.Name, spec.Name, durMS(ddlStart))

	readStart := time.Now()
	frame, layout, err := e.Offline.ReadView(ctx, fv)
	if err != nil {
		return vr, fmt.Errorf("materialize %s: %w", fv.Name, err)
	}
	inRange := offline.FilterInterval(frame, layout, start, end)
	latest := offline.LatestPerEntity(inRange, layout)
	vr.Rows = inRange.Len()
	vr.Entities = latest.Len()
	logf("stage=read view=%s ok rows=%d in_interval=%d entities=%d duration=%s",
		fv.Name, frame.Len(), inRange.Len(), latest.Len(), durMS(readStart))

	loadStart := time.Now()
	written, err := e.load(ctx, spec.Name, OnlineRows(latest, layout))
	if err != nil {
		return vr, fmt.Errorf("materialize %s: %w", fv.Name, err)
	}
	vr.Written = written
	logf("stage=load view=%s ok entities=%d written=%d duration=%s", fv.Name, latest.Len(), written, durMS(loadStart))

	if err := e.Registry.RecordMaterialization(fv.Name, start, end); err != nil {
		return vr, err
	}
	metrics.RecordRows("materialized", vr.Entities)
	vr.Duration = time.Since(began)
	return vr, nil
}

// OnlineRows converts view rows (Layout order, entity key stamped) to online
// store rows.
func OnlineRows(f *transformer.Frame, l offline.Layout) []storage.Row {
	names := l.FeatureNames()
	base, ki, ti, ci := len(l.JoinKeys), l.KeyIndex(), l.TSIndex(), l.CreatedIndex()

	out := make([]storage.Row, 0, f.Len())
	for _, r := range f.Rows {
		row := storage.Row{Values: make(map[string]any, len(names))}
		row.EntityKey, _ = r[ki].(string)
		row.EventTS, _ = r[ti].(time.Time)
		if ci >= 0 {
			row.CreatedTS, _ = r[ci].(time.Time)
		}
		for i, n := range names {
			row.Values[n] = r[base+i]
		}
		out = append(out, row)
	}
	return out
}

// load writes rows in batches with a worker pool. Any worker error cancels
// the others; the first error wins.
func (e *Engine) load(ctx context.Context, table string, rows []storage.Row) (int64, error) {
	logf := e.logger()

	batchSize := e.BatchSize
	if batchSize <= 0 {
		batchSize = 1024
	}
	workers := e.LoaderWorkers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, 1)
	setErr := func(err error) {
		select {
		case errCh <- err:
			cancel(err)
		default:
			// First error wins.
		}
	}

	batchCh := make(chan []storage.Row, workers*2)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		written int64
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(workerID int) {
			defer wg.Done()
			for batch := range batchCh {
				if ctx.Err() != nil {
					continue
				}
				start := time.Now()
				n, err := e.Online.WriteRows(ctx, table, batch)
				if err != nil {
					logf("stage=load_batch table=%s worker=%d status=error duration=%s err=%v", table, workerID, durMS(start), err)
					setErr(err)
					continue
				}
				mu.Lock()
				written += n
				mu.Unlock()
			}
		}(w)
	}

	for i := 0; i < len(rows); i += batchSize {
		j := min(i+batchSize, len(rows))
		select {
		case batchCh <- rows[i:j]:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(batchCh)
	wg.Wait()

	select {
	case err := <-errCh:
		return 0, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return 0, context.Cause(ctx)
	}
	return written, nil
}
