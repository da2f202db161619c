package serving

import (
	"context"
	"errors"
	"fmt"
	"time"

	"featurestore/internal/metrics"
	"featurestore/internal/offline"
	"featurestore/internal/registry"
	"featurestore/internal/transformer"
)

// DefaultTimestampField is the entity row timestamp column used when a
// historical request names none.
const DefaultTimestampField = "event_timestamp"

// HistoricalRequest asks for feature values as of each entity row's
// timestamp. Entities carries the join keys, the timestamp column and any
// request fields the on-demand views need.
type HistoricalRequest struct {
	Entities         *transformer.Frame
	TimestampField   string
	Features         []string
	FeatureService   string
	FullFeatureNames bool
}

// GetHistoricalFeatures returns the entity rows with the requested features
// appended in request order. Each feature view value is the newest row with
// event time at or before the entity timestamp and inside the view TTL;
// rows without a match get nulls.
func (e *Engine) GetHistoricalFeatures(ctx context.Context, req HistoricalRequest) (out *transformer.Frame, err error) {
	began := time.Now()
	defer func() { metrics.RecordStep("get_historical_features", err, time.Since(began)) }()

	if e.Registry == nil || e.Offline == nil {
		return nil, errors.New("serving: Registry and Offline are required")
	}
	if req.Entities == nil {
		return nil, errors.New("no entity rows given")
	}
	tsField := req.TimestampField
	if tsField == "" {
		tsField = DefaultTimestampField
	}
	p, err := e.resolve(req.Features, req.FeatureService)
	if err != nil {
		return nil, err
	}

	joined := req.Entities
	for _, fv := range p.views {
		readStart := time.Now()
		frame, l, err := e.Offline.ReadView(ctx, fv)
		if err != nil {
			return nil, fmt.Errorf("feature view %s: %w", fv.Name, err)
		}
		names := make([]string, len(l.Features))
		for i, fd := range l.Features {
			names[i] = registry.FeatureRef{View: fv.Name, Feature: fd.Name}.FullName()
		}
		if joined, err = offline.PointInTimeJoin(joined, tsField, offline.NewTimeline(frame, l), fv.TTL, names); err != nil {
			return nil, fmt.Errorf("feature view %s: %w", fv.Name, err)
		}
		e.logger()("stage=point_in_time_join view=%s ok source_rows=%d duration=%s", fv.Name, frame.Len(), time.Since(readStart).Truncate(time.Millisecond))
	}

	n := req.Entities.Len()
	computed := make(map[string]*transformer.Frame, len(p.odfvs))
	for _, odfv := range p.odfvs {
		c, err := onDemand(odfv, n,
			func(view, feature string, i int) any {
				return joined.Value(i, registry.FeatureRef{View: view, Feature: feature}.FullName())
			},
			func(field string) ([]any, bool) {
				if !req.Entities.Has(field) {
					return nil, false
				}
				col, _ := req.Entities.Column(field)
				return col, true
			},
		)
		if err != nil {
			return nil, err
		}
		computed[odfv.Name] = c
	}

	// Built by hand: a service listing a view twice yields duplicate columns.
	out = req.Entities.Clone()
	for _, ref := range p.refs {
		out.Columns = append(out.Columns, columnName(ref, req.FullFeatureNames))
		src, name := joined, ref.FullName()
		if c, ok := computed[ref.View]; ok {
			src, name = c, ref.Feature
		}
		for i := range out.Rows {
			out.Rows[i] = append(out.Rows[i], src.Value(i, name))
		}
	}

	metrics.RecordRows("retrieved", n)
	e.logger()("stage=get_historical_features ok rows=%d features=%d duration=%s",
		n, len(p.refs), time.Since(began).Truncate(time.Millisecond))
	return out, nil
}
