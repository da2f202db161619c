package serving

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"featurestore/internal/materialize"
	"featurestore/internal/metrics"
	"featurestore/internal/registry"
	"featurestore/internal/storage"
	"featurestore/internal/transformer"
	"featurestore/internal/transformer/builtin"
)

// Status describes where a served value came from.
type Status string

const (
	Present       Status = "PRESENT"
	NullValue     Status = "NULL_VALUE"
	NotFound      Status = "NOT_FOUND"
	OutsideMaxAge Status = "OUTSIDE_MAX_AGE"
)

// OnlineRequest selects features for a batch of entities.
//
// Entities and RequestData are columnar: every column holds one value per
// entity row. Features are "view:feature" refs; FeatureService, when set,
// replaces them.
type OnlineRequest struct {
	Features         []string         `json:"features,omitempty"`
	FeatureService   string           `json:"feature_service,omitempty"`
	Entities         map[string][]any `json:"entities"`
	RequestData      map[string][]any `json:"request_data,omitempty"`
	FullFeatureNames bool             `json:"full_feature_names,omitempty"`
}

// FeatureVector is one output column.
type FeatureVector struct {
	Values          []any        `json:"values"`
	Statuses        []Status     `json:"statuses"`
	EventTimestamps []*time.Time `json:"event_timestamps"`
}

// MarshalJSON writes NaN and infinite values as "NaN", "Infinity" and
// "-Infinity", which encoding/json cannot represent as numbers.
func (v FeatureVector) MarshalJSON() ([]byte, error) {
	type plain FeatureVector
	out := plain(v)
	out.Values = make([]any, len(v.Values))
	for i, x := range v.Values {
		out.Values[i] = transformer.JSONSafe(x)
	}
	return json.Marshal(out)
}

// OnlineResponse lists the entity columns (sorted by name) followed by the
// requested features in request order.
type OnlineResponse struct {
	FeatureNames []string        `json:"feature_names"`
	Results      []FeatureVector `json:"results"`
}

// Column returns the vector named name.
func (r *OnlineResponse) Column(name string) (FeatureVector, bool) {
	for i, n := range r.FeatureNames {
		if n == name {
			return r.Results[i], true
		}
	}
	return FeatureVector{}, false
}

// viewRows is the online lookup of one feature view for every entity row.
type viewRows struct {
	fv     *registry.FeatureView
	rows   []storage.Row
	status []Status
}

func (v *viewRows) value(feature string, i int) any {
	if v.status[i] != Present {
		return nil
	}
	return v.rows[i].Values[feature]
}

// GetOnlineFeatures reads the latest feature values for the entity rows.
//
// Statuses per value: PRESENT, NULL_VALUE (stored null or null product),
// NOT_FOUND (no row for the entity) and OUTSIDE_MAX_AGE (row older than the
// view TTL; the value is withheld).
func (e *Engine) GetOnlineFeatures(ctx context.Context, req OnlineRequest) (resp *OnlineResponse, err error) {
	began := time.Now()
	defer func() { metrics.RecordStep("get_online_features", err, time.Since(began)) }()

	if e.Registry == nil || e.Online == nil {
		return nil, errors.New("serving: Registry and Online are required")
	}
	p, err := e.resolve(req.Features, req.FeatureService)
	if err != nil {
		return nil, err
	}
	n, err := rowCount(req.Entities)
	if err != nil {
		return nil, err
	}

	fetched := make(map[string]*viewRows, len(p.views))
	for _, fv := range p.views {
		vr, err := e.readView(ctx, fv, req.Entities, n)
		if err != nil {
			return nil, err
		}
		fetched[fv.Name] = vr
	}

	computed := make(map[string]*transformer.Frame, len(p.odfvs))
	for _, odfv := range p.odfvs {
		out, err := onDemand(odfv, n,
			func(view, feature string, i int) any { return fetched[view].value(feature, i) },
			func(field string) ([]any, bool) { v, ok := req.RequestData[field]; return v, ok },
		)
		if err != nil {
			return nil, err
		}
		computed[odfv.Name] = out
	}

	resp = &OnlineResponse{}
	for _, k := range sortedKeys(req.Entities) {
		vec := FeatureVector{Values: req.Entities[k], Statuses: make([]Status, n), EventTimestamps: make([]*time.Time, n)}
		for i := range vec.Statuses {
			vec.Statuses[i] = Present
		}
		resp.FeatureNames = append(resp.FeatureNames, k)
		resp.Results = append(resp.Results, vec)
	}
	for _, ref := range p.refs {
		vec := FeatureVector{Values: make([]any, n), Statuses: make([]Status, n), EventTimestamps: make([]*time.Time, n)}
		if vr, ok := fetched[ref.View]; ok {
			for i := 0; i < n; i++ {
				vec.Statuses[i] = vr.status[i]
				if vr.status[i] == Present || vr.status[i] == OutsideMaxAge {
					ts := vr.rows[i].EventTS
					vec.EventTimestamps[i] = &ts
				}
				vec.Values[i] = vr.value(ref.Feature, i)
				if vr.status[i] == Present && vec.Values[i] == nil {
					vec.Statuses[i] = NullValue
				}
			}
		} else {
			out := computed[ref.View]
			for i := 0; i < n; i++ {
				vec.Values[i] = out.Value(i, ref.Feature)
				vec.Statuses[i] = Present
				if vec.Values[i] == nil {
					vec.Statuses[i] = NullValue
				}
			}
		}
		resp.FeatureNames = append(resp.FeatureNames, columnName(ref, req.FullFeatureNames))
		resp.Results = append(resp.Results, vec)
	}

	metrics.RecordRows("served", n)
	e.logger()("stage=get_online_features ok rows=%d features=%d views=%d duration=%s",
		n, len(p.refs), len(p.views), time.Since(began).Truncate(time.Millisecond))
	return resp, nil
}

// readView looks up fv for every entity row.
func (e *Engine) readView(ctx context.Context, fv *registry.FeatureView, entities map[string][]any, n int) (*viewRows, error) {
	joinKeys := fv.JoinKeys()
	cols := make([][]any, len(joinKeys))
	for i, k := range joinKeys {
		c, ok := entities[k]
		if !ok {
			return nil, fmt.Errorf("feature view %s: entity rows: %w: %s", fv.Name, transformer.ErrMissingColumn, k)
		}
		cols[i] = c
	}

	keys := make([]string, n)
	var lookup []string
	seen := map[string]bool{}
	vals := make([]any, len(joinKeys))
	for i := 0; i < n; i++ {
		null := false
		for j, c := range cols {
			vals[j] = c[i]
			null = null || c[i] == nil
		}
		if null {
			continue
		}
		keys[i] = builtin.EntityKey(joinKeys, vals)
		if !seen[keys[i]] {
			seen[keys[i]] = true
			lookup = append(lookup, keys[i])
		}
	}

	spec := materialize.TableSpecFor(e.Registry.Project(), fv)
	stored := map[string]storage.Row{}
	if len(lookup) > 0 {
		var err error
		if stored, err = e.Online.ReadRows(ctx, spec.Name, lookup); err != nil {
			return nil, fmt.Errorf("feature view %s: %w", fv.Name, err)
		}
	}

	cutoff := time.Time{}
	if fv.TTL > 0 {
		cutoff = e.now().Add(-fv.TTL)
	}
	vr := &viewRows{fv: fv, rows: make([]storage.Row, n), status: make([]Status, n)}
	for i, k := range keys {
		r, ok := stored[k]
		if k == "" || !ok {
			vr.status[i] = NotFound
			continue
		}
		if !cutoff.IsZero() && !r.EventTS.After(cutoff) {
			vr.status[i] = OutsideMaxAge
			vr.rows[i] = r
			continue
		}
		typed := make(map[string]any, len(fv.Schema))
		for _, fd := range fv.Schema {
			v, err := registry.Coerce(r.Values[fd.Name], fd.DType)
			if err != nil {
				return nil, fmt.Errorf("feature view %s feature %s: %w", fv.Name, fd.Name, err)
			}
			typed[fd.Name] = v
		}
		r.Values = typed
		vr.rows[i] = r
		vr.status[i] = Present
	}
	return vr, nil
}

// rowCount checks that every entity column has the same length.
func rowCount(entities map[string][]any) (int, error) {
	if len(entities) == 0 {
		return 0, errors.New("no entity rows given")
	}
	n := -1
	for _, k := range sortedKeys(entities) {
		if n >= 0 && len(entities[k]) != n {
			return 0, fmt.Errorf("entity column %s has %d values, want %d", k, len(entities[k]), n)
		}
		n = len(entities[k])
	}
	return n, nil
}
