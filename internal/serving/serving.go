// Package serving retrieves feature values: the latest values per entity from
// the online store, and point-in-time correct values from the offline store.
// On-demand views are computed on top of both.
package serving

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"featurestore/internal/offline"
	"featurestore/internal/registry"
	"featurestore/internal/storage"
	"featurestore/internal/transformer"
)

// ErrMissingRequestData is returned when an on-demand view needs a request
// field the caller did not supply.
var ErrMissingRequestData = errors.New("missing request data")

// Logger is the minimal logging interface used by the engine.
type Logger interface {
	Printf(format string, v ...any)
}

// ViewReader is the offline read used for historical retrieval;
// *offline.Store implements it.
type ViewReader interface {
	ReadView(ctx context.Context, fv *registry.FeatureView) (*transformer.Frame, offline.Layout, error)
}

// Engine serves features.
type Engine struct {
	Registry *registry.Registry
	Online   storage.OnlineStore
	Offline  ViewReader
	Logger   Logger

	// Now is the clock used for TTL checks; defaults to time.Now.
	Now func() time.Time
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return e.Logger.Printf
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// plan is a resolved feature selection.
type plan struct {
	refs  []registry.FeatureRef
	views []*registry.FeatureView // feature views to fetch, first use order
	odfvs []*registry.OnDemandFeatureView
}

// resolve turns "view:feature" refs, or a feature service, into a plan. The
// service wins when both are given.
func (e *Engine) resolve(features []string, service string) (plan, error) {
	var p plan
	if service != "" {
		fs, err := e.Registry.FeatureService(service)
		if err != nil {
			return p, err
		}
		p.refs = fs.Refs()
	} else {
		for _, s := range features {
			ref, err := registry.ParseFeatureRef(s)
			if err != nil {
				return p, err
			}
			p.refs = append(p.refs, ref)
		}
	}
	if len(p.refs) == 0 {
		return p, errors.New("no features requested")
	}

	seenFV := map[string]bool{}
	seenOD := map[string]bool{}
	addFV := func(fv *registry.FeatureView) {
		if !seenFV[fv.Name] {
			seenFV[fv.Name] = true
			p.views = append(p.views, fv)
		}
	}
	for _, ref := range p.refs {
		v, err := e.Registry.View(ref.View)
		if err != nil {
			return p, err
		}
		if !contains(v.FeatureNames(), ref.Feature) {
			return p, fmt.Errorf("feature %s: %w", ref, registry.ErrNotFound)
		}
		switch v := v.(type) {
		case *registry.FeatureView:
			addFV(v)
		case *registry.OnDemandFeatureView:
			if !seenOD[v.Name] {
				seenOD[v.Name] = true
				p.odfvs = append(p.odfvs, v)
			}
			for _, src := range v.SourceViews() {
				addFV(src)
			}
		}
	}
	return p, nil
}

// columnName is the output name of ref.
func columnName(ref registry.FeatureRef, full bool) string {
	if full {
		return ref.FullName()
	}
	return ref.Feature
}

// onDemand computes odfv over n rows. fvValue returns the value of a source
// view feature for a row; request columns come from reqData.
func onDemand(odfv *registry.OnDemandFeatureView, n int, fvValue func(view, feature string, row int) any, reqData func(field string) ([]any, bool)) (*transformer.Frame, error) {
	in := transformer.WithRows(n)
	for _, fv := range odfv.SourceViews() {
		for _, f := range fv.FeatureNames() {
			if in.Has(f) {
				continue
			}
			col := make([]any, n)
			for i := range col {
				col[i] = fvValue(fv.Name, f, i)
			}
			if err := in.AddColumn(f, col); err != nil {
				return nil, err
			}
		}
	}
	for _, rs := range odfv.RequestSources() {
		for _, fd := range rs.Schema {
			vals, ok := reqData(fd.Name)
			if !ok {
				return nil, fmt.Errorf("on-demand view %s: %w: %s", odfv.Name, ErrMissingRequestData, fd.Name)
			}
			if len(vals) != n {
				return nil, fmt.Errorf("on-demand view %s: request field %s has %d values, want %d", odfv.Name, fd.Name, len(vals), n)
			}
			col := make([]any, n)
			for i, v := range vals {
				c, err := registry.Coerce(v, fd.DType)
				if err != nil {
					return nil, fmt.Errorf("request field %s row %d: %w", fd.Name, i, err)
				}
				col[i] = c
			}
			if in.Has(fd.Name) {
				continue
			}
			if err := in.AddColumn(fd.Name, col); err != nil {
				return nil, err
			}
		}
	}

	fn, ok := transformer.Lookup(odfv.TransformName())
	if !ok {
		return nil, fmt.Errorf("on-demand view %s: transform %q is not registered", odfv.Name, odfv.TransformName())
	}
	return transformer.Apply(odfv.Name, odfv.FeatureNames(), fn, in)
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
