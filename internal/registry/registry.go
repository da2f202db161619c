package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"featurestore/internal/config"
)

// ErrNotFound is returned (wrapped) by lookups for unknown names.
var ErrNotFound = errors.New("not found")

// Interval is one materialized time window (start, end].
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Registry holds the applied declarations of one project.
//
// Concurrency:
//   - Safe for concurrent use. Lookups take a read lock; Apply swaps the whole
//     object set under the write lock, so readers never observe a half-applied
//     repo.
//
// Objects returned by lookups are shared and must be treated as read-only.
type Registry struct {
	mu sync.RWMutex

	project     string
	lastUpdated time.Time

	objs []any

	entities  map[string]*Entity
	sources   map[string]Source
	views     map[string]*FeatureView
	odfvs     map[string]*OnDemandFeatureView
	services  map[string]*FeatureService
	intervals map[string][]Interval

	now func() time.Time
}

// New returns an empty registry for project.
func New(project string) *Registry {
	r := &Registry{project: project, now: time.Now}
	r.index(nil)
	r.intervals = map[string][]Interval{}
	return r
}

// Project returns the project name.
func (r *Registry) Project() string { return r.project }

// LastUpdated returns the time of the last successful Apply or materialization record.
func (r *Registry) LastUpdated() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdated
}

// Diff summarizes what Apply would change, by "kind/name".
type Diff struct {
	Added     []string
	Updated   []string
	Removed   []string
	Unchanged []string
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Plan validates objs and returns the diff against the current contents
// without changing the registry.
func (r *Registry) Plan(objs ...any) (Diff, []config.Issue) {
	issues := Validate(objs...)
	if config.HasErrors(issues) {
		return Diff{}, issues
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return diff(r.objs, objs), issues
}

// Apply replaces the registry contents with objs (the repo is the source of
// truth: objects absent from objs are removed). Re-applying the same objects
// is a no-op apart from LastUpdated.
//
// Materialization intervals survive for feature views that still exist.
//
// Errors:
//   - Returns the first validation error (with a count of the rest); the
//     registry is left untouched in that case.
func (r *Registry) Apply(objs ...any) (Diff, error) {
	issues := Validate(objs...)
	if err := config.IssuesError(issues); err != nil {
		return Diff{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d := diff(r.objs, objs)
	r.index(objs)
	for name := range r.intervals {
		if _, ok := r.views[name]; !ok {
			delete(r.intervals, name)
		}
	}
	r.lastUpdated = r.now().UTC()
	return d, nil
}

// index rebuilds the lookup maps. Caller holds the write lock (or owns r).
func (r *Registry) index(objs []any) {
	r.objs = append([]any(nil), objs...)
	r.entities = map[string]*Entity{}
	r.sources = map[string]Source{}
	r.views = map[string]*FeatureView{}
	r.odfvs = map[string]*OnDemandFeatureView{}
	r.services = map[string]*FeatureService{}

	for _, o := range objs {
		switch t := o.(type) {
		case *Entity:
			r.entities[t.Name] = t
		case *FileSource:
			r.sources[t.Name] = t
		case *PushSource:
			r.sources[t.Name] = t
		case *RequestSource:
			r.sources[t.Name] = t
		case *FeatureView:
			r.views[t.Name] = t
		case *OnDemandFeatureView:
			r.odfvs[t.Name] = t
		case *FeatureService:
			r.services[t.Name] = t
		}
	}
}

// Objects returns all applied objects in apply order.
func (r *Registry) Objects() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]any(nil), r.objs...)
}

// Entity returns the entity called name.
func (r *Registry) Entity(name string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entities[name]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("entity %q: %w", name, ErrNotFound)
}

// DataSource returns the file, push or request source called name.
func (r *Registry) DataSource(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sources[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("data source %q: %w", name, ErrNotFound)
}

// PushSource returns the push source called name.
func (r *Registry) PushSource(name string) (*PushSource, error) {
	s, err := r.DataSource(name)
	if err != nil {
		return nil, err
	}
	ps, ok := s.(*PushSource)
	if !ok {
		return nil, fmt.Errorf("data source %q is a %s, not a push source", name, s.sourceKind())
	}
	return ps, nil
}

// FeatureView returns the feature view called name.
func (r *Registry) FeatureView(name string) (*FeatureView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.views[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("feature view %q: %w", name, ErrNotFound)
}

// OnDemandFeatureView returns the on-demand feature view called name.
func (r *Registry) OnDemandFeatureView(name string) (*OnDemandFeatureView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.odfvs[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("on-demand feature view %q: %w", name, ErrNotFound)
}

// View returns the feature view or on-demand feature view called name.
func (r *Registry) View(name string) (View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.views[name]; ok {
		return v, nil
	}
	if v, ok := r.odfvs[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("view %q: %w", name, ErrNotFound)
}

// FeatureService returns the feature service called name.
func (r *Registry) FeatureService(name string) (*FeatureService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.services[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("feature service %q: %w", name, ErrNotFound)
}

// FeatureViews returns all feature views in apply order.
func (r *Registry) FeatureViews() []*FeatureView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*FeatureView
	for _, o := range r.objs {
		if v, ok := o.(*FeatureView); ok {
			out = append(out, v)
		}
	}
	return out
}

// OnDemandFeatureViews returns all on-demand views in apply order.
func (r *Registry) OnDemandFeatureViews() []*OnDemandFeatureView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*OnDemandFeatureView
	for _, o := range r.objs {
		if v, ok := o.(*OnDemandFeatureView); ok {
			out = append(out, v)
		}
	}
	return out
}

// FeatureServices returns all feature services in apply order.
func (r *Registry) FeatureServices() []*FeatureService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*FeatureService
	for _, o := range r.objs {
		if s, ok := o.(*FeatureService); ok {
			out = append(out, s)
		}
	}
	return out
}

// ViewsForSource returns the feature views fed by the named source. A push
// source also feeds every view reading its wrapped batch source, because
// pushed rows land in that batch source.
func (r *Registry) ViewsForSource(name string) []*FeatureView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	batch := ""
	if ps, ok := r.sources[name].(*PushSource); ok && ps.BatchSource != nil {
		batch = ps.BatchSource.Name
	}

	var out []*FeatureView
	for _, o := range r.objs {
		v, ok := o.(*FeatureView)
		if !ok || v.Source == nil {
			continue
		}
		src := v.Source.SourceName()
		if src == name || (batch != "" && src == batch) {
			out = append(out, v)
		}
	}
	return out
}

// RecordMaterialization appends a materialized interval for view.
func (r *Registry) RecordMaterialization(view string, start, end time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[view]; !ok {
		return fmt.Errorf("feature view %q: %w", view, ErrNotFound)
	}
	r.intervals[view] = append(r.intervals[view], Interval{Start: start.UTC(), End: end.UTC()})
	r.lastUpdated = r.now().UTC()
	return nil
}

// Materializations returns the recorded intervals for view, oldest first.
func (r *Registry) Materializations(view string) []Interval {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]Interval(nil), r.intervals[view]...)
	sort.Slice(out, func(i, j int) bool { return out[i].End.Before(out[j].End) })
	return out
}

// LastMaterializedEnd returns the latest recorded interval end for view.
func (r *Registry) LastMaterializedEnd(view string) (time.Time, bool) {
	iv := r.Materializations(view)
	if len(iv) == 0 {
		return time.Time{}, false
	}
	return iv[len(iv)-1].End, true
}

func objectKey(o any) string {
	switch t := o.(type) {
	case *Entity:
		return "entity/" + t.Name
	case *FileSource:
		return "file_source/" + t.Name
	case *PushSource:
		return "push_source/" + t.Name
	case *RequestSource:
		return "request_source/" + t.Name
	case *FeatureView:
		return "feature_view/" + t.Name
	case *OnDemandFeatureView:
		return "on_demand_feature_view/" + t.Name
	case *FeatureService:
		return "feature_service/" + t.Name
	}
	return fmt.Sprintf("unknown/%T", o)
}

func diff(oldObjs, newObjs []any) Diff {
	var d Diff
	old := map[string]string{}
	for _, o := range oldObjs {
		old[objectKey(o)] = fingerprint(o)
	}
	seen := map[string]bool{}
	for _, o := range newObjs {
		k := objectKey(o)
		seen[k] = true
		prev, ok := old[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case prev != fingerprint(o):
			d.Updated = append(d.Updated, k)
		default:
			d.Unchanged = append(d.Unchanged, k)
		}
	}
	for _, o := range oldObjs {
		if k := objectKey(o); !seen[k] {
			d.Removed = append(d.Removed, k)
		}
	}
	return d
}
