package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is the persisted form of a Registry. References between objects
// are stored by name and resolved again by Restore.
type Snapshot struct {
	Project     string    `json:"project"`
	LastUpdated time.Time `json:"last_updated"`

	Entities             []*Entity            `json:"entities,omitempty"`
	FileSources          []*FileSource        `json:"file_sources,omitempty"`
	PushSources          []pushSourceJSON     `json:"push_sources,omitempty"`
	RequestSources       []*RequestSource     `json:"request_sources,omitempty"`
	FeatureViews         []featureViewJSON    `json:"feature_views,omitempty"`
	OnDemandFeatureViews []onDemandJSON       `json:"on_demand_feature_views,omitempty"`
	FeatureServices      []featureServiceJSON `json:"feature_services,omitempty"`

	Materializations map[string][]Interval `json:"materializations,omitempty"`
}

type pushSourceJSON struct {
	Name        string `json:"name"`
	BatchSource string `json:"batch_source"`
}

type featureViewJSON struct {
	Name     string            `json:"name"`
	Entities []string          `json:"entities"`
	TTL      string            `json:"ttl,omitempty"`
	Online   bool              `json:"online"`
	Schema   []Field           `json:"schema"`
	Source   string            `json:"source"`
	Tags     map[string]string `json:"tags,omitempty"`
}

type onDemandJSON struct {
	Name      string   `json:"name"`
	Sources   []string `json:"sources"`
	Schema    []Field  `json:"schema"`
	Transform string   `json:"transform,omitempty"`
}

type featureServiceJSON struct {
	Name        string   `json:"name"`
	Features    []string `json:"features"`
	Description string   `json:"description,omitempty"`
}

func encodeFeatureView(v *FeatureView) featureViewJSON {
	out := featureViewJSON{Name: v.Name, Online: v.Online, Schema: v.Schema, Tags: v.Tags}
	for _, e := range v.Entities {
		out.Entities = append(out.Entities, e.Name)
	}
	if v.TTL > 0 {
		out.TTL = v.TTL.String()
	}
	if v.Source != nil {
		out.Source = v.Source.SourceName()
	}
	return out
}

func encodeOnDemand(v *OnDemandFeatureView) onDemandJSON {
	out := onDemandJSON{Name: v.Name, Schema: v.Schema, Transform: v.Transform}
	for _, s := range v.Sources {
		out.Sources = append(out.Sources, s.SourceName())
	}
	return out
}

func encodeService(s *FeatureService) featureServiceJSON {
	out := featureServiceJSON{Name: s.Name, Description: s.Description}
	for _, v := range s.Features {
		out.Features = append(out.Features, v.ViewName())
	}
	return out
}

func encodePush(s *PushSource) pushSourceJSON {
	out := pushSourceJSON{Name: s.Name}
	if s.BatchSource != nil {
		out.BatchSource = s.BatchSource.Name
	}
	return out
}

// fingerprint is a stable encoding of one object used to detect updates.
func fingerprint(o any) string {
	var v any = o
	switch t := o.(type) {
	case *PushSource:
		v = encodePush(t)
	case *FeatureView:
		v = encodeFeatureView(t)
	case *OnDemandFeatureView:
		v = encodeOnDemand(t)
	case *FeatureService:
		v = encodeService(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%p", o)
	}
	return string(b)
}

// Snapshot captures the current contents.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &Snapshot{
		Project:          r.project,
		LastUpdated:      r.lastUpdated,
		Materializations: map[string][]Interval{},
	}
	for _, o := range r.objs {
		switch t := o.(type) {
		case *Entity:
			s.Entities = append(s.Entities, t)
		case *FileSource:
			s.FileSources = append(s.FileSources, t)
		case *PushSource:
			s.PushSources = append(s.PushSources, encodePush(t))
		case *RequestSource:
			s.RequestSources = append(s.RequestSources, t)
		case *FeatureView:
			s.FeatureViews = append(s.FeatureViews, encodeFeatureView(t))
		case *OnDemandFeatureView:
			s.OnDemandFeatureViews = append(s.OnDemandFeatureViews, encodeOnDemand(t))
		case *FeatureService:
			s.FeatureServices = append(s.FeatureServices, encodeService(t))
		}
	}
	for k, iv := range r.intervals {
		s.Materializations[k] = append([]Interval(nil), iv...)
	}
	return s
}

// Objects resolves the snapshot back into linked objects, in dependency order.
func (s *Snapshot) Objects() ([]any, error) {
	var objs []any
	entities := map[string]*Entity{}
	sources := map[string]Source{}
	views := map[string]View{}

	for _, e := range s.Entities {
		entities[e.Name] = e
		objs = append(objs, e)
	}
	for _, fs := range s.FileSources {
		sources[fs.Name] = fs
		objs = append(objs, fs)
	}
	for _, p := range s.PushSources {
		batch, ok := sources[p.BatchSource].(*FileSource)
		if !ok {
			return nil, fmt.Errorf("push source %q: unknown batch source %q", p.Name, p.BatchSource)
		}
		ps := &PushSource{Name: p.Name, BatchSource: batch}
		sources[ps.Name] = ps
		objs = append(objs, ps)
	}
	for _, rs := range s.RequestSources {
		sources[rs.Name] = rs
		objs = append(objs, rs)
	}
	for _, fv := range s.FeatureViews {
		v := &FeatureView{Name: fv.Name, Online: fv.Online, Schema: fv.Schema, Tags: fv.Tags}
		for _, en := range fv.Entities {
			e, ok := entities[en]
			if !ok {
				return nil, fmt.Errorf("feature view %q: unknown entity %q", fv.Name, en)
			}
			v.Entities = append(v.Entities, e)
		}
		if fv.TTL != "" {
			d, err := time.ParseDuration(fv.TTL)
			if err != nil {
				return nil, fmt.Errorf("feature view %q: ttl: %w", fv.Name, err)
			}
			v.TTL = d
		}
		src, ok := sources[fv.Source]
		if !ok {
			return nil, fmt.Errorf("feature view %q: unknown source %q", fv.Name, fv.Source)
		}
		v.Source = src
		views[v.Name] = v
		objs = append(objs, v)
	}
	for _, od := range s.OnDemandFeatureViews {
		v := &OnDemandFeatureView{Name: od.Name, Schema: od.Schema, Transform: od.Transform}
		for _, sn := range od.Sources {
			if fv, ok := views[sn].(*FeatureView); ok {
				v.Sources = append(v.Sources, fv)
				continue
			}
			if rs, ok := sources[sn].(*RequestSource); ok {
				v.Sources = append(v.Sources, rs)
				continue
			}
			return nil, fmt.Errorf("on-demand feature view %q: unknown source %q", od.Name, sn)
		}
		views[v.Name] = v
		objs = append(objs, v)
	}
	for _, fsj := range s.FeatureServices {
		svc := &FeatureService{Name: fsj.Name, Description: fsj.Description}
		for _, vn := range fsj.Features {
			v, ok := views[vn]
			if !ok {
				return nil, fmt.Errorf("feature service %q: unknown view %q", fsj.Name, vn)
			}
			svc.Features = append(svc.Features, v)
		}
		objs = append(objs, svc)
	}
	return objs, nil
}

// Restore rebuilds a registry from a snapshot. The snapshot is validated the
// same way Apply validates a repo.
func Restore(s *Snapshot) (*Registry, error) {
	objs, err := s.Objects()
	if err != nil {
		return nil, err
	}
	r := New(s.Project)
	if _, err := r.Apply(objs...); err != nil {
		return nil, fmt.Errorf("restore registry: %w", err)
	}
	r.mu.Lock()
	r.lastUpdated = s.LastUpdated
	for k, iv := range s.Materializations {
		if _, ok := r.views[k]; ok {
			r.intervals[k] = append([]Interval(nil), iv...)
		}
	}
	r.mu.Unlock()
	return r, nil
}
