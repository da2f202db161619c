package registry

import (
	"fmt"
	"path"
	"strings"

	"featurestore/internal/config"
	"featurestore/internal/transformer"
)

var fileFormats = map[string]bool{"parquet": true, "csv": true, "json": true, "html": true}

// FormatOf returns the declared format of s, falling back to the path
// extension ("data/x.parquet" -> "parquet").
func FormatOf(s *FileSource) string {
	if s.Format != "" {
		return strings.ToLower(s.Format)
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(s.Path)), ".")
	switch ext {
	case "jsonl", "ndjson":
		return "json"
	case "htm":
		return "html"
	}
	return ext
}

// Validate checks a complete set of declarations. Every object must be one of
// the registry pointer types; references are resolved by name within objs.
//
// Views share one namespace (feature views and on-demand views are both
// addressed as "view:feature"), as do the three source kinds.
func Validate(objs ...any) []config.Issue {
	var issues []config.Issue
	add := func(sev config.Severity, p, format string, args ...any) {
		issues = append(issues, config.Issue{Severity: sev, Path: p, Message: fmt.Sprintf(format, args...)})
	}

	entities := map[string]bool{}
	sources := map[string]Source{}
	views := map[string]View{}
	services := map[string]bool{}

	// pass 1: names and duplicates
	for i, o := range objs {
		name, ns := "", ""
		switch t := o.(type) {
		case *Entity:
			name, ns = t.Name, "entity"
			if name != "" && entities[name] {
				add(config.SeverityError, "entity/"+name, "duplicate entity name")
			}
			entities[name] = true
		case *FileSource, *PushSource, *RequestSource:
			s := t.(Source)
			name, ns = s.SourceName(), s.sourceKind()
			if name != "" && sources[name] != nil {
				add(config.SeverityError, ns+"/"+name, "duplicate data source name")
			}
			sources[name] = s
		case *FeatureView:
			name, ns = t.Name, "feature_view"
			if name != "" && views[name] != nil {
				add(config.SeverityError, ns+"/"+name, "duplicate view name")
			}
			views[name] = t
		case *OnDemandFeatureView:
			name, ns = t.Name, "on_demand_feature_view"
			if name != "" && views[name] != nil {
				add(config.SeverityError, ns+"/"+name, "duplicate view name")
			}
			views[name] = t
		case *FeatureService:
			name, ns = t.Name, "feature_service"
			if name != "" && services[name] {
				add(config.SeverityError, ns+"/"+name, "duplicate feature service name")
			}
			services[name] = true
		default:
			add(config.SeverityError, fmt.Sprintf("objects[%d]", i), "unsupported object type %T", o)
			continue
		}
		if strings.TrimSpace(name) == "" {
			add(config.SeverityError, fmt.Sprintf("%s[%d]", ns, i), "name must not be empty")
		}
	}

	// pass 2: per-object rules and references
	for _, o := range objs {
		switch t := o.(type) {
		case *Entity:
			p := "entity/" + t.Name
			if len(t.JoinKeys) == 0 {
				add(config.SeverityError, p, "at least one join key is required")
			}
			checkNames(p+".join_keys", t.JoinKeys, add)

		case *FileSource:
			p := "file_source/" + t.Name
			if strings.TrimSpace(t.Path) == "" {
				add(config.SeverityError, p+".path", "must not be empty")
			}
			if t.TimestampField == "" {
				add(config.SeverityError, p+".timestamp_field", "must not be empty")
			}
			if f := FormatOf(t); !fileFormats[f] {
				add(config.SeverityError, p+".format", "unsupported format %q", f)
			}
			if t.CreatedTimestampColumn != "" && t.CreatedTimestampColumn == t.TimestampField {
				add(config.SeverityWarn, p+".created_timestamp_column", "same column as timestamp_field; ties cannot be broken")
			}

		case *PushSource:
			p := "push_source/" + t.Name
			if t.BatchSource == nil {
				add(config.SeverityError, p+".batch_source", "must be set")
			} else if _, ok := sources[t.BatchSource.Name].(*FileSource); !ok {
				add(config.SeverityError, p+".batch_source", "file source %q is not declared", t.BatchSource.Name)
			}

		case *RequestSource:
			p := "request_source/" + t.Name
			if len(t.Schema) == 0 {
				add(config.SeverityError, p+".schema", "at least one field is required")
			}
			checkFields(p+".schema", t.Schema, add)

		case *FeatureView:
			validateFeatureView(t, entities, sources, add)

		case *OnDemandFeatureView:
			validateOnDemand(t, views, sources, add)

		case *FeatureService:
			p := "feature_service/" + t.Name
			if len(t.Features) == 0 {
				add(config.SeverityError, p+".features", "at least one view is required")
			}
			for _, v := range t.Features {
				if v == nil {
					add(config.SeverityError, p+".features", "nil view")
					continue
				}
				if views[v.ViewName()] == nil {
					add(config.SeverityError, p+".features", "view %q is not declared", v.ViewName())
				}
			}
		}
	}
	return issues
}

type addFunc func(sev config.Severity, p, format string, args ...any)

func validateFeatureView(v *FeatureView, entities map[string]bool, sources map[string]Source, add addFunc) {
	p := "feature_view/" + v.Name
	if len(v.Entities) == 0 {
		add(config.SeverityError, p+".entities", "at least one entity is required")
	}
	for _, e := range v.Entities {
		if e == nil || !entities[e.Name] {
			name := "<nil>"
			if e != nil {
				name = e.Name
			}
			add(config.SeverityError, p+".entities", "entity %q is not declared", name)
		}
	}
	if v.TTL < 0 {
		add(config.SeverityError, p+".ttl", "must not be negative")
	}

	var batch *FileSource
	switch s := v.Source.(type) {
	case nil:
		add(config.SeverityError, p+".source", "must be set")
	case *FileSource, *PushSource:
		if sources[s.SourceName()] == nil {
			add(config.SeverityError, p+".source", "data source %q is not declared", s.SourceName())
		}
		batch = v.BatchSource()
	default:
		add(config.SeverityError, p+".source", "a %s cannot back a feature view", s.sourceKind())
	}

	if len(v.Schema) == 0 {
		add(config.SeverityError, p+".schema", "at least one field is required")
	}
	checkFields(p+".schema", v.Schema, add)

	reserved := map[string]string{}
	for _, k := range v.JoinKeys() {
		reserved[k] = "join key"
	}
	if batch != nil {
		reserved[batch.TimestampField] = "timestamp field"
		if batch.CreatedTimestampColumn != "" {
			reserved[batch.CreatedTimestampColumn] = "created timestamp column"
		}
	}
	for _, f := range v.Schema {
		if what, ok := reserved[f.Name]; ok {
			add(config.SeverityError, p+".schema", "feature %q collides with %s", f.Name, what)
		}
	}
	if !v.Online {
		add(config.SeverityWarn, p+".online", "view is offline only; it cannot be served online")
	}
}

func validateOnDemand(v *OnDemandFeatureView, views map[string]View, sources map[string]Source, add addFunc) {
	p := "on_demand_feature_view/" + v.Name
	if len(v.Sources) == 0 {
		add(config.SeverityError, p+".sources", "at least one source is required")
	}

	inputs := map[string]string{}
	addInput := func(col, from string) {
		if prev, ok := inputs[col]; ok {
			add(config.SeverityError, p+".sources", "input column %q provided by both %s and %s", col, prev, from)
			return
		}
		inputs[col] = from
	}
	for _, s := range v.Sources {
		switch t := s.(type) {
		case *FeatureView:
			if _, ok := views[t.Name].(*FeatureView); !ok {
				add(config.SeverityError, p+".sources", "feature view %q is not declared", t.Name)
			}
			for _, f := range t.FeatureNames() {
				addInput(f, t.Name)
			}
		case *RequestSource:
			if _, ok := sources[t.Name].(*RequestSource); !ok {
				add(config.SeverityError, p+".sources", "request source %q is not declared", t.Name)
			}
			for _, f := range t.Schema {
				addInput(f.Name, t.Name)
			}
		case nil:
			add(config.SeverityError, p+".sources", "nil source")
		default:
			add(config.SeverityError, p+".sources", "a %s cannot feed an on-demand view", s.sourceKind())
		}
	}

	if len(v.Schema) == 0 {
		add(config.SeverityError, p+".schema", "at least one field is required")
	}
	checkFields(p+".schema", v.Schema, add)
	for _, f := range v.Schema {
		if from, ok := inputs[f.Name]; ok {
			add(config.SeverityError, p+".schema", "output %q collides with an input column of %s", f.Name, from)
		}
	}

	if _, ok := transformer.Lookup(v.TransformName()); !ok {
		add(config.SeverityError, p+".transform", "no transform registered as %q", v.TransformName())
	}
}

func checkNames(p string, names []string, add addFunc) {
	seen := map[string]bool{}
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			add(config.SeverityError, p, "empty name")
			continue
		}
		if seen[n] {
			add(config.SeverityError, p, "duplicate name %q", n)
		}
		seen[n] = true
	}
}

func checkFields(p string, fields []Field, add addFunc) {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
		if !f.DType.Valid() {
			add(config.SeverityError, p, "field %q has unknown dtype %q", f.Name, f.DType)
		}
	}
	checkNames(p, names, add)
}
