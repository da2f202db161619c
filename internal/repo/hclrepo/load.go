// Package hclrepo loads feature repo declarations from .hcl files.
//
// A repo file may contain any of these blocks, in any order and spread over
// any number of files; references between blocks are by name:
//
//	entity "booking" { join_keys = ["booking_id"] }
//
//	file_source "booking_source" {
//	  path            = "${env.DATA_DIR}/booking_features.parquet"
//	  timestamp_field = "event_timestamp"
//	}
//
//	feature_view "pc_booking_view" {
//	  entities = ["booking"]
//	  source   = "booking_source"
//	  online   = true
//	  field "great_feature1" { dtype = "Float64" }
//	}
//
// Expressions can read environment variables through the env object.
package hclrepo

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"featurestore/internal/config"
	"featurestore/internal/registry"
)

// fileRoot decodes every top-level block a repo file may contain.
type fileRoot struct {
	Entities        []*hclEntity         `hcl:"entity,block"`
	FileSources     []*hclFileSource     `hcl:"file_source,block"`
	PushSources     []*hclPushSource     `hcl:"push_source,block"`
	RequestSources  []*hclRequestSource  `hcl:"request_source,block"`
	FeatureViews    []*hclFeatureView    `hcl:"feature_view,block"`
	OnDemandViews   []*hclOnDemandView   `hcl:"on_demand_feature_view,block"`
	FeatureServices []*hclFeatureService `hcl:"feature_service,block"`
}

type hclField struct {
	Name        string `hcl:"name,label"`
	DType       string `hcl:"dtype"`
	Description string `hcl:"description,optional"`
}

type hclEntity struct {
	Name        string   `hcl:"name,label"`
	JoinKeys    []string `hcl:"join_keys"`
	Description string   `hcl:"description,optional"`
}

type hclFileSource struct {
	Name                   string    `hcl:"name,label"`
	Path                   string    `hcl:"path"`
	Format                 string    `hcl:"format,optional"`
	TimestampField         string    `hcl:"timestamp_field"`
	CreatedTimestampColumn string    `hcl:"created_timestamp_column,optional"`
	Options                cty.Value `hcl:"options,optional"`
}

type hclPushSource struct {
	Name        string `hcl:"name,label"`
	BatchSource string `hcl:"batch_source"`
}

type hclRequestSource struct {
	Name   string      `hcl:"name,label"`
	Fields []*hclField `hcl:"field,block"`
}

type hclFeatureView struct {
	Name     string            `hcl:"name,label"`
	Entities []string          `hcl:"entities"`
	Source   string            `hcl:"source"`
	Online   *bool             `hcl:"online,optional"`
	TTL      string            `hcl:"ttl,optional"`
	Tags     map[string]string `hcl:"tags,optional"`
	Fields   []*hclField       `hcl:"field,block"`
}

type hclOnDemandView struct {
	Name      string      `hcl:"name,label"`
	Sources   []string    `hcl:"sources"`
	Transform string      `hcl:"transform,optional"`
	Fields    []*hclField `hcl:"field,block"`
}

type hclFeatureService struct {
	Name        string   `hcl:"name,label"`
	Features    []string `hcl:"features"`
	Description string   `hcl:"description,optional"`
}

// Files expands paths (files or directories, walked recursively) into the
// sorted list of .hcl files they contain. Missing paths are an error.
func Files(paths ...string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("repo path %s: %w", p, err)
		}
		if !info.IsDir() {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
			continue
		}
		err = filepath.WalkDir(p, func(fp string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ".hcl") && !seen[fp] {
				seen[fp] = true
				out = append(out, fp)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk repo %s: %w", p, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Load parses every .hcl file under paths and returns the declared objects,
// linked and in dependency order. The result still needs registry.Validate
// (Apply does that); Load only reports syntax errors and dangling references.
func Load(paths ...string) ([]any, error) {
	files, err := Files(paths...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files under %s", strings.Join(paths, ", "))
	}

	evalCtx := &hcl.EvalContext{Variables: map[string]cty.Value{"env": envObject()}}
	parser := hclparse.NewParser()

	var all fileRoot
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		all.Entities = append(all.Entities, root.Entities...)
		all.FileSources = append(all.FileSources, root.FileSources...)
		all.PushSources = append(all.PushSources, root.PushSources...)
		all.RequestSources = append(all.RequestSources, root.RequestSources...)
		all.FeatureViews = append(all.FeatureViews, root.FeatureViews...)
		all.OnDemandViews = append(all.OnDemandViews, root.OnDemandViews...)
		all.FeatureServices = append(all.FeatureServices, root.FeatureServices...)
	}
	return all.link()
}

func (root *fileRoot) link() ([]any, error) {
	var objs []any
	entities := map[string]*registry.Entity{}
	sources := map[string]registry.Source{}
	views := map[string]registry.View{}

	for _, e := range root.Entities {
		ent := &registry.Entity{Name: e.Name, JoinKeys: e.JoinKeys, Description: e.Description}
		entities[e.Name] = ent
		objs = append(objs, ent)
	}
	for _, s := range root.FileSources {
		opts, err := toOptions(s.Options)
		if err != nil {
			return nil, fmt.Errorf("file_source %q: options: %w", s.Name, err)
		}
		src := &registry.FileSource{
			Name:                   s.Name,
			Path:                   s.Path,
			Format:                 s.Format,
			TimestampField:         s.TimestampField,
			CreatedTimestampColumn: s.CreatedTimestampColumn,
			Options:                opts,
		}
		sources[s.Name] = src
		objs = append(objs, src)
	}
	for _, s := range root.PushSources {
		batch, ok := sources[s.BatchSource].(*registry.FileSource)
		if !ok {
			return nil, fmt.Errorf("push_source %q: unknown file_source %q", s.Name, s.BatchSource)
		}
		ps := &registry.PushSource{Name: s.Name, BatchSource: batch}
		sources[s.Name] = ps
		objs = append(objs, ps)
	}
	for _, s := range root.RequestSources {
		fields, err := toFields(s.Fields)
		if err != nil {
			return nil, fmt.Errorf("request_source %q: %w", s.Name, err)
		}
		rs := &registry.RequestSource{Name: s.Name, Schema: fields}
		sources[s.Name] = rs
		objs = append(objs, rs)
	}
	for _, v := range root.FeatureViews {
		fv, err := v.toFeatureView(entities, sources)
		if err != nil {
			return nil, err
		}
		views[fv.Name] = fv
		objs = append(objs, fv)
	}
	for _, v := range root.OnDemandViews {
		fields, err := toFields(v.Fields)
		if err != nil {
			return nil, fmt.Errorf("on_demand_feature_view %q: %w", v.Name, err)
		}
		od := &registry.OnDemandFeatureView{Name: v.Name, Schema: fields, Transform: v.Transform}
		for _, sn := range v.Sources {
			if fv, ok := views[sn].(*registry.FeatureView); ok {
				od.Sources = append(od.Sources, fv)
			} else if rs, ok := sources[sn].(*registry.RequestSource); ok {
				od.Sources = append(od.Sources, rs)
			} else {
				return nil, fmt.Errorf("on_demand_feature_view %q: unknown source %q", v.Name, sn)
			}
		}
		views[od.Name] = od
		objs = append(objs, od)
	}
	for _, s := range root.FeatureServices {
		svc := &registry.FeatureService{Name: s.Name, Description: s.Description}
		for _, vn := range s.Features {
			v, ok := views[vn]
			if !ok {
				return nil, fmt.Errorf("feature_service %q: unknown view %q", s.Name, vn)
			}
			svc.Features = append(svc.Features, v)
		}
		objs = append(objs, svc)
	}
	return objs, nil
}

func (v *hclFeatureView) toFeatureView(entities map[string]*registry.Entity, sources map[string]registry.Source) (*registry.FeatureView, error) {
	fields, err := toFields(v.Fields)
	if err != nil {
		return nil, fmt.Errorf("feature_view %q: %w", v.Name, err)
	}
	fv := &registry.FeatureView{Name: v.Name, Schema: fields, Tags: v.Tags, Online: true}
	if v.Online != nil {
		fv.Online = *v.Online
	}
	if v.TTL != "" {
		d, err := time.ParseDuration(v.TTL)
		if err != nil {
			return nil, fmt.Errorf("feature_view %q: ttl: %w", v.Name, err)
		}
		fv.TTL = d
	}
	for _, en := range v.Entities {
		e, ok := entities[en]
		if !ok {
			return nil, fmt.Errorf("feature_view %q: unknown entity %q", v.Name, en)
		}
		fv.Entities = append(fv.Entities, e)
	}
	src, ok := sources[v.Source]
	if !ok {
		return nil, fmt.Errorf("feature_view %q: unknown source %q", v.Name, v.Source)
	}
	fv.Source = src
	return fv, nil
}

func toFields(in []*hclField) ([]registry.Field, error) {
	out := make([]registry.Field, 0, len(in))
	for _, f := range in {
		dt, err := registry.ParseDType(f.DType)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		out = append(out, registry.Field{Name: f.Name, DType: dt, Description: f.Description})
	}
	return out, nil
}

func envObject() cty.Value {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(vars)
}

// toOptions converts an HCL object such as { has_header = true, comma = ";" }
// into parser options.
func toOptions(val cty.Value) (config.Options, error) {
	if val.Type() == cty.NilType || val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("must be an object, got %s", val.Type().FriendlyName())
	}
	out := config.Options{}
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		gv, err := ctyToAny(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k.AsString(), err)
		}
		out[k.AsString()] = gv
	}
	return out, nil
}

func ctyToAny(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := map[string]any{}
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			gv, err := ctyToAny(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType():
		var out []any
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			gv, err := ctyToAny(v)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %s", ty.FriendlyName())
}
