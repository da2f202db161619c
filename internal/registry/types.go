// Package registry defines the declarative feature store objects (entities,
// sources, feature views, on-demand views, feature services) and the registry
// that validates and holds them.
package registry

import (
	"fmt"
	"strings"
	"time"

	"featurestore/internal/config"
)

// DType is the scalar type of a Field.
type DType string

const (
	Invalid       DType = ""
	Float64       DType = "Float64"
	Float32       DType = "Float32"
	Int64         DType = "Int64"
	Int32         DType = "Int32"
	String        DType = "String"
	Bool          DType = "Bool"
	UnixTimestamp DType = "UnixTimestamp"
	Bytes         DType = "Bytes"
)

var dtypes = []DType{Float64, Float32, Int64, Int32, String, Bool, UnixTimestamp, Bytes}

// ParseDType resolves a type name case-insensitively ("float64", "FLOAT64").
func ParseDType(s string) (DType, error) {
	s = strings.TrimSpace(s)
	for _, d := range dtypes {
		if strings.EqualFold(string(d), s) {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", s)
}

// Valid reports whether d is one of the known types.
func (d DType) Valid() bool {
	_, err := ParseDType(string(d))
	return err == nil && d != Invalid
}

// Field is a named, typed column.
type Field struct {
	Name        string `json:"name"`
	DType       DType  `json:"dtype"`
	Description string `json:"description,omitempty"`
}

// Entity identifies the grain of a feature view.
type Entity struct {
	Name        string   `json:"name"`
	JoinKeys    []string `json:"join_keys"`
	Description string   `json:"description,omitempty"`
}

// Source is implemented by FileSource, PushSource and RequestSource.
type Source interface {
	SourceName() string
	sourceKind() string
}

// FileSource points to an append-only file of historical feature rows.
//
// Format is "parquet", "csv", "json" or "html"; when empty it is derived from
// the path extension. Path may be local or s3://bucket/key.
type FileSource struct {
	Name                   string         `json:"name"`
	Path                   string         `json:"path"`
	Format                 string         `json:"format,omitempty"`
	TimestampField         string         `json:"timestamp_field"`
	CreatedTimestampColumn string         `json:"created_timestamp_column,omitempty"`
	Options                config.Options `json:"options,omitempty"`
}

func (s *FileSource) SourceName() string { return s.Name }
func (s *FileSource) sourceKind() string { return "file_source" }

// PushSource is an ingestion alias: rows pushed to it land in BatchSource.
type PushSource struct {
	Name        string      `json:"name"`
	BatchSource *FileSource `json:"-"`
}

func (s *PushSource) SourceName() string { return s.Name }
func (s *PushSource) sourceKind() string { return "push_source" }

// RequestSource declares fields supplied only at request time.
type RequestSource struct {
	Name   string  `json:"name"`
	Schema []Field `json:"schema"`
}

func (s *RequestSource) SourceName() string { return s.Name }
func (s *RequestSource) sourceKind() string { return "request_source" }

// FeatureView binds a schema of precomputed features to entities and a source.
//
// TTL bounds how old a feature row may be relative to the retrieval time;
// zero means unbounded.
type FeatureView struct {
	Name     string
	Entities []*Entity
	TTL      time.Duration
	Online   bool
	Schema   []Field
	Source   Source // *FileSource or *PushSource
	Tags     map[string]string
}

// JoinKeys returns the join keys of all entities in declaration order.
func (v *FeatureView) JoinKeys() []string {
	var out []string
	for _, e := range v.Entities {
		out = append(out, e.JoinKeys...)
	}
	return out
}

// FeatureNames returns the schema field names.
func (v *FeatureView) FeatureNames() []string {
	return fieldNames(v.Schema)
}

// Field returns the schema field called name.
func (v *FeatureView) Field(name string) (Field, bool) {
	for _, f := range v.Schema {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// BatchSource returns the file source backing the view, resolving push
// sources to the batch source they wrap.
func (v *FeatureView) BatchSource() *FileSource {
	switch s := v.Source.(type) {
	case *FileSource:
		return s
	case *PushSource:
		return s.BatchSource
	}
	return nil
}

// OnDemandFeatureView computes features at request time from other views and
// request fields. Transform names a function registered with
// transformer.Register; it defaults to the view name.
type OnDemandFeatureView struct {
	Name      string
	Sources   []Source // *FeatureView or *RequestSource
	Schema    []Field
	Transform string
}

// FeatureNames returns the schema field names.
func (v *OnDemandFeatureView) FeatureNames() []string {
	return fieldNames(v.Schema)
}

// TransformName returns the registered transform name.
func (v *OnDemandFeatureView) TransformName() string {
	if v.Transform != "" {
		return v.Transform
	}
	return v.Name
}

// SourceViews returns the feature views among Sources.
func (v *OnDemandFeatureView) SourceViews() []*FeatureView {
	var out []*FeatureView
	for _, s := range v.Sources {
		if fv, ok := s.(*FeatureView); ok {
			out = append(out, fv)
		}
	}
	return out
}

// RequestSources returns the request sources among Sources.
func (v *OnDemandFeatureView) RequestSources() []*RequestSource {
	var out []*RequestSource
	for _, s := range v.Sources {
		if rs, ok := s.(*RequestSource); ok {
			out = append(out, rs)
		}
	}
	return out
}

// FeatureView is a source of an OnDemandFeatureView.
func (v *FeatureView) SourceName() string { return v.Name }
func (v *FeatureView) sourceKind() string { return "feature_view" }

// View is implemented by *FeatureView and *OnDemandFeatureView.
type View interface {
	ViewName() string
	FeatureNames() []string
}

func (v *FeatureView) ViewName() string         { return v.Name }
func (v *OnDemandFeatureView) ViewName() string { return v.Name }

// FeatureService is a named, immutable bundle of views.
type FeatureService struct {
	Name        string
	Features    []View
	Description string
}

// Refs returns the ordered union of the member views' feature references.
// Duplicates are kept: a view listed twice contributes its columns twice.
func (s *FeatureService) Refs() []FeatureRef {
	var out []FeatureRef
	for _, v := range s.Features {
		for _, f := range v.FeatureNames() {
			out = append(out, FeatureRef{View: v.ViewName(), Feature: f})
		}
	}
	return out
}

// Columns returns Refs as "view:feature" strings.
func (s *FeatureService) Columns() []string {
	refs := s.Refs()
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}

func fieldNames(fs []Field) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}

// FeatureRef addresses one feature of one view.
type FeatureRef struct {
	View    string
	Feature string
}

func (r FeatureRef) String() string { return r.View + ":" + r.Feature }

// FullName is the "view__feature" column name used when full feature names
// are requested.
func (r FeatureRef) FullName() string { return r.View + "__" + r.Feature }

// ParseFeatureRef parses "view:feature".
func ParseFeatureRef(s string) (FeatureRef, error) {
	view, feat, ok := strings.Cut(s, ":")
	if !ok || view == "" || feat == "" || strings.Contains(feat, ":") {
		return FeatureRef{}, fmt.Errorf("invalid feature reference %q (want view:feature)", s)
	}
	return FeatureRef{View: view, Feature: feat}, nil
}
