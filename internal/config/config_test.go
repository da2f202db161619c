package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "feature_store.toml", `
project = "bookings"
registry = "s3://ml-bucket/registry.json"
repo = ["feature_repo"]

[online_store]
kind = "postgres"
dsn = "postgres://fs@localhost/fs"

[metrics]
backend = "datadog"
flush_every = "15s"

[runtime]
batch_size = 100
loader_workers = 2
`)

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Project != "bookings" {
		t.Fatalf("project=%q", p.Project)
	}
	if p.OnlineStore.Kind != "postgres" || p.OnlineStore.DSN != "postgres://fs@localhost/fs" {
		t.Fatalf("online_store=%+v", p.OnlineStore)
	}
	if len(p.Repo) != 1 || p.Repo[0] != "feature_repo" {
		t.Fatalf("repo=%v", p.Repo)
	}
	if p.FlushInterval() != 15*time.Second {
		t.Fatalf("flush interval=%s", p.FlushInterval())
	}
	// untouched sections keep defaults
	if p.Server.Addr != ":6566" {
		t.Fatalf("server.addr=%q", p.Server.Addr)
	}
	if p.Push.SubjectPrefix != "featurestore.push" {
		t.Fatalf("push.subject_prefix=%q", p.Push.SubjectPrefix)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "feature_store.toml", `
project = "x"
[online_store]
knd = "sqlite"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoad_MissingExplicitPathErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config path")
	}
}

func TestLoad_EnvWins(t *testing.T) {
	path := writeFile(t, "feature_store.toml", `
[online_store]
kind = "sqlite"
dsn = "a.db"
`)
	t.Setenv("FS_ONLINE_STORE_DSN", "b.db")
	t.Setenv("FS_BATCH_SIZE", "7")
	t.Setenv("FS_SERVER_WATCH", "true")

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.OnlineStore.DSN != "b.db" {
		t.Fatalf("dsn=%q", p.OnlineStore.DSN)
	}
	if p.Runtime.BatchSize != 7 {
		t.Fatalf("batch_size=%d", p.Runtime.BatchSize)
	}
	if !p.Server.Watch {
		t.Fatalf("expected watch=true")
	}
}

func TestLoad_BadEnvNumber(t *testing.T) {
	t.Setenv("FS_LOADER_WORKERS", "many")
	path := writeFile(t, "feature_store.toml", `project = "x"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for non-numeric FS_LOADER_WORKERS")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(p *Project)
		wantPath  string
		wantError bool
	}{
		{name: "defaults_ok", mutate: func(p *Project) {}},
		{name: "empty_project", mutate: func(p *Project) { p.Project = "" }, wantPath: "project", wantError: true},
		{name: "dotted_project", mutate: func(p *Project) { p.Project = "a.b" }, wantPath: "project", wantError: true},
		{name: "bad_kind", mutate: func(p *Project) { p.OnlineStore.Kind = "redis" }, wantPath: "online_store.kind", wantError: true},
		{name: "bad_flush", mutate: func(p *Project) { p.Metrics.FlushEvery = "soon" }, wantPath: "metrics.flush_every", wantError: true},
		{name: "unknown_metrics_is_warning", mutate: func(p *Project) { p.Metrics.Backend = "statsd" }, wantPath: "metrics.backend"},
		{name: "zero_batch", mutate: func(p *Project) { p.Runtime.BatchSize = 0 }, wantPath: "runtime.batch_size", wantError: true},
		{name: "every_schedule_ok", mutate: func(p *Project) { p.Server.MaterializeSchedule = "@every 1h" }},
		{name: "bad_schedule", mutate: func(p *Project) { p.Server.MaterializeSchedule = "hourly" }, wantPath: "server.materialize_schedule", wantError: true},
		{name: "nats_without_prefix", mutate: func(p *Project) {
			p.Push.NATSURL = "nats://localhost:4222"
			p.Push.SubjectPrefix = ""
		}, wantPath: "push.subject_prefix", wantError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Default()
			tc.mutate(&p)
			issues := Validate(p)

			if tc.wantPath == "" {
				if len(issues) != 0 {
					t.Fatalf("expected no issues, got %v", issues)
				}
				return
			}
			found := false
			for _, iss := range issues {
				if iss.Path == tc.wantPath {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected issue at %s, got %v", tc.wantPath, issues)
			}
			if HasErrors(issues) != tc.wantError {
				t.Fatalf("HasErrors=%v want %v (%v)", HasErrors(issues), tc.wantError, issues)
			}
		})
	}
}

func TestIssuesError(t *testing.T) {
	if err := IssuesError([]Issue{{Severity: SeverityWarn, Path: "a", Message: "m"}}); err != nil {
		t.Fatalf("warnings only should not produce an error: %v", err)
	}
	err := IssuesError([]Issue{
		{Severity: SeverityError, Path: "a", Message: "first"},
		{Severity: SeverityError, Path: "b", Message: "second"},
	})
	if err == nil || err.Error() != "a: first (and 1 more)" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOptions_Accessors(t *testing.T) {
	o := Options{
		"has_header": "false",
		"comma":      ";",
		"tab":        `\t`,
		"workers":    float64(3),
		"n":          "12",
		"header_map": map[string]any{"Booking ID": "booking_id", "skip": 1},
	}
	if o.Bool("has_header", true) {
		t.Fatalf("has_header should be false")
	}
	if o.Rune("comma", ',') != ';' || o.Rune("tab", ',') != '\t' || o.Rune("missing", ',') != ',' {
		t.Fatalf("rune accessors wrong")
	}
	if o.Int("workers", 0) != 3 || o.Int("n", 0) != 12 || o.Int("missing", 9) != 9 {
		t.Fatalf("int accessors wrong")
	}
	hm := o.StringMap("header_map")
	if len(hm) != 1 || hm["Booking ID"] != "booking_id" {
		t.Fatalf("header_map=%v", hm)
	}
	var nilOpts Options
	if nilOpts.String("x", "d") != "d" {
		t.Fatalf("nil options should return default")
	}
}
