package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

// DefaultPath is where featurectl looks for the project file.
const DefaultPath = "feature_store.toml"

// Project is the decoded feature_store.toml.
//
// Every field can be overridden by an FS_* environment variable (see
// applyEnv); env wins over the file so containers can reuse one file across
// environments.
type Project struct {
	Project  string `toml:"project"`
	Registry string `toml:"registry"` // local path or s3://bucket/key

	// Repo lists HCL definition files or directories. When empty the built-in
	// Go declarations are used.
	Repo []string `toml:"repo"`

	OnlineStore  OnlineStore  `toml:"online_store"`
	OfflineStore OfflineStore `toml:"offline_store"`
	Metrics      Metrics      `toml:"metrics"`
	Server       Server       `toml:"server"`
	Push         Push         `toml:"push"`
	Runtime      Runtime      `toml:"runtime"`
}

type OnlineStore struct {
	// Kind: "sqlite" | "postgres" | "mssql" | "mysql" | "mongodb"
	Kind string `toml:"kind"`
	DSN  string `toml:"dsn"`
}

// OfflineStore configures access to batch source files. Paths with an s3://
// scheme use these settings; local paths ignore them.
type OfflineStore struct {
	S3Region   string `toml:"s3_region"`
	S3Endpoint string `toml:"s3_endpoint"` // MinIO and friends; enables path-style
}

type Metrics struct {
	Backend    string `toml:"backend"` // "datadog" | "none"
	Tags       string `toml:"tags"`    // comma separated, e.g. "env:prod,team:ml"
	FlushEvery string `toml:"flush_every"`
}

type Server struct {
	Addr string `toml:"addr"`

	// MaterializeSchedule is a cron expression (robfig/cron syntax, including
	// descriptors like "@every 1h"). Empty disables scheduled materialization.
	MaterializeSchedule string `toml:"materialize_schedule"`

	// Watch re-applies the HCL repo whenever one of its files changes.
	Watch bool `toml:"watch"`
}

type Push struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type Runtime struct {
	BatchSize     int `toml:"batch_size"`
	LoaderWorkers int `toml:"loader_workers"`
}

// Default returns a Project populated with the defaults used when neither the
// file nor the environment provides a value.
func Default() Project {
	return Project{
		Project:  "fs_ml2",
		Registry: "data/registry.json",
		OnlineStore: OnlineStore{
			Kind: "sqlite",
			DSN:  "data/online_store.db",
		},
		OfflineStore: OfflineStore{S3Region: "us-east-1"},
		Metrics: Metrics{
			Backend:    "none",
			FlushEvery: "60s",
		},
		Server: Server{Addr: ":6566"},
		Push:   Push{SubjectPrefix: "featurestore.push"},
		Runtime: Runtime{
			BatchSize:     500,
			LoaderWorkers: 4,
		},
	}
}

// Load reads path (if it exists) over the defaults and then applies env
// overrides. A missing file is not an error when path is DefaultPath, so a
// bare checkout works with defaults alone.
func Load(path string) (Project, error) {
	p := Default()

	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		md, err := toml.DecodeFile(path, &p)
		if err != nil {
			return p, fmt.Errorf("decode %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			keys := make([]string, 0, len(undec))
			for _, k := range undec {
				keys = append(keys, k.String())
			}
			return p, fmt.Errorf("decode %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	} else if !os.IsNotExist(err) || path != DefaultPath {
		return p, fmt.Errorf("open config: %w", err)
	}

	if err := applyEnv(&p); err != nil {
		return p, err
	}
	return p, nil
}

// FlushInterval parses Metrics.FlushEvery, defaulting to one minute.
func (p Project) FlushInterval() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(p.Metrics.FlushEvery))
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

func applyEnv(p *Project) error {
	p.Project = envOrDefault("FS_PROJECT", p.Project)
	p.Registry = envOrDefault("FS_REGISTRY", p.Registry)
	if v := os.Getenv("FS_REPO"); v != "" {
		p.Repo = splitCSV(v)
	}
	p.OnlineStore.Kind = envOrDefault("FS_ONLINE_STORE_KIND", p.OnlineStore.Kind)
	p.OnlineStore.DSN = envOrDefault("FS_ONLINE_STORE_DSN", p.OnlineStore.DSN)
	p.OfflineStore.S3Region = envOrDefault("FS_S3_REGION", p.OfflineStore.S3Region)
	p.OfflineStore.S3Endpoint = envOrDefault("FS_S3_ENDPOINT", p.OfflineStore.S3Endpoint)
	p.Metrics.Backend = envOrDefault("METRICS_BACKEND", p.Metrics.Backend)
	p.Metrics.Tags = envOrDefault("METRICS_TAGS", p.Metrics.Tags)
	p.Server.Addr = envOrDefault("FS_SERVER_ADDR", p.Server.Addr)
	p.Server.MaterializeSchedule = envOrDefault("FS_MATERIALIZE_SCHEDULE", p.Server.MaterializeSchedule)
	p.Push.NATSURL = envOrDefault("FS_NATS_URL", p.Push.NATSURL)
	p.Push.SubjectPrefix = envOrDefault("FS_PUSH_SUBJECT_PREFIX", p.Push.SubjectPrefix)

	if v := os.Getenv("FS_SERVER_WATCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FS_SERVER_WATCH: %w", err)
		}
		p.Server.Watch = b
	}
	if v := os.Getenv("FS_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FS_BATCH_SIZE: %w", err)
		}
		p.Runtime.BatchSize = n
	}
	if v := os.Getenv("FS_LOADER_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FS_LOADER_WORKERS: %w", err)
		}
		p.Runtime.LoaderWorkers = n
	}
	return nil
}

// Validate checks the project for problems that would fail later at runtime.
func Validate(p Project) []Issue {
	var issues []Issue
	add := func(sev Severity, path, msg string) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: msg})
	}

	if strings.TrimSpace(p.Project) == "" {
		add(SeverityError, "project", "must not be empty")
	} else if strings.ContainsAny(p.Project, " .-\"`") {
		add(SeverityError, "project", "must be a plain identifier (used as online table prefix)")
	}
	if strings.TrimSpace(p.Registry) == "" {
		add(SeverityError, "registry", "must not be empty")
	}

	switch p.OnlineStore.Kind {
	case "sqlite", "postgres", "mssql", "mysql", "mongodb":
	case "":
		add(SeverityError, "online_store.kind", "must be set")
	default:
		add(SeverityError, "online_store.kind", fmt.Sprintf("unsupported kind %q", p.OnlineStore.Kind))
	}
	if p.OnlineStore.DSN == "" {
		add(SeverityError, "online_store.dsn", "must be set")
	}

	switch p.Metrics.Backend {
	case "", "none", "datadog":
	default:
		add(SeverityWarn, "metrics.backend", fmt.Sprintf("unknown backend %q; metrics will be disabled", p.Metrics.Backend))
	}
	if p.Metrics.FlushEvery != "" {
		if _, err := time.ParseDuration(p.Metrics.FlushEvery); err != nil {
			add(SeverityError, "metrics.flush_every", err.Error())
		}
	}

	if p.Runtime.BatchSize <= 0 {
		add(SeverityError, "runtime.batch_size", "must be > 0")
	}
	if p.Runtime.LoaderWorkers <= 0 {
		add(SeverityError, "runtime.loader_workers", "must be > 0")
	}
	if s := p.Server.MaterializeSchedule; s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			add(SeverityError, "server.materialize_schedule", err.Error())
		}
	}
	if p.Push.NATSURL != "" && strings.TrimSpace(p.Push.SubjectPrefix) == "" {
		add(SeverityError, "push.subject_prefix", "must be set when push.nats_url is set")
	}
	return issues
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
