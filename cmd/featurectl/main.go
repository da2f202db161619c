// Command featurectl manages a feature store project: it applies repo
// definitions, materializes feature views into the online store, pushes and
// reads features, and runs the feature server.
//
// The project file (feature_store.toml by default) is read once per
// invocation; FS_* environment variables override it.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"featurestore/internal/config"
	"featurestore/internal/featurestore"
	"featurestore/internal/metrics"
	"featurestore/internal/metrics/datadog"
	"featurestore/internal/registry"

	"github.com/spf13/cobra"
)

var (
	cfgPath    string
	jsonOutput bool
	verbose    bool

	cfg    config.Project
	logger *log.Logger

	closeMetrics func()
)

var rootCmd = &cobra.Command{
	Use:           "featurectl",
	Short:         "Manage and serve a feature store project",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger = newLogger(verbose || cmd.Name() == "serve")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "project file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logs")

	rootCmd.AddGroup(
		&cobra.Group{ID: "repo", Title: "Repo commands:"},
		&cobra.Group{ID: "data", Title: "Data commands:"},
	)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(teardownCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(inferCmd)
	rootCmd.AddCommand(materializeCmd)
	rootCmd.AddCommand(materializeIncrementalCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(getOnlineCmd)
	rootCmd.AddCommand(getHistoricalCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if closeMetrics != nil {
		closeMetrics()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(on bool) *log.Logger {
	if !on {
		return log.New(io.Discard, "", 0)
	}
	return log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
}

// openStore opens the project and starts the configured metrics backend.
func openStore(ctx context.Context) (*featurestore.Store, error) {
	setupMetrics(ctx)
	return featurestore.Open(ctx, cfg, logger)
}

// setupMetrics installs the metrics backend named in the project file. A
// backend that fails to start leaves the nop backend in place.
func setupMetrics(ctx context.Context) {
	if closeMetrics != nil {
		return
	}
	closeMetrics = func() {}

	switch backend := cfg.Metrics.Backend; backend {
	case "datadog":
		tags := datadog.ParseTagsCSV(cfg.Metrics.Tags)
		b, err := datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{
			JobName:    cfg.Project,
			Tags:       tags,
			FlushEvery: cfg.FlushInterval(),
		})
		if err != nil {
			logger.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		logger.Printf("metrics: backend=%s job_name=%s tags=%v", backend, cfg.Project, tags)
		metrics.SetBackend(b)
		// Close stops the flush loop and submits what is still buffered.
		closeMetrics = func() {
			if err := b.Close(); err != nil {
				log.Printf("metrics: datadog close/flush error: %v", err)
			}
		}
	case "", "none":
		logger.Printf("metrics: disabled (backend=%q)", backend)
	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", backend)
	}
}

// parseTime reads a command line timestamp: RFC 3339, a date, unix seconds
// or "now".
func parseTime(name, s string) (time.Time, error) {
	if s == "now" {
		return time.Now().UTC(), nil
	}
	t, ok, err := registry.ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	return t, nil
}
