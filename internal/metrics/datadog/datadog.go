// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Flushing:
//   - counters and histogram samples are buffered in memory under a mutex
//   - a ticker flushes once per FlushEvery (default one minute)
//   - Close stops the ticker and flushes one final time
//
// A long-running feature server therefore produces a real time series, and a
// short CLI run still submits its tail on exit. If the process is killed with
// SIGKILL or OOM, Close does not run and the last window is lost.
//
// Histograms are submitted as p50/p90/p95/p99/max/samples gauges computed
// over the flush window.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"featurestore/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to
	// "featurestore".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "team:ml"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams; production leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the subset of *datadogV2.MetricsApi used here, so tests
// can capture payloads without HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// series describes how one facade metric is submitted.
type series struct {
	name   string   // Datadog metric name
	labels []string // label keys turned into tags, in order
}

// known maps facade metric names to Datadog series. Anything else is ignored.
var known = map[string]series{
	metrics.StepTotal:           {"featurestore.step.total", []string{"step", "status"}},
	metrics.StepDurationSeconds: {"featurestore.step.duration_seconds", []string{"step", "status"}},
	metrics.RowsTotal:           {"featurestore.rows.total", []string{"kind"}},
	metrics.HTTPRequestsTotal:   {"featurestore.http.requests.total", []string{"status"}},
	metrics.HTTPDurationSeconds: {"featurestore.http.request_duration_seconds", []string{"status"}},
}

// bufKey identifies one buffered series: Datadog name plus its label tags.
type bufKey struct {
	name string
	tags string // "\x00"-joined "key:value" pairs
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[bufKey]float64
	samples  map[bufKey][]float64
}

var _ metrics.Backend = (*Backend)(nil)

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client and
// starts its flush loop. Credentials and site come from the client's usual
// DD_API_KEY / DD_SITE environment.
//
// Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "featurestore"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[bufKey]float64),
		samples:    make(map[bufKey][]float64),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Call it once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// keyFor resolves a facade metric to its buffer key. Missing label values
// become "unknown".
func keyFor(name string, labels metrics.Labels) (bufKey, bool) {
	s, ok := known[name]
	if !ok {
		return bufKey{}, false
	}
	tags := make([]string, len(s.labels))
	for i, l := range s.labels {
		v := labels[l]
		if v == "" {
			v = "unknown"
		}
		tags[i] = l + ":" + v
	}
	return bufKey{name: s.name, tags: strings.Join(tags, "\x00")}, true
}

// IncCounter implements metrics.Backend. Non-positive deltas and unknown
// metrics are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	k, ok := keyFor(name, labels)
	if !ok {
		return
	}
	b.mu.Lock()
	b.counters[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend. Negative values and unknown
// metrics are dropped.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	k, ok := keyFor(name, labels)
	if !ok {
		return
	}
	b.mu.Lock()
	b.samples[k] = append(b.samples[k], value)
	b.mu.Unlock()
}

// snapshotAndReset detaches the buffers so submission happens out of lock.
func (b *Backend) snapshotAndReset() (map[bufKey]float64, map[bufKey][]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, s := b.counters, b.samples
	b.counters = make(map[bufKey]float64)
	b.samples = make(map[bufKey][]float64)
	return c, s
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails. It returns nil without calling Datadog when empty.
func (b *Backend) Flush() error {
	counters, samples := b.snapshotAndReset()
	if len(counters) == 0 && len(samples) == 0 {
		return nil
	}
	payload := datadogV2.MetricPayload{Series: b.buildSeries(counters, samples, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	if err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries is pure so payload naming and tagging can be tested directly.
// Output is sorted by metric name, then tags.
func (b *Backend) buildSeries(counters map[bufKey]float64, samples map[bufKey][]float64, nowUnix int64) []datadogV2.MetricSeries {
	out := make([]datadogV2.MetricSeries, 0, len(counters)+6*len(samples))
	for k, v := range counters {
		if v == 0 {
			continue
		}
		out = append(out, pointSeries(k.name, datadogV2.METRICINTAKETYPE_COUNT, v, b.tagsFor(k), nowUnix))
	}
	for k, s := range samples {
		addPercentiles(&out, k.name, s, b.tagsFor(k), nowUnix)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return strings.Join(out[i].Tags, ",") < strings.Join(out[j].Tags, ",")
	})
	return out
}

func (b *Backend) tagsFor(k bufKey) []string {
	if k.tags == "" {
		return withTags(b.baseTags)
	}
	return withTags(b.baseTags, strings.Split(k.tags, "\x00")...)
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges for samples.
// It sorts a copy, leaving samples untouched.
func addPercentiles(out *[]datadogV2.MetricSeries, prefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	gauge := datadogV2.METRICINTAKETYPE_GAUGE
	*out = append(*out,
		pointSeries(prefix+".p50", gauge, percentileNearestRank(cp, 0.50), tags, nowUnix),
		pointSeries(prefix+".p90", gauge, percentileNearestRank(cp, 0.90), tags, nowUnix),
		pointSeries(prefix+".p95", gauge, percentileNearestRank(cp, 0.95), tags, nowUnix),
		pointSeries(prefix+".p99", gauge, percentileNearestRank(cp, 0.99), tags, nowUnix),
		pointSeries(prefix+".max", gauge, cp[len(cp)-1], tags, nowUnix),
		pointSeries(prefix+".samples", gauge, float64(len(cp)), tags, nowUnix),
	)
}

func pointSeries(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

// percentileNearestRank expects s sorted ascending.
func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

// ParseTagsCSV parses comma-separated tags like "env:prod,team:ml".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
