package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics for plan generation, telemetry
// ingestion and the HTTP surface. A nil *Collector is valid and records
// nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Plans           *prometheus.CounterVec
	Windows         *prometheus.CounterVec
	StageDurations  *prometheus.HistogramVec
	SamplesIngested *prometheus.CounterVec
	ImportFiles     *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDurations   *prometheus.HistogramVec
}

// NewCollector registers metrics against reg, defaulting to the global
// Prometheus registry when nil. Registering twice returns the existing
// collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	plans, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contactplan_plans_total",
		Help: "Contact plans generated, labeled by output format and result.",
	}, []string{"format", "result"}), "contactplan_plans_total")
	if err != nil {
		return nil, err
	}

	windows, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contactplan_windows_total",
		Help: "Aggregated contact windows, labeled by whether they were emitted or dropped.",
	}, []string{"outcome"}), "contactplan_windows_total")
	if err != nil {
		return nil, err
	}

	stages, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contactplan_stage_duration_seconds",
		Help:    "Duration of each plan generation stage in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"stage"}), "contactplan_stage_duration_seconds")
	if err != nil {
		return nil, err
	}

	samples, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_samples_ingested_total",
		Help: "Telemetry samples read, labeled by source.",
	}, []string{"source"}), "telemetry_samples_ingested_total")
	if err != nil {
		return nil, err
	}

	imports, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_import_files_total",
		Help: "DSN Now snapshots converted or imported, labeled by result.",
	}, []string{"result"}), "telemetry_import_files_total")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests handled, labeled by handler and status code.",
	}, []string{"handler", "code"}), "http_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"handler"}), "http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		Plans:           plans,
		Windows:         windows,
		StageDurations:  stages,
		SamplesIngested: samples,
		ImportFiles:     imports,
		HTTPRequests:    requests,
		HTTPDurations:   durations,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps h with request counting and latency tracking
// under the given handler name.
func (c *Collector) InstrumentHandler(name string, h http.Handler) http.Handler {
	if c == nil {
		return h
	}
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerDuration(
		c.HTTPDurations.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(c.HTTPRequests.MustCurryWith(labels), h),
	)
}

// ObserveStage records the time elapsed since start for a pipeline stage.
func (c *Collector) ObserveStage(stage string, start time.Time) {
	if c == nil {
		return
	}
	c.StageDurations.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordPlan counts a plan generation attempt.
func (c *Collector) RecordPlan(format string, err error) {
	if c == nil {
		return
	}
	c.Plans.WithLabelValues(format, result(err)).Inc()
}

// RecordWindows counts emitted and dropped windows of one plan.
func (c *Collector) RecordWindows(emitted, dropped int) {
	if c == nil {
		return
	}
	c.Windows.WithLabelValues("emitted").Add(float64(emitted))
	c.Windows.WithLabelValues("dropped").Add(float64(dropped))
}

// AddSamples counts telemetry samples read from a source.
func (c *Collector) AddSamples(source string, n int) {
	if c == nil {
		return
	}
	c.SamplesIngested.WithLabelValues(source).Add(float64(n))
}

// RecordImport counts one converted or imported snapshot file.
func (c *Collector) RecordImport(err error) {
	if c == nil {
		return
	}
	c.ImportFiles.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
