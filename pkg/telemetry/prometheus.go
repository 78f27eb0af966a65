package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/Ciluvien/dsn-analysis/internal/logging"
	"github.com/Ciluvien/dsn-analysis/internal/observability"
	"github.com/Ciluvien/dsn-analysis/pkg/contact"
	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

// DefaultMaxSplits bounds how many sub-ranges a query is split into when
// the server rejects it for resolution.
const DefaultMaxSplits = 1024

// ResolutionError is the server message for range queries with too many
// points per series.
const ResolutionError = "exceeded maximum resolution"

// ErrResolution is returned when a query still exceeds the server's
// resolution limit after the maximum number of splits.
var ErrResolution = errors.New("query exceeds maximum resolution even after splitting; increase the step")

// PrometheusConfig configures a PrometheusSource.
type PrometheusConfig struct {
	URL       string
	Queries   Queries
	MaxSplits int
	Timeout   time.Duration
}

// PrometheusSource queries a Prometheus-compatible range query API and
// joins the results into samples.
type PrometheusSource struct {
	api       v1.API
	queries   Queries
	maxSplits int
	timeout   time.Duration
	log       logging.Logger
	metrics   *observability.Collector
}

// NewPrometheusSource creates a client for cfg.URL.
func NewPrometheusSource(cfg PrometheusConfig, log logging.Logger, metrics *observability.Collector) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	if log == nil {
		log = logging.Noop()
	}
	queries := cfg.Queries
	if queries == (Queries{}) {
		queries = DefaultQueries()
	}
	maxSplits := cfg.MaxSplits
	if maxSplits <= 0 {
		maxSplits = DefaultMaxSplits
	}
	return &PrometheusSource{
		api:       v1.NewAPI(client),
		queries:   queries,
		maxSplits: maxSplits,
		timeout:   cfg.Timeout,
		log:       log,
		metrics:   metrics,
	}, nil
}

func (s *PrometheusSource) Name() string { return "prometheus" }

// Samples runs the data-rate, measured-range and predicted-range queries
// over r and joins them.
func (s *PrometheusSource) Samples(ctx context.Context, r TimeRange) ([]contact.Sample, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	rng := v1.Range{Start: r.Start, End: r.End, Step: r.step()}

	rates, err := s.QueryRange(ctx, s.queries.DataRate, rng)
	if err != nil {
		return nil, err
	}
	measured, err := s.QueryRange(ctx, s.queries.MeasuredRange, rng)
	if err != nil {
		return nil, err
	}
	predicted, err := s.QueryRange(ctx, s.queries.PredictedRange, rng)
	if err != nil {
		return nil, err
	}

	samples := Join(rates, measured, predicted, rng.Step)
	s.metrics.AddSamples(s.Name(), len(samples))
	return samples, nil
}

// QueryRange runs a range query. When the server rejects the range for
// resolution it is split into 2, 4, 8 and so on equal sub-ranges, up to
// the configured maximum, and the sub-range results are merged.
func (s *PrometheusSource) QueryRange(ctx context.Context, query string, r v1.Range) ([]types.Series, error) {
	s.log.Info(ctx, "querying telemetry", logging.String("query", query))

	matrix, err := s.query(ctx, query, r)
	if err == nil {
		return fromMatrix(matrix), nil
	}
	if !isResolutionError(err) {
		return nil, err
	}

	for count := 2; count < s.maxSplits; count *= 2 {
		s.log.Info(ctx, "range exceeds server resolution, splitting",
			logging.String("query", query), logging.Int("intervals", count))

		var merged []model.Matrix
		exceeded := false
		for _, sub := range splitRange(r, count) {
			m, err := s.query(ctx, query, sub)
			if isResolutionError(err) {
				exceeded = true
				break
			}
			if err != nil {
				return nil, err
			}
			merged = append(merged, m)
		}
		if !exceeded {
			return fromMatrix(merged...), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrResolution, query)
}

func (s *PrometheusSource) query(ctx context.Context, query string, r v1.Range) (model.Matrix, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	value, warnings, err := s.api.QueryRange(ctx, query, r)
	if err != nil {
		return nil, fmt.Errorf("query %s between %s and %s: %w", query,
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), err)
	}
	if len(warnings) > 0 {
		s.log.Debug(ctx, "prometheus query warnings", logging.Any("warnings", []string(warnings)))
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("query %s: expected matrix result, got %s", query, value.Type())
	}
	if len(matrix) == 0 {
		s.log.Warn(ctx, "query returned no series", logging.String("query", query))
	}
	return matrix, nil
}

func isResolutionError(err error) bool {
	return err != nil && strings.Contains(err.Error(), ResolutionError)
}

// splitRange cuts r into count consecutive ranges sharing their boundaries.
func splitRange(r v1.Range, count int) []v1.Range {
	total := r.End.Sub(r.Start)
	out := make([]v1.Range, count)
	for i := range out {
		out[i] = v1.Range{
			Start: r.Start.Add(total * time.Duration(i) / time.Duration(count)),
			End:   r.Start.Add(total * time.Duration(i+1) / time.Duration(count)),
			Step:  r.Step,
		}
	}
	return out
}

// fromMatrix converts query results to series, merging streams of the same
// metric across matrices. Points at shared sub-range boundaries are kept
// once.
func fromMatrix(matrices ...model.Matrix) []types.Series {
	var out []types.Series
	index := make(map[model.Fingerprint]int)
	for _, matrix := range matrices {
		for _, stream := range matrix {
			fp := stream.Metric.Fingerprint()
			i, ok := index[fp]
			if !ok {
				i = len(out)
				index[fp] = i
				out = append(out, types.Series{Metric: toMetric(stream.Metric)})
			}
			points := out[i].Points
			for _, v := range stream.Values {
				at := v.Timestamp.Time().UTC()
				if n := len(points); n > 0 && !at.After(points[n-1].Timestamp) {
					continue
				}
				points = append(points, types.Point{Timestamp: at, Value: float64(v.Value)})
			}
			out[i].Points = points
		}
	}
	return out
}

func toMetric(m model.Metric) types.Metric {
	labels := make(map[string]string, len(m))
	for k, v := range m {
		if k == model.MetricNameLabel {
			continue
		}
		labels[string(k)] = string(v)
	}
	return types.Metric{Name: string(m[model.MetricNameLabel]), Labels: labels}
}
