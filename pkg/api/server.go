package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/Ciluvien/dsn-analysis/internal/logging"
	"github.com/Ciluvien/dsn-analysis/internal/observability"
	"github.com/Ciluvien/dsn-analysis/pkg/contact"
	"github.com/Ciluvien/dsn-analysis/pkg/openmetrics"
	"github.com/Ciluvien/dsn-analysis/pkg/planner"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
	"github.com/Ciluvien/dsn-analysis/pkg/telemetry"
	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

const (
	// DefaultMaxPoints is the per-series resolution limit of range queries.
	DefaultMaxPoints = 11000
	// LookbackDelta is how far back a range query step looks for a sample.
	LookbackDelta = 5 * time.Minute
)

// Prometheus API error types.
const (
	errorBadData   = "bad_data"
	errorExecution = "execution"
	errorInternal  = "internal"
)

// Config configures the API server.
type Config struct {
	Addr      string
	Timeout   time.Duration
	MaxPoints int
	// Queries select the telemetry used by /api/v1/plan.
	Queries       telemetry.Queries
	CacheCapacity int
	CacheTTL      time.Duration
	Log           logging.Logger
	Metrics       *observability.Collector
}

// Server implements the HTTP API server
type Server struct {
	cfg     Config
	storage storage.Storage
	cache   *storage.CachedStorage
	planner *planner.Planner
	log     logging.Logger
	metrics *observability.Collector
	server  *http.Server
}

// NewServer creates a new API server. Queries go through an LRU cache when
// cfg.CacheCapacity is positive.
func NewServer(cfg Config, store storage.Storage) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = DefaultMaxPoints
	}
	if cfg.Queries == (telemetry.Queries{}) {
		cfg.Queries = telemetry.DefaultQueries()
	}
	log := cfg.Log
	if log == nil {
		log = logging.Noop()
	}

	s := &Server{
		cfg:     cfg,
		storage: store,
		planner: planner.New(log, cfg.Metrics),
		log:     log.With(logging.String("component", "api")),
		metrics: cfg.Metrics,
	}
	if cfg.CacheCapacity > 0 {
		s.cache = storage.NewCachedStorage(store, cfg.CacheCapacity, cfg.CacheTTL)
		s.storage = s.cache
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.InstrumentHandler(name, h))
	}

	route("/api/v1/write", "write", s.handleWrite)
	route("/api/v1/import", "import", s.handleImport)
	route("/api/v1/query", "query", s.handleQuery)
	route("/api/v1/query_range", "query_range", s.handleQueryRange)
	route("/api/v1/label/{name}/values", "label_values", s.handleLabelValues)
	route("/api/v1/plan", "plan", s.handlePlan)
	route("/health", "health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	return s.withRequestID(mux)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
	}

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// withRequestID tags each request context with the caller's X-Request-ID or
// a fresh one, and echoes it on the response.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx = logging.ContextWithRequestID(ctx, id)
		}
		ctx, id := logging.EnsureRequestID(ctx)
		w.Header().Set("X-Request-ID", id)
		log := s.log.With(logging.String("method", r.Method), logging.String("path", r.URL.Path))
		ctx = logging.ContextWithLogger(ctx, log)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		log.Debug(ctx, "request served", logging.Duration("elapsed", time.Since(start)))
	})
}

// handleWrite handles JSON write requests
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, fmt.Errorf("invalid request: %w", err))
		return
	}
	req.TenantID = tenantID(r)

	if err := s.storage.Write(r.Context(), &req); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, errorInternal, fmt.Errorf("write failed: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

// handleImport stores an OpenMetrics exposition. ?syntax=prometheus reads
// millisecond timestamps instead.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	syntax := openmetrics.SyntaxOpenMetrics
	if r.URL.Query().Get("syntax") == "prometheus" {
		syntax = openmetrics.SyntaxPrometheus
	}

	series, err := openmetrics.Parse(r.Body, syntax)
	s.metrics.RecordImport(err)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, err)
		return
	}

	req := &types.WriteRequest{TenantID: tenantID(r), Series: series}
	if err := s.storage.Write(r.Context(), req); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, errorInternal, fmt.Errorf("write failed: %w", err))
		return
	}

	points := 0
	for _, ser := range series {
		points += len(ser.Points)
	}
	logging.FromContext(r.Context(), s.log).Info(r.Context(), "exposition imported",
		logging.Int("series", len(series)), logging.Int("points", points))
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]int{"series": len(series), "points": points},
	})
}

// handleQuery returns the raw points of every matching series. The range
// defaults to the last hour.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := r.FormValue("query")
	if query == "" {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, errors.New("missing query parameter"))
		return
	}

	now := time.Now()
	startTime, err := parseTimeOr(r.FormValue("start"), now.Add(-time.Hour))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, fmt.Errorf("invalid start time: %w", err))
		return
	}
	endTime, err := parseTimeOr(r.FormValue("end"), now)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, fmt.Errorf("invalid end time: %w", err))
		return
	}

	result, err := s.storage.Query(r.Context(), &types.QueryRequest{
		TenantID:  tenantID(r),
		Query:     query,
		StartTime: startTime,
		EndTime:   endTime,
	})
	if err != nil {
		s.writeError(w, r, queryStatus(err), errorExecution, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type matrixStream struct {
	Metric map[string]string `json:"metric"`
	Values []types.Point     `json:"values"`
}

// handleQueryRange evaluates a selector at every step of the range the way
// Prometheus does: each step takes the newest sample within the lookback
// window. Ranges with more than MaxPoints steps are rejected.
func (s *Server) handleQueryRange(w http.ResponseWriter, r *http.Request) {
	query := r.FormValue("query")
	if query == "" {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, errors.New("missing query parameter"))
		return
	}
	start, err := telemetry.ParseTime(r.FormValue("start"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, fmt.Errorf("invalid parameter \"start\": %w", err))
		return
	}
	end, err := telemetry.ParseTime(r.FormValue("end"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, fmt.Errorf("invalid parameter \"end\": %w", err))
		return
	}
	if end.Before(start) {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, errors.New("end timestamp must not be before start time"))
		return
	}
	step, err := parseDuration(r.FormValue("step"))
	if err != nil || step <= 0 {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, errors.New("invalid parameter \"step\": zero or negative query resolution step widths are not accepted"))
		return
	}
	if int64(end.Sub(start)/step) > int64(s.cfg.MaxPoints) {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, fmt.Errorf(
			"%s of %d points per timeseries. Try decreasing the query resolution (?step=XX)",
			telemetry.ResolutionError, s.cfg.MaxPoints))
		return
	}

	result, err := s.storage.Query(r.Context(), &types.QueryRequest{
		TenantID:  tenantID(r),
		Query:     query,
		StartTime: start.Add(-LookbackDelta),
		EndTime:   end,
	})
	if err != nil {
		s.writeError(w, r, queryStatus(err), errorExecution, err)
		return
	}

	streams := make([]matrixStream, 0, len(result.Series))
	for _, ser := range result.Series {
		values := evaluate(ser.Points, start, end, step)
		if len(values) == 0 {
			continue
		}
		metric := map[string]string{types.MetricNameLabel: ser.Metric.Name}
		for k, v := range ser.Metric.Labels {
			metric[k] = v
		}
		streams = append(streams, matrixStream{Metric: metric, Values: values})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data": map[string]any{
			"resultType": "matrix",
			"result":     streams,
		},
	})
}

// evaluate samples points at start, start+step, ... end. A step takes the
// newest point not after it and younger than LookbackDelta.
func evaluate(points []types.Point, start, end time.Time, step time.Duration) []types.Point {
	var out []types.Point
	i := 0
	for t := start; !t.After(end); t = t.Add(step) {
		for i < len(points) && !points[i].Timestamp.After(t) {
			i++
		}
		if i == 0 {
			continue
		}
		last := points[i-1]
		if t.Sub(last.Timestamp) >= LookbackDelta {
			continue
		}
		out = append(out, types.Point{Timestamp: t, Value: last.Value})
	}
	return out
}

// handleLabelValues lists the values of one label across all series.
func (s *Server) handleLabelValues(w http.ResponseWriter, r *http.Request) {
	values, err := s.storage.LabelValues(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, errorInternal, err)
		return
	}
	if values == nil {
		values = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": values})
}

// handlePlan generates a contact plan from stored telemetry. Parameters are
// start and end (required), step, format (RAW, HDTN, ION), relative and
// qualify.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	start, err := telemetry.ParseTime(r.FormValue("start"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, fmt.Errorf("invalid parameter \"start\": %w", err))
		return
	}
	end, err := telemetry.ParseTime(r.FormValue("end"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, fmt.Errorf("invalid parameter \"end\": %w", err))
		return
	}
	if end.Before(start) {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, errors.New("end timestamp must not be before start time"))
		return
	}
	step := telemetry.DefaultStep
	if raw := r.FormValue("step"); raw != "" {
		if step, err = parseDuration(raw); err != nil || step <= 0 {
			s.writeError(w, r, http.StatusBadRequest, errorBadData, errors.New("invalid parameter \"step\""))
			return
		}
	}
	format, err := contact.ParseFormat(r.FormValue("format"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errorBadData, err)
		return
	}

	res, err := s.planner.Generate(r.Context(), planner.Request{
		Source: &telemetry.StoreSource{
			Store:    s.storage,
			TenantID: tenantID(r),
			Queries:  s.cfg.Queries,
			Metrics:  s.metrics,
		},
		Range:            telemetry.TimeRange{Start: start, End: end, Step: step},
		Format:           format,
		Relative:         formBool(r, "relative"),
		QualifyEndpoints: formBool(r, "qualify"),
	})
	if err != nil {
		s.writeError(w, r, planStatus(err), errorExecution, err)
		return
	}

	w.Header().Set("Content-Type", planContentType(format))
	w.Header().Set("X-Contact-Interval", res.Plan.Interval.String())
	w.WriteHeader(http.StatusOK)
	w.Write(res.Body)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if s.cache != nil {
		stats, hits, misses := s.cache.CacheStats()
		body["query_cache"] = map[string]any{
			"size":     stats.Size,
			"capacity": stats.Capacity,
			"points":   stats.Points,
			"hits":     hits,
			"misses":   misses,
			"hit_rate": s.cache.CacheHitRate(),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, errType string, err error) {
	if code >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.log).Error(r.Context(), "request failed", logging.Err(err))
	}
	writeJSON(w, code, map[string]string{
		"status":    "error",
		"errorType": errType,
		"error":     err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// tenantID extracts the tenant from the X-Tenant-ID header
func tenantID(r *http.Request) string {
	if id := r.Header.Get("X-Tenant-ID"); id != "" {
		return id
	}
	return storage.DefaultTenant
}

func queryStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidTenant), errors.Is(err, storage.ErrInvalidRange), errors.Is(err, storage.ErrInvalidSelector):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func planStatus(err error) int {
	switch {
	case errors.Is(err, contact.ErrSchema), errors.Is(err, contact.ErrUnsupportedFormat), errors.Is(err, planner.ErrNoReference):
		return http.StatusBadRequest
	case errors.Is(err, contact.ErrNoInterval):
		return http.StatusUnprocessableEntity
	default:
		return queryStatus(err)
	}
}

func planContentType(f contact.PlanFormat) string {
	switch f {
	case contact.FormatRAW:
		return "text/csv; charset=utf-8"
	case contact.FormatHDTN:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

func formBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.FormValue(name))
	return v
}

func parseTimeOr(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return telemetry.ParseTime(s)
}

// parseDuration accepts float seconds or a Prometheus duration such as 5s
// or 1m30s.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := model.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(d), nil
}
