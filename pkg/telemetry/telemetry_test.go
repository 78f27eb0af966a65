package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ciluvien/dsn-analysis/pkg/contact"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const canonicalCSV = `time,dish_name,target_name,signal_direction,signal_band,data_rate,measured_range_km,predicted_range_km
2025-06-01T12:00:00Z,DSS-14,JWST,down,Ka,28000000,1500000,1500100
2025-06-01T12:00:05Z,DSS-14,JWST,down,Ka,28000000,,1500110
2025-06-01T12:00:10Z,DSS-14,JWST,up,S,16000,1500000,
`

func TestReadCSVCanonical(t *testing.T) {
	samples, err := ReadCSV(strings.NewReader(canonicalCSV))
	require.NoError(t, err)
	require.Len(t, samples, 3)

	assert.Equal(t, epoch, samples[0].Time)
	assert.Equal(t, contact.Down, samples[0].Direction)
	assert.Equal(t, 28e6, *samples[0].DataRate)
	assert.Nil(t, samples[1].MeasuredRangeKm)
	assert.Equal(t, 1500110.0, *samples[1].PredictedRangeKm)
	assert.Nil(t, samples[2].PredictedRangeKm)
	assert.Equal(t, "S", samples[2].Band)
}

func TestReadCSVDashboardExport(t *testing.T) {
	input := "\ufeff" + `"Time","dish_name","signal_band","signal_direction","station_name","target_id","target_name","Value #Data Rate","Value #DSN Distance","Value #SPICE Distance"
2025-06-01 12:00:00,DSS-43,X,down,cdscc,-32,VGR2,160,19000000000,
2025-06-01 12:00:05,DSS-43,X,down,cdscc,-32,VGR2,NaN,19000000001,
`
	samples, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, epoch.Add(5*time.Second), samples[1].Time)
	assert.Equal(t, "VGR2", samples[0].TargetName)
	assert.Equal(t, 19e9, *samples[0].MeasuredRangeKm)
	assert.Nil(t, samples[1].DataRate, "NaN readings are undefined")
}

func TestReadCSVByteOrderMark(t *testing.T) {
	quoted := `"time","dish_name","target_name","signal_direction","signal_band","data_rate","measured_range_km","predicted_range_km"
2025-06-01T12:00:00Z,DSS-14,JWST,down,Ka,250,300000,
`
	for name, input := range map[string]string{
		"with bom":    "\ufeff" + quoted,
		"without bom": quoted,
	} {
		t.Run(name, func(t *testing.T) {
			samples, err := ReadCSV(strings.NewReader(input))
			require.NoError(t, err)
			require.Len(t, samples, 1)
			assert.Equal(t, "DSS-14", samples[0].DishName)
			assert.Equal(t, epoch, samples[0].Time)
		})
	}

	_, err := ReadCSV(strings.NewReader("\ufeff"))
	assert.ErrorIs(t, err, contact.ErrSchema)
}

func TestReadCSVSchemaErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		column string
	}{
		{"empty", "", "time"},
		{"missing column", "time,dish_name,target_name,signal_direction,signal_band,data_rate,measured_range_km\n", "predicted_range_km"},
		{"bad number", strings.Replace(canonicalCSV, "16000", "fast", 1), "data_rate"},
		{"bad time", strings.Replace(canonicalCSV, "2025-06-01T12:00:05Z", "noon", 1), "time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.input))
			require.ErrorIs(t, err, contact.ErrSchema)
			var se *contact.SchemaError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.column, se.Column)
		})
	}
}

func TestCSVSourceFiltersRangeAndReadsCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.csv.zst")
	require.NoError(t, storage.WriteFile(path, 1, func(w io.Writer) error {
		_, err := w.Write([]byte(canonicalCSV))
		return err
	}))

	src := NewCSVSource(path)
	from := TimeRange{Start: epoch.Add(5 * time.Second)}
	samples, err := src.Samples(context.Background(), from)
	require.NoError(t, err)
	assert.Len(t, samples, 3, "the range is only a reference by default")

	src.FilterRange = true
	samples, err = src.Samples(context.Background(), from)
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	_, err = NewCSVSource(filepath.Join(t.TempDir(), "missing.csv")).Samples(context.Background(), TimeRange{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func series(name string, labels map[string]string, start time.Time, every time.Duration, values ...float64) types.Series {
	points := make([]types.Point, len(values))
	for i, v := range values {
		points[i] = types.Point{Timestamp: start.Add(time.Duration(i) * every), Value: v}
	}
	return types.Series{Metric: types.Metric{Name: name, Labels: labels}, Points: points}
}

func TestJoin(t *testing.T) {
	rateLabels := map[string]string{
		"dish_name": "DSS-14", "station_name": "gdscc", "target_id": "-170", "target_name": "JWST",
		"signal_direction": "down", "signal_band": "Ka",
	}
	rates := []types.Series{
		series("signal_data_rate_b_per_s", rateLabels, epoch.Add(1200*time.Millisecond), 5*time.Second, 28e6, 27e6, 26e6),
	}
	measured := []types.Series{
		series("target_range_km", map[string]string{
			"dish_name": "DSS-14", "station_name": "gdscc", "target_id": "-170", "target_name": "JWST", "target_direction": "up",
		}, epoch, 5*time.Second, 1),
		series("target_range_km", map[string]string{
			"dish_name": "DSS-14", "station_name": "gdscc", "target_id": "-170", "target_name": "JWST", "target_direction": "down",
		}, epoch, 5*time.Second, 2, 3),
	}
	predicted := []types.Series{
		series("target_range_km", map[string]string{"station_name": "gdscc", "target_id": "-170"},
			epoch.Add(5*time.Second), 5*time.Second, 10, 11),
	}

	samples := Join(rates, measured, predicted, 5*time.Second)
	require.Len(t, samples, 3)

	assert.Equal(t, epoch, samples[0].Time, "times are floored to the step")
	assert.Equal(t, 2.0, *samples[0].MeasuredRangeKm, "measured range of the same direction")
	assert.Nil(t, samples[0].PredictedRangeKm)
	assert.Equal(t, 10.0, *samples[1].PredictedRangeKm)
	assert.Nil(t, samples[2].MeasuredRangeKm)
	assert.Equal(t, 11.0, *samples[2].PredictedRangeKm)
	assert.Equal(t, contact.PartitionKey{Dish: "DSS-14", Target: "JWST", Direction: contact.Down, Band: "Ka"}, samples[0].Key())
}

func TestFloorUnix(t *testing.T) {
	assert.Equal(t, int64(1_700_000_000), floorUnix(time.Unix(1_700_000_004, 999), 5*time.Second))
	assert.Equal(t, int64(-5), floorUnix(time.Unix(-1, 0), 5*time.Second))
	assert.Equal(t, int64(7), floorUnix(time.Unix(7, 500), time.Millisecond))
}

// fakePrometheus serves /api/v1/query_range with one point per step for
// every query and rejects ranges with more than maxPoints points.
type fakePrometheus struct {
	maxPoints int
	calls     atomic.Int32
}

func (f *fakePrometheus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, _ := strconv.ParseFloat(r.Form.Get("start"), 64)
	end, _ := strconv.ParseFloat(r.Form.Get("end"), 64)
	step, _ := strconv.ParseFloat(r.Form.Get("step"), 64)

	w.Header().Set("Content-Type", "application/json")
	if int((end-start)/step)+1 > f.maxPoints {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"status":"error","errorType":"bad_data","error":"exceeded maximum resolution of %d points per timeseries. Try decreasing the query resolution (?step=XX)"}`, f.maxPoints)
		return
	}

	query := r.Form.Get("query")
	metric := map[string]string{
		"__name__":     "target_range_km",
		"dish_name":    "DSS-14",
		"station_name": "gdscc",
		"target_id":    "-170",
		"target_name":  "JWST",
	}
	switch {
	case strings.HasPrefix(query, "signal_data_rate_b_per_s"):
		metric["__name__"] = "signal_data_rate_b_per_s"
		metric["signal_direction"] = "down"
		metric["signal_band"] = "Ka"
	case strings.Contains(query, "SPICE"):
		metric = map[string]string{"__name__": "target_range_km", "station_name": "gdscc", "target_id": "-170"}
	}

	var values [][2]any
	for ts := start; ts <= end; ts += step {
		values = append(values, [2]any{ts, "1000"})
	}
	body := map[string]any{
		"status": "success",
		"data": map[string]any{
			"resultType": "matrix",
			"result":     []any{map[string]any{"metric": metric, "values": values}},
		},
	}
	json.NewEncoder(w).Encode(body)
}

func TestPrometheusSourceSplitsOnResolutionError(t *testing.T) {
	fake := &fakePrometheus{maxPoints: 100}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	src, err := NewPrometheusSource(PrometheusConfig{URL: srv.URL}, nil, nil)
	require.NoError(t, err)

	// 20 minutes at 5s is 241 points: the whole range and halves are
	// rejected, quarters succeed.
	samples, err := src.Samples(context.Background(), TimeRange{Start: epoch, End: epoch.Add(20 * time.Minute)})
	require.NoError(t, err)

	require.Len(t, samples, 241, "boundary points shared by sub-ranges appear once")
	for i, s := range samples {
		assert.Equal(t, epoch.Add(time.Duration(i)*5*time.Second), s.Time)
		require.NotNil(t, s.MeasuredRangeKm)
		require.NotNil(t, s.PredictedRangeKm)
	}
	// Per query: 1 full + 2 halves (first fails) at most + 4 quarters.
	assert.LessOrEqual(t, int(fake.calls.Load()), 3*(1+2+4))
}

func TestPrometheusSourceGivesUp(t *testing.T) {
	fake := &fakePrometheus{maxPoints: 1}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	src, err := NewPrometheusSource(PrometheusConfig{URL: srv.URL, MaxSplits: 8}, nil, nil)
	require.NoError(t, err)

	_, err = src.Samples(context.Background(), TimeRange{Start: epoch, End: epoch.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrResolution)
}

func TestPrometheusSourceRejectsOpenRange(t *testing.T) {
	src, err := NewPrometheusSource(PrometheusConfig{URL: "http://127.0.0.1:1"}, nil, nil)
	require.NoError(t, err)
	_, err = src.Samples(context.Background(), TimeRange{Start: epoch})
	assert.Error(t, err)
}

func TestSplitRange(t *testing.T) {
	parts := splitRange(v1.Range{Start: epoch, End: epoch.Add(time.Hour), Step: DefaultStep}, 4)
	require.Len(t, parts, 4)
	assert.Equal(t, epoch, parts[0].Start)
	assert.Equal(t, parts[0].End, parts[1].Start)
	assert.Equal(t, epoch.Add(time.Hour), parts[3].End)
}

func TestStoreSource(t *testing.T) {
	store, err := storage.NewStorage(&storage.Config{InMemory: true, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	defer store.Close()

	rate := series("signal_data_rate_b_per_s", map[string]string{
		"data_source": "DSN Now", "dish_name": "DSS-14", "station_name": "gdscc", "target_id": "-170", "target_name": "JWST",
		"dish_activity": "Spacecraft Telemetry, Tracking, and Command", "signal_activity": "true",
		"signal_direction": "down", "signal_band": "Ka", "signal_index": "0",
	}, epoch, 5*time.Second, 100, 100, 100)
	idle := series("signal_data_rate_b_per_s", map[string]string{
		"data_source": "DSN Now", "dish_name": "DSS-14", "station_name": "gdscc", "target_id": "-170", "target_name": "JWST",
		"dish_activity": "Spacecraft Telemetry, Tracking, and Command", "signal_activity": "false",
		"signal_direction": "down", "signal_band": "S", "signal_index": "1",
	}, epoch, 5*time.Second, 0, 0, 0)
	spice := series("target_range_km", map[string]string{
		"data_source": "SPICE", "station_name": "gdscc", "target_id": "-170",
	}, epoch, 5*time.Second, 1.5e6, 1.5e6, 1.5e6)

	require.NoError(t, store.Write(context.Background(), &types.WriteRequest{Series: []types.Series{rate, idle, spice}}))

	src := &StoreSource{Store: store}
	samples, err := src.Samples(context.Background(), TimeRange{Start: epoch, End: epoch.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for _, s := range samples {
		assert.Equal(t, "Ka", s.Band)
		assert.Equal(t, 1.5e6, *s.PredictedRangeKm)
		assert.Nil(t, s.MeasuredRangeKm)
	}
}

func TestQueriesForTargetAreValidSelectors(t *testing.T) {
	q := QueriesForTarget("JWST", "-170")
	for _, sel := range []string{q.DataRate, q.MeasuredRange, q.PredictedRange} {
		matchers, err := storage.ParseSelector(sel)
		require.NoError(t, err, sel)
		assert.NotEmpty(t, matchers)
	}
	assert.Contains(t, q.PredictedRange, `target_id="-170"`)
	assert.Contains(t, q.DataRate, `target_name="JWST"`)
}
