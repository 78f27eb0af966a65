package storage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func rateSeries(dish, target string, start time.Time, values ...float64) types.Series {
	points := make([]types.Point, len(values))
	for i, v := range values {
		points[i] = types.Point{Timestamp: start.Add(time.Duration(i) * 5 * time.Second), Value: v}
	}
	return types.Series{
		Metric: types.Metric{
			Name: "dsn_data_rate",
			Labels: map[string]string{
				"dish":      dish,
				"target":    target,
				"direction": "down",
			},
		},
		Points: points,
	}
}

func openTestStorage(t *testing.T, cfg *Config) Storage {
	t.Helper()
	store, err := NewStorage(cfg)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return store
}

func TestBadgerStorageWriteAndQuery(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &Config{
		Path:             tmpDir,
		RetentionDays:    30,
		CompressionLevel: 3,
	}
	store := openTestStorage(t, cfg)
	defer store.Close()

	ctx := context.Background()

	// Straddle an hour boundary so two blocks are written
	start := epoch.Add(-10 * time.Second)
	writeReq := &types.WriteRequest{
		TenantID: "test-tenant",
		Series: []types.Series{
			rateSeries("DSS-14", "JWST", start, 100, 150, math.NaN(), 200),
		},
	}
	if err := store.Write(ctx, writeReq); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	queryReq := &types.QueryRequest{
		TenantID:  "test-tenant",
		Query:     `dsn_data_rate{dish="DSS-14"}`,
		StartTime: start,
		EndTime:   start.Add(15 * time.Second),
	}

	result, err := store.Query(ctx, queryReq)
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}

	if len(result.Series) != 1 {
		t.Fatalf("Expected 1 series, got %d", len(result.Series))
	}

	points := result.Series[0].Points
	if len(points) != 4 {
		t.Fatalf("Expected 4 points (inclusive range), got %d", len(points))
	}
	if !points[0].Timestamp.Equal(start) || points[3].Value != 200 {
		t.Errorf("Unexpected points: %+v", points)
	}
	if !math.IsNaN(points[2].Value) {
		t.Errorf("Expected NaN to survive storage, got %v", points[2].Value)
	}
}

func TestBadgerStorageMergesBlocks(t *testing.T) {
	store := openTestStorage(t, &Config{InMemory: true, CompressionLevel: 2})
	defer store.Close()

	ctx := context.Background()

	first := &types.WriteRequest{Series: []types.Series{rateSeries("DSS-43", "VGR2", epoch, 1, 2)}}
	second := &types.WriteRequest{Series: []types.Series{rateSeries("DSS-43", "VGR2", epoch.Add(5*time.Second), 20, 3)}}

	for _, req := range []*types.WriteRequest{first, second} {
		if err := store.Write(ctx, req); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}

	result, err := store.Query(ctx, &types.QueryRequest{
		Query:     "dsn_data_rate",
		StartTime: epoch,
		EndTime:   epoch.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}

	if len(result.Series) != 1 {
		t.Fatalf("Expected 1 series, got %d", len(result.Series))
	}
	got := result.Series[0].Points
	want := []float64{1, 20, 3}
	if len(got) != len(want) {
		t.Fatalf("Expected %d points, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Value != want[i] {
			t.Errorf("Point %d: expected %v, got %v", i, want[i], got[i].Value)
		}
	}
}

func TestBadgerStorageMultiTenant(t *testing.T) {
	store := openTestStorage(t, &Config{InMemory: true, CompressionLevel: 3})
	defer store.Close()

	ctx := context.Background()

	writeReqA := &types.WriteRequest{
		TenantID: "tenant-a",
		Series:   []types.Series{rateSeries("DSS-14", "JWST", epoch, 50)},
	}
	writeReqB := &types.WriteRequest{
		TenantID: "tenant-b",
		Series:   []types.Series{rateSeries("DSS-43", "VGR2", epoch, 75)},
	}

	if err := store.Write(ctx, writeReqA); err != nil {
		t.Fatalf("Failed to write tenant A: %v", err)
	}
	if err := store.Write(ctx, writeReqB); err != nil {
		t.Fatalf("Failed to write tenant B: %v", err)
	}

	for tenant, want := range map[string]float64{"tenant-a": 50, "tenant-b": 75} {
		result, err := store.Query(ctx, &types.QueryRequest{
			TenantID:  tenant,
			Query:     "dsn_data_rate",
			StartTime: epoch.Add(-time.Hour),
			EndTime:   epoch.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("Failed to query %s: %v", tenant, err)
		}
		if len(result.Series) != 1 {
			t.Fatalf("%s: expected 1 series, got %d", tenant, len(result.Series))
		}
		if result.Series[0].Points[0].Value != want {
			t.Errorf("%s: expected %v, got %v", tenant, want, result.Series[0].Points[0].Value)
		}
	}

	if err := store.Write(ctx, &types.WriteRequest{TenantID: "a/b"}); !errors.Is(err, ErrInvalidTenant) {
		t.Errorf("Expected ErrInvalidTenant, got %v", err)
	}
}

func TestBadgerStorageQueryErrors(t *testing.T) {
	store := openTestStorage(t, &Config{InMemory: true})
	defer store.Close()

	ctx := context.Background()

	_, err := store.Query(ctx, &types.QueryRequest{Query: "dsn_data_rate", StartTime: epoch, EndTime: epoch.Add(-time.Second)})
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("Expected ErrInvalidRange, got %v", err)
	}

	if _, err := store.Query(ctx, &types.QueryRequest{Query: "dsn_data_rate{", StartTime: epoch, EndTime: epoch}); err == nil {
		t.Error("Expected selector error")
	}
}

func TestBadgerStorageReopen(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	store := openTestStorage(t, &Config{Path: tmpDir, CompressionLevel: 3, EnableWAL: true})
	if err := store.Write(ctx, &types.WriteRequest{Series: []types.Series{rateSeries("DSS-26", "MRO", epoch, 6e6, 6e6)}}); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	store = openTestStorage(t, &Config{Path: tmpDir, CompressionLevel: 3, EnableWAL: true})
	defer store.Close()

	values, err := store.LabelValues(ctx, "target")
	if err != nil {
		t.Fatalf("LabelValues failed: %v", err)
	}
	if len(values) != 1 || values[0] != "MRO" {
		t.Errorf("Expected persisted index with target MRO, got %v", values)
	}

	result, err := store.Query(ctx, &types.QueryRequest{Query: `dsn_data_rate{target="MRO"}`, StartTime: epoch, EndTime: epoch.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if result.PointCount() != 2 {
		t.Errorf("Expected 2 points after reopen, got %d", result.PointCount())
	}
}

func TestBatchWriter(t *testing.T) {
	store := openTestStorage(t, &Config{InMemory: true})
	defer store.Close()

	ctx := context.Background()
	bw := NewBatchWriter(store, "batch", 3)

	if err := bw.Add(ctx, rateSeries("DSS-14", "JWST", epoch, 1, 2)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	query := &types.QueryRequest{TenantID: "batch", Query: "dsn_data_rate", StartTime: epoch, EndTime: epoch.Add(time.Hour)}
	result, err := store.Query(ctx, query)
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Series) != 0 {
		t.Errorf("Expected buffered series to be invisible, got %d", len(result.Series))
	}

	// Crossing the buffer size flushes
	if err := bw.Add(ctx, rateSeries("DSS-43", "VGR2", epoch, 3, 4)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := bw.Add(ctx, rateSeries("DSS-63", "MEX", epoch, 5)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := bw.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	result, err = store.Query(ctx, query)
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Series) != 3 {
		t.Errorf("Expected 3 series, got %d", len(result.Series))
	}
}
