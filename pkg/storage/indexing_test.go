package storage

import (
	"testing"

	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

func dsnMetrics() []types.Metric {
	return []types.Metric{
		{
			Name: "dsn_data_rate",
			Labels: map[string]string{
				"dish":      "DSS-14",
				"target":    "JWST",
				"direction": "down",
			},
		},
		{
			Name: "dsn_data_rate",
			Labels: map[string]string{
				"dish":      "DSS-14",
				"target":    "VGR2",
				"direction": "up",
			},
		},
		{
			Name: "dsn_data_rate",
			Labels: map[string]string{
				"dish":      "DSS-43",
				"target":    "VGR2",
				"direction": "down",
			},
		},
		{
			Name: "dsn_range",
			Labels: map[string]string{
				"target": "VGR2",
			},
		},
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	metrics := dsnMetrics()
	for i := range metrics {
		idx.AddSeries(&metrics[i])
	}
	return idx
}

func TestIndexAddSeries(t *testing.T) {
	idx := NewIndex()

	metric := dsnMetrics()[0]

	id, created := idx.AddSeries(&metric)
	if !created {
		t.Error("Expected series to be created")
	}
	if id == 0 {
		t.Error("Expected non-zero series ID")
	}

	// Adding same series again should return same ID
	id2, created := idx.AddSeries(&metric)
	if created {
		t.Error("Expected duplicate series not to be created")
	}
	if id != id2 {
		t.Errorf("Expected same ID for duplicate series: %d != %d", id, id2)
	}

	if idx.SeriesCount() != 1 {
		t.Errorf("Expected 1 series, got %d", idx.SeriesCount())
	}
}

func TestIndexSelect(t *testing.T) {
	idx := newTestIndex(t)

	testCases := []struct {
		selector string
		want     int
	}{
		{`dsn_data_rate`, 3},
		{`dsn_data_rate{dish="DSS-14"}`, 2},
		{`dsn_data_rate{dish="DSS-14",direction="up"}`, 1},
		{`dsn_data_rate{dish!="DSS-14"}`, 1},
		{`{target="VGR2"}`, 3},
		{`{target=~"VGR.*"}`, 3},
		{`dsn_data_rate{target!~"VGR.*"}`, 1},
		{`{__name__=~"dsn_.*", direction=""}`, 1},
		{`dsn_data_rate{dish="DSS-63"}`, 0},
		{``, 4},
	}

	for _, tc := range testCases {
		matchers, err := ParseSelector(tc.selector)
		if err != nil {
			t.Fatalf("ParseSelector(%q) failed: %v", tc.selector, err)
		}
		if got := len(idx.Select(matchers)); got != tc.want {
			t.Errorf("Select(%q): expected %d series, got %d", tc.selector, tc.want, got)
		}
	}
}

func TestParseSelectorErrors(t *testing.T) {
	for _, selector := range []string{
		`dsn_data_rate{dish="DSS-14"`,
		`dsn_data_rate{dish=DSS-14}`,
		`dsn_data_rate{dish~"x"}`,
		`dsn_data_rate{dish="a" target="b"}`,
		`dsn_data_rate{target=~"("}`,
		`{}`,
	} {
		if _, err := ParseSelector(selector); err == nil {
			t.Errorf("Expected error for selector %q", selector)
		}
	}
}

func TestParseSelectorEscapes(t *testing.T) {
	matchers, err := ParseSelector(`dsn_data_rate{target_name="Voyager \"2\"", dish = "DSS-14" }`)
	if err != nil {
		t.Fatalf("ParseSelector failed: %v", err)
	}
	if len(matchers) != 3 {
		t.Fatalf("Expected 3 matchers, got %d", len(matchers))
	}
	if matchers[1].Value != `Voyager "2"` {
		t.Errorf("Expected unescaped value, got %q", matchers[1].Value)
	}
	if matchers[2].Name != "dish" || matchers[2].Value != "DSS-14" {
		t.Errorf("Unexpected matcher %s", matchers[2])
	}
}

func TestIndexUpdateTimeRange(t *testing.T) {
	idx := NewIndex()

	metric := dsnMetrics()[3]
	id, _ := idx.AddSeries(&metric)

	if err := idx.UpdateTimeRange(id, 1000, 2000); err != nil {
		t.Fatalf("Failed to update time range: %v", err)
	}

	meta, ok := idx.GetSeries(id)
	if !ok {
		t.Fatal("Series not found")
	}
	if meta.MinTime != 1000 {
		t.Errorf("Expected MinTime=1000, got %d", meta.MinTime)
	}
	if meta.MaxTime != 2000 {
		t.Errorf("Expected MaxTime=2000, got %d", meta.MaxTime)
	}

	if err := idx.UpdateTimeRange(id, 500, 1500); err != nil {
		t.Fatalf("Failed to update time range: %v", err)
	}

	meta, _ = idx.GetSeries(id)
	if meta.MinTime != 500 {
		t.Errorf("Expected MinTime=500, got %d", meta.MinTime)
	}
	if meta.MaxTime != 2000 {
		t.Errorf("Expected MaxTime=2000, got %d", meta.MaxTime)
	}

	if err := idx.UpdateTimeRange(42, 0, 1); err == nil {
		t.Error("Expected error for unknown series")
	}
}

func TestIndexLabelValues(t *testing.T) {
	idx := newTestIndex(t)

	got := idx.LabelValues("dish")
	if len(got) != 2 || got[0] != "DSS-14" || got[1] != "DSS-43" {
		t.Errorf("Unexpected dish values: %v", got)
	}
	if len(idx.LabelValues("station")) != 0 {
		t.Error("Expected no values for unknown label")
	}
}

func TestCalculateFingerprint(t *testing.T) {
	metric1 := types.Metric{
		Name: "dsn_data_rate",
		Labels: map[string]string{
			"a": "1",
			"b": "2",
		},
	}

	metric2 := types.Metric{
		Name: "dsn_data_rate",
		Labels: map[string]string{
			"b": "2", // Different order
			"a": "1",
		},
	}

	if calculateFingerprint(&metric1) != calculateFingerprint(&metric2) {
		t.Error("Fingerprints should be same regardless of label order")
	}

	metric3 := types.Metric{
		Name:   "dsn_range",
		Labels: metric1.Labels,
	}
	if calculateFingerprint(&metric1) == calculateFingerprint(&metric3) {
		t.Error("Different metric names should have different fingerprints")
	}
}

func BenchmarkIndexSelect(b *testing.B) {
	idx := NewIndex()

	for i := 0; i < 10000; i++ {
		metric := types.Metric{
			Name: "dsn_data_rate",
			Labels: map[string]string{
				"dish":   "DSS-14",
				"target": string(rune('A' + i%26)),
				"seq":    string(rune(i)),
			},
		}
		idx.AddSeries(&metric)
	}
	matchers, _ := ParseSelector(`dsn_data_rate{target=~"[A-F]"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Select(matchers)
	}
}
