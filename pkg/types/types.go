package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MetricNameLabel is the label holding the metric name in selectors.
const MetricNameLabel = "__name__"

// Point represents a single time-series sample. It encodes to JSON as a
// Prometheus [unix_seconds, "value"] pair so NaN and infinities survive.
type Point struct {
	Timestamp time.Time
	Value     float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	ts := strconv.FormatFloat(float64(p.Timestamp.UnixMilli())/1000, 'f', 3, 64)
	return []byte(`[` + ts + `,"` + strconv.FormatFloat(p.Value, 'f', -1, 64) + `"]`), nil
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("point: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("point: expected [timestamp, value], got %d elements", len(pair))
	}

	secs, err := strconv.ParseFloat(string(bytes.TrimSpace(pair[0])), 64)
	if err != nil {
		return fmt.Errorf("point timestamp: %w", err)
	}
	var raw string
	if err := json.Unmarshal(pair[1], &raw); err != nil {
		return fmt.Errorf("point value: %w", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("point value: %w", err)
	}

	p.Timestamp = time.UnixMilli(int64(secs*1000 + 0.5*sign(secs))).UTC()
	p.Value = v
	return nil
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

// Metric represents a time-series metric with labels
type Metric struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Get returns the value of a label, or the metric name for __name__.
func (m Metric) Get(label string) string {
	if label == MetricNameLabel {
		return m.Name
	}
	return m.Labels[label]
}

// String renders the metric in selector notation with sorted labels.
func (m Metric) String() string {
	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(m.Name)
	if len(keys) == 0 {
		return b.String()
	}
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strconv.Quote(m.Labels[k]))
	}
	b.WriteByte('}')
	return b.String()
}

// Series represents a complete time-series
type Series struct {
	Metric Metric  `json:"metric"`
	Points []Point `json:"points"`
}

// WriteRequest represents a write request to the storage engine
type WriteRequest struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Series   []Series `json:"series"`
}

// QueryRequest represents a query request
type QueryRequest struct {
	TenantID  string
	Query     string
	StartTime time.Time
	EndTime   time.Time
}

// QueryResult represents query results
type QueryResult struct {
	Series []Series `json:"series"`
}

// PointCount returns the number of points over all series.
func (r *QueryResult) PointCount() int {
	n := 0
	for _, s := range r.Series {
		n += len(s.Points)
	}
	return n
}
