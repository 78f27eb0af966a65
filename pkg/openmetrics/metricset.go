// Package openmetrics builds and parses the OpenMetrics exchange files used
// to move DSN telemetry into a Prometheus-compatible store.
package openmetrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

// Metric types written to TYPE lines.
const (
	TypeGauge   = "gauge"
	TypeCounter = "counter"
	TypeUnknown = "unknown"
)

// Metric is one sample of a family. Name excludes the unit; the exposed
// name is Name_Unit when a unit is set.
type Metric struct {
	Name      string
	Unit      string
	Type      string
	Help      string
	Labels    map[string]string
	Value     float64
	Timestamp time.Time
}

// FullName returns the exposed metric name including the unit suffix.
func (m Metric) FullName() string {
	if m.Unit == "" || strings.HasSuffix(m.Name, "_"+m.Unit) {
		return m.Name
	}
	return m.Name + "_" + m.Unit
}

type family struct {
	name    string
	unit    string
	mtype   string
	help    string
	metrics []Metric
}

// MetricSet groups metrics by family, keeping families in insertion order.
type MetricSet struct {
	families map[string]*family
	order    []string
}

// NewMetricSet returns an empty set.
func NewMetricSet() *MetricSet {
	return &MetricSet{families: make(map[string]*family)}
}

// Insert adds a metric to its family. The first metric of a family fixes
// its type, unit and help text.
func (s *MetricSet) Insert(m Metric) {
	name := m.FullName()
	f, ok := s.families[name]
	if !ok {
		f = &family{name: name, unit: m.Unit, mtype: m.Type, help: m.Help}
		if f.mtype == "" {
			f.mtype = TypeUnknown
		}
		s.families[name] = f
		s.order = append(s.order, name)
	}
	f.metrics = append(f.metrics, m)
}

// Len returns the number of metrics in the set.
func (s *MetricSet) Len() int {
	n := 0
	for _, f := range s.families {
		n += len(f.metrics)
	}
	return n
}

// WriteTo renders the set in OpenMetrics text format terminated by # EOF.
// Within a family, metrics are ordered by sorted labels, then timestamp,
// then value, and exact duplicates are written once. An empty set writes
// nothing.
func (s *MetricSet) WriteTo(w io.Writer) (int64, error) {
	if len(s.order) == 0 {
		return 0, nil
	}

	bw := bufio.NewWriter(w)
	var total int64
	for _, name := range s.order {
		n, err := expfmt.MetricFamilyToOpenMetrics(bw, s.families[name].toDTO(), expfmt.WithUnit())
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("encode family %s: %w", name, err)
		}
	}
	n, err := bw.WriteString("# EOF\n")
	total += int64(n)
	if err != nil {
		return total, err
	}
	return total, bw.Flush()
}

// String renders the set; errors are reported inline.
func (s *MetricSet) String() string {
	var b strings.Builder
	if _, err := s.WriteTo(&b); err != nil {
		return "# error: " + err.Error()
	}
	return b.String()
}

// Series converts the set into storage series, one per distinct label set.
func (s *MetricSet) Series() []types.Series {
	var out []types.Series
	for _, name := range s.order {
		f := s.families[name]
		index := make(map[string]int)
		for _, m := range f.sorted() {
			if m.Timestamp.IsZero() {
				continue
			}
			metric := types.Metric{Name: name, Labels: m.Labels}
			key := metric.String()
			i, ok := index[key]
			if !ok {
				i = len(out)
				index[key] = i
				out = append(out, types.Series{Metric: metric})
			}
			out[i].Points = append(out[i].Points, types.Point{Timestamp: m.Timestamp, Value: m.Value})
		}
	}
	return out
}

// sorted returns the family's metrics ordered and without exact duplicates.
func (f *family) sorted() []Metric {
	ms := make([]Metric, len(f.metrics))
	copy(ms, f.metrics)

	keys := make([]string, len(ms))
	for i, m := range ms {
		keys[i] = labelKey(m.Labels)
	}
	idx := make([]int, len(ms))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ma, mb := ms[idx[a]], ms[idx[b]]
		if ka, kb := keys[idx[a]], keys[idx[b]]; ka != kb {
			return ka < kb
		}
		if !ma.Timestamp.Equal(mb.Timestamp) {
			return ma.Timestamp.Before(mb.Timestamp)
		}
		return ma.Value < mb.Value
	})

	out := make([]Metric, 0, len(ms))
	var prevKey string
	for n, i := range idx {
		m := ms[i]
		if n > 0 {
			prev := out[len(out)-1]
			if keys[i] == prevKey && m.Timestamp.Equal(prev.Timestamp) && sameValue(m.Value, prev.Value) {
				continue
			}
		}
		out = append(out, m)
		prevKey = keys[i]
	}
	return out
}

func sameValue(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

// labelKey orders label sets by sorted name, then value.
func labelKey(labels map[string]string) string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(labels[k])
		b.WriteByte(0)
	}
	return b.String()
}

func (f *family) toDTO() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(f.name),
		Type: dtoType(f.mtype).Enum(),
	}
	if f.unit != "" {
		mf.Unit = proto.String(f.unit)
	}
	if f.help != "" {
		mf.Help = proto.String(f.help)
	}

	for _, m := range f.sorted() {
		metric := &dto.Metric{Label: labelPairs(m.Labels)}
		switch mf.GetType() {
		case dto.MetricType_GAUGE:
			metric.Gauge = &dto.Gauge{Value: proto.Float64(m.Value)}
		case dto.MetricType_COUNTER:
			metric.Counter = &dto.Counter{Value: proto.Float64(m.Value)}
		default:
			metric.Untyped = &dto.Untyped{Value: proto.Float64(m.Value)}
		}
		if !m.Timestamp.IsZero() {
			metric.TimestampMs = proto.Int64(m.Timestamp.UnixMilli())
		}
		mf.Metric = append(mf.Metric, metric)
	}
	return mf
}

func dtoType(t string) dto.MetricType {
	switch t {
	case TypeGauge:
		return dto.MetricType_GAUGE
	case TypeCounter:
		return dto.MetricType_COUNTER
	default:
		return dto.MetricType_UNTYPED
	}
}

func labelPairs(labels map[string]string) []*dto.LabelPair {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]*dto.LabelPair, len(names))
	for i, k := range names {
		pairs[i] = &dto.LabelPair{Name: proto.String(k), Value: proto.String(labels[k])}
	}
	return pairs
}
