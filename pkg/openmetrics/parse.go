package openmetrics

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

// Syntax selects the timestamp convention of the input.
type Syntax int

const (
	// SyntaxOpenMetrics carries timestamps in (possibly fractional) seconds.
	SyntaxOpenMetrics Syntax = iota
	// SyntaxPrometheus is the classic text format with millisecond timestamps.
	SyntaxPrometheus
)

// ErrMissingTimestamp is returned for samples that carry no timestamp.
var ErrMissingTimestamp = errors.New("sample without timestamp")

// maxLineSize bounds a single exposition line.
const maxLineSize = 1 << 20

// Parse reads an exposition into series, one per distinct metric and label
// set, with points in time order. Histogram and summary families are
// skipped.
func Parse(r io.Reader, syntax Syntax) ([]types.Series, error) {
	in := r
	if syntax == SyntaxOpenMetrics {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(normalize(r, pw))
		}()
		defer pr.Close()
		in = pr
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(in)
	if err != nil {
		return nil, fmt.Errorf("parse exposition: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []types.Series
	for _, name := range names {
		series, err := familySeries(families[name])
		if err != nil {
			return nil, err
		}
		out = append(out, series...)
	}
	return out, nil
}

func familySeries(mf *dto.MetricFamily) ([]types.Series, error) {
	var value func(*dto.Metric) float64
	switch mf.GetType() {
	case dto.MetricType_GAUGE:
		value = func(m *dto.Metric) float64 { return m.GetGauge().GetValue() }
	case dto.MetricType_COUNTER:
		value = func(m *dto.Metric) float64 { return m.GetCounter().GetValue() }
	case dto.MetricType_UNTYPED:
		value = func(m *dto.Metric) float64 { return m.GetUntyped().GetValue() }
	default:
		return nil, nil
	}

	var out []types.Series
	index := make(map[string]int)
	for _, m := range mf.GetMetric() {
		if m.TimestampMs == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingTimestamp, mf.GetName())
		}

		labels := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		metric := types.Metric{Name: mf.GetName(), Labels: labels}

		key := metric.String()
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, types.Series{Metric: metric})
		}
		out[i].Points = append(out[i].Points, types.Point{
			Timestamp: time.UnixMilli(m.GetTimestampMs()).UTC(),
			Value:     value(m),
		})
	}

	for i := range out {
		points := out[i].Points
		sort.SliceStable(points, func(a, b int) bool { return points[a].Timestamp.Before(points[b].Timestamp) })
	}
	return out, nil
}

// normalize rewrites OpenMetrics text into the classic text format: the
// EOF marker and exemplars are dropped, "unknown" types become "untyped"
// and second timestamps become milliseconds.
func normalize(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	bw := bufio.NewWriter(w)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()

		out, err := normalizeLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if out == "" {
			continue
		}
		if _, err := bw.WriteString(out); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

func normalizeLine(line string) (string, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed == "# EOF" {
		return "", nil
	}

	if strings.HasPrefix(trimmed, "#") {
		fields := strings.Fields(trimmed)
		if len(fields) == 4 && fields[1] == "TYPE" && fields[3] == TypeUnknown {
			return "# TYPE " + fields[2] + " untyped", nil
		}
		return trimmed, nil
	}

	end, err := seriesEnd(trimmed)
	if err != nil {
		return "", err
	}
	series, rest := trimmed[:end], trimmed[end:]

	// Exemplars follow " # ".
	if i := strings.Index(rest, " # "); i >= 0 {
		rest = rest[:i]
	}

	fields := strings.Fields(rest)
	switch len(fields) {
	case 1:
		return series + " " + fields[0], nil
	case 2:
		secs, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return "", fmt.Errorf("invalid timestamp %q", fields[1])
		}
		ms := int64(math.Round(secs * 1000))
		return series + " " + fields[0] + " " + strconv.FormatInt(ms, 10), nil
	default:
		return "", fmt.Errorf("malformed sample %q", line)
	}
}

// seriesEnd returns the index just past the metric name and label set.
// Label values may contain spaces, braces and escaped quotes.
func seriesEnd(line string) (int, error) {
	brace := strings.IndexByte(line, '{')
	space := strings.IndexAny(line, " \t")
	if brace < 0 || (space >= 0 && space < brace) {
		if space < 0 {
			return 0, fmt.Errorf("sample %q has no value", line)
		}
		return space, nil
	}

	inQuote := false
	for i := brace + 1; i < len(line); i++ {
		switch c := line[i]; {
		case inQuote && c == '\\':
			i++
		case c == '"':
			inQuote = !inQuote
		case !inQuote && c == '}':
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("unterminated label set in %q", line)
}
