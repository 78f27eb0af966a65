package telemetry

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Ciluvien/dsn-analysis/internal/observability"
	"github.com/Ciluvien/dsn-analysis/pkg/contact"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
)

// column lists the accepted header names of one input field. The first name
// is canonical; later names are dashboard export headers.
type column struct {
	names []string
}

var (
	colTime      = column{[]string{"time", "Time"}}
	colDish      = column{[]string{"dish_name"}}
	colTarget    = column{[]string{"target_name"}}
	colDirection = column{[]string{"signal_direction"}}
	colBand      = column{[]string{"signal_band"}}
	colRate      = column{[]string{"data_rate", "Value #Data Rate"}}
	colMeasured  = column{[]string{"measured_range_km", "Value #DSN Distance"}}
	colPredicted = column{[]string{"predicted_range_km", "Value #SPICE Distance"}}

	requiredColumns = []column{colTime, colDish, colTarget, colDirection, colBand, colRate, colMeasured, colPredicted}
)

// Time layouts accepted in the time column, besides Unix seconds.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// CSVSource reads samples from a CSV file, optionally zstd compressed.
// Every row is kept unless FilterRange is set, so the requested range only
// supplies the reference for relative plans.
type CSVSource struct {
	Path        string
	FilterRange bool
	Metrics     *observability.Collector
}

// NewCSVSource returns a source reading path.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{Path: path}
}

func (s *CSVSource) Name() string { return "csv" }

// Samples reads the whole file. With FilterRange it keeps only the samples
// inside r, where open ends of r keep everything on that side.
func (s *CSVSource) Samples(ctx context.Context, r TimeRange) ([]contact.Sample, error) {
	f, err := storage.OpenFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry: %w", err)
	}
	defer f.Close()

	samples, err := ReadCSV(f)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.FilterRange {
		s.Metrics.AddSamples(s.Name(), len(samples))
		return samples, nil
	}
	kept := samples[:0]
	for _, sample := range samples {
		if r.Contains(sample.Time) {
			kept = append(kept, sample)
		}
	}
	s.Metrics.AddSamples(s.Name(), len(kept))
	return kept, nil
}

// ReadCSV parses telemetry rows. Every required column must be present;
// empty measurement cells are undefined. Schema problems are reported as
// *contact.SchemaError.
func ReadCSV(r io.Reader) ([]contact.Sample, error) {
	// Dashboard exports start with a byte order mark, which would make a
	// quoted first header field unparsable.
	br := bufio.NewReader(r)
	if bom, _, err := br.ReadRune(); err == nil && bom != '\ufeff' {
		if err := br.UnreadRune(); err != nil {
			return nil, fmt.Errorf("read telemetry header: %w", err)
		}
	}
	cr := csv.NewReader(br)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &contact.SchemaError{Column: colTime.names[0], Reason: "missing header"}
	}
	if err != nil {
		return nil, fmt.Errorf("read telemetry header: %w", err)
	}

	positions := make(map[string]int, len(header))
	for i, name := range header {
		positions[strings.TrimSpace(name)] = i
	}
	idx := make(map[string]int, len(requiredColumns))
	for _, c := range requiredColumns {
		found := false
		for _, name := range c.names {
			if i, ok := positions[name]; ok {
				idx[c.names[0]] = i
				found = true
				break
			}
		}
		if !found {
			return nil, &contact.SchemaError{Column: c.names[0], Reason: "missing column"}
		}
	}

	var samples []contact.Sample
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read telemetry: %w", err)
		}

		field := func(c column) string { return strings.TrimSpace(rec[idx[c.names[0]]]) }

		at, err := ParseTime(field(colTime))
		if err != nil {
			return nil, &contact.SchemaError{Column: colTime.names[0], Row: row, Reason: err.Error()}
		}
		sample := contact.Sample{
			Time:       at,
			DishName:   field(colDish),
			TargetName: field(colTarget),
			Direction:  contact.Direction(field(colDirection)),
			Band:       field(colBand),
		}
		for _, m := range []struct {
			col column
			dst **float64
		}{
			{colRate, &sample.DataRate},
			{colMeasured, &sample.MeasuredRangeKm},
			{colPredicted, &sample.PredictedRangeKm},
		} {
			raw := field(m.col)
			if raw == "" || strings.EqualFold(raw, "null") {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, &contact.SchemaError{Column: m.col.names[0], Row: row, Reason: fmt.Sprintf("not a number: %q", raw)}
			}
			*m.dst = value(v)
		}
		samples = append(samples, sample)
	}
}

// ParseTime parses (fractional) Unix seconds or an RFC 3339 style
// timestamp. Timestamps without a zone are UTC.
func ParseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.UnixMilli(int64(math.Round(secs * 1000))).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}
