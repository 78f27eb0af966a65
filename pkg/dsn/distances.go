package dsn

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Ciluvien/dsn-analysis/pkg/openmetrics"
)

// SPICESource labels ranges computed from SPICE ephemerides.
const SPICESource = "SPICE"

// stationComplexes maps the 70 m reference dish of each complex to the
// station name DSN Now reports, so both range sources join on station_name.
var stationComplexes = map[string]string{
	"14": "gdscc",
	"43": "cdscc",
	"63": "mdscc",
}

// StationName resolves a reference dish number to its complex name. Other
// values are returned unchanged.
func StationName(station string) string {
	s := strings.TrimPrefix(strings.TrimSpace(station), "DSS-")
	if name, ok := stationComplexes[s]; ok {
		return name
	}
	return strings.TrimSpace(station)
}

var distanceColumns = []string{"time", "station", "target", "distance"}

// ReadDistances reads a predicted-distance table with the columns time
// (Unix seconds), station, target (NAIF id such as -170) and distance in
// km, and returns one target_range sample per row.
func ReadDistances(r io.Reader) ([]openmetrics.Metric, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read distances header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	idx := make([]int, len(distanceColumns))
	for i, name := range distanceColumns {
		c, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("distances: missing column %q", name)
		}
		idx[i] = c
	}

	var out []openmetrics.Metric
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read distances: %w", err)
		}

		secs, err := strconv.ParseFloat(rec[idx[0]], 64)
		if err != nil {
			return nil, fmt.Errorf("distances row %d: invalid time %q", row, rec[idx[0]])
		}
		km, err := strconv.ParseFloat(rec[idx[3]], 64)
		if err != nil {
			km = math.NaN()
		}

		whole, frac := math.Modf(secs)
		out = append(out, openmetrics.Metric{
			Name: "target_range",
			Unit: "km",
			Type: openmetrics.TypeGauge,
			Labels: map[string]string{
				"data_source":  SPICESource,
				"station_name": StationName(rec[idx[1]]),
				"target_id":    strings.TrimSpace(rec[idx[2]]),
			},
			Value:     km,
			Timestamp: time.Unix(int64(whole), int64(frac*1e9)).UTC(),
		})
	}
}
