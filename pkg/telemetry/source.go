// Package telemetry acquires link telemetry samples for plan generation from
// CSV exports, a Prometheus-compatible query API or the local store.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Ciluvien/dsn-analysis/pkg/contact"
	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

// DefaultStep is the sampling step telemetry is aligned to.
const DefaultStep = 5 * time.Second

// TimeRange bounds a telemetry request. A zero Start or End leaves that
// side open.
type TimeRange struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
}

// Contains reports whether t lies within the inclusive range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

func (r TimeRange) step() time.Duration {
	if r.Step <= 0 {
		return DefaultStep
	}
	return r.Step
}

func (r TimeRange) validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("time range needs both start and end")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("time range end %s before start %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Source yields telemetry samples for a time range.
type Source interface {
	Samples(ctx context.Context, r TimeRange) ([]contact.Sample, error)
	// Name identifies the source in logs and metrics.
	Name() string
}

// Queries are the selectors for the three telemetry series a plan joins.
type Queries struct {
	DataRate       string `yaml:"data_rate"`
	MeasuredRange  string `yaml:"measured_range"`
	PredictedRange string `yaml:"predicted_range"`
}

const trackingActivity = "Spacecraft Telemetry, Tracking, and Command"

// DefaultQueries selects active tracking links of every target.
func DefaultQueries() Queries {
	return Queries{
		DataRate:       `signal_data_rate_b_per_s{dish_activity="` + trackingActivity + `",signal_activity="true"}`,
		MeasuredRange:  `target_range_km{data_source="DSN Now"}`,
		PredictedRange: `target_range_km{data_source="SPICE"}`,
	}
}

// QueriesForTarget narrows the default queries to one spacecraft, given by
// name and NAIF id (for example JWST and -170).
func QueriesForTarget(name, id string) Queries {
	return Queries{
		DataRate:       `signal_data_rate_b_per_s{target_name="` + name + `",dish_activity="` + trackingActivity + `",signal_activity="true"}`,
		MeasuredRange:  `target_range_km{data_source="DSN Now",target_name="` + name + `"}`,
		PredictedRange: `target_range_km{data_source="SPICE",target_id="` + id + `"}`,
	}
}

type predictedKey struct {
	at       int64
	station  string
	targetID string
}

type measuredKey struct {
	at        int64
	dish      string
	station   string
	targetID  string
	target    string
	direction string
}

// Join builds samples from data-rate series, attaching the measured range
// of the same dish and target and the predicted range of the same station
// and target. Times are floored to step. Only data-rate points produce
// samples; NaN readings are treated as missing.
func Join(rates, measured, predicted []types.Series, step time.Duration) []contact.Sample {
	if step <= 0 {
		step = DefaultStep
	}
	floor := func(t time.Time) int64 {
		return floorUnix(t, step)
	}

	predictedIdx := make(map[predictedKey]float64)
	for _, s := range predicted {
		m := s.Metric
		for _, p := range s.Points {
			predictedIdx[predictedKey{floor(p.Timestamp), m.Get("station_name"), m.Get("target_id")}] = p.Value
		}
	}

	measuredIdx := make(map[measuredKey]float64)
	for _, s := range measured {
		m := s.Metric
		for _, p := range s.Points {
			measuredIdx[measuredKey{
				at:        floor(p.Timestamp),
				dish:      m.Get("dish_name"),
				station:   m.Get("station_name"),
				targetID:  m.Get("target_id"),
				target:    m.Get("target_name"),
				direction: m.Get("target_direction"),
			}] = p.Value
		}
	}

	var samples []contact.Sample
	for _, s := range rates {
		m := s.Metric
		seen := make(map[int64]bool, len(s.Points))
		for _, p := range s.Points {
			at := floor(p.Timestamp)
			if seen[at] {
				continue
			}
			seen[at] = true

			key := measuredKey{
				at:        at,
				dish:      m.Get("dish_name"),
				station:   m.Get("station_name"),
				targetID:  m.Get("target_id"),
				target:    m.Get("target_name"),
				direction: m.Get("signal_direction"),
			}
			mv, ok := measuredIdx[key]
			if !ok {
				key.direction = ""
				mv, ok = measuredIdx[key]
			}
			var measuredRange *float64
			if ok {
				measuredRange = value(mv)
			}

			var predictedRange *float64
			if pv, ok := predictedIdx[predictedKey{at, m.Get("station_name"), m.Get("target_id")}]; ok {
				predictedRange = value(pv)
			}

			samples = append(samples, contact.Sample{
				Time:             time.Unix(at, 0).UTC(),
				DishName:         m.Get("dish_name"),
				TargetName:       m.Get("target_name"),
				Direction:        contact.Direction(m.Get("signal_direction")),
				Band:             m.Get("signal_band"),
				DataRate:         value(p.Value),
				MeasuredRangeKm:  measuredRange,
				PredictedRangeKm: predictedRange,
			})
		}
	}
	return contact.SortSamples(samples)
}

func value(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return contact.Float(v)
}

// floorUnix floors t to a multiple of step counted from the Unix epoch and
// returns Unix seconds. Steps below one second count as one second.
func floorUnix(t time.Time, step time.Duration) int64 {
	secs := int64(step / time.Second)
	if secs < 1 {
		secs = 1
	}
	u := t.Unix()
	q := u / secs
	if u%secs < 0 {
		q--
	}
	return q * secs
}
