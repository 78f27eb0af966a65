package contact

import (
	"math"
	"sort"
	"time"
)

// FormatOptions controls how aggregated windows become plan entries.
type FormatOptions struct {
	// Reference makes entry times relative to it, in whole seconds. Absolute
	// Unix seconds are used when nil.
	Reference *time.Time

	// QualifyEndpoints appends the signal band to endpoint names
	// ("DSS-14_X"), keeping bands of one dish apart in routing software.
	QualifyEndpoints bool
}

// Dropped is a window left out of the plan and the reason for it.
type Dropped struct {
	Window AggregatedWindow
	Reason string
}

const (
	ReasonNoRange    = "no resolvable range"
	ReasonNoDataRate = "no resolvable data rate"
)

// Format turns aggregated windows into plan entries ordered by contact id.
// Windows without a usable range or data rate are returned as dropped
// instead of being emitted with a made-up light time.
func Format(windows []AggregatedWindow, opts FormatOptions) ([]Entry, []Dropped) {
	entries := make([]Entry, 0, len(windows))
	var dropped []Dropped

	for _, w := range windows {
		rangeKm, ok := ResolveRange(w)
		if !ok {
			dropped = append(dropped, Dropped{Window: w, Reason: ReasonNoRange})
			continue
		}
		if !defined(w.MeanDataRate) {
			dropped = append(dropped, Dropped{Window: w, Reason: ReasonNoDataRate})
			continue
		}

		source, dest := Endpoints(w.Key, opts.QualifyEndpoints)
		entries = append(entries, Entry{
			Contact:        w.ID,
			Source:         source,
			Dest:           dest,
			StartTime:      timestamp(w.Start, opts.Reference),
			EndTime:        timestamp(w.End, opts.Reference),
			RateBitsPerSec: uint64(math.Trunc(*w.MeanDataRate)),
			RangeKm:        rangeKm,
			OWLT:           OneWayLightTime(rangeKm),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Contact < entries[j].Contact })
	return entries, dropped
}

// Endpoints maps a partition to its source and destination nodes. Uplinks
// flow from the dish to the target, downlinks from the target to the dish.
func Endpoints(key PartitionKey, qualify bool) (source, dest string) {
	dish, target := key.Dish, key.Target
	if qualify {
		dish = dish + "_" + key.Band
		target = target + "_" + key.Band
	}

	source = target
	if key.Direction == Up {
		source = dish
	}
	dest = target
	if key.Direction == Down {
		dest = dish
	}
	return source, dest
}

// ResolveRange returns the predicted range when defined, else the measured one.
func ResolveRange(w AggregatedWindow) (float64, bool) {
	if defined(w.MeanPredictedRange) {
		return *w.MeanPredictedRange, true
	}
	if defined(w.MeanMeasuredRange) {
		return *w.MeanMeasuredRange, true
	}
	return 0, false
}

// OneWayLightTime converts a range to whole seconds, rounding half away from zero.
func OneWayLightTime(rangeKm float64) uint64 {
	return uint64(math.Round(rangeKm / LightSecondKm))
}

func timestamp(t time.Time, ref *time.Time) int64 {
	if ref == nil {
		return t.Unix()
	}
	return int64(t.Sub(*ref) / time.Second)
}

func defined(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
