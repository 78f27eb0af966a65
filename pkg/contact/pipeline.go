package contact

import (
	"sort"
	"time"
)

// Plan is the result of one plan-generation pass.
type Plan struct {
	Interval time.Duration
	Windows  []AggregatedWindow
	Entries  []Entry
	Dropped  []Dropped
}

// Validate checks the fields every sample must carry before segmentation.
func Validate(samples []Sample) error {
	for i, s := range samples {
		switch {
		case s.Time.IsZero():
			return &SchemaError{Column: "time", Row: i + 1, Reason: "missing timestamp"}
		case s.DishName == "":
			return &SchemaError{Column: "dish_name", Row: i + 1, Reason: "empty value"}
		case s.TargetName == "":
			return &SchemaError{Column: "target_name", Row: i + 1, Reason: "empty value"}
		case s.Band == "":
			return &SchemaError{Column: "signal_band", Row: i + 1, Reason: "empty value"}
		case !s.Direction.Valid():
			return &SchemaError{Column: "signal_direction", Row: i + 1, Reason: "must be \"up\" or \"down\", got " + string(s.Direction)}
		}
	}
	return nil
}

// SortSamples returns a copy of samples ordered by partition key and time.
// Samples with equal key and time keep their input order.
func SortSamples(samples []Sample) []Sample {
	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := sorted[i].Key(), sorted[j].Key()
		if ki != kj {
			return ki.Less(kj)
		}
		return sorted[i].Time.Before(sorted[j].Time)
	})
	return sorted
}

// Build runs validation, sorting, interval estimation, segmentation,
// aggregation and formatting. An empty sample set yields an empty plan.
func Build(samples []Sample, opts FormatOptions) (*Plan, error) {
	if err := Validate(samples); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return &Plan{Entries: []Entry{}}, nil
	}

	sorted := SortSamples(samples)
	interval, err := EstimateInterval(sorted)
	if err != nil {
		return nil, err
	}

	windows, err := Segment(sorted, interval)
	if err != nil {
		return nil, err
	}

	aggregated := Aggregate(windows)
	entries, dropped := Format(aggregated, opts)
	return &Plan{
		Interval: interval,
		Windows:  aggregated,
		Entries:  entries,
		Dropped:  dropped,
	}, nil
}
