package contact

import "time"

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

// series builds samples of one partition at the given second offsets.
func series(dish, target string, dir Direction, band string, secs ...int) []Sample {
	out := make([]Sample, 0, len(secs))
	for _, s := range secs {
		out = append(out, Sample{
			Time:       at(s),
			DishName:   dish,
			TargetName: target,
			Direction:  dir,
			Band:       band,
			DataRate:   Float(1000),
		})
	}
	return out
}

func withPredicted(samples []Sample, ranges ...float64) []Sample {
	for i := range samples {
		if i < len(ranges) {
			samples[i].PredictedRangeKm = Float(ranges[i])
		}
	}
	return samples
}

func withMeasured(samples []Sample, ranges ...float64) []Sample {
	for i := range samples {
		if i < len(ranges) {
			samples[i].MeasuredRangeKm = Float(ranges[i])
		}
	}
	return samples
}

func windowIDs(windows []Window) []int64 {
	ids := make([]int64, 0, len(windows))
	for _, w := range windows {
		ids = append(ids, w.ID)
	}
	return ids
}

func windowSizes(windows []Window) []int {
	sizes := make([]int, 0, len(windows))
	for _, w := range windows {
		sizes = append(sizes, len(w.Samples))
	}
	return sizes
}
