package contact

import "sort"

// Aggregate reduces every window to its time bounds and mean measurements.
// Windows sharing a partition key and id are treated as one group. The result
// is ordered by window id.
func Aggregate(windows []Window) []AggregatedWindow {
	type groupKey struct {
		key PartitionKey
		id  int64
	}

	groups := make(map[groupKey]*accumulator)
	order := make([]groupKey, 0, len(windows))
	for _, w := range windows {
		gk := groupKey{key: w.Key, id: w.ID}
		acc, ok := groups[gk]
		if !ok {
			acc = &accumulator{}
			groups[gk] = acc
			order = append(order, gk)
		}
		for _, s := range w.Samples {
			acc.add(s)
		}
	}

	out := make([]AggregatedWindow, 0, len(order))
	for _, gk := range order {
		acc := groups[gk]
		if acc.count == 0 {
			continue
		}
		out = append(out, AggregatedWindow{
			Key:                gk.key,
			ID:                 gk.id,
			Start:              acc.start.Time,
			End:                acc.end.Time,
			MeanDataRate:       acc.rate.value(),
			MeanMeasuredRange:  acc.measured.value(),
			MeanPredictedRange: acc.predicted.value(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type accumulator struct {
	count     int
	start     Sample
	end       Sample
	rate      runningMean
	measured  runningMean
	predicted runningMean
}

func (a *accumulator) add(s Sample) {
	if a.count == 0 || s.Time.Before(a.start.Time) {
		a.start = s
	}
	if a.count == 0 || s.Time.After(a.end.Time) {
		a.end = s
	}
	a.count++
	a.rate.add(s.DataRate)
	a.measured.add(s.MeasuredRangeKm)
	a.predicted.add(s.PredictedRangeKm)
}

// runningMean is a running arithmetic mean over defined values.
type runningMean struct {
	sum float64
	n   int
}

func (m *runningMean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v
	m.n++
}

func (m runningMean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	return Float(m.sum / float64(m.n))
}
