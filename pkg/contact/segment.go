package contact

import (
	"math"
	"time"
)

// Segment splits sorted samples into windows.
//
// A window ends when the gap to the previous sample of the same partition is
// neither the nominal interval nor zero. Each of those windows is then split
// further whenever the accumulated range drift since its first sample exceeds
// one light-second, because a single one-way light time no longer describes it.
//
// Window ids are unique across partitions. The first window is 0, a window
// starting after a gap takes the highest id so far plus WindowStride, and a
// drift split adds floor(drift / LightSecondKm) to its window's base id.
func Segment(samples []Sample, interval time.Duration) ([]Window, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	// Pass 1: contiguous runs.
	starts := []int{0}
	err := eachGap(samples, func(gap time.Duration, i int) {
		if gap != interval && gap != 0 {
			starts = append(starts, i)
		}
	})
	if err != nil {
		return nil, err
	}
	// Partition boundaries always start a run.
	starts = mergeBoundaries(samples, starts)

	// Pass 2: drift splits inside each run.
	var (
		windows []Window
		nextID  int64
	)
	for r, start := range starts {
		end := len(samples)
		if r+1 < len(starts) {
			end = starts[r+1]
		}

		base := nextID
		run := samples[start:end]
		highest := base
		current := -1
		state := driftState{}
		for i := range run {
			if i > 0 {
				state = state.step(run[i-1], run[i])
			}
			id := base + state.offset
			if current < 0 || windows[current].ID != id {
				windows = append(windows, Window{Key: run[i].Key(), ID: id})
				current = len(windows) - 1
			}
			windows[current].Samples = append(windows[current].Samples, run[i])
			highest = id
		}
		nextID = highest + WindowStride
	}

	return windows, nil
}

// mergeBoundaries adds the first index of every partition to the sorted list
// of run starts.
func mergeBoundaries(samples []Sample, starts []int) []int {
	out := make([]int, 0, len(starts))
	j := 0
	for i := range samples {
		boundary := i == 0 || samples[i-1].Key() != samples[i].Key()
		gapStart := j < len(starts) && starts[j] == i
		if gapStart {
			j++
		}
		if boundary || gapStart {
			out = append(out, i)
		}
	}
	return out
}

// driftState is the fold state of the light-second split. The running sums
// are never reset inside a window, so a long monotonic drift keeps moving the
// offset forward. The offset never decreases.
type driftState struct {
	measured    float64
	predicted   float64
	measuredOK  bool
	predictedOK bool
	offset      int64
}

// step folds the range change between prev and cur into the state. A sum is
// only tested when both samples carry the corresponding range, and the
// predicted range takes precedence over the measured one.
func (d driftState) step(prev, cur Sample) driftState {
	next := d
	next.measuredOK = false
	next.predictedOK = false

	if prev.MeasuredRangeKm != nil && cur.MeasuredRangeKm != nil {
		next.measured += math.Abs(*cur.MeasuredRangeKm - *prev.MeasuredRangeKm)
		next.measuredOK = true
	}
	if prev.PredictedRangeKm != nil && cur.PredictedRangeKm != nil {
		next.predicted += math.Abs(*cur.PredictedRangeKm - *prev.PredictedRangeKm)
		next.predictedOK = true
	}

	active, ok := next.predicted, next.predictedOK
	if !ok {
		active, ok = next.measured, next.measuredOK
	}
	if ok && active > LightSecondKm {
		if n := int64(math.Floor(active / LightSecondKm)); n > next.offset {
			next.offset = n
		}
	}
	return next
}
