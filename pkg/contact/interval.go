package contact

import (
	"fmt"
	"time"
)

// EstimateInterval returns the nominal sampling interval: the smallest
// positive gap between consecutive samples of the same partition, taken over
// all partitions. Samples must be sorted by partition key and time.
func EstimateInterval(samples []Sample) (time.Duration, error) {
	var (
		interval time.Duration
		found    bool
	)

	err := eachGap(samples, func(gap time.Duration, _ int) {
		if gap <= 0 {
			return
		}
		if !found || gap < interval {
			interval = gap
			found = true
		}
	})
	if err != nil {
		return 0, err
	}

	if !found {
		return 0, fmt.Errorf("%w: %d samples without a positive gap", ErrNoInterval, len(samples))
	}
	return interval, nil
}

// eachGap calls fn with the gap between every sample and its predecessor in
// the same partition. It rejects input where a partition reappears after
// another one or where time goes backwards within a partition.
func eachGap(samples []Sample, fn func(gap time.Duration, i int)) error {
	seen := make(map[PartitionKey]struct{})
	for i := range samples {
		key := samples[i].Key()
		if i == 0 || samples[i-1].Key() != key {
			if _, dup := seen[key]; dup {
				return fmt.Errorf("%w: partition %s is interleaved at sample %d", ErrUnsorted, key, i)
			}
			seen[key] = struct{}{}
			continue
		}

		gap := samples[i].Time.Sub(samples[i-1].Time)
		if gap < 0 {
			return fmt.Errorf("%w: time goes backwards in partition %s at sample %d", ErrUnsorted, key, i)
		}
		fn(gap, i)
	}
	return nil
}
