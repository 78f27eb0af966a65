package contact

import (
	"fmt"
	"time"
)

// LightSecondKm is the distance light travels in one second.
const LightSecondKm = 299792.458

// WindowStride is the id distance between a window and the next window that
// starts after a tracking gap. Light-second splits use the ids in between.
const WindowStride = 10

// Direction of a signal relative to the dish.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Up || d == Down
}

// Sample is one telemetry observation for a dish/target/direction/band.
// Nil measurements are undefined, not zero.
type Sample struct {
	Time             time.Time
	DishName         string
	TargetName       string
	Direction        Direction
	Band             string
	DataRate         *float64
	MeasuredRangeKm  *float64
	PredictedRangeKm *float64
}

// Key returns the partition the sample belongs to.
func (s Sample) Key() PartitionKey {
	return PartitionKey{
		Dish:      s.DishName,
		Target:    s.TargetName,
		Direction: s.Direction,
		Band:      s.Band,
	}
}

// PartitionKey groups samples whose time contiguity is evaluated together.
type PartitionKey struct {
	Dish      string
	Target    string
	Direction Direction
	Band      string
}

// Less orders keys by dish, target, direction and band.
func (k PartitionKey) Less(o PartitionKey) bool {
	if k.Dish != o.Dish {
		return k.Dish < o.Dish
	}
	if k.Target != o.Target {
		return k.Target < o.Target
	}
	if k.Direction != o.Direction {
		return k.Direction < o.Direction
	}
	return k.Band < o.Band
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Dish, k.Target, k.Direction, k.Band)
}

// Window is a contiguous run of samples within one partition.
type Window struct {
	Key     PartitionKey
	ID      int64
	Samples []Sample
}

// AggregatedWindow summarizes a window. Means are nil when no member sample
// carried a value for the field.
type AggregatedWindow struct {
	Key                PartitionKey
	ID                 int64
	Start              time.Time
	End                time.Time
	MeanDataRate       *float64
	MeanMeasuredRange  *float64
	MeanPredictedRange *float64
}

// Entry is one contact of a rendered plan. Start and End hold either Unix
// seconds or seconds relative to the plan reference time.
type Entry struct {
	Contact        int64   `json:"contact"`
	Source         string  `json:"source"`
	Dest           string  `json:"dest"`
	StartTime      int64   `json:"startTime"`
	EndTime        int64   `json:"endTime"`
	RateBitsPerSec uint64  `json:"rateBitsPerSec"`
	RangeKm        float64 `json:"range_km"`
	OWLT           uint64  `json:"owlt"`
}

// Float returns a pointer to v. It keeps literal samples in tests and
// readers short.
func Float(v float64) *float64 {
	return &v
}
