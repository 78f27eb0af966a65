package contact

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aggregated(id int64, dir Direction, rate, measured, predicted *float64) AggregatedWindow {
	return AggregatedWindow{
		Key:                PartitionKey{Dish: "DSS-14", Target: "JWST", Direction: dir, Band: "X"},
		ID:                 id,
		Start:              at(0),
		End:                at(60),
		MeanDataRate:       rate,
		MeanMeasuredRange:  measured,
		MeanPredictedRange: predicted,
	}
}

func TestFormatDirectionMapping(t *testing.T) {
	entries, dropped := Format([]AggregatedWindow{
		aggregated(0, Up, Float(1000), Float(1e6), nil),
		aggregated(10, Down, Float(1000), Float(1e6), nil),
	}, FormatOptions{})

	require.Empty(t, dropped)
	require.Len(t, entries, 2)
	assert.Equal(t, "DSS-14", entries[0].Source)
	assert.Equal(t, "JWST", entries[0].Dest)
	assert.Equal(t, "JWST", entries[1].Source)
	assert.Equal(t, "DSS-14", entries[1].Dest)
}

func TestFormatQualifiedEndpoints(t *testing.T) {
	source, dest := Endpoints(PartitionKey{Dish: "DSS-14", Target: "JWST", Direction: Down, Band: "Ka"}, true)
	assert.Equal(t, "JWST_Ka", source)
	assert.Equal(t, "DSS-14_Ka", dest)
}

func TestFormatPrefersPredictedRange(t *testing.T) {
	entries, _ := Format([]AggregatedWindow{
		aggregated(0, Up, Float(1000), Float(1_500_000), Float(600_000)),
	}, FormatOptions{})

	require.Len(t, entries, 1)
	assert.Equal(t, 600_000.0, entries[0].RangeKm)
	assert.Equal(t, uint64(2), entries[0].OWLT)
}

func TestFormatFallsBackToMeasuredRange(t *testing.T) {
	entries, _ := Format([]AggregatedWindow{
		aggregated(0, Up, Float(1000), Float(1_500_000), nil),
	}, FormatOptions{})

	require.Len(t, entries, 1)
	assert.Equal(t, 1_500_000.0, entries[0].RangeKm)
	assert.Equal(t, uint64(5), entries[0].OWLT)
}

func TestFormatDropsUnresolvableWindows(t *testing.T) {
	entries, dropped := Format([]AggregatedWindow{
		aggregated(0, Up, Float(1000), nil, nil),
		aggregated(10, Up, nil, Float(1e6), nil),
		aggregated(20, Up, Float(math.NaN()), Float(1e6), nil),
		aggregated(30, Up, Float(1000), nil, Float(math.Inf(1))),
		aggregated(40, Up, Float(1000), Float(1e6), nil),
	}, FormatOptions{})

	require.Len(t, entries, 1)
	assert.Equal(t, int64(40), entries[0].Contact)
	require.Len(t, dropped, 4)
	assert.Equal(t, ReasonNoRange, dropped[0].Reason)
	assert.Equal(t, ReasonNoDataRate, dropped[1].Reason)
	assert.Equal(t, ReasonNoDataRate, dropped[2].Reason)
	assert.Equal(t, ReasonNoRange, dropped[3].Reason)
}

func TestFormatTimestamps(t *testing.T) {
	w := aggregated(0, Up, Float(1000.9), Float(1e6), nil)

	entries, _ := Format([]AggregatedWindow{w}, FormatOptions{})
	require.Len(t, entries, 1)
	assert.Equal(t, at(0).Unix(), entries[0].StartTime)
	assert.Equal(t, at(60).Unix(), entries[0].EndTime)
	assert.Equal(t, uint64(1000), entries[0].RateBitsPerSec, "rate is truncated")

	ref := at(30)
	entries, _ = Format([]AggregatedWindow{w}, FormatOptions{Reference: &ref})
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-30), entries[0].StartTime)
	assert.Equal(t, int64(30), entries[0].EndTime)
}

func TestFormatSortsByContact(t *testing.T) {
	entries, _ := Format([]AggregatedWindow{
		aggregated(21, Up, Float(1), Float(1), nil),
		aggregated(3, Up, Float(1), Float(1), nil),
		aggregated(12, Up, Float(1), Float(1), nil),
	}, FormatOptions{})

	require.Len(t, entries, 3)
	assert.Equal(t, []int64{3, 12, 21}, []int64{entries[0].Contact, entries[1].Contact, entries[2].Contact})
}

func TestOneWayLightTimeRounding(t *testing.T) {
	assert.Equal(t, uint64(1), OneWayLightTime(300_000))
	assert.Equal(t, uint64(0), OneWayLightTime(LightSecondKm/2-1))
	assert.Equal(t, uint64(1), OneWayLightTime(LightSecondKm/2))
	assert.Equal(t, uint64(3), OneWayLightTime(2.6*LightSecondKm))
}
