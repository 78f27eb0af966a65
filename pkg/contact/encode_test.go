package contact

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	return []Entry{
		{Contact: 0, Source: "DSS-14", Dest: "JWST", StartTime: 0, EndTime: 600, RateBitsPerSec: 2000, RangeKm: 1_500_000, OWLT: 5},
		{Contact: 10, Source: "JWST", Dest: "DSS-14", StartTime: 900, EndTime: 1200, RateBitsPerSec: 28_000_001, RangeKm: 1_500_100.5, OWLT: 5},
	}
}

func encode(t *testing.T, entries []Entry, f PlanFormat, relative bool) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, entries, f, relative))
	return buf.String()
}

func TestEncodeRAW(t *testing.T) {
	out := encode(t, sampleEntries(), FormatRAW, false)

	want := strings.Join([]string{
		"contact,source,dest,startTime,endTime,rateBitsPerSec,range_km,owlt",
		"0,DSS-14,JWST,0,600,2000,1500000,5",
		"10,JWST,DSS-14,900,1200,28000001,1500100.5,5",
		"",
	}, "\n")
	assert.Equal(t, want, out)
}

func TestEncodeHDTN(t *testing.T) {
	out := encode(t, sampleEntries(), FormatHDTN, false)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 2)
	assert.NotContains(t, decoded[0], "range_km")
	assert.Equal(t, "JWST", decoded[1]["source"])
	assert.EqualValues(t, 28000001, decoded[1]["rateBitsPerSec"])
	assert.EqualValues(t, 5, decoded[1]["owlt"])
	assert.Contains(t, out, "\n    {\n        \"contact\": 0,")
}

func TestEncodeION(t *testing.T) {
	out := encode(t, sampleEntries(), FormatION, false)

	want := strings.Join([]string{
		"a contact 0 600 DSS-14 JWST 250",
		"a contact 900 1200 JWST DSS-14 3500000",
		"a range 0 600 DSS-14 JWST 5",
		"a range 900 1200 JWST DSS-14 5",
	}, "\n")
	assert.Equal(t, want, out)
}

func TestEncodeIONRelative(t *testing.T) {
	entries := sampleEntries()
	entries[0].StartTime = -30

	out := encode(t, entries, FormatION, true)

	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "a contact -30 +600 DSS-14 JWST 250", lines[0])
	assert.Equal(t, "a range +900 +1200 JWST DSS-14 5", lines[3])
}

func TestEncodeEmpty(t *testing.T) {
	assert.Equal(t, "contact,source,dest,startTime,endTime,rateBitsPerSec,range_km,owlt\n", encode(t, nil, FormatRAW, false))
	assert.Equal(t, "[]", encode(t, nil, FormatHDTN, false))
	assert.Equal(t, "", encode(t, nil, FormatION, true))
	assert.Equal(t, "[]", encode(t, []Entry{}, FormatHDTN, false))
}

func TestParseFormat(t *testing.T) {
	for name, want := range map[string]PlanFormat{"": FormatRAW, "raw": FormatRAW, "HDTN": FormatHDTN, " ion ": FormatION} {
		got, err := ParseFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseFormat("CGR")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	var buf bytes.Buffer
	assert.ErrorIs(t, Encode(&buf, nil, PlanFormat(42), false), ErrUnsupportedFormat)
	assert.Empty(t, buf.String())
}
