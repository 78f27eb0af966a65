package main

import (
	"archive/zip"
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ciluvien/dsn-analysis/pkg/openmetrics"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

const snapshotXML = `<?xml version='1.0' encoding='utf-8'?>
<dsn>
<station name="gdscc" friendlyName="Goldstone" timeUTC="1700000005000" timeZoneOffset="-28800000" />
<dish name="DSS14" azimuthAngle="120.5" elevationAngle="45.1" windSpeed="5.6" isMSPA="false" isArray="false" isDDOR="false" activity="Spacecraft Telemetry, Tracking, and Command">
<downSignal active="true" signalType="data" dataRate="28000000" frequency="25900000000" band="Ka" power="-120.5" spacecraft="JWST" spacecraftID="-170" />
<target name="JWST" id="170" uplegRange="1.5e+06" downlegRange="1.49e+06" rtlt="10.0" />
</dish>
<timestamp>1700000005000</timestamp>
</dsn>
`

func writeBatchZip(t *testing.T, dir, name string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("1700000005.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(snapshotXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	var stderr bytes.Buffer
	return run(context.Background(), args, &stderr)
}

func TestRunConvertOnly(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeBatchZip(t, in, "2023-11-14.zip")

	require.NoError(t, runCLI(t, "--input", in, "--output", out, "-c", "-l", "error"))

	path := filepath.Join(out, "dsn_2023-11-14.om"+storage.CompressedExt)
	rc, err := storage.OpenFile(path)
	require.NoError(t, err)
	defer rc.Close()

	series, err := openmetrics.Parse(rc, openmetrics.SyntaxOpenMetrics)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, s := range series {
		names[s.Metric.Name] = true
	}
	assert.True(t, names["signal_data_rate_b_per_s"])
	assert.True(t, names["dish_elevation_angle_degrees"])
}

func TestRunImportsIntoStore(t *testing.T) {
	in, out, storeDir := t.TempDir(), t.TempDir(), t.TempDir()
	writeBatchZip(t, in, "batch.zip")

	distances := filepath.Join(t.TempDir(), "jwst.csv")
	require.NoError(t, os.WriteFile(distances, []byte("time,station,target,distance\n1700000005,14,-170,1500000\n"), 0o644))

	require.NoError(t, runCLI(t,
		"--input", in, "--output", out, "--store", storeDir,
		"--distances", distances, "--workers", "1", "-l", "error"))
	assert.FileExists(t, filepath.Join(out, "spice_jwst.om"+storage.CompressedExt))

	store, err := storage.NewStorage(&storage.Config{Path: storeDir, CompressionLevel: 3, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	defer store.Close()

	query := func(q string) []types.Series {
		res, err := store.Query(context.Background(), &types.QueryRequest{
			Query:     q,
			StartTime: time.Unix(1_700_000_000, 0),
			EndTime:   time.Unix(1_700_000_010, 0),
		})
		require.NoError(t, err)
		return res.Series
	}

	rates := query(`signal_data_rate_b_per_s{signal_direction="down"}`)
	require.Len(t, rates, 1)
	assert.Equal(t, 28e6, rates[0].Points[0].Value)
	assert.Equal(t, "-170", rates[0].Metric.Labels["target_id"])

	ranges := query(`target_range_km{data_source="SPICE"}`)
	require.Len(t, ranges, 1)
	assert.Equal(t, 1.5e6, ranges[0].Points[0].Value)
	assert.Equal(t, "gdscc", ranges[0].Metric.Labels["station_name"])
}

func TestRunErrors(t *testing.T) {
	err := runCLI(t, "--input", filepath.Join(t.TempDir(), "missing"), "-l", "error")
	assert.ErrorContains(t, err, "input must be a directory")

	err = runCLI(t, "--input", t.TempDir(), "--output", t.TempDir(), "-c", "-l", "error")
	assert.ErrorIs(t, err, errEmptyInput)

	err = runCLI(t, "--format", "ION")
	assert.ErrorContains(t, err, "flag provided but not defined")
}
