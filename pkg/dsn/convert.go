package dsn

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ciluvien/dsn-analysis/internal/logging"
	"github.com/Ciluvien/dsn-analysis/internal/observability"
	"github.com/Ciluvien/dsn-analysis/pkg/openmetrics"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
)

// DefaultWorkers is the number of batches converted concurrently.
const DefaultWorkers = 3

// Converter turns batches of DSN Now snapshots into OpenMetrics files. A
// batch is a directory or a .zip archive of snapshot documents.
type Converter struct {
	Workers int
	// Compress writes .om.zst outputs at CompressionLevel.
	Compress         bool
	CompressionLevel int
	Log              logging.Logger
	Metrics          *observability.Collector
}

// Stats summarizes a conversion run.
type Stats struct {
	Batches       int
	FailedBatches int
	Files         int
	FailedFiles   int
	Samples       int
}

func (s *Stats) add(o Stats) {
	s.Batches += o.Batches
	s.FailedBatches += o.FailedBatches
	s.Files += o.Files
	s.FailedFiles += o.FailedFiles
	s.Samples += o.Samples
}

// Output is one written OpenMetrics file.
type Output struct {
	Batch string
	Path  string
}

func (c *Converter) log() logging.Logger {
	if c.Log == nil {
		return logging.Noop()
	}
	return c.Log
}

// ConvertAll converts every batch in inputDir into outputDir, naming each
// output dsn_<batch>.om. Batches that fail are logged and counted; the run
// only fails when outputDir cannot be written or ctx ends.
func (c *Converter) ConvertAll(ctx context.Context, inputDir, outputDir string) ([]Output, Stats, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("list batches: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, Stats{}, fmt.Errorf("create output directory: %w", err)
	}

	var batches []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".zip") {
			batches = append(batches, filepath.Join(inputDir, e.Name()))
		}
	}

	workers := c.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	outputs := make([]*Output, len(batches))
	stats := make([]Stats, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, batch := range batches {
		g.Go(func() error {
			out, st, err := c.convertBatchFile(gctx, batch, outputDir)
			stats[i] = st
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				stats[i].FailedBatches++
				c.log().Error(gctx, "batch conversion failed",
					logging.String("batch", batch), logging.Err(err))
				return nil
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Stats{}, err
	}

	var total Stats
	var written []Output
	for i := range batches {
		total.add(stats[i])
		if outputs[i] != nil {
			written = append(written, *outputs[i])
		}
	}
	return written, total, nil
}

func (c *Converter) convertBatchFile(ctx context.Context, batch, outputDir string) (*Output, Stats, error) {
	set, st, err := c.ConvertBatch(ctx, batch)
	if err != nil {
		return nil, st, err
	}

	name := "dsn_" + strings.TrimSuffix(filepath.Base(batch), ".zip") + ".om"
	if c.Compress {
		name += storage.CompressedExt
	}
	path := filepath.Join(outputDir, name)

	start := time.Now()
	err = storage.WriteFile(path, c.CompressionLevel, func(w io.Writer) error {
		_, err := set.WriteTo(w)
		return err
	})
	if err != nil {
		return nil, st, err
	}
	c.log().Info(ctx, "wrote openmetrics file",
		logging.String("path", path),
		logging.Int("samples", set.Len()),
		logging.Duration("took", time.Since(start)))
	return &Output{Batch: batch, Path: path}, st, nil
}

// ConvertBatch converts all snapshots of one batch into a single set.
// Snapshots that cannot be parsed are logged and skipped.
func (c *Converter) ConvertBatch(ctx context.Context, batch string) (*openmetrics.MetricSet, Stats, error) {
	info, err := os.Stat(batch)
	if err != nil {
		return nil, Stats{}, err
	}

	start := time.Now()
	set := openmetrics.NewMetricSet()
	st := Stats{Batches: 1}

	each := func(name string, open func() (io.ReadCloser, error)) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		st.Files++
		n, err := convertOne(set, open)
		c.Metrics.RecordImport(err)
		if err != nil {
			st.FailedFiles++
			c.log().Warn(ctx, "skipping unreadable snapshot",
				logging.String("batch", batch), logging.String("file", name), logging.Err(err))
			return nil
		}
		st.Samples += n
		return nil
	}

	switch {
	case info.IsDir():
		err = walkDir(batch, each)
	case strings.HasSuffix(batch, ".zip"):
		err = walkZip(batch, each)
	default:
		err = fmt.Errorf("batch %s is neither a directory nor a zip archive", batch)
	}
	if err != nil {
		return nil, st, err
	}

	c.Metrics.AddSamples("dsn", st.Samples)
	c.log().Info(ctx, "converted batch",
		logging.String("batch", filepath.Base(batch)),
		logging.Int("files", st.Files),
		logging.Int("failed", st.FailedFiles),
		logging.Duration("took", time.Since(start)))
	return set, st, nil
}

func convertOne(set *openmetrics.MetricSet, open func() (io.ReadCloser, error)) (int, error) {
	rc, err := open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	snap, err := ParseSnapshot(rc)
	if err != nil {
		return 0, err
	}
	metrics := ToMetrics(snap)
	for _, m := range metrics {
		set.Insert(m)
	}
	return len(metrics), nil
}

// walkDir visits the regular files directly inside dir in name order.
func walkDir(dir string, fn func(string, func() (io.ReadCloser, error)) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := fn(e.Name(), func() (io.ReadCloser, error) { return os.Open(path) }); err != nil {
			return err
		}
	}
	return nil
}

// walkZip visits the files of an archive in name order without extracting
// them to disk.
func walkZip(path string, fn func(string, func() (io.ReadCloser, error)) error) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	for _, f := range files {
		if err := fn(f.Name, f.Open); err != nil {
			return err
		}
	}
	return nil
}
