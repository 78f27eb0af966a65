// Command dsnconvert converts batches of DSN Now snapshots into OpenMetrics
// files and imports them into the telemetry store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Ciluvien/dsn-analysis/internal/config"
	"github.com/Ciluvien/dsn-analysis/internal/logging"
	"github.com/Ciluvien/dsn-analysis/pkg/dsn"
	"github.com/Ciluvien/dsn-analysis/pkg/openmetrics"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
)

var errEmptyInput = errors.New("empty input")

type options struct {
	input       string
	output      string
	distances   string
	logLevel    string
	configPath  string
	store       string
	tenant      string
	workers     int
	convertOnly bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("dsnconvert", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.input, "input", "data/to_be_converted", "Directory of DSN Now snapshot batches (directories or .zip archives)")
	fs.StringVar(&o.output, "output", "data/openmetric", "Directory for the OpenMetrics files")
	fs.StringVar(&o.distances, "distances", "", "Also convert a SPICE distance CSV (time, station, target, distance)")
	fs.StringVar(&o.logLevel, "l", "", "Log level")
	fs.StringVar(&o.logLevel, "log", "", "Log level")
	fs.StringVar(&o.configPath, "config", "", "Path to a YAML configuration file")
	fs.StringVar(&o.store, "store", "", "Telemetry store path (defaults to the configured one)")
	fs.StringVar(&o.tenant, "tenant", "", "Tenant to import into")
	fs.IntVar(&o.workers, "workers", 0, "Batches converted concurrently")
	fs.BoolVar(&o.convertOnly, "c", false, "Do not import into the store")
	fs.BoolVar(&o.convertOnly, "convert_only", false, "Do not import into the store")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "dsnconvert: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.workers > 0 {
		cfg.Ingest.Workers = opts.workers
	}
	if opts.convertOnly {
		cfg.Ingest.ConvertOnly = true
	}
	if opts.store != "" {
		cfg.Storage.Path = opts.store
	}
	if opts.tenant != "" {
		cfg.Storage.TenantID = opts.tenant
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.ToLoggingConfig()
	logCfg.Output = stderr
	log := logging.New(logCfg)

	if info, err := os.Stat(opts.input); err != nil || !info.IsDir() {
		return fmt.Errorf("input must be a directory: %s", opts.input)
	}

	log.Info(ctx, "converting DSN Now batches", logging.String("input", opts.input))
	start := time.Now()
	conv := &dsn.Converter{
		Workers:          cfg.Ingest.Workers,
		Compress:         cfg.Ingest.Compress,
		CompressionLevel: cfg.Storage.CompressionLevel,
		Log:              log,
	}
	outputs, stats, err := conv.ConvertAll(ctx, opts.input, opts.output)
	if err != nil {
		return err
	}
	log.Info(ctx, "conversion finished",
		logging.Int("batches", stats.Batches),
		logging.Int("failed_batches", stats.FailedBatches),
		logging.Int("files", stats.Files),
		logging.Int("failed_files", stats.FailedFiles),
		logging.Int("samples", stats.Samples),
		logging.Duration("took", time.Since(start)))

	paths := make([]string, 0, len(outputs)+1)
	for _, o := range outputs {
		paths = append(paths, o.Path)
	}
	if opts.distances != "" {
		path, err := convertDistances(opts.distances, opts.output, cfg)
		if err != nil {
			return err
		}
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		log.Warn(ctx, "nothing converted", logging.String("input", opts.input))
		return errEmptyInput
	}

	if cfg.Ingest.ConvertOnly {
		return nil
	}
	return importAll(ctx, cfg, paths, log)
}

// convertDistances writes the predicted ranges of a distance table next to
// the snapshot outputs.
func convertDistances(path, outputDir string, cfg *config.Config) (string, error) {
	rc, err := storage.OpenFile(path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	metrics, err := dsn.ReadDistances(rc)
	if err != nil {
		return "", err
	}
	set := openmetrics.NewMetricSet()
	for _, m := range metrics {
		set.Insert(m)
	}

	base := strings.TrimSuffix(filepath.Base(path), storage.CompressedExt)
	name := "spice_" + strings.TrimSuffix(base, filepath.Ext(base)) + ".om"
	if cfg.Ingest.Compress {
		name += storage.CompressedExt
	}
	out := filepath.Join(outputDir, name)
	err = storage.WriteFile(out, cfg.Storage.CompressionLevel, func(w io.Writer) error {
		_, err := set.WriteTo(w)
		return err
	})
	return out, err
}

func importAll(ctx context.Context, cfg *config.Config, paths []string, log logging.Logger) error {
	storeCfg := cfg.ToStorageConfig()
	storeCfg.Logger = logging.Slog(log)
	store, err := storage.NewStorage(storeCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	start := time.Now()
	total := 0
	for _, path := range paths {
		n, err := dsn.ImportFile(ctx, store, cfg.Storage.TenantID, path)
		if err != nil {
			return err
		}
		log.Info(ctx, "imported", logging.String("path", path), logging.Int("points", n))
		total += n
	}
	log.Info(ctx, "import finished",
		logging.Int("files", len(paths)),
		logging.Int("points", total),
		logging.Duration("took", time.Since(start)))
	return nil
}
