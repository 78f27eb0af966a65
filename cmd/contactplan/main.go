// Command contactplan builds a DTN contact plan from DSN link telemetry read
// from a CSV export, a Prometheus-compatible server or the local store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ciluvien/dsn-analysis/internal/config"
	"github.com/Ciluvien/dsn-analysis/internal/logging"
	"github.com/Ciluvien/dsn-analysis/internal/observability"
	"github.com/Ciluvien/dsn-analysis/pkg/planner"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
	"github.com/Ciluvien/dsn-analysis/pkg/telemetry"
)

var errUsage = errors.New("either --input or both --start_time and --end_time are required")

type options struct {
	input      string
	output     string
	start      string
	end        string
	relative   bool
	qualify    bool
	step       time.Duration
	format     string
	logLevel   string
	prometheus string
	store      string
	configPath string
	target     string
	targetID   string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("contactplan", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	stringVar := func(p *string, short, long, value, usage string) {
		if short != "" {
			fs.StringVar(p, short, value, usage)
		}
		fs.StringVar(p, long, value, usage)
	}
	stringVar(&o.input, "i", "input", "", "Path to a link telemetry CSV (optionally .zst)")
	stringVar(&o.output, "o", "output", "", "Path to output file; printing to console otherwise")
	stringVar(&o.start, "s", "start_time", "", "Start time (RFC 3339 or Unix seconds)")
	stringVar(&o.end, "e", "end_time", "", "End time (RFC 3339 or Unix seconds)")
	stringVar(&o.format, "f", "format", "", "DTN contact plan format (RAW, HDTN, ION)")
	stringVar(&o.logLevel, "l", "log", "", "Log level")
	stringVar(&o.prometheus, "", "prometheus", "", "URL of the Prometheus instance")
	stringVar(&o.store, "", "store", "", "Read telemetry from the local store at this path")
	stringVar(&o.configPath, "", "config", "", "Path to a YAML configuration file")
	stringVar(&o.target, "", "target", "", "Restrict queries to one spacecraft name, e.g. JWST")
	stringVar(&o.targetID, "", "target_id", "", "NAIF id of --target, e.g. -170")
	fs.BoolVar(&o.relative, "r", false, "Output durations relative to --start_time")
	fs.BoolVar(&o.relative, "relative_time", false, "Output durations relative to --start_time")
	fs.BoolVar(&o.qualify, "qualify", false, "Suffix endpoint names with the signal band")
	fs.DurationVar(&o.step, "step", 0, "Step size")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.input == "" && (o.start == "" || o.end == "") {
		fs.Usage()
		return nil, errUsage
	}
	return o, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "contactplan: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.ToLoggingConfig()
	logCfg.Output = stderr
	log := logging.New(logCfg)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ToTracingConfig(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	planOpts, err := cfg.ToPlanOptions()
	if err != nil {
		return err
	}

	r := telemetry.TimeRange{Step: cfg.Prometheus.Step}
	if opts.start != "" {
		if r.Start, err = telemetry.ParseTime(opts.start); err != nil {
			return fmt.Errorf("start time: %w", err)
		}
	}
	if opts.end != "" {
		if r.End, err = telemetry.ParseTime(opts.end); err != nil {
			return fmt.Errorf("end time: %w", err)
		}
	}

	source, closeSource, err := openSource(cfg, opts, log)
	if err != nil {
		return err
	}
	defer closeSource()

	res, err := planner.New(log, nil).Generate(ctx, planner.Request{
		Source:           source,
		Range:            r,
		Format:           planOpts.Format,
		Relative:         planOpts.Relative,
		QualifyEndpoints: planOpts.QualifyEndpoints,
	})
	if err != nil {
		return err
	}

	if planOpts.Output != "" {
		if err := planner.WriteFile(planOpts.Output, cfg.Storage.CompressionLevel, res); err != nil {
			return fmt.Errorf("write plan: %w", err)
		}
		log.Info(ctx, "plan written", logging.String("path", planOpts.Output))
		return nil
	}
	body := res.Body
	if len(body) > 0 && body[len(body)-1] != '\n' {
		body = append(body, '\n')
	}
	_, err = stdout.Write(body)
	return err
}

// applyFlags overlays command-line options on the loaded configuration.
func applyFlags(cfg *config.Config, o *options) {
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.format != "" {
		cfg.Plan.Format = o.format
	}
	if o.output != "" {
		cfg.Plan.Output = o.output
	}
	if o.relative {
		cfg.Plan.Relative = true
	}
	if o.qualify {
		cfg.Plan.QualifyEndpoints = true
	}
	if o.step > 0 {
		cfg.Prometheus.Step = o.step
	}
	if o.prometheus != "" {
		cfg.Prometheus.URL = o.prometheus
	}
	if o.store != "" {
		cfg.Storage.Path = o.store
	}
	if o.target != "" {
		cfg.Prometheus.Queries = telemetry.QueriesForTarget(o.target, o.targetID)
	}
}

// openSource picks the CSV input, the local store or Prometheus, in that
// order of precedence.
func openSource(cfg *config.Config, o *options, log logging.Logger) (telemetry.Source, func(), error) {
	noop := func() {}
	switch {
	case o.input != "":
		return telemetry.NewCSVSource(o.input), noop, nil

	case o.store != "":
		storeCfg := cfg.ToStorageConfig()
		storeCfg.Logger = slog.New(slog.DiscardHandler)
		store, err := storage.NewStorage(storeCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		src := &telemetry.StoreSource{
			Store:    store,
			TenantID: cfg.Storage.TenantID,
			Queries:  cfg.Prometheus.Queries,
		}
		return src, func() { store.Close() }, nil

	case cfg.Prometheus.URL != "":
		src, err := telemetry.NewPrometheusSource(cfg.ToPrometheusConfig(), log, nil)
		if err != nil {
			return nil, nil, err
		}
		return src, noop, nil

	default:
		return nil, nil, errors.New("no telemetry source: set --input, --store or --prometheus")
	}
}
