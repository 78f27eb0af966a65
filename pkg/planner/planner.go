// Package planner runs contact-plan generation end to end: it acquires
// telemetry from a source, runs the contact pipeline stage by stage with
// tracing and metrics, and renders the plan.
package planner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ciluvien/dsn-analysis/internal/logging"
	"github.com/Ciluvien/dsn-analysis/internal/observability"
	"github.com/Ciluvien/dsn-analysis/pkg/contact"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
	"github.com/Ciluvien/dsn-analysis/pkg/telemetry"
)

// ErrNoReference is returned for relative plans without a start time.
var ErrNoReference = errors.New("relative timestamps need a start time")

// Request describes one plan.
type Request struct {
	Source telemetry.Source
	Range  telemetry.TimeRange
	Format contact.PlanFormat
	// Relative renders times as offsets from Range.Start.
	Relative         bool
	QualifyEndpoints bool
}

// Result is a generated plan and its rendering.
type Result struct {
	Plan   *contact.Plan
	Format contact.PlanFormat
	Body   []byte
}

// Planner generates plans.
type Planner struct {
	log     logging.Logger
	metrics *observability.Collector
	tracer  trace.Tracer
}

// New creates a planner. A nil logger or collector disables that concern.
func New(log logging.Logger, metrics *observability.Collector) *Planner {
	if log == nil {
		log = logging.Noop()
	}
	return &Planner{log: log, metrics: metrics, tracer: observability.Tracer()}
}

// Generate acquires samples and runs validation, sorting, interval
// estimation, segmentation, aggregation, formatting and encoding. The
// context is checked between stages.
func (p *Planner) Generate(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := p.tracer.Start(ctx, "generate", trace.WithAttributes(
		attribute.String("plan.format", req.Format.String()),
		attribute.String("plan.source", req.Source.Name()),
		attribute.Bool("plan.relative", req.Relative),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.metrics.RecordPlan(req.Format.String(), err)
	}()

	opts := contact.FormatOptions{QualifyEndpoints: req.QualifyEndpoints}
	if req.Relative {
		if req.Range.Start.IsZero() {
			return nil, ErrNoReference
		}
		ref := req.Range.Start
		opts.Reference = &ref
	}

	var samples []contact.Sample
	if err := p.stage(ctx, "acquire", func(ctx context.Context) error {
		var err error
		samples, err = req.Source.Samples(ctx, req.Range)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("samples", len(samples)))
		return err
	}); err != nil {
		return nil, fmt.Errorf("acquire telemetry: %w", err)
	}
	p.log.Info(ctx, "telemetry acquired",
		logging.String("source", req.Source.Name()), logging.Int("samples", len(samples)))

	plan := &contact.Plan{Entries: []contact.Entry{}}
	if err := p.stage(ctx, "validate", func(context.Context) error {
		return contact.Validate(samples)
	}); err != nil {
		return nil, err
	}

	if len(samples) > 0 {
		if err := p.build(ctx, samples, opts, plan); err != nil {
			return nil, err
		}
	}

	for _, d := range plan.Dropped {
		p.log.Warn(ctx, "window dropped",
			logging.String("partition", d.Window.Key.String()),
			logging.Int64("contact", d.Window.ID),
			logging.String("reason", d.Reason))
	}
	p.metrics.RecordWindows(len(plan.Entries), len(plan.Dropped))

	var body bytes.Buffer
	if err := p.stage(ctx, "encode", func(context.Context) error {
		return contact.Encode(&body, plan.Entries, req.Format, req.Relative)
	}); err != nil {
		return nil, err
	}

	p.log.Info(ctx, "plan generated",
		logging.String("format", req.Format.String()),
		logging.Int("contacts", len(plan.Entries)),
		logging.Int("dropped", len(plan.Dropped)),
		logging.Duration("interval", plan.Interval))
	return &Result{Plan: plan, Format: req.Format, Body: body.Bytes()}, nil
}

func (p *Planner) build(ctx context.Context, samples []contact.Sample, opts contact.FormatOptions, plan *contact.Plan) error {
	var sorted []contact.Sample
	if err := p.stage(ctx, "sort", func(context.Context) error {
		sorted = contact.SortSamples(samples)
		return nil
	}); err != nil {
		return err
	}

	if err := p.stage(ctx, "estimate", func(ctx context.Context) error {
		var err error
		plan.Interval, err = contact.EstimateInterval(sorted)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("interval", plan.Interval.String()))
		return err
	}); err != nil {
		return err
	}

	var windows []contact.Window
	if err := p.stage(ctx, "segment", func(context.Context) error {
		var err error
		windows, err = contact.Segment(sorted, plan.Interval)
		return err
	}); err != nil {
		return err
	}

	if err := p.stage(ctx, "aggregate", func(context.Context) error {
		plan.Windows = contact.Aggregate(windows)
		return nil
	}); err != nil {
		return err
	}

	return p.stage(ctx, "format", func(context.Context) error {
		plan.Entries, plan.Dropped = contact.Format(plan.Windows, opts)
		return nil
	})
}

// stage runs fn in a child span after checking ctx, and records its
// duration.
func (p *Planner) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := p.tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(name, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// WriteFile writes the plan body to path atomically. Paths ending in .zst
// are compressed at level.
func WriteFile(path string, level int, res *Result) error {
	return storage.WriteFile(path, level, func(w io.Writer) error {
		_, err := w.Write(res.Body)
		return err
	})
}
