package importer

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope     = "journalrelay/importer"
	spanImport    = "importer.run"
	metricCreated = "journalrelay.import.entries.created"
	metricUpdated = "journalrelay.import.entries.updated"
	metricSkipped = "journalrelay.import.entries.skipped"
	metricFailed  = "journalrelay.import.entries.failed"
)

// Engine runs imports through a [Reconciler], recording a trace span and
// counters for every run. Create one with [NewEngine].
type Engine struct {
	reconciler *Reconciler
	backend    string
	log        *slog.Logger

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer     trace.Tracer
	cntCreated metric.Int64Counter
	cntUpdated metric.Int64Counter
	cntSkipped metric.Int64Counter
	cntFailed  metric.Int64Counter
}

// NewEngine wraps reconciler.
func NewEngine(reconciler *Reconciler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		reconciler: reconciler,
		backend:    reconciler.adapter.Name(),
		log:        logger,

		tracer:     tracer,
		cntCreated: mustCounter(metricCreated, "Number of entries created"),
		cntUpdated: mustCounter(metricUpdated, "Number of entries updated"),
		cntSkipped: mustCounter(metricSkipped, "Number of entries skipped as not newer"),
		cntFailed:  mustCounter(metricFailed, "Number of entries that failed"),
	}
}

// Run imports every entry of src.
func (e *Engine) Run(ctx context.Context, src Source) (Result, error) {
	ctx, span := e.tracer.Start(ctx, spanImport, trace.WithAttributes(
		attribute.String("import.backend", e.backend),
		attribute.Bool("import.dry_run", e.reconciler.opts.DryRun),
	))
	defer span.End()

	res, err := e.reconciler.Run(ctx, src)

	attrs := metric.WithAttributes(attribute.String("backend", e.backend))
	if !res.DryRun {
		add := func(c metric.Int64Counter, n int) {
			if n > 0 {
				c.Add(ctx, int64(n), attrs)
			}
		}
		add(e.cntCreated, res.Created)
		add(e.cntUpdated, res.Updated)
		add(e.cntSkipped, res.Skipped)
		add(e.cntFailed, res.Failed)
	}

	span.SetAttributes(
		attribute.String("import.run_id", res.RunID),
		attribute.Int("import.created", res.Created),
		attribute.Int("import.updated", res.Updated),
		attribute.Int("import.skipped", res.Skipped),
		attribute.Int("import.failed", res.Failed),
		attribute.Bool("import.cancelled", res.Cancelled),
	)
	for _, f := range res.Failures {
		span.AddEvent("entry failed", trace.WithAttributes(
			attribute.String("entry_id", f.EntryID),
			attribute.String("kind", string(f.Kind)),
		))
	}
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}
