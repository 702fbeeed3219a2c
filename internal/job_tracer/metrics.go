package job_tracer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type compileMetrics struct {
	duration otelmetric.Float64Histogram
	finished otelmetric.Int64Counter
	inflight otelmetric.Int64UpDownCounter
}

var (
	metricsOnce sync.Once
	metrics     *compileMetrics
)

// instruments are created lazily so they bind to whatever meter provider
// InitTracer installed.
func getMetrics() *compileMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter(tracerName)
		m := &compileMetrics{}
		m.duration, _ = meter.Float64Histogram("compile.duration",
			otelmetric.WithUnit("s"),
			otelmetric.WithDescription("Wall time of a statement build"))
		m.finished, _ = meter.Int64Counter("compile.finished",
			otelmetric.WithDescription("Finished statement builds"))
		m.inflight, _ = meter.Int64UpDownCounter("compile.inflight",
			otelmetric.WithDescription("Statement builds currently running"))
		metrics = m
	})
	return metrics
}

func RecordCompileStarted(ctx context.Context, code string) {
	m := getMetrics()
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("task.code", code)))
	}
}

func RecordCompileFinished(ctx context.Context, code string, failed bool, took time.Duration) {
	m := getMetrics()
	attrs := otelmetric.WithAttributes(
		attribute.String("task.code", code),
		attribute.Bool("compile.error", failed),
	)
	if m.inflight != nil {
		m.inflight.Add(ctx, -1, otelmetric.WithAttributes(attribute.String("task.code", code)))
	}
	if m.duration != nil {
		m.duration.Record(ctx, took.Seconds(), attrs)
	}
	if m.finished != nil {
		m.finished.Add(ctx, 1, attrs)
	}
}
