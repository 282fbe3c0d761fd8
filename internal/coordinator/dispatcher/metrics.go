package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope used when no meter is injected.
const meterName = "tcluster/dispatcher"

// Instruments:
//   - tcluster.tasks.completed, tcluster.tasks.failed, tcluster.tasks.retried
//     (Int64Counter) with attribute node
//   - tcluster.attempt.duration (Float64Histogram, seconds) with attributes
//     node and outcome
type metrics struct {
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	// Instrument constructors return usable noop instruments on error.
	completed, _ := meter.Int64Counter("tcluster.tasks.completed",
		metric.WithDescription("Tasks whose output was retrieved and validated"),
		metric.WithUnit("{task}"))
	failed, _ := meter.Int64Counter("tcluster.tasks.failed",
		metric.WithDescription("Tasks that ended failed"),
		metric.WithUnit("{task}"))
	retried, _ := meter.Int64Counter("tcluster.tasks.retried",
		metric.WithDescription("Attempts sent back to pending for another try"),
		metric.WithUnit("{attempt}"))
	duration, _ := meter.Float64Histogram("tcluster.attempt.duration",
		metric.WithDescription("Duration of one task attempt in seconds"),
		metric.WithUnit("s"))
	return &metrics{completed: completed, failed: failed, retried: retried, duration: duration}
}

func (m *metrics) attempt(ctx context.Context, node, outcome string, elapsed time.Duration) {
	m.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("node", node),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) count(ctx context.Context, c metric.Int64Counter, node string) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node)))
}
