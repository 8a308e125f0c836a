package lockfile

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquireCount  metric.Int64Counter
	conflictCount metric.Int64Counter
	reclaimCount  metric.Int64Counter
	releaseCount  metric.Int64Counter
	refreshCount  metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/changed/lockfile")
	m := &lockMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"changed.lock.acquire",
		metric.WithDescription("Lock acquisitions"),
	)
	logMetricInitError(logger, "changed.lock.acquire", err)

	m.conflictCount, err = meter.Int64Counter(
		"changed.lock.conflict",
		metric.WithDescription("Acquire attempts denied by a held lock"),
	)
	logMetricInitError(logger, "changed.lock.conflict", err)

	m.reclaimCount, err = meter.Int64Counter(
		"changed.lock.reclaim",
		metric.WithDescription("Forced owner replacements"),
	)
	logMetricInitError(logger, "changed.lock.reclaim", err)

	m.releaseCount, err = meter.Int64Counter(
		"changed.lock.release",
		metric.WithDescription("Graceful releases"),
	)
	logMetricInitError(logger, "changed.lock.release", err)

	m.refreshCount, err = meter.Int64Counter(
		"changed.lock.refresh",
		metric.WithDescription("TTL refreshes"),
	)
	logMetricInitError(logger, "changed.lock.refresh", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("metric.init_failed", "metric", name, "error", err)
	}
}

func (m *lockMetrics) acquired(ctx context.Context, reclaimReason string) {
	if m.acquireCount == nil {
		return
	}
	if reclaimReason == "" {
		m.acquireCount.Add(ctx, 1)
		return
	}
	m.acquireCount.Add(ctx, 1, metric.WithAttributes(attribute.String("reclaim_reason", reclaimReason)))
}

func (m *lockMetrics) conflicted(ctx context.Context) {
	if m.conflictCount != nil {
		m.conflictCount.Add(ctx, 1)
	}
}

func (m *lockMetrics) reclaimed(ctx context.Context, reason string) {
	if m.reclaimCount != nil {
		m.reclaimCount.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *lockMetrics) released(ctx context.Context) {
	if m.releaseCount != nil {
		m.releaseCount.Add(ctx, 1)
	}
}

func (m *lockMetrics) refreshed(ctx context.Context) {
	if m.refreshCount != nil {
		m.refreshCount.Add(ctx, 1)
	}
}
