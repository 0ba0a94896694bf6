package migration

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type blockerMetrics struct {
	readsBlocked metric.Int64Counter
	commits      metric.Int64Counter
	aborts       metric.Int64Counter
	recovered    metric.Int64Counter
}

func newBlockerMetrics(logger pslog.Logger) *blockerMetrics {
	meter := otel.Meter("pkt.systems/shardd/migration")
	m := &blockerMetrics{}
	var err error

	m.readsBlocked, err = meter.Int64Counter(
		"shardd.migration.reads.blocked",
		metric.WithDescription("Reads parked on a tenant migration blocker"),
	)
	logMetricInitError(logger, "shardd.migration.reads.blocked", err)

	m.commits, err = meter.Int64Counter(
		"shardd.migration.committed",
		metric.WithDescription("Tenant migrations reaching the reject state"),
	)
	logMetricInitError(logger, "shardd.migration.committed", err)

	m.aborts, err = meter.Int64Counter(
		"shardd.migration.aborted",
		metric.WithDescription("Tenant migrations reaching the aborted state"),
	)
	logMetricInitError(logger, "shardd.migration.aborted", err)

	m.recovered, err = meter.Int64Counter(
		"shardd.migration.blockers.recovered",
		metric.WithDescription("Access blockers reinstated from donor state documents"),
	)
	logMetricInitError(logger, "shardd.migration.blockers.recovered", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metrics.init_failure", "metric", name, "error", err)
}

func (m *blockerMetrics) readBlocked(tenant string) {
	if m == nil || m.readsBlocked == nil {
		return
	}
	m.readsBlocked.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tenant", tenant)))
}

func (m *blockerMetrics) committed(tenant string) {
	if m == nil || m.commits == nil {
		return
	}
	m.commits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tenant", tenant)))
}

func (m *blockerMetrics) aborted(tenant string) {
	if m == nil || m.aborts == nil {
		return
	}
	m.aborts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tenant", tenant)))
}

func (m *blockerMetrics) blockerRecovered(state string) {
	if m == nil || m.recovered == nil {
		return
	}
	m.recovered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state)))
}
