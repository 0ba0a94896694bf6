package router

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/shardd/api"
)

// Metrics is the process-wide transaction counter set shared by every
// session's router. The readable counters are atomics so server status and
// tests observe them directly; otel mirrors feed the scrape endpoint. It
// is passed to each router explicitly so tests supply fresh instances.
type Metrics struct {
	totalStarted               atomic.Int64
	totalCommitted             atomic.Int64
	totalAborted               atomic.Int64
	totalContactedParticipants atomic.Int64
	totalParticipantsAtCommit  atomic.Int64
	totalRequestsTargeted      atomic.Int64

	commitTypes map[CommitType]*commitTypeStats

	otelStarted   metric.Int64Counter
	otelEnded     metric.Int64Counter
	otelTargeted  metric.Int64Counter
	otelCommitted metric.Int64Counter
	otelDuration  metric.Int64Histogram
}

type commitTypeStats struct {
	initiated                atomic.Int64
	successful               atomic.Int64
	successfulDurationMicros atomic.Int64
}

// NewMetrics constructs a metrics set registered on the global meter.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("pkt.systems/shardd/router")
	m := &Metrics{commitTypes: make(map[CommitType]*commitTypeStats, len(commitTypes))}
	for _, ct := range commitTypes {
		m.commitTypes[ct] = &commitTypeStats{}
	}
	var err error

	m.otelStarted, err = meter.Int64Counter(
		"shardd.txn.started",
		metric.WithDescription("Cross-shard transactions started"),
	)
	logMetricInitError(logger, "shardd.txn.started", err)

	m.otelEnded, err = meter.Int64Counter(
		"shardd.txn.ended",
		metric.WithDescription("Cross-shard transactions reaching a terminal outcome"),
	)
	logMetricInitError(logger, "shardd.txn.ended", err)

	m.otelTargeted, err = meter.Int64Counter(
		"shardd.txn.requests.targeted",
		metric.WithDescription("Participant targeting events inside transactions"),
	)
	logMetricInitError(logger, "shardd.txn.requests.targeted", err)

	m.otelCommitted, err = meter.Int64Counter(
		"shardd.txn.commit.initiated",
		metric.WithDescription("Commits initiated by commit type, once per transaction"),
	)
	logMetricInitError(logger, "shardd.txn.commit.initiated", err)

	m.otelDuration, err = meter.Int64Histogram(
		"shardd.txn.commit.duration_us",
		metric.WithDescription("Successful commit duration by commit type"),
		metric.WithUnit("us"),
	)
	logMetricInitError(logger, "shardd.txn.commit.duration_us", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("metrics.init_failure", "metric", name, "error", err)
}

func (m *Metrics) transactionStarted() {
	m.totalStarted.Add(1)
	if m.otelStarted != nil {
		m.otelStarted.Add(context.Background(), 1)
	}
}

func (m *Metrics) transactionCommitted() {
	m.totalCommitted.Add(1)
	if m.otelEnded != nil {
		m.otelEnded.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "committed")))
	}
}

func (m *Metrics) transactionAborted() {
	m.totalAborted.Add(1)
	if m.otelEnded != nil {
		m.otelEnded.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", "aborted")))
	}
}

func (m *Metrics) participantContacted() {
	m.totalContactedParticipants.Add(1)
}

func (m *Metrics) requestTargeted() {
	m.totalRequestsTargeted.Add(1)
	if m.otelTargeted != nil {
		m.otelTargeted.Add(context.Background(), 1)
	}
}

func (m *Metrics) commitInitiated(ct CommitType, participants int) {
	m.commitTypes[ct].initiated.Add(1)
	m.totalParticipantsAtCommit.Add(int64(participants))
	if m.otelCommitted != nil {
		m.otelCommitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("commit_type", ct.String())))
	}
}

func (m *Metrics) commitSuccessful(ct CommitType, d time.Duration) {
	stats := m.commitTypes[ct]
	stats.successful.Add(1)
	stats.successfulDurationMicros.Add(d.Microseconds())
	if m.otelDuration != nil {
		m.otelDuration.Record(context.Background(), d.Microseconds(),
			metric.WithAttributes(attribute.String("commit_type", ct.String())))
	}
}

// Snapshot returns the readable counter values for server status.
func (m *Metrics) Snapshot() api.RouterTxnStats {
	out := api.RouterTxnStats{
		TotalStarted:               m.totalStarted.Load(),
		TotalCommitted:             m.totalCommitted.Load(),
		TotalAborted:               m.totalAborted.Load(),
		TotalContactedParticipants: m.totalContactedParticipants.Load(),
		TotalParticipantsAtCommit:  m.totalParticipantsAtCommit.Load(),
		TotalRequestsTargeted:      m.totalRequestsTargeted.Load(),
		CommitTypes:                make(map[string]api.CommitTypeStats, len(m.commitTypes)),
	}
	for ct, stats := range m.commitTypes {
		out.CommitTypes[ct.String()] = api.CommitTypeStats{
			Initiated:            stats.initiated.Load(),
			Successful:           stats.successful.Load(),
			SuccessfulDurationUS: stats.successfulDurationMicros.Load(),
		}
	}
	return out
}

// Readable accessors used by tests and server status helpers.

func (m *Metrics) TotalStarted() int64               { return m.totalStarted.Load() }
func (m *Metrics) TotalCommitted() int64             { return m.totalCommitted.Load() }
func (m *Metrics) TotalAborted() int64               { return m.totalAborted.Load() }
func (m *Metrics) TotalContactedParticipants() int64 { return m.totalContactedParticipants.Load() }
func (m *Metrics) TotalParticipantsAtCommit() int64  { return m.totalParticipantsAtCommit.Load() }
func (m *Metrics) TotalRequestsTargeted() int64      { return m.totalRequestsTargeted.Load() }

// CommitTypeInitiated returns the initiated count for one commit path.
func (m *Metrics) CommitTypeInitiated(ct CommitType) int64 {
	return m.commitTypes[ct].initiated.Load()
}

// CommitTypeSuccessful returns the successful count for one commit path.
func (m *Metrics) CommitTypeSuccessful(ct CommitType) int64 {
	return m.commitTypes[ct].successful.Load()
}
