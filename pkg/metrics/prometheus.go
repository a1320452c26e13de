package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry with every ledger metric. All methods are
// safe to call on a nil *Collector, which records nothing.
type Collector struct {
	registry *prometheus.Registry

	commands          *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	eventsAppended    *prometheus.CounterVec
	conflicts         *prometheus.CounterVec
	integrityFaults   *prometheus.CounterVec
	thresholdMarkers  *prometheus.CounterVec
	snapshotsSaved    *prometheus.CounterVec
	snapshotsFailed   *prometheus.CounterVec
	snapshotFallbacks *prometheus.CounterVec
	sagas             *prometheus.CounterVec
	projectedRows     prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_commands_total",
			Help: "Ledger commands handled, by command and outcome",
		}, []string{"command", "outcome"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_command_duration_seconds",
			Help:    "Time taken to load, handle and persist a command",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		eventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_appended_total",
			Help: "Events appended to the event log",
		}, []string{"aggregate_type", "event_type"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_concurrency_conflicts_total",
			Help: "Appends rejected because the stream moved on",
		}, []string{"aggregate_type"}),
		integrityFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_integrity_faults_total",
			Help: "Aggregate reconstructions aborted by a corrupt event",
		}, []string{"aggregate_type"}),
		thresholdMarkers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_threshold_markers_total",
			Help: "Threshold markers recorded",
		}, []string{"aggregate_type"}),
		snapshotsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_snapshots_saved_total",
			Help: "Snapshots persisted",
		}, []string{"aggregate_type"}),
		snapshotsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_snapshot_failures_total",
			Help: "Scheduled snapshots that could not be persisted",
		}, []string{"aggregate_type"}),
		snapshotFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_snapshot_fallbacks_total",
			Help: "Loads that ignored an unusable snapshot and replayed the full stream",
		}, []string{"aggregate_type"}),
		sagas: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transfer_sagas_total",
			Help: "Transfer sagas by final outcome",
		}, []string{"outcome"}),
		projectedRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_projected_transactions_total",
			Help: "Transaction history rows written by the projector",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Collector) ObserveCommand(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Collector) EventAppended(aggregateType, eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(aggregateType, eventType).Inc()
}

func (m *Collector) ConcurrencyConflict(aggregateType string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(aggregateType).Inc()
}

func (m *Collector) IntegrityFault(aggregateType string) {
	if m == nil {
		return
	}
	m.integrityFaults.WithLabelValues(aggregateType).Inc()
}

func (m *Collector) ThresholdReached(aggregateType string) {
	if m == nil {
		return
	}
	m.thresholdMarkers.WithLabelValues(aggregateType).Inc()
}

func (m *Collector) SnapshotSaved(aggregateType string) {
	if m == nil {
		return
	}
	m.snapshotsSaved.WithLabelValues(aggregateType).Inc()
}

func (m *Collector) SnapshotFailed(aggregateType string) {
	if m == nil {
		return
	}
	m.snapshotsFailed.WithLabelValues(aggregateType).Inc()
}

func (m *Collector) SnapshotFallback(aggregateType string) {
	if m == nil {
		return
	}
	m.snapshotFallbacks.WithLabelValues(aggregateType).Inc()
}

func (m *Collector) SagaFinished(outcome string) {
	if m == nil {
		return
	}
	m.sagas.WithLabelValues(outcome).Inc()
}

func (m *Collector) TransactionsProjected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.projectedRows.Add(float64(n))
}

func (m *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, httpStatus(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler exposes the private registry.
func (m *Collector) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Collector) Registry() *prometheus.Registry {
	return m.registry
}

func httpStatus(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
