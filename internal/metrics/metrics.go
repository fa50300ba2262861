package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the store method being instrumented.
type CacheOperation string

const (
	// CacheOperationGet records cache read calls.
	CacheOperationGet CacheOperation = "get"
	// CacheOperationPut records cache write attempts.
	CacheOperationPut CacheOperation = "put"
	// CacheOperationDelete records cache deletions, including eviction sweeps.
	CacheOperationDelete CacheOperation = "delete"
)

// CacheOutcome captures the result of a store operation.
type CacheOutcome string

const (
	// CacheHit indicates a read returned a live value.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates a read found nothing usable.
	CacheMiss CacheOutcome = "miss"
	// CacheOK indicates a write or delete completed.
	CacheOK CacheOutcome = "ok"
	// CacheError indicates the operation failed.
	CacheError CacheOutcome = "error"
)

// DrainOutcome labels the terminal state of one queued mutation during a drain.
type DrainOutcome string

const (
	// DrainConfirmed counts mutations replayed and acknowledged.
	DrainConfirmed DrainOutcome = "confirmed"
	// DrainStale counts mutations discarded because server state moved on.
	DrainStale DrainOutcome = "stale_discarded"
	// DrainFailed counts replays that failed and returned to pending.
	DrainFailed DrainOutcome = "failed"
	// DrainScopeMismatch counts mutations retained because their organization
	// scope no longer matches the active one.
	DrainScopeMismatch DrainOutcome = "scope_mismatch"
)

// Recorder publishes Prometheus metrics for cache and outbox activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	outboxPending  prometheus.Gauge
	drainOutcomes  *prometheus.CounterVec
	drainDurations prometheus.Histogram
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trailsync",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Local store operations executed by the sync layer.",
	}, []string{"backend", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trailsync",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for local store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"backend", "operation", "result"})

	outboxPending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailsync",
		Subsystem: "outbox",
		Name:      "pending_mutations",
		Help:      "Queued mutations awaiting replay.",
	})

	drainOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trailsync",
		Subsystem: "outbox",
		Name:      "drain_outcomes_total",
		Help:      "Terminal per-mutation outcomes observed during drains.",
	}, []string{"outcome"})

	drainDurations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trailsync",
		Subsystem: "outbox",
		Name:      "drain_duration_seconds",
		Help:      "Latency distribution for completed drains.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	reg.MustRegister(cacheOperations, cacheLatency, outboxPending, drainOutcomes, drainDurations)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		outboxPending:   outboxPending,
		drainOutcomes:   drainOutcomes,
		drainDurations:  drainDurations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCache records the result and latency of one store operation.
func (r *Recorder) ObserveCache(backend string, operation CacheOperation, result CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	backendLabel := normalizeLabel(backend)
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationGet)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheError)
	}
	r.cacheOperations.WithLabelValues(backendLabel, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(backendLabel, opLabel, resLabel).Observe(duration.Seconds())
}

// SetPending publishes the current outbox depth.
func (r *Recorder) SetPending(count int) {
	if r == nil {
		return
	}
	r.outboxPending.Set(float64(count))
}

// ObserveDrainOutcome counts one mutation's terminal state during a drain.
func (r *Recorder) ObserveDrainOutcome(outcome DrainOutcome) {
	if r == nil {
		return
	}
	label := string(outcome)
	if label == "" {
		label = string(DrainFailed)
	}
	r.drainOutcomes.WithLabelValues(label).Inc()
}

// ObserveDrain records the latency of a completed drain.
func (r *Recorder) ObserveDrain(duration time.Duration) {
	if r == nil {
		return
	}
	r.drainDurations.Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
