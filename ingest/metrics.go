package ingest

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "elysiactl"
	metricsSubsystem = "sync"
)

// Line results recorded on the lines counter. Malformed lines count as
// failed; the run summary carries the finer-grained split.
const (
	LineResultIndexed       = "indexed"
	LineResultSkippedPolicy = "skipped_policy"
	LineResultSkippedResume = "skipped_resume"
	LineResultFailed        = "failed"
)

// Metrics publishes pipeline counters to a Prometheus registry. All methods
// are safe on a nil receiver, so wiring metrics is optional everywhere.
type Metrics struct {
	mu      sync.RWMutex
	enabled bool

	lines              *prometheus.CounterVec
	batches            *prometheus.CounterVec
	retries            *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	bytesRead          prometheus.Counter
	embedFallbacks     prometheus.Counter
	flushDuration      *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec
}

// NewMetrics registers the pipeline metrics with reg. Passing nil uses the
// default registerer; tests pass their own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		enabled: true,
		lines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "lines_total",
			Help:      "Input lines by terminal result",
		}, []string{"result"}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batches_total",
			Help:      "Delivered batches by kind",
		}, []string{"kind"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "retries_total",
			Help:      "Retry attempts by failure category",
		}, []string{"category"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"breaker", "state"}),
		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "bytes_read_total",
			Help:      "Content bytes resolved for indexing",
		}),
		embedFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "embed_fallback_total",
			Help:      "Embeddings served by the deterministic fallback",
		}),
		flushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batch_flush_duration_ms",
			Help:      "Batch delivery duration in milliseconds, including retries",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"kind"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queue_depth",
			Help:      "Records buffered per shard worker",
		}, []string{"worker"}),
	}
}

// Disable stops recording without unregistering, for runs that want the
// pipeline but not the telemetry.
func (m *Metrics) Disable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
}

// Enable resumes recording.
func (m *Metrics) Enable() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
}

func (m *Metrics) on() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// AddLines records n lines reaching the given terminal result.
func (m *Metrics) AddLines(result string, n int) {
	if !m.on() || n == 0 {
		return
	}
	m.lines.WithLabelValues(result).Add(float64(n))
}

// ObserveBatch records one delivered batch and its flush duration.
func (m *Metrics) ObserveBatch(kind BatchKind, d time.Duration) {
	if !m.on() {
		return
	}
	m.batches.WithLabelValues(string(kind)).Inc()
	m.flushDuration.WithLabelValues(string(kind)).Observe(float64(d.Milliseconds()))
}

// IncRetry records one retry attempt for the category.
func (m *Metrics) IncRetry(cat Category) {
	if !m.on() {
		return
	}
	m.retries.WithLabelValues(string(cat)).Inc()
}

// RecordBreakerTransition records a circuit state change.
func (m *Metrics) RecordBreakerTransition(breaker, state string) {
	if !m.on() {
		return
	}
	m.breakerTransitions.WithLabelValues(breaker, state).Inc()
}

// AddBytesRead records resolved content bytes.
func (m *Metrics) AddBytesRead(n int) {
	if !m.on() || n == 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

// IncEmbedFallback records one embedding served by the fallback.
func (m *Metrics) IncEmbedFallback() {
	if !m.on() {
		return
	}
	m.embedFallbacks.Inc()
}

// SetQueueDepth records the channel backlog for one worker.
func (m *Metrics) SetQueueDepth(worker string, depth int) {
	if !m.on() {
		return
	}
	m.queueDepth.WithLabelValues(worker).Set(float64(depth))
}
