package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity per route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icopool",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icopool",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "icopool",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icopool",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// PoolMetrics wraps collectors tracking the escrow pool. It satisfies the
// pool's metrics hook and, through Emit, the event emitter interface.
type PoolMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	phase      *prometheus.GaugeVec
	events     *prometheus.CounterVec
	raised     prometheus.Gauge
	tokens     prometheus.Gauge
	released   *prometheus.CounterVec
}

// Pool exposes the process-wide pool metrics registered on the default
// registerer.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = NewPoolMetrics(prometheus.DefaultRegisterer)
	})
	return poolRegistry
}

// NewPoolMetrics builds and registers the pool collectors on reg.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	m := &PoolMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icopool",
			Subsystem: "pool",
			Name:      "operations_total",
			Help:      "Pool operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "icopool",
			Subsystem: "pool",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for pool operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "icopool",
			Subsystem: "pool",
			Name:      "phase",
			Help:      "Current lifecycle phase (1 for the active phase, 0 otherwise).",
		}, []string{"phase"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icopool",
			Subsystem: "pool",
			Name:      "events_total",
			Help:      "Count of emitted pool events segmented by type.",
		}, []string{"type"}),
		raised: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "icopool",
			Subsystem: "pool",
			Name:      "raised_wei",
			Help:      "Total ether contributed to the pool in wei.",
		}),
		tokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "icopool",
			Subsystem: "pool",
			Name:      "tokens_accepted",
			Help:      "Total tokens accepted from the ICO in base units.",
		}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icopool",
			Subsystem: "pool",
			Name:      "released_total",
			Help:      "Amounts paid out of the pool segmented by asset and kind.",
		}, []string{"asset", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.latency, m.phase, m.events, m.raised, m.tokens, m.released)
	}
	return m
}

// ObserveOperation records the outcome and latency of a pool operation.
func (m *PoolMetrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unspecified"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordPhase marks phase as the active one.
func (m *PoolMetrics) RecordPhase(phase string) {
	if m == nil {
		return
	}
	m.phase.Reset()
	m.phase.WithLabelValues(phase).Set(1)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}

func decimalToFloat(raw string) float64 {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return 0
	}
	return bigToFloat(value)
}
