// Package metrics provides pipeline metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for
// component operations, the single-writer executor, state transitions,
// the upgrade keeper and the HTTP surface.
package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

// Collector provides pipeline metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Operation metrics
	operationTotal   *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec

	// Executor metrics
	executorWait prometheus.Histogram

	// Transition metrics
	transitions *prometheus.CounterVec
	pending     *prometheus.GaugeVec

	// Keeper metrics
	keeperRuns     prometheus.Counter
	keeperExecuted *prometheus.CounterVec
	keeperLatency  prometheus.Histogram

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	uptime    prometheus.Gauge
	startTime time.Time

	mu sync.RWMutex
}

// NewCollector creates a new pipeline metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "kernel"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.operationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "total",
			Help:      "Total number of pipeline operations by outcome",
		},
		[]string{"component", "operation", "result"},
	)

	c.operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "duration_seconds",
			Help:      "Time taken by pipeline operations",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"component", "operation"},
	)

	c.executorWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the single-writer permit",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "transitions_total",
			Help:      "Total number of emitted transition events",
		},
		[]string{"component", "type", "severity"},
	)

	c.pending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "pending",
			Help:      "Entities waiting in a non-terminal state (proposals, upgrades)",
		},
		[]string{"kind"},
	)

	c.keeperRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "runs_total",
			Help:      "Total number of keeper sweeps",
		},
	)

	c.keeperExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "upgrades_total",
			Help:      "Upgrades processed by the keeper by outcome",
		},
		[]string{"result"},
	)

	c.keeperLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "duration_seconds",
			Help:      "Time taken by one keeper sweep",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	c.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	c.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)

	c.registry.MustRegister(
		c.operationTotal,
		c.operationLatency,
		c.executorWait,
		c.transitions,
		c.pending,
		c.keeperRuns,
		c.keeperExecuted,
		c.keeperLatency,
		c.httpRequests,
		c.httpLatency,
		c.uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordOperation records one component operation. Failures are labelled
// with the error kind.
func (c *Collector) RecordOperation(component, operation string, duration time.Duration, err error) {
	c.operationTotal.WithLabelValues(component, operation, resultOf(err)).Inc()
	c.operationLatency.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordExecutorWait records time spent acquiring the writer permit.
func (c *Collector) RecordExecutorWait(duration time.Duration) {
	c.executorWait.Observe(duration.Seconds())
}

// RecordTransition counts an emitted event.
func (c *Collector) RecordTransition(component, eventType, severity string) {
	c.transitions.WithLabelValues(component, eventType, severity).Inc()
}

// RecordPending sets the number of entities waiting in a non-terminal state.
func (c *Collector) RecordPending(kind string, count int) {
	c.pending.WithLabelValues(kind).Set(float64(count))
}

// RecordKeeperRun records one keeper sweep.
func (c *Collector) RecordKeeperRun(duration time.Duration, executed, failed int) {
	c.keeperRuns.Inc()
	c.keeperLatency.Observe(duration.Seconds())
	c.keeperExecuted.WithLabelValues("success").Add(float64(executed))
	c.keeperExecuted.WithLabelValues("error").Add(float64(failed))
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(route, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// UpdateUptime updates the uptime metric.
func (c *Collector) UpdateUptime() {
	c.mu.RLock()
	start := c.startTime
	c.mu.RUnlock()
	c.uptime.Set(time.Since(start).Seconds())
}

// Reset resets gauges.
func (c *Collector) Reset() {
	c.pending.Reset()
	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()
}

// Emit lets the collector act as an event sink counting transitions.
func (c *Collector) Emit(_ context.Context, event events.Event) {
	c.RecordTransition(event.Component, string(event.Type), string(event.Severity))
}

func resultOf(err error) string {
	if err == nil {
		return "success"
	}
	if kind := core.KindOf(err); kind != core.KindUnknown {
		return kind.String()
	}
	return "error"
}

// NoOpCollector is a metrics collector that discards all metrics.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op metrics collector.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordOperation(component, operation string, d time.Duration, err error) {}
func (*NoOpCollector) RecordExecutorWait(d time.Duration)                                      {}
func (*NoOpCollector) RecordTransition(component, eventType, severity string)                  {}
func (*NoOpCollector) RecordPending(kind string, count int)                                    {}
func (*NoOpCollector) RecordKeeperRun(d time.Duration, executed, failed int)                   {}
func (*NoOpCollector) RecordHTTPRequest(route, method string, status int, d time.Duration)     {}
func (*NoOpCollector) UpdateUptime()                                                           {}
func (*NoOpCollector) Reset()                                                                  {}

// MetricsCollector is the interface for pipeline metrics collection.
type MetricsCollector interface {
	RecordOperation(component, operation string, duration time.Duration, err error)
	RecordExecutorWait(duration time.Duration)
	RecordTransition(component, eventType, severity string)
	RecordPending(kind string, count int)
	RecordKeeperRun(duration time.Duration, executed, failed int)
	RecordHTTPRequest(route, method string, status int, duration time.Duration)
	UpdateUptime()
	Reset()
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = (*NoOpCollector)(nil)
	_ events.Sink      = (*Collector)(nil)
)
