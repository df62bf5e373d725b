// Package metrics exports Prometheus instrumentation for trigger dispatch
// and bulk operations. Collectors register on the default registry at init;
// serving them is the embedding application's job (mount promhttp wherever
// its router lives).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	triggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulktrigger",
			Name:      "triggers_executed_total",
			Help:      "Total number of trigger handler invocations.",
		},
		[]string{"model", "event"},
	)

	triggerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulktrigger",
			Name:      "trigger_failures_total",
			Help:      "Total number of trigger handler invocations that returned an error.",
		},
		[]string{"model", "event"},
	)

	triggerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bulktrigger",
			Name:      "trigger_duration_seconds",
			Help:      "Trigger handler execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model", "event"},
	)

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulktrigger",
			Name:      "operations_total",
			Help:      "Total number of bulk operations by outcome.",
		},
		[]string{"model", "op", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bulktrigger",
			Name:      "operation_duration_seconds",
			Help:      "End-to-end bulk operation time in seconds, triggers included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model", "op"},
	)

	recordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bulktrigger",
			Name:      "records_processed_total",
			Help:      "Total number of records written by bulk operations.",
		},
		[]string{"model", "op"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bulktrigger",
			Name:      "circuit_breaker_state",
			Help:      "Trigger circuit breaker state: 0 closed, 1 open, 2 half-open.",
		},
	)

	asyncQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bulktrigger",
			Name:      "async_queue_depth",
			Help:      "Number of trigger jobs waiting in the async executor queue.",
		},
	)

	asyncDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bulktrigger",
			Name:      "async_dropped_total",
			Help:      "Total number of trigger jobs dropped because the async queue was full.",
		},
	)
)

// ObserveTrigger records one handler invocation.
func ObserveTrigger(model, event string, d time.Duration, err error) {
	triggersTotal.WithLabelValues(model, event).Inc()
	triggerDuration.WithLabelValues(model, event).Observe(d.Seconds())
	if err != nil {
		triggerFailures.WithLabelValues(model, event).Inc()
	}
}

// ObserveOperation records one completed bulk operation.
func ObserveOperation(model, op string, records int, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(model, op, status).Inc()
	operationDuration.WithLabelValues(model, op).Observe(d.Seconds())
	if err == nil {
		recordsProcessed.WithLabelValues(model, op).Add(float64(records))
	}
}

// SetBreakerState publishes the trigger circuit breaker state.
func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

// SetAsyncQueueDepth publishes the async executor's current backlog.
func SetAsyncQueueDepth(n int) {
	asyncQueueDepth.Set(float64(n))
}

// AsyncJobDropped counts a trigger job rejected by a full async queue.
func AsyncJobDropped() {
	asyncDropped.Inc()
}
