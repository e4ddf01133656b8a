package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric definitions for the verification engine

var (
	callsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vce",
			Subsystem: "call",
			Name:      "initiated_total",
			Help:      "Total number of verification calls initiated",
		},
		[]string{"mode"},
	)

	callsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vce",
			Subsystem: "call",
			Name:      "completed_total",
			Help:      "Total number of verification calls completed",
		},
		[]string{"outcome"},
	)

	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vce",
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Verification call duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
		},
		[]string{"outcome"},
	)

	callsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vce",
			Subsystem: "call",
			Name:      "failed_total",
			Help:      "Total number of call attempts that failed before connecting",
		},
		[]string{"reason"},
	)

	duplicateEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vce",
			Subsystem: "call",
			Name:      "duplicate_events_total",
			Help:      "Provider events absorbed by duplicate detection",
		},
	)

	activeCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vce",
			Subsystem: "monitor",
			Name:      "active_calls",
			Help:      "Number of calls currently monitored",
		},
	)

	monitorEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vce",
			Subsystem: "monitor",
			Name:      "events_published_total",
			Help:      "Status events published to the call monitor bus",
		},
	)

	monitorEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vce",
			Subsystem: "monitor",
			Name:      "events_dropped_total",
			Help:      "Status events dropped for slow subscribers",
		},
	)
)

// metricsCollector bridges the service-layer metric interfaces onto the
// prometheus collectors above.
type metricsCollector struct{}

func (metricsCollector) RecordCallInitiated(mode string) {
	callsInitiated.WithLabelValues(mode).Inc()
}

func (metricsCollector) RecordCallCompleted(outcome string, duration time.Duration) {
	callsCompleted.WithLabelValues(outcome).Inc()
	callDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (metricsCollector) RecordCallFailed(reason string) {
	callsFailed.WithLabelValues(reason).Inc()
}

func (metricsCollector) RecordDuplicateEvent() {
	duplicateEvents.Inc()
}

func (metricsCollector) RecordEventPublished() {
	monitorEventsPublished.Inc()
}

func (metricsCollector) RecordEventDropped() {
	monitorEventsDropped.Inc()
}

func (metricsCollector) SetActiveCalls(n int) {
	activeCalls.Set(float64(n))
}
