// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "analyst"

// Collectors holds the Prometheus metrics of the tool server.
//
// # Description
//
// Created once per Service with NewCollectors against an injected
// registry. Tests pass prometheus.NewRegistry() so instances never collide.
//
// # Fields
//
//   - RequestsTotal: JSON-RPC requests by method and outcome (ok, error).
//   - RequestDuration: request latency by method.
//   - ToolCallsTotal: tool results by tool and ledger status.
//   - LedgerAppendsTotal: ledger appends by backend and outcome.
//   - LedgerAppendDuration: append latency, retries included.
//   - LedgerPersistFailuresTotal: appends that exhausted retries. Each one
//     is a session mutation the durable history does not contain.
//   - SessionsActive: sessions currently held in memory.
//   - SessionEvictionsTotal: evictions by reason (ttl, explicit).
//   - JobsTotal: async job transitions by state.
//
// # Thread Safety
//
// All operations are thread-safe.
type Collectors struct {
	RequestsTotal              *prometheus.CounterVec
	RequestDuration            *prometheus.HistogramVec
	ToolCallsTotal             *prometheus.CounterVec
	LedgerAppendsTotal         *prometheus.CounterVec
	LedgerAppendDuration       *prometheus.HistogramVec
	LedgerPersistFailuresTotal prometheus.Counter
	SessionsActive             prometheus.Gauge
	SessionEvictionsTotal      *prometheus.CounterVec
	JobsTotal                  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollectors creates and registers every collector.
//
// # Inputs
//
//   - reg: Registry to register into. nil means a fresh private registry.
//
// # Outputs
//
//   - *Collectors: Ready to record.
//
// # Limitations
//
//   - Panics when the same registry already holds these metrics, like any
//     promauto registration.
func NewCollectors(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Collectors{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "JSON-RPC request latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method"},
		),

		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "tool",
				Name:      "calls_total",
				Help:      "Tool invocations by tool and result status",
			},
			[]string{"tool", "status"},
		),

		LedgerAppendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "appends_total",
				Help:      "Run ledger appends by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		LedgerAppendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "append_duration_seconds",
				Help:      "Run ledger append latency including retries",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"backend"},
		),

		LedgerPersistFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ledger_persist_failures_total",
				Help:      "Ledger appends that failed after retries; session state moved without a history entry",
			},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "state",
				Name:      "sessions_active",
				Help:      "Sessions currently held in memory",
			},
		),

		SessionEvictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "state",
				Name:      "session_evictions_total",
				Help:      "Session evictions by reason",
			},
			[]string{"reason"},
		),

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "jobs",
				Name:      "transitions_total",
				Help:      "Async job state transitions",
			},
			[]string{"state"},
		),

		gatherer: reg,
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest implements Recorder.
func (c *Collectors) RecordRequest(method, _ string, d time.Duration, ok bool) {
	c.RequestsTotal.WithLabelValues(method, outcome(ok)).Inc()
	c.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordToolStatus counts one tool result.
func (c *Collectors) RecordToolStatus(tool, status string) {
	c.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// ObserveLedgerAppend implements ledger.Observer.
func (c *Collectors) ObserveLedgerAppend(backend string, d time.Duration, err error) {
	c.LedgerAppendsTotal.WithLabelValues(backend, outcome(err == nil)).Inc()
	c.LedgerAppendDuration.WithLabelValues(backend).Observe(d.Seconds())
	if err != nil {
		c.LedgerPersistFailuresTotal.Inc()
	}
}

// SessionEvicted matches the state store eviction hook.
func (c *Collectors) SessionEvicted(_ string, reason string) {
	c.SessionEvictionsTotal.WithLabelValues(reason).Inc()
}

// SetActiveSessions records the current session count.
func (c *Collectors) SetActiveSessions(n int) {
	c.SessionsActive.Set(float64(n))
}

// RecordJob counts a job entering state.
func (c *Collectors) RecordJob(state string) {
	c.JobsTotal.WithLabelValues(state).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
