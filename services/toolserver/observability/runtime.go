// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides request accounting, Prometheus collectors
// and OpenTelemetry setup for the tool server.
//
// # Description
//
// Three layers, all owned by the Service and injected into the components
// that record into them:
//
//   - RuntimeMetrics: the JSON document served at /metrics. Counters and
//     latency totals behind one mutex so a snapshot is never torn.
//   - Collectors: Prometheus counters and histograms on an injectable
//     registry, served at /metrics/prometheus.
//   - Telemetry: OpenTelemetry tracer and meter providers.
//
// # Thread Safety
//
// Every exported method is safe for concurrent use.
package observability

import (
	"sync"
	"time"
)

// RPCStats is the rpc section of a metrics snapshot.
type RPCStats struct {
	RequestsTotal int64            `json:"requests_total"`
	ErrorsTotal   int64            `json:"errors_total"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	ByMethod      map[string]int64 `json:"by_method"`
	ByTool        map[string]int64 `json:"by_tool"`
}

// Snapshot is the document returned by GET /metrics.
type Snapshot struct {
	RPC       RPCStats `json:"rpc"`
	UptimeSec float64  `json:"uptime_sec"`
}

// Recorder receives every request record. Collectors and Instruments
// implement it.
type Recorder interface {
	RecordRequest(method, tool string, d time.Duration, ok bool)
}

// RuntimeMetrics accumulates per-request counters for the process.
type RuntimeMetrics struct {
	mu             sync.Mutex
	requests       int64
	errors         int64
	totalLatencyMs float64
	byMethod       map[string]int64
	byTool         map[string]int64

	started   time.Time
	now       func() time.Time
	recorders []Recorder
}

// RuntimeOption configures RuntimeMetrics.
type RuntimeOption func(*RuntimeMetrics)

// WithRuntimeClock overrides the clock used for uptime.
func WithRuntimeClock(now func() time.Time) RuntimeOption {
	return func(m *RuntimeMetrics) { m.now = now }
}

// WithRecorders mirrors every record into the given recorders.
func WithRecorders(recorders ...Recorder) RuntimeOption {
	return func(m *RuntimeMetrics) {
		for _, r := range recorders {
			if r != nil {
				m.recorders = append(m.recorders, r)
			}
		}
	}
}

// NewRuntimeMetrics starts the uptime clock and returns empty counters.
func NewRuntimeMetrics(opts ...RuntimeOption) *RuntimeMetrics {
	m := &RuntimeMetrics{
		byMethod: make(map[string]int64),
		byTool:   make(map[string]int64),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

// Record accounts for one finished request.
//
// # Inputs
//
//   - method: JSON-RPC method, or the HTTP route for rejected requests.
//   - tool: Tool name for tools/call; empty otherwise.
//   - d: Wall time spent on the request.
//   - ok: False when the request produced a protocol error.
func (m *RuntimeMetrics) Record(method, tool string, d time.Duration, ok bool) {
	m.mu.Lock()
	m.requests++
	if !ok {
		m.errors++
	}
	m.totalLatencyMs += float64(d) / float64(time.Millisecond)
	m.byMethod[method]++
	if tool != "" {
		m.byTool[tool]++
	}
	m.mu.Unlock()

	for _, r := range m.recorders {
		r.RecordRequest(method, tool, d, ok)
	}
}

// Snapshot copies the counters under the lock.
func (m *RuntimeMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := RPCStats{
		RequestsTotal: m.requests,
		ErrorsTotal:   m.errors,
		ByMethod:      make(map[string]int64, len(m.byMethod)),
		ByTool:        make(map[string]int64, len(m.byTool)),
	}
	if m.requests > 0 {
		stats.AvgLatencyMs = round2(m.totalLatencyMs / float64(m.requests))
	}
	for k, v := range m.byMethod {
		stats.ByMethod[k] = v
	}
	for k, v := range m.byTool {
		stats.ByTool[k] = v
	}
	return Snapshot{
		RPC:       stats,
		UptimeSec: round2(m.now().Sub(m.started).Seconds()),
	}
}

// Uptime returns the time since construction.
func (m *RuntimeMetrics) Uptime() time.Duration {
	return m.now().Sub(m.started)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
