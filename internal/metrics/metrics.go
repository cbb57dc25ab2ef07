// Package metrics collects and exposes daemon observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (process-wide counters). getStats
//     reads it through Snapshot; JSONHandler renders it as JSON.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// RecordEval/RecordDispatch are called once per bridge call and must be
// as fast as possible. They use atomic increments exclusively; no lock
// is held on the hot path.
//
// # Invariants
//
//   - EvalsTotal == EvalsSucceeded + EvalsFailed (maintained by RecordEval).
//   - IsolatesCreated - IsolatesHardDisposed - IsolatesEvicted == the
//     registry's entry count (active plus soft-disposed); Registry.MarkErrored
//     removes an entry without recording it here.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects daemon-wide runtime counters.
type Metrics struct {
	EvalsTotal     atomic.Int64
	EvalsSucceeded atomic.Int64
	EvalsFailed    atomic.Int64

	DispatchesTotal     atomic.Int64
	DispatchesSucceeded atomic.Int64
	DispatchesFailed    atomic.Int64

	TimeoutsTotal           atomic.Int64
	OutOfMemoryTotal        atomic.Int64
	CapacityExhaustedTotal  atomic.Int64
	NamespaceBusyTotal      atomic.Int64
	ModuleLoadErrorsTotal   atomic.Int64
	ProtocolErrorsTotal     atomic.Int64

	IsolatesCreated     atomic.Int64
	IsolatesReused      atomic.Int64
	IsolatesSoftDisposed atomic.Int64
	IsolatesHardDisposed atomic.Int64
	IsolatesEvicted     atomic.Int64

	StreamChunksProduced atomic.Int64
	StreamChunksConsumed atomic.Int64
	StreamsCancelled     atomic.Int64

	ActiveConnections atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
}

// Global returns the process-wide metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics subsystem (and, by extension, the
// daemon) started.
func StartTime() time.Time { return global.startTime }

// RecordEval records the outcome of one eval call.
func (m *Metrics) RecordEval(durationMs int64, success bool, errKind string) {
	m.EvalsTotal.Add(1)
	if success {
		m.EvalsSucceeded.Add(1)
	} else {
		m.EvalsFailed.Add(1)
	}
	m.observeLatency(durationMs)
	m.recordErrorKind(errKind)
	RecordPrometheusEval(durationMs, success, errKind)
}

// RecordDispatch records the outcome of one dispatchRequest call.
func (m *Metrics) RecordDispatch(durationMs int64, success bool, errKind string) {
	m.DispatchesTotal.Add(1)
	if success {
		m.DispatchesSucceeded.Add(1)
	} else {
		m.DispatchesFailed.Add(1)
	}
	m.observeLatency(durationMs)
	m.recordErrorKind(errKind)
	RecordPrometheusDispatch(durationMs, success, errKind)
}

func (m *Metrics) observeLatency(durationMs int64) {
	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)
}

func (m *Metrics) recordErrorKind(kind string) {
	switch kind {
	case "Timeout":
		m.TimeoutsTotal.Add(1)
	case "OutOfMemory":
		m.OutOfMemoryTotal.Add(1)
	case "CapacityExhausted":
		m.CapacityExhaustedTotal.Add(1)
	case "NamespaceBusy":
		m.NamespaceBusyTotal.Add(1)
	case "ModuleLoad":
		m.ModuleLoadErrorsTotal.Add(1)
	case "Protocol":
		m.ProtocolErrorsTotal.Add(1)
	}
}

// RecordIsolateCreated records a fresh isolate creation (reused=false).
func (m *Metrics) RecordIsolateCreated() {
	m.IsolatesCreated.Add(1)
	RecordPrometheusIsolateCreated()
}

// RecordIsolateReused records a namespace reuse hit.
func (m *Metrics) RecordIsolateReused() {
	m.IsolatesReused.Add(1)
	RecordPrometheusIsolateReused()
}

// RecordIsolateSoftDisposed records a namespaced dispose (kept for reuse).
func (m *Metrics) RecordIsolateSoftDisposed() {
	m.IsolatesSoftDisposed.Add(1)
}

// RecordIsolateHardDisposed records a hard dispose (id not reusable).
func (m *Metrics) RecordIsolateHardDisposed() {
	m.IsolatesHardDisposed.Add(1)
}

// RecordIsolateEvicted records an LRU eviction of a disposed namespace entry.
func (m *Metrics) RecordIsolateEvicted() {
	m.IsolatesEvicted.Add(1)
	RecordPrometheusIsolateEvicted()
}

// RecordStreamChunk records one chunk crossing a stream handle.
func (m *Metrics) RecordStreamChunk(produced bool) {
	if produced {
		m.StreamChunksProduced.Add(1)
		RecordPrometheusStreamChunk()
	} else {
		m.StreamChunksConsumed.Add(1)
	}
}

// RecordStreamCancel records a stream cancellation.
func (m *Metrics) RecordStreamCancel() {
	m.StreamsCancelled.Add(1)
}

// IncActiveConnections/DecActiveConnections track live bridge sessions.
func (m *Metrics) IncActiveConnections() {
	m.ActiveConnections.Add(1)
	RecordPrometheusActiveConnections(m.ActiveConnections.Load())
}

func (m *Metrics) DecActiveConnections() {
	v := m.ActiveConnections.Add(-1)
	RecordPrometheusActiveConnections(v)
}

// Stats is the getStats bridge-call payload shape (spec §6).
type Stats struct {
	TotalIsolatesCreated   int64 `json:"totalIsolatesCreated"`
	TotalRequestsProcessed int64 `json:"totalRequestsProcessed"`
	ActiveConnections      int64 `json:"activeConnections"`
}

// Snapshot returns the getStats payload.
func (m *Metrics) Snapshot() Stats {
	return Stats{
		TotalIsolatesCreated:   m.IsolatesCreated.Load(),
		TotalRequestsProcessed: m.EvalsTotal.Load() + m.DispatchesTotal.Load(),
		ActiveConnections:      m.ActiveConnections.Load(),
	}
}

// JSONHandler exposes Snapshot() plus latency summary as JSON, for local
// operator inspection alongside the Prometheus scrape endpoint.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		total := m.EvalsTotal.Load() + m.DispatchesTotal.Load()
		avg := float64(0)
		if total > 0 {
			avg = float64(m.TotalLatencyMs.Load()) / float64(total)
		}
		minLatency := m.MinLatencyMs.Load()
		if minLatency == int64(^uint64(0)>>1) {
			minLatency = 0
		}
		json.NewEncoder(w).Encode(map[string]any{
			"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
			"stats":          m.Snapshot(),
			"latency_ms":     map[string]any{"avg": avg, "min": minLatency, "max": m.MaxLatencyMs.Load()},
		})
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
