// Package metrics collects and exposes chiseld observability data.
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (dispatch counters + per-path stats
//     + a minute-bucket time series) backing the lightweight JSON
//     endpoint on the control plane.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// RecordDispatch sits on the request hot path: it uses atomic counters
// for the global tallies and hands the time-series update to a worker
// goroutine over a buffered channel, so no lock is held while a request
// completes. The per-path sync.Map is read-heavy and written once per
// newly-seen path.
//
// Invariants:
//   - TotalDispatches == SuccessDispatches + FailedDispatches.
//   - The time-series ring holds at most tsBucketCount minute buckets.
//   - Events that would block the time-series channel are dropped and
//     counted in tsDropped rather than stalling a dispatch.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	tsBucketDuration = time.Minute
	tsBucketCount    = 24 * 60
)

const maxInt64 = int64(^uint64(0) >> 1)

// tsBucket accumulates dispatch outcomes for one minute.
type tsBucket struct {
	Timestamp  time.Time
	Dispatches int64
	Errors     int64
	TotalMs    int64
}

type tsEvent struct {
	durationMs int64
	isError    bool
}

// PathMetrics tracks dispatch outcomes for a single endpoint path.
type PathMetrics struct {
	Dispatches atomic.Int64
	Successes  atomic.Int64
	Failures   atomic.Int64
	TotalMs    atomic.Int64
	MinMs      atomic.Int64
	MaxMs      atomic.Int64
}

// Metrics is the in-process store behind the control plane's JSON
// metrics endpoint.
type Metrics struct {
	TotalDispatches   atomic.Int64
	SuccessDispatches atomic.Int64
	FailedDispatches  atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	EndpointInstalls     atomic.Int64
	EndpointInstallFails atomic.Int64
	PolicyReloads        atomic.Int64
	RowsStreamed         atomic.Int64

	pathMetrics sync.Map // path -> *PathMetrics

	tsMu      sync.RWMutex
	ts        []*tsBucket
	tsChan    chan tsEvent
	tsDropped atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(maxInt64)
	global.tsChan = make(chan tsEvent, 8192)
	global.resetTimeSeries(time.Now())
	go global.timeSeriesLoop()
}

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordDispatch records one endpoint dispatch outcome, in both the
// in-process store and the Prometheus registry.
func (m *Metrics) RecordDispatch(path string, durationMs int64, success bool) {
	m.TotalDispatches.Add(1)
	if success {
		m.SuccessDispatches.Add(1)
	} else {
		m.FailedDispatches.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	pm := m.pathMetricsFor(path)
	pm.Dispatches.Add(1)
	if success {
		pm.Successes.Add(1)
	} else {
		pm.Failures.Add(1)
	}
	pm.TotalMs.Add(durationMs)
	updateMin(&pm.MinMs, durationMs)
	updateMax(&pm.MaxMs, durationMs)

	select {
	case m.tsChan <- tsEvent{durationMs: durationMs, isError: !success}:
	default:
		m.tsDropped.Add(1)
	}

	RecordPrometheusDispatch(path, durationMs, success)
}

// RecordEndpointInstall records a define_endpoint outcome.
func (m *Metrics) RecordEndpointInstall(path string, version uint64, success bool) {
	if success {
		m.EndpointInstalls.Add(1)
	} else {
		m.EndpointInstallFails.Add(1)
	}
	RecordPrometheusEndpointInstall(path, version, success)
}

// RecordPolicyReload records a policy document load.
func (m *Metrics) RecordPolicyReload(success bool) {
	if success {
		m.PolicyReloads.Add(1)
	}
	RecordPrometheusPolicyReload(success)
}

// RecordRowStreamed records one row yielded through query_next.
func (m *Metrics) RecordRowStreamed(typeName string) {
	m.RowsStreamed.Add(1)
	RecordPrometheusRowStreamed(typeName)
}

func (m *Metrics) pathMetricsFor(path string) *PathMetrics {
	if v, ok := m.pathMetrics.Load(path); ok {
		return v.(*PathMetrics)
	}
	pm := &PathMetrics{}
	pm.MinMs.Store(maxInt64)
	actual, _ := m.pathMetrics.LoadOrStore(path, pm)
	return actual.(*PathMetrics)
}

func (m *Metrics) resetTimeSeries(now time.Time) {
	now = now.Truncate(tsBucketDuration)
	m.tsMu.Lock()
	defer m.tsMu.Unlock()
	m.ts = make([]*tsBucket, tsBucketCount)
	for i := range m.ts {
		m.ts[i] = &tsBucket{Timestamp: now.Add(time.Duration(i-(tsBucketCount-1)) * tsBucketDuration)}
	}
}

func (m *Metrics) timeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt)
	}
}

func (m *Metrics) applyTimeSeriesEvent(evt tsEvent) {
	m.tsMu.Lock()
	defer m.tsMu.Unlock()

	now := time.Now().Truncate(tsBucketDuration)
	last := m.ts[len(m.ts)-1]
	if gap := int(now.Sub(last.Timestamp) / tsBucketDuration); gap > 0 {
		if gap >= tsBucketCount {
			m.ts = m.ts[:0]
			for i := 0; i < tsBucketCount; i++ {
				m.ts = append(m.ts, &tsBucket{Timestamp: now.Add(time.Duration(i-(tsBucketCount-1)) * tsBucketDuration)})
			}
		} else {
			m.ts = m.ts[gap:]
			for i := 0; i < gap; i++ {
				m.ts = append(m.ts, &tsBucket{Timestamp: last.Timestamp.Add(time.Duration(i+1) * tsBucketDuration)})
			}
		}
	}

	bucket := m.ts[len(m.ts)-1]
	bucket.Dispatches++
	bucket.TotalMs += evt.durationMs
	if evt.isError {
		bucket.Errors++
	}
}

// Snapshot returns a point-in-time view of the global counters.
func (m *Metrics) Snapshot() map[string]any {
	total := m.TotalDispatches.Load()
	avg := float64(0)
	if total > 0 {
		avg = float64(m.TotalLatencyMs.Load()) / float64(total)
	}
	min := m.MinLatencyMs.Load()
	if min == maxInt64 {
		min = 0
	}

	return map[string]any{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"dispatches": map[string]any{
			"total":   total,
			"success": m.SuccessDispatches.Load(),
			"failed":  m.FailedDispatches.Load(),
		},
		"latency_ms": map[string]any{
			"avg": avg,
			"min": min,
			"max": m.MaxLatencyMs.Load(),
		},
		"endpoints": map[string]any{
			"installs":        m.EndpointInstalls.Load(),
			"install_failures": m.EndpointInstallFails.Load(),
		},
		"policy_reloads":    m.PolicyReloads.Load(),
		"rows_streamed":     m.RowsStreamed.Load(),
		"ts_dropped_events": m.tsDropped.Load(),
	}
}

// PathStats returns per-path dispatch statistics.
func (m *Metrics) PathStats() map[string]any {
	result := make(map[string]any)
	m.pathMetrics.Range(func(key, value any) bool {
		path := key.(string)
		pm := value.(*PathMetrics)

		total := pm.Dispatches.Load()
		avg := float64(0)
		if total > 0 {
			avg = float64(pm.TotalMs.Load()) / float64(total)
		}
		min := pm.MinMs.Load()
		if min == maxInt64 {
			min = 0
		}

		result[path] = map[string]any{
			"dispatches": total,
			"successes":  pm.Successes.Load(),
			"failures":   pm.Failures.Load(),
			"avg_ms":     avg,
			"min_ms":     min,
			"max_ms":     pm.MaxMs.Load(),
		}
		return true
	})
	return result
}

// TimeSeries returns minute-level dispatch data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]any {
	m.tsMu.RLock()
	defer m.tsMu.RUnlock()

	result := make([]map[string]any, len(m.ts))
	for i, bucket := range m.ts {
		avg := float64(0)
		if bucket.Dispatches > 0 {
			avg = float64(bucket.TotalMs) / float64(bucket.Dispatches)
		}
		result[i] = map[string]any{
			"timestamp":  bucket.Timestamp.Format(time.RFC3339),
			"dispatches": bucket.Dispatches,
			"errors":     bucket.Errors,
			"avg_ms":     avg,
		}
	}
	return result
}

// JSONHandler serves the in-process metrics as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["paths"] = m.PathStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeriesHandler serves the minute-bucket time series as JSON.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old || target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old || target.CompareAndSwap(old, value) {
			return
		}
	}
}
