// Package monitor collects engine health: tick latency histograms, counters
// and an alert forwarder driven by the event bus.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EngineMetrics tracks reconciliation performance.
type EngineMetrics struct {
	// Latency histograms, one per periodic task plus the event log flush.
	OrderTickLatency  *LatencyHistogram
	CycleTickLatency  *LatencyHistogram
	ValidationLatency *LatencyHistogram
	FlushLatency      *LatencyHistogram

	orderTicks  uint64
	cycleTicks  uint64
	validations uint64
	errorsCount uint64
}

// LatencyHistogram tracks latency samples over a sliding window. Stats are
// computed lazily and cached until the next sample arrives.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewEngineMetrics creates a metrics instance with default window sizes.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		OrderTickLatency:  NewLatencyHistogram(1000),
		CycleTickLatency:  NewLatencyHistogram(1000),
		ValidationLatency: NewLatencyHistogram(200),
		FlushLatency:      NewLatencyHistogram(500),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when samples
// changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordOrderTick records one order reconciliation pass.
func (m *EngineMetrics) RecordOrderTick(d time.Duration) {
	m.OrderTickLatency.RecordDuration(d)
	atomic.AddUint64(&m.orderTicks, 1)
}

// RecordCycleTick records one cycle aggregate pass.
func (m *EngineMetrics) RecordCycleTick(d time.Duration) {
	m.CycleTickLatency.RecordDuration(d)
	atomic.AddUint64(&m.cycleTicks, 1)
}

// RecordValidation records one integrity/reopen pass.
func (m *EngineMetrics) RecordValidation(d time.Duration) {
	m.ValidationLatency.RecordDuration(d)
	atomic.AddUint64(&m.validations, 1)
}

// IncrementErrors increments the failed-tick counter.
func (m *EngineMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// MetricsSnapshot is a point-in-time view of the engine's health.
type MetricsSnapshot struct {
	OrderTickLatency  LatencyStats `json:"order_tick_latency"`
	CycleTickLatency  LatencyStats `json:"cycle_tick_latency"`
	ValidationLatency LatencyStats `json:"validation_latency"`
	FlushLatency      LatencyStats `json:"flush_latency"`
	OrderTicks        uint64       `json:"order_ticks"`
	CycleTicks        uint64       `json:"cycle_ticks"`
	Validations       uint64       `json:"validations"`
	ErrorsCount       uint64       `json:"errors_count"`
	GoroutineCount    int          `json:"goroutine_count"`
	HeapAlloc         uint64       `json:"heap_alloc_bytes"`
	HeapSys           uint64       `json:"heap_sys_bytes"`
	Timestamp         time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *EngineMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderTickLatency:  m.OrderTickLatency.Stats(),
		CycleTickLatency:  m.CycleTickLatency.Stats(),
		ValidationLatency: m.ValidationLatency.Stats(),
		FlushLatency:      m.FlushLatency.Stats(),
		OrderTicks:        atomic.LoadUint64(&m.orderTicks),
		CycleTicks:        atomic.LoadUint64(&m.cycleTicks),
		Validations:       atomic.LoadUint64(&m.validations),
		ErrorsCount:       atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}
