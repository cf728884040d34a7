package kcore

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are log-spaced upper bounds (ns) for the allocate/
// deallocate latency histogram.
var LatencyBuckets = [8]int64{
	1_000,      // 1us
	10_000,     // 10us
	100_000,    // 100us
	1_000_000,  // 1ms
	10_000_000, // 10ms
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

// Metrics accumulates atomic counters for one allocator or serial device
// instance. Safe for concurrent use from multiple goroutines/ISR callers.
type Metrics struct {
	AllocCount    atomic.Uint64
	DeallocCount  atomic.Uint64
	AllocFailures atomic.Uint64
	BytesInUse    atomic.Uint64
	MaxBytesInUse atomic.Uint64

	RxBytes    atomic.Uint64
	TxBytes    atomic.Uint64
	RxOverruns atomic.Uint64
	TxOverruns atomic.Uint64

	latencyHist [8]atomic.Uint64
	startedAt   time.Time
}

// NewMetrics returns a Metrics ready for use, timestamped at construction
// so Snapshot can derive an uptime.
func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// RecordAlloc records one allocation, its resulting byte usage, and the
// time it took.
func (m *Metrics) RecordAlloc(bytes uintptr, dur time.Duration) {
	m.AllocCount.Add(1)
	m.recordLatency(dur)
	m.bumpUsage(int64(bytes))
}

// RecordDealloc records one deallocation and the bytes it freed.
func (m *Metrics) RecordDealloc(bytes uintptr, dur time.Duration) {
	m.DeallocCount.Add(1)
	m.recordLatency(dur)
	m.bumpUsage(-int64(bytes))
}

// RecordAllocFailure records an allocation that returned ErrOutOfMemory.
func (m *Metrics) RecordAllocFailure() {
	m.AllocFailures.Add(1)
}

func (m *Metrics) bumpUsage(delta int64) {
	if delta >= 0 {
		newVal := m.BytesInUse.Add(uint64(delta))
		for {
			cur := m.MaxBytesInUse.Load()
			if newVal <= cur || m.MaxBytesInUse.CompareAndSwap(cur, newVal) {
				break
			}
		}
		return
	}
	m.BytesInUse.Add(^uint64(-delta - 1)) // subtract |delta|
}

func (m *Metrics) recordLatency(dur time.Duration) {
	ns := dur.Nanoseconds()
	for i, bound := range LatencyBuckets {
		if ns <= bound {
			m.latencyHist[i].Add(1)
			return
		}
	}
	m.latencyHist[len(m.latencyHist)-1].Add(1)
}

// RecordRx records bytes moved into the RX FIFO by recvchars.
func (m *Metrics) RecordRx(n int) {
	m.RxBytes.Add(uint64(n))
}

// RecordTx records bytes moved out of the TX FIFO by xmitchars.
func (m *Metrics) RecordTx(n int) {
	m.TxBytes.Add(uint64(n))
}

// RecordRxOverrun records one recvchars pass that stopped with bytes still
// waiting in the UART because the RX FIFO was full.
func (m *Metrics) RecordRxOverrun() {
	m.RxOverruns.Add(1)
}

// RecordTxOverrun records a write attempted against a full TX FIFO in
// non-blocking mode.
func (m *Metrics) RecordTxOverrun() {
	m.TxOverruns.Add(1)
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics, safe to
// serialize or print.
type MetricsSnapshot struct {
	AllocCount    uint64
	DeallocCount  uint64
	AllocFailures uint64
	BytesInUse    uint64
	MaxBytesInUse uint64
	RxBytes       uint64
	TxBytes       uint64
	RxOverruns    uint64
	TxOverruns    uint64
	LatencyHist   [8]uint64
	UptimeNs      int64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		AllocCount:    m.AllocCount.Load(),
		DeallocCount:  m.DeallocCount.Load(),
		AllocFailures: m.AllocFailures.Load(),
		BytesInUse:    m.BytesInUse.Load(),
		MaxBytesInUse: m.MaxBytesInUse.Load(),
		RxBytes:       m.RxBytes.Load(),
		TxBytes:       m.TxBytes.Load(),
		RxOverruns:    m.RxOverruns.Load(),
		TxOverruns:    m.TxOverruns.Load(),
		UptimeNs:      time.Since(m.startedAt).Nanoseconds(),
	}
	for i := range m.latencyHist {
		s.LatencyHist[i] = m.latencyHist[i].Load()
	}
	return s
}

// Reset zeroes every counter. Intended for test harnesses between cases.
func (m *Metrics) Reset() {
	m.AllocCount.Store(0)
	m.DeallocCount.Store(0)
	m.AllocFailures.Store(0)
	m.BytesInUse.Store(0)
	m.MaxBytesInUse.Store(0)
	m.RxBytes.Store(0)
	m.TxBytes.Store(0)
	m.RxOverruns.Store(0)
	m.TxOverruns.Store(0)
	for i := range m.latencyHist {
		m.latencyHist[i].Store(0)
	}
}
