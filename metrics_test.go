package kcore

import (
	"testing"
	"time"
)

func TestMetricsRecordAllocDealloc(t *testing.T) {
	m := NewMetrics()
	m.RecordAlloc(128, time.Microsecond)
	m.RecordAlloc(64, 2*time.Microsecond)
	m.RecordDealloc(64, time.Microsecond)

	snap := m.Snapshot()
	if snap.AllocCount != 2 {
		t.Errorf("AllocCount = %d, want 2", snap.AllocCount)
	}
	if snap.DeallocCount != 1 {
		t.Errorf("DeallocCount = %d, want 1", snap.DeallocCount)
	}
	if snap.BytesInUse != 128 {
		t.Errorf("BytesInUse = %d, want 128", snap.BytesInUse)
	}
	if snap.MaxBytesInUse != 192 {
		t.Errorf("MaxBytesInUse = %d, want 192", snap.MaxBytesInUse)
	}
}

func TestMetricsRxTxCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordRx(10)
	m.RecordTx(5)
	m.RecordRxOverrun()
	m.RecordTxOverrun()
	m.RecordTxOverrun()

	snap := m.Snapshot()
	if snap.RxBytes != 10 || snap.TxBytes != 5 {
		t.Errorf("RxBytes/TxBytes = %d/%d, want 10/5", snap.RxBytes, snap.TxBytes)
	}
	if snap.RxOverruns != 1 || snap.TxOverruns != 2 {
		t.Errorf("RxOverruns/TxOverruns = %d/%d, want 1/2", snap.RxOverruns, snap.TxOverruns)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordAlloc(10, time.Nanosecond)
	m.Reset()
	snap := m.Snapshot()
	if snap.AllocCount != 0 || snap.BytesInUse != 0 {
		t.Errorf("Reset() left non-zero counters: %+v", snap)
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()
	m.RecordAlloc(1, 500*time.Nanosecond)  // bucket 0 (<=1us)
	m.RecordAlloc(1, 50*time.Millisecond)  // bucket 5 (<=100ms)
	m.RecordAlloc(1, 100*time.Second)      // overflow bucket (last)

	snap := m.Snapshot()
	if snap.LatencyHist[0] != 1 {
		t.Errorf("bucket 0 = %d, want 1", snap.LatencyHist[0])
	}
	if snap.LatencyHist[len(snap.LatencyHist)-1] != 1 {
		t.Errorf("overflow bucket = %d, want 1", snap.LatencyHist[len(snap.LatencyHist)-1])
	}
}
