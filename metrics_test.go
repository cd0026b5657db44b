package ublk

import (
	"sync"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(4096, 1000, true)
	m.RecordRead(4096, 1000, false)
	m.RecordWrite(8192, 2000, true)
	m.RecordFlush(500, true)
	m.RecordDiscard(1<<20, 3000, true)

	if got := m.ReadOps.Load(); got != 2 {
		t.Errorf("ReadOps = %d, want 2", got)
	}
	if got := m.ReadBytes.Load(); got != 4096 {
		t.Errorf("ReadBytes = %d, want 4096 (failed read not counted)", got)
	}
	if got := m.ReadErrors.Load(); got != 1 {
		t.Errorf("ReadErrors = %d, want 1", got)
	}
	if got := m.WriteBytes.Load(); got != 8192 {
		t.Errorf("WriteBytes = %d, want 8192", got)
	}
	if got := m.DiscardBytes.Load(); got != 1<<20 {
		t.Errorf("DiscardBytes = %d, want 1MiB", got)
	}
	if got := m.OpCount.Load(); got != 5 {
		t.Errorf("OpCount = %d, want 5", got)
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(512, 900, true)            // <= 1us bucket
	m.RecordRead(512, 50_000, true)         // <= 100us bucket
	m.RecordRead(512, 999_000_000_000, true) // beyond last bound, absorbed by last bucket

	if got := m.Latency[0].Load(); got != 1 {
		t.Errorf("bucket[0] = %d, want 1", got)
	}
	if got := m.Latency[2].Load(); got != 1 {
		t.Errorf("bucket[2] = %d, want 1", got)
	}
	if got := m.Latency[numLatencyBuckets-1].Load(); got != 1 {
		t.Errorf("last bucket = %d, want 1", got)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(4096, 1000, true)
	m.RecordWrite(4096, 3000, true)
	m.RecordWrite(4096, 0, false)

	s := m.Snapshot()
	if s.ReadOps != 1 || s.WriteOps != 2 {
		t.Errorf("ops = %d/%d, want 1/2", s.ReadOps, s.WriteOps)
	}
	if s.TotalErrors != 1 {
		t.Errorf("TotalErrors = %d, want 1", s.TotalErrors)
	}
	if want := uint64((1000 + 3000) / 3); s.AvgLatencyNs != want {
		t.Errorf("AvgLatencyNs = %d, want %d", s.AvgLatencyNs, want)
	}
	if s.UptimeNs <= 0 {
		t.Errorf("UptimeNs = %d, want > 0", s.UptimeNs)
	}
}

func TestMetricsObserverForwarding(t *testing.T) {
	m := NewMetrics()
	var o Observer = NewMetricsObserver(m)

	o.ObserveRead(4096, 1000, true)
	o.ObserveWrite(4096, 1000, true)
	o.ObserveDiscard(4096, 1000, true)
	o.ObserveFlush(1000, false)

	if m.ReadOps.Load() != 1 || m.WriteOps.Load() != 1 || m.DiscardOps.Load() != 1 || m.FlushOps.Load() != 1 {
		t.Error("observer did not forward all operation types")
	}
	if m.FlushErrors.Load() != 1 {
		t.Error("failed flush not counted")
	}
}

// Counters are bumped from every queue thread; this test exists for
// the race detector.
func TestMetricsConcurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.RecordRead(512, 1000, true)
				m.RecordWrite(512, 1000, true)
			}
		}()
	}
	wg.Wait()

	if got := m.OpCount.Load(); got != 16000 {
		t.Errorf("OpCount = %d, want 16000", got)
	}
}
