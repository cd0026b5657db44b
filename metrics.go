package ublk

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the histogram upper bounds in nanoseconds, 1us to
// 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-device operational statistics. All fields are
// updated atomically from the queue threads.
type Metrics struct {
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	DiscardOps atomic.Uint64
	FlushOps   atomic.Uint64

	ReadBytes    atomic.Uint64
	WriteBytes   atomic.Uint64
	DiscardBytes atomic.Uint64

	ReadErrors    atomic.Uint64
	WriteErrors   atomic.Uint64
	DiscardErrors atomic.Uint64
	FlushErrors   atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency[i] counts operations whose latency is <= LatencyBuckets[i]
	// and above LatencyBuckets[i-1] (buckets are not cumulative); the
	// last bucket also absorbs the overflow.
	Latency [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics returns a metrics instance stamped with the current time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound || i == numLatencyBuckets-1 {
			m.Latency[i].Add(1)
			return
		}
	}
}

// RecordRead accounts one read operation.
func (m *Metrics) RecordRead(bytes, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite accounts one write operation.
func (m *Metrics) RecordWrite(bytes, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDiscard accounts one discard or write-zeroes operation.
func (m *Metrics) RecordDiscard(bytes, latencyNs uint64, success bool) {
	m.DiscardOps.Add(1)
	if success {
		m.DiscardBytes.Add(bytes)
	} else {
		m.DiscardErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush accounts one flush operation.
func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// Stop stamps the device stop time.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	ReadOps      uint64
	WriteOps     uint64
	DiscardOps   uint64
	FlushOps     uint64
	ReadBytes    uint64
	WriteBytes   uint64
	DiscardBytes uint64
	TotalErrors  uint64
	AvgLatencyNs uint64
	UptimeNs     int64
}

// Snapshot captures the current counters. Counters advance
// concurrently, so the snapshot is consistent per field, not across
// fields.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		ReadOps:      m.ReadOps.Load(),
		WriteOps:     m.WriteOps.Load(),
		DiscardOps:   m.DiscardOps.Load(),
		FlushOps:     m.FlushOps.Load(),
		ReadBytes:    m.ReadBytes.Load(),
		WriteBytes:   m.WriteBytes.Load(),
		DiscardBytes: m.DiscardBytes.Load(),
	}
	s.TotalErrors = m.ReadErrors.Load() + m.WriteErrors.Load() +
		m.DiscardErrors.Load() + m.FlushErrors.Load()
	if ops := m.OpCount.Load(); ops > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / ops
	}
	end := m.StopTime.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	s.UptimeNs = end - m.StartTime.Load()
	return s
}

// MetricsObserver feeds runner observations into a Metrics instance.
type MetricsObserver struct {
	m *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.m.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.m.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	o.m.RecordDiscard(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.m.RecordFlush(latencyNs, success)
}

var _ Observer = (*MetricsObserver)(nil)
