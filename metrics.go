package donard

import (
	"sync/atomic"
	"time"

	"github.com/sbates130272/nvme-donard/internal/nvme"
)

// LatencyBuckets defines the submit latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks pin lifecycle and I/O statistics for a Manager
type Metrics struct {
	// Pin lifecycle
	PinOps         atomic.Uint64 // Pin attempts
	PinErrors      atomic.Uint64 // Failed pins
	PinnedBytes    atomic.Uint64 // Bytes pinned successfully
	UnpinOps       atomic.Uint64 // Unpin attempts
	UnpinErrors    atomic.Uint64 // Failed unpins
	ReleasePending atomic.Uint64 // Unpins that left the handle release-pending
	Revokes        atomic.Uint64 // Accelerator-initiated releases
	LiveHandles    atomic.Int64  // Handles not yet destroyed
	PendingRetries atomic.Uint64 // Release retries attempted
	MappingOps     atomic.Uint64 // EstablishMapping calls
	MappingErrors  atomic.Uint64 // Failed EstablishMapping calls
	MappedPages    atomic.Uint64 // Pages installed by successful mappings

	// I/O operation counters
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	CompareOps atomic.Uint64

	// Byte counters, successful commands only
	ReadBytes    atomic.Uint64
	WriteBytes   atomic.Uint64
	CompareBytes atomic.Uint64

	// Error counters
	ReadErrors    atomic.Uint64
	WriteErrors   atomic.Uint64
	CompareErrors atomic.Uint64

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative submit latency in nanoseconds
	OpCount        atomic.Uint64 // Total submits (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of submits with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Manager lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordPin records a pin attempt
func (m *Metrics) RecordPin(bytes uint64, success bool) {
	m.PinOps.Add(1)
	if !success {
		m.PinErrors.Add(1)
		return
	}
	m.PinnedBytes.Add(bytes)
	m.LiveHandles.Add(1)
}

// RecordUnpin records an unpin attempt. pending is set when the
// accelerator refused the release.
func (m *Metrics) RecordUnpin(success, pending bool) {
	m.UnpinOps.Add(1)
	if !success {
		m.UnpinErrors.Add(1)
	}
	if pending {
		m.ReleasePending.Add(1)
	}
}

// RecordDestroy records a handle leaving the registry
func (m *Metrics) RecordDestroy(revoked bool) {
	m.LiveHandles.Add(-1)
	if revoked {
		m.Revokes.Add(1)
	}
}

// RecordRetry records one release retry
func (m *Metrics) RecordRetry() {
	m.PendingRetries.Add(1)
}

// RecordMapping records an EstablishMapping call
func (m *Metrics) RecordMapping(pages uint64, success bool) {
	m.MappingOps.Add(1)
	if !success {
		m.MappingErrors.Add(1)
		return
	}
	m.MappedPages.Add(pages)
}

// RecordSubmit records a completed or failed command
func (m *Metrics) RecordSubmit(op nvme.Opcode, bytes uint64, latencyNs uint64, success bool) {
	switch op {
	case nvme.OpRead:
		m.ReadOps.Add(1)
		if success {
			m.ReadBytes.Add(bytes)
		} else {
			m.ReadErrors.Add(1)
		}
	case nvme.OpWrite:
		m.WriteOps.Add(1)
		if success {
			m.WriteBytes.Add(bytes)
		} else {
			m.WriteErrors.Add(1)
		}
	case nvme.OpCompare:
		m.CompareOps.Add(1)
		if success {
			m.CompareBytes.Add(bytes)
		} else {
			m.CompareErrors.Add(1)
		}
	default:
		return
	}
	m.recordLatency(latencyNs)
}

// recordLatency records submit latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the manager as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	PinOps         uint64
	PinErrors      uint64
	PinnedBytes    uint64
	UnpinOps       uint64
	UnpinErrors    uint64
	ReleasePending uint64
	Revokes        uint64
	LiveHandles    int64
	PendingRetries uint64
	MappingOps     uint64
	MappingErrors  uint64
	MappedPages    uint64

	ReadOps       uint64
	WriteOps      uint64
	CompareOps    uint64
	ReadBytes     uint64
	WriteBytes    uint64
	CompareBytes  uint64
	ReadErrors    uint64
	WriteErrors   uint64
	CompareErrors uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64 // Percentage of failed commands
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PinOps:         m.PinOps.Load(),
		PinErrors:      m.PinErrors.Load(),
		PinnedBytes:    m.PinnedBytes.Load(),
		UnpinOps:       m.UnpinOps.Load(),
		UnpinErrors:    m.UnpinErrors.Load(),
		ReleasePending: m.ReleasePending.Load(),
		Revokes:        m.Revokes.Load(),
		LiveHandles:    m.LiveHandles.Load(),
		PendingRetries: m.PendingRetries.Load(),
		MappingOps:     m.MappingOps.Load(),
		MappingErrors:  m.MappingErrors.Load(),
		MappedPages:    m.MappedPages.Load(),
		ReadOps:        m.ReadOps.Load(),
		WriteOps:       m.WriteOps.Load(),
		CompareOps:     m.CompareOps.Load(),
		ReadBytes:      m.ReadBytes.Load(),
		WriteBytes:     m.WriteBytes.Load(),
		CompareBytes:   m.CompareBytes.Load(),
		ReadErrors:     m.ReadErrors.Load(),
		WriteErrors:    m.WriteErrors.Load(),
		CompareErrors:  m.CompareErrors.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.CompareOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.CompareBytes

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.CompareErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection
type Observer interface {
	// ObservePin is called for each pin attempt
	ObservePin(bytes uint64, success bool)

	// ObserveUnpin is called for each unpin attempt
	ObserveUnpin(success, pending bool)

	// ObserveDestroy is called when a handle is destroyed by any path
	ObserveDestroy(revoked bool)

	// ObserveRetry is called for each release retry
	ObserveRetry()

	// ObserveMapping is called for each EstablishMapping call
	ObserveMapping(pages uint64, success bool)

	// ObserveSubmit is called for each submitted command
	ObserveSubmit(op nvme.Opcode, bytes uint64, latencyNs uint64, success bool)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObservePin(uint64, bool)                         {}
func (NoOpObserver) ObserveUnpin(bool, bool)                         {}
func (NoOpObserver) ObserveDestroy(bool)                             {}
func (NoOpObserver) ObserveRetry()                                   {}
func (NoOpObserver) ObserveMapping(uint64, bool)                     {}
func (NoOpObserver) ObserveSubmit(nvme.Opcode, uint64, uint64, bool) {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePin(bytes uint64, success bool) {
	o.metrics.RecordPin(bytes, success)
}

func (o *MetricsObserver) ObserveUnpin(success, pending bool) {
	o.metrics.RecordUnpin(success, pending)
}

func (o *MetricsObserver) ObserveDestroy(revoked bool) {
	o.metrics.RecordDestroy(revoked)
}

func (o *MetricsObserver) ObserveRetry() {
	o.metrics.RecordRetry()
}

func (o *MetricsObserver) ObserveMapping(pages uint64, success bool) {
	o.metrics.RecordMapping(pages, success)
}

func (o *MetricsObserver) ObserveSubmit(op nvme.Opcode, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordSubmit(op, bytes, latencyNs, success)
}

// multiObserver fans events out to several observers
type multiObserver []Observer

func (mo multiObserver) ObservePin(bytes uint64, success bool) {
	for _, o := range mo {
		o.ObservePin(bytes, success)
	}
}

func (mo multiObserver) ObserveUnpin(success, pending bool) {
	for _, o := range mo {
		o.ObserveUnpin(success, pending)
	}
}

func (mo multiObserver) ObserveDestroy(revoked bool) {
	for _, o := range mo {
		o.ObserveDestroy(revoked)
	}
}

func (mo multiObserver) ObserveRetry() {
	for _, o := range mo {
		o.ObserveRetry()
	}
}

func (mo multiObserver) ObserveMapping(pages uint64, success bool) {
	for _, o := range mo {
		o.ObserveMapping(pages, success)
	}
}

func (mo multiObserver) ObserveSubmit(op nvme.Opcode, bytes uint64, latencyNs uint64, success bool) {
	for _, o := range mo {
		o.ObserveSubmit(op, bytes, latencyNs, success)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = multiObserver(nil)
