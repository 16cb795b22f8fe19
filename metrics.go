package uring

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the submit-to-completion histogram buckets in
// nanoseconds, 1us to 10s with logarithmic spacing.
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

// Metrics tracks submission and completion statistics for one coordinator
type Metrics struct {
	// Operation counters
	Submitted      atomic.Uint64 // Descriptors accepted by Submit
	Completed      atomic.Uint64 // Final completions delivered
	Failed         atomic.Uint64 // Completions carrying an error
	Cancelled      atomic.Uint64 // Completions carrying ECANCELED
	CancelRequests atomic.Uint64 // Cancel descriptors submitted
	Intermediate   atomic.Uint64 // Multishot completions with more to come

	// Ring pressure
	Backpressure   atomic.Uint64 // Submits refused because the ring was full
	Stale          atomic.Uint64 // Completions with no matching in-flight record
	Flushes        atomic.Uint64 // Flush calls that handed entries over
	FlushedEntries atomic.Uint64 // Entries handed over by Flush

	// In-flight statistics
	InFlightTotal atomic.Uint64 // Cumulative in-flight samples
	InFlightCount atomic.Uint64 // Number of in-flight samples
	MaxInFlight   atomic.Uint32 // Maximum observed in-flight count

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative submit-to-completion latency
	OpCount        atomic.Uint64 // Completions with a latency sample

	// Each bucket[i] counts completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Per-kind submissions
	KindSubmitted [kindCount]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records one accepted descriptor
func (m *Metrics) RecordSubmit(kind Kind) {
	m.Submitted.Add(1)
	if kind.Valid() {
		m.KindSubmitted[kind].Add(1)
	}
	if kind == KindCancel {
		m.CancelRequests.Add(1)
	}
}

// RecordCompletion records a final completion
func (m *Metrics) RecordCompletion(latencyNs uint64, result ResultCode) {
	m.Completed.Add(1)
	if _, errno := result.Decode(); errno != 0 {
		m.Failed.Add(1)
		if errno == errnoCanceled {
			m.Cancelled.Add(1)
		}
	}
	m.recordLatency(latencyNs)
}

// RecordIntermediate records a multishot completion that keeps its op in flight
func (m *Metrics) RecordIntermediate() {
	m.Intermediate.Add(1)
}

// RecordBackpressure records a refused submission
func (m *Metrics) RecordBackpressure() {
	m.Backpressure.Add(1)
}

// RecordStale records a dropped completion
func (m *Metrics) RecordStale() {
	m.Stale.Add(1)
}

// RecordFlush records one flush that handed entries to the engine
func (m *Metrics) RecordFlush(entries uint32) {
	if entries == 0 {
		return
	}
	m.Flushes.Add(1)
	m.FlushedEntries.Add(uint64(entries))
}

// RecordInFlight records the current in-flight count
func (m *Metrics) RecordInFlight(depth uint32) {
	m.InFlightTotal.Add(uint64(depth))
	m.InFlightCount.Add(1)

	for {
		current := m.MaxInFlight.Load()
		if depth <= current {
			break
		}
		if m.MaxInFlight.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the coordinator as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Submitted      uint64
	Completed      uint64
	Failed         uint64
	Cancelled      uint64
	CancelRequests uint64
	Intermediate   uint64

	Backpressure   uint64
	Stale          uint64
	Flushes        uint64
	FlushedEntries uint64
	AvgFlushBatch  float64

	AvgInFlight float64
	MaxInFlight uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64 // median
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
	KindSubmitted    map[Kind]uint64

	CompletionRate float64 // Completions per second
	ErrorRate      float64 // Percentage of failed completions
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submitted:      m.Submitted.Load(),
		Completed:      m.Completed.Load(),
		Failed:         m.Failed.Load(),
		Cancelled:      m.Cancelled.Load(),
		CancelRequests: m.CancelRequests.Load(),
		Intermediate:   m.Intermediate.Load(),
		Backpressure:   m.Backpressure.Load(),
		Stale:          m.Stale.Load(),
		Flushes:        m.Flushes.Load(),
		FlushedEntries: m.FlushedEntries.Load(),
		MaxInFlight:    m.MaxInFlight.Load(),
		KindSubmitted:  make(map[Kind]uint64),
	}

	if snap.Flushes > 0 {
		snap.AvgFlushBatch = float64(snap.FlushedEntries) / float64(snap.Flushes)
	}

	if n := m.InFlightCount.Load(); n > 0 {
		snap.AvgInFlight = float64(m.InFlightTotal.Load()) / float64(n)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.CompletionRate = float64(snap.Completed) / (float64(snap.UptimeNs) / 1e9)
	}

	if snap.Completed > 0 {
		snap.ErrorRate = float64(snap.Failed) / float64(snap.Completed) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	for k := Kind(0); k < kindCount; k++ {
		if n := m.KindSubmitted[k].Load(); n > 0 {
			snap.KindSubmitted[k] = n
		}
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

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Submitted.Store(0)
	m.Completed.Store(0)
	m.Failed.Store(0)
	m.Cancelled.Store(0)
	m.CancelRequests.Store(0)
	m.Intermediate.Store(0)
	m.Backpressure.Store(0)
	m.Stale.Store(0)
	m.Flushes.Store(0)
	m.FlushedEntries.Store(0)
	m.InFlightTotal.Store(0)
	m.InFlightCount.Store(0)
	m.MaxInFlight.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	for k := range m.KindSubmitted {
		m.KindSubmitted[k].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection
type Observer interface {
	// ObserveSubmit is called for each accepted descriptor
	ObserveSubmit(kind Kind)

	// ObserveCompletion is called for each final completion
	ObserveCompletion(kind Kind, latencyNs uint64, result ResultCode)

	// ObserveIntermediate is called for multishot completions
	ObserveIntermediate(kind Kind)

	// ObserveBackpressure is called when Submit finds the ring full
	ObserveBackpressure()

	// ObserveStale is called when a completion matches no in-flight op
	ObserveStale()

	// ObserveFlush is called with the number of entries handed over
	ObserveFlush(entries uint32)

	// ObserveInFlight is called with the in-flight count after each flush
	ObserveInFlight(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(Kind)                        {}
func (NoOpObserver) ObserveCompletion(Kind, uint64, ResultCode) {}
func (NoOpObserver) ObserveIntermediate(Kind)                  {}
func (NoOpObserver) ObserveBackpressure()                      {}
func (NoOpObserver) ObserveStale()                             {}
func (NoOpObserver) ObserveFlush(uint32)                       {}
func (NoOpObserver) ObserveInFlight(uint32)                    {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(kind Kind) {
	o.metrics.RecordSubmit(kind)
}

func (o *MetricsObserver) ObserveCompletion(_ Kind, latencyNs uint64, result ResultCode) {
	o.metrics.RecordCompletion(latencyNs, result)
}

func (o *MetricsObserver) ObserveIntermediate(Kind) {
	o.metrics.RecordIntermediate()
}

func (o *MetricsObserver) ObserveBackpressure() {
	o.metrics.RecordBackpressure()
}

func (o *MetricsObserver) ObserveStale() {
	o.metrics.RecordStale()
}

func (o *MetricsObserver) ObserveFlush(entries uint32) {
	o.metrics.RecordFlush(entries)
}

func (o *MetricsObserver) ObserveInFlight(depth uint32) {
	o.metrics.RecordInFlight(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
