package uring

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.Submitted != 0 {
		t.Errorf("Expected 0 initial submissions, got %d", snap.Submitted)
	}

	m.RecordSubmit(KindRead)
	m.RecordSubmit(KindWrite)
	m.RecordSubmit(KindCancel)
	m.RecordCompletion(1_000_000, EncodeSuccess(4096))
	m.RecordCompletion(2_000_000, EncodeError(unix.ECANCELED))
	m.RecordCompletion(500_000, EncodeError(unix.EBADF))

	snap = m.Snapshot()

	if snap.Submitted != 3 {
		t.Errorf("Expected 3 submissions, got %d", snap.Submitted)
	}
	if snap.KindSubmitted[KindRead] != 1 || snap.KindSubmitted[KindWrite] != 1 {
		t.Errorf("Unexpected per-kind counts: %v", snap.KindSubmitted)
	}
	if snap.CancelRequests != 1 {
		t.Errorf("Expected 1 cancel request, got %d", snap.CancelRequests)
	}
	if snap.Completed != 3 {
		t.Errorf("Expected 3 completions, got %d", snap.Completed)
	}
	if snap.Failed != 2 {
		t.Errorf("Expected 2 failures, got %d", snap.Failed)
	}
	if snap.Cancelled != 1 {
		t.Errorf("Expected 1 cancelled, got %d", snap.Cancelled)
	}

	expectedErrorRate := float64(2) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsInFlight(t *testing.T) {
	m := NewMetrics()

	m.RecordInFlight(10)
	m.RecordInFlight(20)
	m.RecordInFlight(15)

	snap := m.Snapshot()

	if snap.MaxInFlight != 20 {
		t.Errorf("Expected max in-flight 20, got %d", snap.MaxInFlight)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgInFlight < expectedAvg-0.1 || snap.AvgInFlight > expectedAvg+0.1 {
		t.Errorf("Expected avg in-flight %.1f, got %.1f", expectedAvg, snap.AvgInFlight)
	}
}

func TestMetricsFlush(t *testing.T) {
	m := NewMetrics()

	m.RecordFlush(4)
	m.RecordFlush(0)
	m.RecordFlush(8)

	snap := m.Snapshot()
	if snap.Flushes != 2 {
		t.Errorf("Expected 2 flushes, empty flush ignored, got %d", snap.Flushes)
	}
	if snap.FlushedEntries != 12 {
		t.Errorf("Expected 12 flushed entries, got %d", snap.FlushedEntries)
	}
	if snap.AvgFlushBatch != 6 {
		t.Errorf("Expected avg batch 6, got %.1f", snap.AvgFlushBatch)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCompletion(1_000_000, EncodeSuccess(0))
	m.RecordCompletion(2_000_000, EncodeSuccess(0))

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmit(KindRead)
	m.RecordCompletion(1_000_000, EncodeSuccess(1))
	m.RecordInFlight(10)
	m.RecordBackpressure()
	m.RecordStale()

	snap := m.Snapshot()
	if snap.Completed == 0 {
		t.Error("Expected some completions before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.Submitted != 0 || snap.Completed != 0 {
		t.Errorf("Expected 0 ops after reset, got %d/%d", snap.Submitted, snap.Completed)
	}
	if snap.Backpressure != 0 || snap.Stale != 0 {
		t.Errorf("Expected 0 pressure counters after reset, got %d/%d", snap.Backpressure, snap.Stale)
	}
	if snap.MaxInFlight != 0 {
		t.Errorf("Expected 0 max in-flight after reset, got %d", snap.MaxInFlight)
	}
	if len(snap.KindSubmitted) != 0 {
		t.Errorf("Expected empty per-kind counts after reset, got %v", snap.KindSubmitted)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveSubmit(KindRead)
	observer.ObserveCompletion(KindRead, 1000000, EncodeSuccess(1))
	observer.ObserveIntermediate(KindPollAdd)
	observer.ObserveBackpressure()
	observer.ObserveStale()
	observer.ObserveFlush(1)
	observer.ObserveInFlight(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveSubmit(KindRead)
	metricsObserver.ObserveCompletion(KindRead, 1000000, EncodeSuccess(1024))
	metricsObserver.ObserveIntermediate(KindReceive)
	metricsObserver.ObserveBackpressure()

	snap := m.Snapshot()
	if snap.Submitted != 1 {
		t.Errorf("Expected 1 submission from observer, got %d", snap.Submitted)
	}
	if snap.Completed != 1 {
		t.Errorf("Expected 1 completion from observer, got %d", snap.Completed)
	}
	if snap.Intermediate != 1 {
		t.Errorf("Expected 1 intermediate from observer, got %d", snap.Intermediate)
	}
	if snap.Backpressure != 1 {
		t.Errorf("Expected 1 backpressure from observer, got %d", snap.Backpressure)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordCompletion(1000000, EncodeSuccess(1))
	m.RecordCompletion(2000000, EncodeSuccess(1))

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.CompletionRate < 1.9 || snap.CompletionRate > 2.1 {
		t.Errorf("Expected CompletionRate ~2.0, got %.2f", snap.CompletionRate)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordCompletion(500_000, EncodeSuccess(0))
	}
	for i := 0; i < 49; i++ {
		m.RecordCompletion(5_000_000, EncodeSuccess(0))
	}
	m.RecordCompletion(50_000_000, EncodeSuccess(0))

	snap := m.Snapshot()

	if snap.Completed != 100 {
		t.Errorf("Expected 100 completions, got %d", snap.Completed)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
