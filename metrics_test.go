package qdma

import (
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics(nil)

	// Test initial state
	snap := m.Snapshot()
	if snap.RequestsSubmitted != 0 {
		t.Errorf("Expected 0 initial requests, got %d", snap.RequestsSubmitted)
	}

	m.RecordSubmit(1024)
	m.RecordSubmit(2048)
	m.RecordSubmit(512)
	m.RecordSubmit(256)
	m.RecordComplete(1024, time.Millisecond, OutcomeSuccess)
	m.RecordComplete(2048, 2*time.Millisecond, OutcomeSuccess)
	m.RecordComplete(0, time.Millisecond, OutcomeError)
	m.RecordComplete(128, time.Millisecond, OutcomeCanceled)

	snap = m.Snapshot()

	if snap.RequestsSubmitted != 4 {
		t.Errorf("Expected 4 submitted requests, got %d", snap.RequestsSubmitted)
	}
	if snap.BytesSubmitted != 3840 {
		t.Errorf("Expected 3840 submitted bytes, got %d", snap.BytesSubmitted)
	}
	if snap.RequestsCompleted != 2 {
		t.Errorf("Expected 2 completed requests, got %d", snap.RequestsCompleted)
	}

	// Only successful deliveries count bytes
	if snap.BytesCompleted != 3072 {
		t.Errorf("Expected 3072 completed bytes, got %d", snap.BytesCompleted)
	}
	if snap.RequestsFailed != 1 {
		t.Errorf("Expected 1 failed request, got %d", snap.RequestsFailed)
	}
	if snap.RequestsCanceled != 1 {
		t.Errorf("Expected 1 canceled request, got %d", snap.RequestsCanceled)
	}

	expectedErrorRate := float64(1) / float64(4) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	if snap.QueueDepth != 15 {
		t.Errorf("Expected current queue depth 15, got %d", snap.QueueDepth)
	}
	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordComplete(1024, time.Millisecond, OutcomeSuccess)
	m.RecordComplete(1024, 2*time.Millisecond, OutcomeSuccess)

	snap := m.Snapshot()

	expectedAvgNs := uint64(1500000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
	if snap.LatencyP999Ns != 2000000 {
		t.Errorf("Expected p99.9 latency 2000000 ns, got %d ns", snap.LatencyP999Ns)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics(nil)

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	// Uptime should not have increased significantly after stop
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordSubmit(1024)
	m.RecordComplete(1024, time.Millisecond, OutcomeSuccess)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	if snap.RequestsCompleted == 0 {
		t.Error("Expected some requests before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.RequestsSubmitted != 0 || snap.RequestsCompleted != 0 {
		t.Errorf("Expected 0 requests after reset, got %d/%d", snap.RequestsSubmitted, snap.RequestsCompleted)
	}
	if snap.BytesCompleted != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.BytesCompleted)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestMetricsRegistry(t *testing.T) {
	r := metrics.NewRegistry()
	m := NewMetrics(r)

	m.RecordSubmit(4096)

	c, ok := r.Get(MetricRequestsSubmitted).(metrics.Counter)
	if !ok {
		t.Fatalf("Expected %s to be registered as a counter", MetricRequestsSubmitted)
	}
	if c.Count() != 1 {
		t.Errorf("Expected registry counter 1, got %d", c.Count())
	}
	if m.Registry() != r {
		t.Error("Expected Registry to return the registry passed in")
	}

	// A second queue on the same registry shares the metrics
	m2 := NewMetrics(r)
	m2.RecordSubmit(4096)
	if c.Count() != 2 {
		t.Errorf("Expected shared counter 2, got %d", c.Count())
	}
}

func TestObserver(t *testing.T) {
	// Test NoOpObserver doesn't panic
	observer := &NoOpObserver{}
	observer.ObserveSubmit(1024)
	observer.ObserveComplete(1024, time.Millisecond, OutcomeSuccess)
	observer.ObserveQueueDepth(10)

	m := NewMetrics(nil)
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveSubmit(2048)
	metricsObserver.ObserveComplete(2048, 2*time.Millisecond, OutcomeSuccess)
	metricsObserver.ObserveQueueDepth(3)

	snap := m.Snapshot()
	if snap.RequestsSubmitted != 1 {
		t.Errorf("Expected 1 submitted request from observer, got %d", snap.RequestsSubmitted)
	}
	if snap.BytesCompleted != 2048 {
		t.Errorf("Expected 2048 completed bytes from observer, got %d", snap.BytesCompleted)
	}
	if snap.QueueDepth != 3 {
		t.Errorf("Expected queue depth 3 from observer, got %d", snap.QueueDepth)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics(nil)

	startTime := time.Now()
	m.startTime.Store(startTime.UnixNano())

	m.RecordComplete(1024, time.Millisecond, OutcomeSuccess)
	m.RecordComplete(2048, time.Millisecond, OutcomeSuccess)

	// Simulate 1 second has passed
	m.stopTime.Store(startTime.Add(time.Second).UnixNano())

	snap := m.Snapshot()

	if snap.RequestRate < 1.9 || snap.RequestRate > 2.1 {
		t.Errorf("Expected RequestRate ~2.0, got %.2f", snap.RequestRate)
	}
	if snap.Bandwidth < 3071 || snap.Bandwidth > 3073 {
		t.Errorf("Expected Bandwidth ~3072, got %.2f", snap.Bandwidth)
	}
}
