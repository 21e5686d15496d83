package qdma

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-qdma/internal/interfaces"
	"github.com/rcrowley/go-metrics"
)

// Metric names registered by NewMetrics
const (
	MetricRequestsSubmitted = "requests.submitted"
	MetricBytesSubmitted    = "bytes.submitted"
	MetricRequestsCompleted = "requests.completed"
	MetricBytesCompleted    = "bytes.completed"
	MetricRequestsCanceled  = "requests.canceled"
	MetricRequestsFailed    = "requests.failed"
	MetricLatency           = "latency.ns"
	MetricQueueDepth        = "queue.depth"
	MetricQueueDepthSamples = "queue.depth.samples"
)

// Metrics tracks the activity of one work queue in a go-metrics registry
type Metrics struct {
	registry metrics.Registry

	// Request counters
	Submitted metrics.Counter // Requests accepted by Post
	Completed metrics.Counter // Requests delivered successfully
	Canceled  metrics.Counter // Requests delivered as canceled
	Failed    metrics.Counter // Requests delivered with an error

	// Byte counters
	SubmittedBytes metrics.Counter
	CompletedBytes metrics.Counter

	// Post-to-delivery latency in nanoseconds
	Latency metrics.Histogram

	// Outstanding requests, current and sampled
	Depth        metrics.Gauge
	DepthSamples metrics.Histogram

	startTime atomic.Int64
	stopTime  atomic.Int64
}

// NewMetrics registers a queue's metrics in r, or in a private registry when
// r is nil
func NewMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.NewRegistry()
	}

	m := &Metrics{
		registry:       r,
		Submitted:      metrics.GetOrRegisterCounter(MetricRequestsSubmitted, r),
		Completed:      metrics.GetOrRegisterCounter(MetricRequestsCompleted, r),
		Canceled:       metrics.GetOrRegisterCounter(MetricRequestsCanceled, r),
		Failed:         metrics.GetOrRegisterCounter(MetricRequestsFailed, r),
		SubmittedBytes: metrics.GetOrRegisterCounter(MetricBytesSubmitted, r),
		CompletedBytes: metrics.GetOrRegisterCounter(MetricBytesCompleted, r),
		Latency:        metrics.GetOrRegisterHistogram(MetricLatency, r, metrics.NewExpDecaySample(1028, 0.015)),
		Depth:          metrics.GetOrRegisterGauge(MetricQueueDepth, r),
		DepthSamples:   metrics.GetOrRegisterHistogram(MetricQueueDepthSamples, r, metrics.NewUniformSample(1028)),
	}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

// Registry returns the registry the metrics live in
func (m *Metrics) Registry() metrics.Registry {
	return m.registry
}

// RecordSubmit records a request accepted by Post
func (m *Metrics) RecordSubmit(bytes uint64) {
	m.Submitted.Inc(1)
	m.SubmittedBytes.Inc(int64(bytes))
}

// RecordComplete records a delivered request
func (m *Metrics) RecordComplete(bytes uint64, latency time.Duration, outcome interfaces.Outcome) {
	switch outcome {
	case interfaces.OutcomeSuccess:
		m.Completed.Inc(1)
		m.CompletedBytes.Inc(int64(bytes))
	case interfaces.OutcomeCanceled:
		m.Canceled.Inc(1)
	default:
		m.Failed.Inc(1)
	}
	m.Latency.Update(latency.Nanoseconds())
}

// RecordQueueDepth records the current number of outstanding requests
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.Depth.Update(int64(depth))
	m.DepthSamples.Update(int64(depth))
}

// Stop marks the queue as closed
func (m *Metrics) Stop() {
	m.stopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of a queue's metrics
type MetricsSnapshot struct {
	// Requests
	RequestsSubmitted uint64
	RequestsCompleted uint64
	RequestsCanceled  uint64
	RequestsFailed    uint64

	// Bytes
	BytesSubmitted uint64
	BytesCompleted uint64

	// Queue statistics
	QueueDepth    uint32
	AvgQueueDepth float64
	MaxQueueDepth uint32

	// Latency (in nanoseconds)
	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	UptimeNs uint64

	// Computed statistics
	RequestRate float64 // Delivered requests per second
	Bandwidth   float64 // Completed bytes per second
	ErrorRate   float64 // Percentage of delivered requests that failed
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RequestsSubmitted: uint64(m.Submitted.Count()),
		RequestsCompleted: uint64(m.Completed.Count()),
		RequestsCanceled:  uint64(m.Canceled.Count()),
		RequestsFailed:    uint64(m.Failed.Count()),
		BytesSubmitted:    uint64(m.SubmittedBytes.Count()),
		BytesCompleted:    uint64(m.CompletedBytes.Count()),
		QueueDepth:        uint32(m.Depth.Value()),
	}

	depth := m.DepthSamples.Snapshot()
	if depth.Count() > 0 {
		snap.AvgQueueDepth = depth.Mean()
		snap.MaxQueueDepth = uint32(depth.Max())
	}

	lat := m.Latency.Snapshot()
	if lat.Count() > 0 {
		ps := lat.Percentiles([]float64{0.5, 0.99, 0.999})
		snap.AvgLatencyNs = uint64(lat.Mean())
		snap.LatencyP50Ns = uint64(ps[0])
		snap.LatencyP99Ns = uint64(ps[1])
		snap.LatencyP999Ns = uint64(ps[2])
	}

	startTime := m.startTime.Load()
	stopTime := m.stopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	delivered := snap.RequestsCompleted + snap.RequestsCanceled + snap.RequestsFailed
	if snap.UptimeNs > 0 {
		seconds := float64(snap.UptimeNs) / 1e9
		snap.RequestRate = float64(delivered) / seconds
		snap.Bandwidth = float64(snap.BytesCompleted) / seconds
	}
	if delivered > 0 {
		snap.ErrorRate = float64(snap.RequestsFailed) / float64(delivered) * 100.0
	}

	return snap
}

// Reset clears every metric (useful for testing)
func (m *Metrics) Reset() {
	m.Submitted.Clear()
	m.Completed.Clear()
	m.Canceled.Clear()
	m.Failed.Clear()
	m.SubmittedBytes.Clear()
	m.CompletedBytes.Clear()
	m.Latency.Clear()
	m.Depth.Update(0)
	m.DepthSamples.Clear()
	m.startTime.Store(time.Now().UnixNano())
	m.stopTime.Store(0)
}

// Observer receives work queue events for metrics collection
type Observer = interfaces.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(uint64)                           {}
func (NoOpObserver) ObserveComplete(uint64, time.Duration, Outcome) {}
func (NoOpObserver) ObserveQueueDepth(uint32)                       {}

// MetricsObserver implements Observer using Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(bytes uint64) {
	o.metrics.RecordSubmit(bytes)
}

func (o *MetricsObserver) ObserveComplete(bytes uint64, latency time.Duration, outcome Outcome) {
	o.metrics.RecordComplete(bytes, latency, outcome)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
