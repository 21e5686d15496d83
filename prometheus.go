package qdma

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a work queue's Stats as Prometheus metrics
type Collector struct {
	wq *WorkQueue

	requestsSubmitted *prometheus.Desc
	bytesSubmitted    *prometheus.Desc
	requestsCompleted *prometheus.Desc
	bytesCompleted    *prometheus.Desc
	slots             *prometheus.Desc
}

// NewCollector creates a collector for wq. Metric names are prefixed with
// namespace and labelled with the queue index.
func NewCollector(wq *WorkQueue, namespace string) *Collector {
	labels := prometheus.Labels{"queue": strconv.Itoa(wq.QueueIndex())}
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "workqueue", n)
	}

	return &Collector{
		wq: wq,
		requestsSubmitted: prometheus.NewDesc(name("requests_submitted_total"),
			"Requests accepted by the work queue", nil, labels),
		bytesSubmitted: prometheus.NewDesc(name("bytes_submitted_total"),
			"Bytes accepted by the work queue", nil, labels),
		requestsCompleted: prometheus.NewDesc(name("requests_completed_total"),
			"Requests delivered successfully", nil, labels),
		bytesCompleted: prometheus.NewDesc(name("bytes_completed_total"),
			"Bytes delivered successfully", nil, labels),
		slots: prometheus.NewDesc(name("slots"),
			"Work queue entries by state", []string{"state"}, labels),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsSubmitted
	ch <- c.bytesSubmitted
	ch <- c.requestsCompleted
	ch <- c.bytesCompleted
	ch <- c.slots
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.wq.Stats()

	ch <- prometheus.MustNewConstMetric(c.requestsSubmitted, prometheus.CounterValue, float64(s.RequestsSubmitted))
	ch <- prometheus.MustNewConstMetric(c.bytesSubmitted, prometheus.CounterValue, float64(s.BytesSubmitted))
	ch <- prometheus.MustNewConstMetric(c.requestsCompleted, prometheus.CounterValue, float64(s.RequestsCompleted))
	ch <- prometheus.MustNewConstMetric(c.bytesCompleted, prometheus.CounterValue, float64(s.BytesCompleted))
	ch <- prometheus.MustNewConstMetric(c.slots, prometheus.GaugeValue, float64(s.FreeSlots), "free")
	ch <- prometheus.MustNewConstMetric(c.slots, prometheus.GaugeValue, float64(s.PendingSlots), "pending")
	ch <- prometheus.MustNewConstMetric(c.slots, prometheus.GaugeValue, float64(s.UnprocessedSlots), "unprocessed")
}

var _ prometheus.Collector = (*Collector)(nil)
