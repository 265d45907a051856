package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taopulse_persist_records_flushed_total",
	Help: "Number of stage records durably written, by kind",
}, []string{"kind"})

var flushFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taopulse_persist_flush_failures_total",
	Help: "Number of failed bulk writes, by kind",
}, []string{"kind"})

var recordsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taopulse_persist_records_requeued_total",
	Help: "Number of records returned to their queue after a failed write",
}, []string{"kind"})

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "taopulse_persist_queue_depth",
	Help: "Records buffered in memory waiting for the next flush",
}, []string{"kind"})

var flushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "taopulse_persist_flush_duration_seconds",
	Help:    "Duration of bulk writes to the record store",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
}, []string{"kind"})
