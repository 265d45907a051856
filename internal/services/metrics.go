package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dividendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taopulse_dividend_requests_total",
	Help: "Dividend queries by how they were answered (hit, miss, shared, error)",
}, []string{"result"})

var upstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "taopulse_upstream_fetch_duration_seconds",
	Help:    "Duration of primary dividend fetches",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

var pipelineInflight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "taopulse_pipeline_runs_inflight",
	Help: "Background pipeline runs currently executing",
})

var stageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taopulse_pipeline_stage_total",
	Help: "Pipeline stage completions by stage and outcome",
}, []string{"stage", "outcome"})

var stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "taopulse_pipeline_stage_duration_seconds",
	Help:    "Duration of pipeline stage calls",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
}, []string{"stage"})

var backpressureGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "taopulse_backpressure_level",
	Help: "0 healthy, 1 warning, 2 critical",
})
