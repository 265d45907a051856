package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taopulse_cache_hits_total",
	Help: "Number of response cache lookups served from a fresh entry",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taopulse_cache_misses_total",
	Help: "Number of response cache lookups that found nothing usable",
})

var cacheExpired = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taopulse_cache_expired_total",
	Help: "Number of entries found past their expiry and dropped on read",
})

var cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taopulse_cache_errors_total",
	Help: "Number of cache backend errors, by operation",
}, []string{"op"})
