// Package metrics exposes Prometheus collectors for the scraper pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup results
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheRefresh = "refresh"
)

var (
	cacheRequestsTotal     *prometheus.CounterVec
	fetchRetriesTotal      prometheus.Counter
	fetchFailuresTotal     prometheus.Counter
	discoveredURLsTotal    *prometheus.CounterVec
	upsertsTotal           *prometheus.CounterVec
	newItemsTotal          *prometheus.CounterVec
	runDurationSeconds     prometheus.Histogram
	notificationsSentTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farsiland_cache_requests_total",
				Help: "Total number of page cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "farsiland_fetch_retries_total",
				Help: "Total number of HTTP fetch retries.",
			},
		)

		fetchFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "farsiland_fetch_failures_total",
				Help: "Total number of fetches that failed after all attempts.",
			},
		)

		discoveredURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farsiland_discovered_urls_total",
				Help: "Total number of content URLs discovered from sitemaps, labeled by type.",
			},
			[]string{"type"},
		)

		upsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farsiland_upserts_total",
				Help: "Total number of database upserts, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		newItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farsiland_new_items_total",
				Help: "Total number of newly seen items, labeled by type.",
			},
			[]string{"type"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "farsiland_run_duration_seconds",
				Help:    "Histogram of pipeline run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		notificationsSentTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "farsiland_notifications_total",
				Help: "Total number of new-content notifications, labeled by sink and result.",
			},
			[]string{"sink", "result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveCache records a cache lookup result (CacheHit, CacheMiss or CacheRefresh).
func ObserveCache(result string) {
	Init()
	cacheRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveFetchRetry increments the retry counter.
func ObserveFetchRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// ObserveFetchFailure increments the exhausted-fetch counter.
func ObserveFetchFailure() {
	Init()
	fetchFailuresTotal.Inc()
}

// ObserveDiscovered adds n discovered URLs for a content type.
func ObserveDiscovered(contentType string, n int) {
	Init()
	discoveredURLsTotal.WithLabelValues(contentType).Add(float64(n))
}

// ObserveUpsert records one upsert outcome; result is "ok" or an error category.
func ObserveUpsert(contentType, result string) {
	Init()
	upsertsTotal.WithLabelValues(contentType, result).Inc()
}

// ObserveNewItems adds n newly committed items for a content type.
func ObserveNewItems(contentType string, n int) {
	Init()
	newItemsTotal.WithLabelValues(contentType).Add(float64(n))
}

// ObserveRunDuration records the wall time of one pipeline run.
func ObserveRunDuration(d time.Duration) {
	Init()
	runDurationSeconds.Observe(d.Seconds())
}

// ObserveNotification records one notification attempt.
func ObserveNotification(sink string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	notificationsSentTotal.WithLabelValues(sink, result).Inc()
}
