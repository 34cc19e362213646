// Package metrics provides Prometheus metrics for the media cache and the
// download scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offcache_cache_bytes",
			Help: "Bytes currently accounted in the cache index",
		},
	)

	cacheMaxBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offcache_cache_max_bytes",
			Help: "Configured cache budget in bytes",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offcache_cache_entries",
			Help: "Number of entries in the cache index",
		},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offcache_cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offcache_cache_evictions_total",
			Help: "Entries evicted to make room for new content",
		},
	)

	cacheEvictedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offcache_cache_evicted_bytes_total",
			Help: "Bytes evicted to make room for new content",
		},
	)

	cachePurgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offcache_cache_purged_total",
			Help: "Entries purged because their file was missing or corrupted",
		},
		[]string{"reason"},
	)

	// Download metrics
	downloadTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offcache_download_tasks_total",
			Help: "Download tasks that reached a terminal state",
		},
		[]string{"status"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offcache_download_bytes_total",
			Help: "Bytes received from the network by download workers",
		},
	)

	downloadQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offcache_download_queue_depth",
			Help: "Tasks waiting in the pending queue",
		},
	)

	downloadActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offcache_download_active",
			Help: "Tasks currently being transferred",
		},
	)

	// Network metrics
	networkState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offcache_network_state",
			Help: "Current network state (0=offline, 1=cellular, 2=wifi)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetCacheUsage records the index totals after a mutation.
func SetCacheUsage(total, max int64, entries int) {
	cacheBytes.Set(float64(total))
	cacheMaxBytes.Set(float64(max))
	cacheEntries.Set(float64(entries))
}

// RecordLookup records a cache lookup.
func RecordLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordEviction records one evicted entry.
func RecordEviction(bytes int64) {
	cacheEvictionsTotal.Inc()
	cacheEvictedBytesTotal.Add(float64(bytes))
}

// RecordPurge records an entry removed by the self-healing paths.
func RecordPurge(reason string) {
	cachePurgedTotal.WithLabelValues(reason).Inc()
}

// RecordTaskFinished records a task reaching a terminal status.
func RecordTaskFinished(status string) {
	downloadTasksTotal.WithLabelValues(status).Inc()
}

// AddDownloadedBytes records bytes received by a worker.
func AddDownloadedBytes(n int) {
	downloadBytesTotal.Add(float64(n))
}

// SetQueue records the scheduler queue gauges.
func SetQueue(pending, active int) {
	downloadQueueDepth.Set(float64(pending))
	downloadActive.Set(float64(active))
}

// SetNetworkState records the numeric network state.
func SetNetworkState(state int) {
	networkState.Set(float64(state))
}
