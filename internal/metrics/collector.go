// Package metrics provides the Prometheus metrics collector for the
// federation layer. This package is internal and should not be imported
// by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records federation metrics.
type Collector struct {
	// HTTP (admin surface) metrics.
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Outbound node call metrics.
	nodeRequestsTotal   *prometheus.CounterVec
	nodeRequestDuration *prometheus.HistogramVec

	// Circuit breaker state per node: 0 closed, 1 open, 2 half-open.
	breakerState *prometheus.GaugeVec

	// Federated search metrics.
	searchDuration      prometheus.Histogram
	searchNodesSearched prometheus.Histogram
	searchCacheHits     prometheus.Counter
	searchCacheMisses   prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector registering under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.nodeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_requests_total",
			Help:      "Total number of outbound node requests",
		},
		[]string{"node", "type", "outcome"},
	)

	c.nodeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_request_duration_seconds",
			Help:      "Outbound node request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"node", "type"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per node (0 closed, 1 open, 2 half-open)",
		},
		[]string{"node"},
	)

	c.searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "federated_search_duration_seconds",
			Help:      "End-to-end federated search duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	c.searchNodesSearched = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "federated_search_nodes",
			Help:      "Number of nodes queried per federated search",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	c.searchCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federated_search_cache_hits_total",
			Help:      "Federated search aggregate cache hits",
		},
	)

	c.searchCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federated_search_cache_misses_total",
			Help:      "Federated search aggregate cache misses",
		},
	)

	return c
}

// RecordHTTPRequest records one admin HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, httpStatusLabel(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNodeRequest records one outbound node call.
func (c *Collector) RecordNodeRequest(node, requestType string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failed"
	}
	c.nodeRequestsTotal.WithLabelValues(node, requestType, outcome).Inc()
	c.nodeRequestDuration.WithLabelValues(node, requestType).Observe(duration.Seconds())
}

// SetBreakerState records the breaker state of a node.
func (c *Collector) SetBreakerState(node string, state int) {
	c.breakerState.WithLabelValues(node).Set(float64(state))
}

// RecordSearch records one federated search fan-out.
func (c *Collector) RecordSearch(nodesSearched int, duration time.Duration) {
	c.searchDuration.Observe(duration.Seconds())
	c.searchNodesSearched.Observe(float64(nodesSearched))
}

// RecordSearchCache records a cache hit or miss for a federated search.
func (c *Collector) RecordSearchCache(hit bool) {
	if hit {
		c.searchCacheHits.Inc()
	} else {
		c.searchCacheMisses.Inc()
	}
}

func httpStatusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
