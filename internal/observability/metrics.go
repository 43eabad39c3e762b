// Package observability exposes Prometheus metrics of retrieval and indexing.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	retrieveDuration *prometheus.HistogramVec
	searchDuration   *prometheus.HistogramVec
	backendHits      *prometheus.CounterVec
	resolutionGaps   *prometheus.CounterVec
	indexShards      *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "medrag"
	}
	registry := prometheus.NewRegistry()

	retrieveDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieve_duration_seconds",
			Help:      "End-to-end retrieval latency by retriever set.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"retriever"},
	)
	searchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_search_duration_seconds",
			Help:      "Single backend search latency, summed over corpora.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
	backendHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_hits_total",
			Help:      "Candidate hits returned by each backend.",
		},
		[]string{"backend"},
	)
	resolutionGaps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_gaps_total",
			Help:      "Ids that resolved to a placeholder, by reason.",
		},
		[]string{"reason"},
	)
	indexShards := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_shards_total",
			Help:      "Shards processed by index builds, by outcome.",
		},
		[]string{"backend", "status"},
	)

	registry.MustRegister(retrieveDuration, searchDuration, backendHits, resolutionGaps, indexShards)

	return &Metrics{
		registry:         registry,
		retrieveDuration: retrieveDuration,
		searchDuration:   searchDuration,
		backendHits:      backendHits,
		resolutionGaps:   resolutionGaps,
		indexShards:      indexShards,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry metrics are recorded in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRetrieve(retriever string, d time.Duration) {
	if m == nil {
		return
	}
	m.retrieveDuration.WithLabelValues(retriever).Observe(d.Seconds())
}

func (m *Metrics) ObserveSearch(backend string, d time.Duration, hits int) {
	if m == nil {
		return
	}
	m.searchDuration.WithLabelValues(backend).Observe(d.Seconds())
	m.backendHits.WithLabelValues(backend).Add(float64(hits))
}

func (m *Metrics) ResolutionGap(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.resolutionGaps.WithLabelValues(reason).Inc()
}

// Shard statuses recorded by IndexShard.
const (
	ShardEmbedded = "embedded"
	ShardReused   = "reused"
	ShardSkipped  = "skipped"
	ShardFailed   = "failed"
)

func (m *Metrics) IndexShard(backend, status string) {
	if m == nil {
		return
	}
	m.indexShards.WithLabelValues(backend, status).Inc()
}
