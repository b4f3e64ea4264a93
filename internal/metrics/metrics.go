// Package metrics holds the prometheus collectors for the abstract
// completion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbound provider traffic
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metacache_provider_requests_total",
			Help: "HTTP requests issued to bibliographic providers",
		},
		[]string{"source"},
	)

	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metacache_provider_retries_total",
			Help: "Retries performed against bibliographic providers",
		},
		[]string{"source"},
	)

	RecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metacache_records_fetched_total",
			Help: "Records yielded by source adapters",
		},
		[]string{"source"},
	)

	AbstractsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metacache_abstracts_recovered_total",
			Help: "Fetched records carrying a usable abstract",
		},
		[]string{"source"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metacache_fetch_duration_seconds",
			Help:    "Duration of one adapter fetch over a queue batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// Queue movement
	QueueDrained = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metacache_queue_entries_processed_total",
			Help: "Queue entries handled per source per loop",
		},
		[]string{"source"},
	)

	QueueSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metacache_queue_entries_skipped_total",
			Help: "Queue entries skipped by the on-conflict policy",
		},
		[]string{"source"},
	)

	// Credential pool
	KeyAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metacache_key_acquisitions_total",
			Help: "API key issues by wrapper",
		},
		[]string{"wrapper"},
	)

	// Solr traffic
	SolrUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metacache_solr_updates_total",
			Help: "Documents written to Solr",
		},
		[]string{"kind"},
	)

	SolrSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metacache_solr_skipped_total",
			Help: "Writeback candidates skipped because Solr already has an abstract",
		},
	)

	QueueSeeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metacache_queue_seeded_total",
			Help: "Queue entries inserted by gap detection or ingestion",
		},
		[]string{"origin"},
	)
)
