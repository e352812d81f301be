package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// Replication client metrics
	SyncTotal    *prometheus.CounterVec
	SyncDuration *prometheus.HistogramVec

	// Storage provider metrics
	EnvelopesStoredTotal *prometheus.CounterVec
	BytesStored          prometheus.Counter
	ServeTotal           *prometheus.CounterVec
	BytesServed          prometheus.Counter
	ReplicaCount         prometheus.Gauge

	// Device registry metrics
	HeartbeatsTotal     prometheus.Counter
	DevicesSweptOffline prometheus.Counter

	// Chunked transfer metrics
	ChunksSentTotal     prometheus.Counter
	ChunksReceivedTotal *prometheus.CounterVec
	TransfersTotal      *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		SyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replication_sync_total",
			Help: "Total number of sync attempts by outcome",
		}, []string{"status"}),

		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "replication_sync_duration_seconds",
			Help:    "Sync attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		EnvelopesStoredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_envelopes_stored_total",
			Help: "Total number of sync envelopes handled by outcome",
		}, []string{"status"}),

		BytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "provider_bytes_stored_total",
			Help: "Total ciphertext bytes persisted",
		}),

		ServeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_serve_total",
			Help: "Total number of serve requests by outcome",
		}, []string{"status"}),

		BytesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "provider_bytes_served_total",
			Help: "Total ciphertext bytes served to requesters",
		}),

		ReplicaCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "provider_replicas",
			Help: "Number of replicas currently held",
		}),

		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_heartbeats_total",
			Help: "Total number of heartbeats ingested",
		}),

		DevicesSweptOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_devices_swept_offline_total",
			Help: "Total number of devices flipped offline by the stale sweep",
		}),

		ChunksSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transfer_chunks_sent_total",
			Help: "Total number of chunks published by senders",
		}),

		ChunksReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_chunks_received_total",
			Help: "Total number of chunks received by outcome",
		}, []string{"status"}),

		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_total",
			Help: "Total number of chunked transfers by outcome",
		}, []string{"status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	// Try to register each metric, ignore if already registered
	registerOrGet(m.SyncTotal)
	registerOrGet(m.SyncDuration)
	registerOrGet(m.EnvelopesStoredTotal)
	registerOrGet(m.BytesStored)
	registerOrGet(m.ServeTotal)
	registerOrGet(m.BytesServed)
	registerOrGet(m.ReplicaCount)
	registerOrGet(m.HeartbeatsTotal)
	registerOrGet(m.DevicesSweptOffline)
	registerOrGet(m.ChunksSentTotal)
	registerOrGet(m.ChunksReceivedTotal)
	registerOrGet(m.TransfersTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
