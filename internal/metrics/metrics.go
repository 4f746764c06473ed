// Package metrics exposes the Prometheus collectors shared by the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clinicsync"

type Metrics struct {
	tokenExchanges  *prometheus.CounterVec
	chunkFetches    *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	cacheUsageBytes prometheus.Gauge
	datasetRecords  *prometheus.GaugeVec
	syncState       prometheus.Gauge
	refreshes       *prometheus.CounterVec
	lastRefresh     prometheus.Gauge
	classifyDefault prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_exchanges_total",
			Help:      "Client-credential token exchanges by tenant and result.",
		}, []string{"tenant", "result"}),
		chunkFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_fetches_total",
			Help:      "Monthly chunk loads by tenant and outcome (fetched, cached, failed).",
		}, []string{"tenant", "outcome"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache chunk writes by result (stored, quota_exceeded, too_large, error).",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache chunks evicted to make room, by tenant.",
		}, []string{"tenant"}),
		cacheUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_usage_bytes",
			Help:      "Bytes used by cache chunks after the last write.",
		}),
		datasetRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dataset_records",
			Help:      "Records in the merged dataset per tenant.",
		}, []string{"tenant"}),
		syncState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_state",
			Help:      "Coordinator state (0 disconnected, 1 bootstrapping, 2 ready, 3 refreshing, 4 failed).",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Per-tenant sync passes by kind (history, recent) and result.",
		}, []string{"kind", "result"}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the last completed recent-window refresh.",
		}),
		classifyDefault: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_fallbacks_total",
			Help:      "Records classified into the default bucket while computing snapshots.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.tokenExchanges,
			m.chunkFetches,
			m.cacheWrites,
			m.cacheEvictions,
			m.cacheUsageBytes,
			m.datasetRecords,
			m.syncState,
			m.refreshes,
			m.lastRefresh,
			m.classifyDefault,
		)
	}
	return m
}

func (m *Metrics) TokenExchange(tenant, result string) {
	if m == nil {
		return
	}
	m.tokenExchanges.WithLabelValues(tenant, result).Inc()
}

func (m *Metrics) ChunkLoaded(tenant, outcome string) {
	if m == nil {
		return
	}
	m.chunkFetches.WithLabelValues(tenant, outcome).Inc()
}

func (m *Metrics) CacheWrite(result string) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheEvicted(tenant string) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(tenant).Inc()
}

func (m *Metrics) CacheUsage(bytes int64) {
	if m == nil {
		return
	}
	m.cacheUsageBytes.Set(float64(bytes))
}

func (m *Metrics) DatasetRecords(tenant string, n int) {
	if m == nil {
		return
	}
	m.datasetRecords.WithLabelValues(tenant).Set(float64(n))
}

func (m *Metrics) SyncState(state int) {
	if m == nil {
		return
	}
	m.syncState.Set(float64(state))
}

func (m *Metrics) Refresh(kind, result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RefreshCompleted(unixSeconds float64) {
	if m == nil {
		return
	}
	m.lastRefresh.Set(unixSeconds)
}

func (m *Metrics) ClassificationFallbacks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.classifyDefault.Add(float64(n))
}
