// Package metrics exposes Prometheus collectors for the pool, the caches and
// the transfer engines. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chanvault"

type Metrics struct {
	registry *prometheus.Registry

	poolConnections prometheus.Gauge
	poolDials       prometheus.Counter
	poolEvictions   prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	staleRefreshes  prometheus.Counter
	uploadBytes     prometheus.Counter
	uploadParts     prometheus.Counter
	dedupHits       prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		poolConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connections",
			Help: "Live remote connections held by the pool.",
		}),
		poolDials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "dials_total",
			Help: "Remote clients created by the pool.",
		}),
		poolEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "evictions_total",
			Help: "Connections closed to keep the pool within bounds.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media_cache", Name: "lookups_total",
			Help: "Metadata cache lookups by result.",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "download", Name: "bytes_total",
			Help: "Bytes streamed to clients.",
		}),
		staleRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "download", Name: "stale_refreshes_total",
			Help: "Media references refreshed after the platform reported them stale.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "bytes_total",
			Help: "Bytes uploaded to the remote platform.",
		}),
		uploadParts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "parts_total",
			Help: "File parts uploaded.",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "deduplicated_total",
			Help: "Uploads satisfied by an existing remote copy.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.poolConnections, m.poolDials, m.poolEvictions,
		m.cacheLookups,
		m.downloadBytes, m.staleRefreshes,
		m.uploadBytes, m.uploadParts, m.dedupHits,
		m.requestsTotal, m.requestDuration,
	)
	return m
}

// Registry returns the registry all collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetPoolConnections(n int) {
	if m == nil {
		return
	}
	m.poolConnections.Set(float64(n))
}

func (m *Metrics) PoolDial() {
	if m == nil {
		return
	}
	m.poolDials.Inc()
}

func (m *Metrics) PoolEvictions(n int) {
	if m == nil {
		return
	}
	m.poolEvictions.Add(float64(n))
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) DownloadBytes(n int) {
	if m == nil {
		return
	}
	m.downloadBytes.Add(float64(n))
}

func (m *Metrics) StaleRefresh() {
	if m == nil {
		return
	}
	m.staleRefreshes.Inc()
}

func (m *Metrics) UploadPart(n int) {
	if m == nil {
		return
	}
	m.uploadParts.Inc()
	m.uploadBytes.Add(float64(n))
}

func (m *Metrics) DedupHit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(route, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, code).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
