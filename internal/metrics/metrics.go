// Package metrics exposes store statistics and proxy counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasew/memstate"
)

// StatsSource is implemented by *memstate.Store of any value type.
type StatsSource interface {
	Stats() memstate.Stats
}

// Collector turns the Stats of every registered store into metrics at scrape
// time, so nothing has to be updated on the hot path.
type Collector struct {
	mu      sync.RWMutex
	sources []StatsSource

	entries    *prometheus.Desc
	weight     *prometheus.Desc
	maxEntries *prometheus.Desc
	byPriority *prometheus.Desc
	oldest     *prometheus.Desc
	hits       *prometheus.Desc
	misses     *prometheus.Desc
	sweeps     *prometheus.Desc
	evictions  *prometheus.Desc
}

// NewCollector creates a Collector for the given stores.
func NewCollector(namespace string, sources ...StatsSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "store", name),
			help,
			append([]string{"store"}, labels...),
			nil,
		)
	}
	return &Collector{
		sources:    sources,
		entries:    desc("entries", "Current number of entries"),
		weight:     desc("weight", "Sum of entry size hints"),
		maxEntries: desc("max_entries", "Configured entry bound"),
		byPriority: desc("priority_entries", "Current number of entries by priority", "priority"),
		oldest:     desc("oldest_entry_age_seconds", "Age of the oldest entry in seconds"),
		hits:       desc("hits_total", "Total number of reads that found a fresh entry"),
		misses:     desc("misses_total", "Total number of reads that found nothing"),
		sweeps:     desc("sweeps_total", "Total number of expiry sweeps"),
		evictions:  desc("evictions_total", "Total number of removed entries by reason", "reason"),
	}
}

// Add registers another store.
func (c *Collector) Add(src StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.weight
	ch <- c.maxEntries
	ch <- c.byPriority
	ch <- c.oldest
	ch <- c.hits
	ch <- c.misses
	ch <- c.sweeps
	ch <- c.evictions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	sources := append([]StatsSource(nil), c.sources...)
	c.mu.RUnlock()

	for _, src := range sources {
		st := src.Stats()
		name := st.Name

		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.TotalEntries), name)
		ch <- prometheus.MustNewConstMetric(c.weight, prometheus.GaugeValue, float64(st.TotalWeight), name)
		ch <- prometheus.MustNewConstMetric(c.maxEntries, prometheus.GaugeValue, float64(st.MaxEntries), name)
		ch <- prometheus.MustNewConstMetric(c.oldest, prometheus.GaugeValue, st.OldestEntryAge.Seconds(), name)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(st.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(st.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.sweeps, prometheus.CounterValue, float64(st.Sweeps), name)
		for p, n := range st.PriorityBreakdown {
			ch <- prometheus.MustNewConstMetric(c.byPriority, prometheus.GaugeValue, float64(n), name, p.String())
		}
		for r, n := range st.Evictions {
			ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(n), name, string(r))
		}
	}
}

// Proxy outcomes used as the result label of ProxyRequests.
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultBypass = "bypass"
	ResultError  = "error"
)

// Metrics holds the request-path metrics and the registry they live in.
type Metrics struct {
	Registry *prometheus.Registry
	Stores   *Collector

	ProxyRequests        *prometheus.CounterVec
	ProxyUpstreamLatency prometheus.Histogram
	APIRequests          *prometheus.CounterVec
}

// New creates a private registry with Go runtime, process and store collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stores := NewCollector(namespace)
	reg.MustRegister(stores)

	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Stores:   stores,
		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total proxied GET requests by cache result",
		}, []string{"result"}),
		ProxyUpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_upstream_latency_seconds",
			Help:      "Latency of upstream fetches on cache misses",
			Buckets:   prometheus.DefBuckets,
		}),
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total state API requests by method and status code",
		}, []string{"method", "code"}),
	}
}

// RecordProxy records one proxied request.
func (m *Metrics) RecordProxy(result string, upstream time.Duration) {
	m.ProxyRequests.WithLabelValues(result).Inc()
	if result == ResultMiss {
		m.ProxyUpstreamLatency.Observe(upstream.Seconds())
	}
}

// InstrumentAPI wraps next so that every response is counted by method and code.
func (m *Metrics) InstrumentAPI(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.APIRequests, next)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
