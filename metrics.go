package redis

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the optional Prometheus collectors for one Client or
// Cluster. A nil *metrics (the default, Options.Registerer == nil)
// makes every method a no-op, so instrumentation is strictly opt-in.
type metrics struct {
	pipelineDepth prometheus.Gauge
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	redirects     prometheus.Counter
	reconnects    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, namespace string) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		pipelineDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_depth",
			Help:      "Number of in-flight (dispatched, unresolved) commands.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Client-side cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Client-side cache misses.",
		}),
		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_redirects_total",
			Help:      "MOVED/ASK redirects handled by the cluster router.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connection (re)establishment attempts.",
		}),
	}
	reg.MustRegister(m.pipelineDepth, m.cacheHits, m.cacheMisses, m.redirects, m.reconnects)
	return m
}

func (m *metrics) setPipelineDepth(n int) {
	if m == nil {
		return
	}
	m.pipelineDepth.Set(float64(n))
}

func (m *metrics) incCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *metrics) incCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *metrics) incRedirect() {
	if m == nil {
		return
	}
	m.redirects.Inc()
}

func (m *metrics) incReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
