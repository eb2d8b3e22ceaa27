package prom

import (
	"github.com/IvanBrykalov/memocache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// RegistryCollector exports the counters of every cache in a cache.Registry,
// labelled by cache name. Caches added to the registry later are picked up
// on the next scrape.
type RegistryCollector struct {
	reg *cache.Registry

	entries *prometheus.Desc
	hits    *prometheus.Desc
	misses  *prometheus.Desc
	evicts  *prometheus.Desc
}

// NewRegistryCollector returns a collector for r. Register it with
// prometheus.Registerer.MustRegister.
func NewRegistryCollector(r *cache.Registry, ns string) *RegistryCollector {
	labels := []string{"cache"}
	return &RegistryCollector{
		reg:     r,
		entries: prometheus.NewDesc(prometheus.BuildFQName(ns, "cache", "entries"), "Number of resident entries", labels, nil),
		hits:    prometheus.NewDesc(prometheus.BuildFQName(ns, "cache", "hits_total"), "Lookups served by a fresh entry", labels, nil),
		misses:  prometheus.NewDesc(prometheus.BuildFQName(ns, "cache", "misses_total"), "Lookups that created or renewed an entry", labels, nil),
		evicts:  prometheus.NewDesc(prometheus.BuildFQName(ns, "cache", "evictions_total"), "Removed entries", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.evicts
}

// Collect implements prometheus.Collector.
func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	for name, cc := range c.reg.Caches() {
		s := cc.Stats()
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(cc.Count()), name)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.evicts, prometheus.CounterValue, float64(s.Evictions), name)
	}
}

var _ prometheus.Collector = (*RegistryCollector)(nil)
