// Package metrics holds the prometheus instruments shared by the bitcask
// and kvpage engines. No HTTP exposition is wired here — registries are
// plain prometheus.Gatherers an embedding application can expose however
// it likes; controllers/dashboards are out of scope for this module.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine groups the counters/gauges one trunk instance reports.
type Engine struct {
	Writes      prometheus.Counter
	Reads       prometheus.Counter
	Tombstones  prometheus.Counter
	Compactions prometheus.Counter
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	DeadRecords prometheus.Gauge
}

// New registers a fresh set of instruments for a trunk instance, labeled
// by backend ("bitcask" or "kvpage") and a caller-chosen instance name.
// A duplicate registration in a shared registry reuses the collector that
// is already registered; any other registration error is swallowed and the
// instrument is returned unregistered, since a metrics wiring failure must
// never fail a storage operation.
func New(reg prometheus.Registerer, backend, instance string) *Engine {
	labels := prometheus.Labels{"backend": backend, "instance": instance}

	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "acorn",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		if reg != nil {
			if err := reg.Register(c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
						return existing
					}
				}
			}
		}
		return c
	}

	newGauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "acorn",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		if reg != nil {
			if err := reg.Register(g); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
						return existing
					}
				}
			}
		}
		return g
	}

	return &Engine{
		Writes:      newCounter("writes_total", "Total stash operations."),
		Reads:       newCounter("reads_total", "Total crack operations."),
		Tombstones:  newCounter("tombstones_total", "Total toss operations."),
		Compactions: newCounter("compactions_total", "Total completed compactions/checkpoints."),
		CacheHits:   newCounter("cache_hits_total", "Total page/accessor cache hits."),
		CacheMisses: newCounter("cache_misses_total", "Total page/accessor cache misses."),
		DeadRecords: newGauge("dead_records", "Current dead-record count."),
	}
}
