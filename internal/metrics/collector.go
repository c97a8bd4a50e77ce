package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TurnSource reports whether a turn is live. Implemented by turn.Orchestrator.
type TurnSource interface {
	Running() bool
}

// LockSource reports whether the conch is currently held by a live holder.
// Implemented by conch.Lock.
type LockSource interface {
	Held() bool
}

// DirectorySource reports provider counts per role name. Implemented by
// provider.Registry.
type DirectorySource interface {
	Counts() (registered, healthy map[string]int)
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	turns     TurnSource
	lock      LockSource
	providers DirectorySource

	// Descriptors for scrape-time gauges.
	turnActive          *prometheus.Desc
	conchHeld           *prometheus.Desc
	providersRegistered *prometheus.Desc
	providersHealthy    *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// Any source may be nil (its gauges will report 0).
func NewCollector(turns TurnSource, lock LockSource, providers DirectorySource) *Collector {
	return &Collector{
		turns:     turns,
		lock:      lock,
		providers: providers,
		turnActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "turn_active"),
			"Whether a conversation turn is in progress (0 or 1).",
			nil, nil,
		),
		conchHeld: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "conch_held"),
			"Whether the cross-process turn lock is held (0 or 1).",
			nil, nil,
		),
		providersRegistered: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "providers_registered"),
			"Registered speech providers per role.",
			[]string{"role"}, nil,
		),
		providersHealthy: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "providers_healthy"),
			"Providers with a fresh healthy check per role.",
			[]string{"role"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.turnActive
	ch <- c.conchHeld
	ch <- c.providersRegistered
	ch <- c.providersHealthy
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.turnActive, prometheus.GaugeValue, boolGauge(c.turns != nil && c.turns.Running()))
	ch <- prometheus.MustNewConstMetric(c.conchHeld, prometheus.GaugeValue, boolGauge(c.lock != nil && c.lock.Held()))

	if c.providers == nil {
		return
	}
	registered, healthy := c.providers.Counts()
	for role, n := range registered {
		ch <- prometheus.MustNewConstMetric(c.providersRegistered, prometheus.GaugeValue, float64(n), role)
		ch <- prometheus.MustNewConstMetric(c.providersHealthy, prometheus.GaugeValue, float64(healthy[role]), role)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
