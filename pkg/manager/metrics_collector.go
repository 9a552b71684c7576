package manager

import (
	"time"

	"github.com/cuemby/coreinit/pkg/metrics"
)

// MetricsCollector periodically refreshes the gauge-shaped metrics that
// cannot be updated incrementally from inside Execute/onJobChanged (unit
// counts by kind/state, job queue depth, fd store size), keeping them
// consistent with the manager's state even if no job has run recently.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector constructs a collector for mgr.
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic refresh in its own goroutine.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectUnitMetrics()
	c.collectJobMetrics()
	c.collectFDStoreMetrics()
	c.collectReexecMetrics()
}

func (c *MetricsCollector) collectUnitMetrics() {
	units := c.manager.ListUnits()

	counts := make(map[string]map[string]int)
	failed := 0
	for _, u := range units {
		kind := string(u.Kind)
		if counts[kind] == nil {
			counts[kind] = make(map[string]int)
		}
		counts[kind][string(u.ActiveState)]++
		if u.FailedLatched {
			failed++
		}
	}

	metrics.UnitsTotal.Reset()
	for kind, byState := range counts {
		for state, n := range byState {
			metrics.UnitsTotal.WithLabelValues(kind, state).Set(float64(n))
		}
	}
	metrics.UnitsFailedTotal.Set(float64(failed))
}

func (c *MetricsCollector) collectJobMetrics() {
	jobs := c.manager.ListJobs()

	counts := make(map[string]int)
	for _, j := range jobs {
		counts[string(j.State)]++
	}

	metrics.JobsActive.Reset()
	for state, n := range counts {
		metrics.JobsActive.WithLabelValues(state).Set(float64(n))
	}
}

func (c *MetricsCollector) collectFDStoreMetrics() {
	metrics.FDStoreEntries.Set(float64(len(c.manager.fds.List())))
}

func (c *MetricsCollector) collectReexecMetrics() {
	meta, err := c.manager.store.GetMeta()
	if err != nil {
		return
	}
	metrics.ReexecGeneration.Set(float64(meta.ReexecGeneration))
}
