package metrics

import (
	"time"

	"github.com/nexmdm/nexmdm/pkg/storage"
)

// Collector periodically polls the store for gauges that aren't
// naturally updated inline by a request path (fleet size, above all).
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
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
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDeviceMetrics()
}

func (c *Collector) collectDeviceMetrics() {
	n, err := c.store.CountDevices()
	if err != nil {
		return
	}
	DevicesTotal.Set(float64(n))
}
