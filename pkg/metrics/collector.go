package metrics

import "time"

// StatsProvider is implemented by the storage engine (pkg/store.Engine) and
// by pkg/journal.JournalFS. The collector only depends on this interface so
// that pkg/metrics never has to import the engine packages.
type StatsProvider interface {
	RelocationsLen() int
	BacklogTokensFree() int
	FlusherBroken() bool
	SnapshotActive() bool
}

// Collector periodically samples gauges off a running store.
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector bound to a running store.
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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

// Stop halts the collector goroutine.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	RelocationsSize.Set(float64(c.provider.RelocationsLen()))
	BacklogTokensAvailable.Set(float64(c.provider.BacklogTokensFree()))

	if c.provider.FlusherBroken() {
		FlusherBroken.Set(1)
	} else {
		FlusherBroken.Set(0)
	}

	if c.provider.SnapshotActive() {
		SnapshotActive.Set(1)
	} else {
		SnapshotActive.Set(0)
	}
}
