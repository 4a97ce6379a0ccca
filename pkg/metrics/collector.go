package metrics

import (
	"context"
	"time"

	"github.com/zmigrate/zmigrate/pkg/types"
)

// JobsSource exposes queue statistics for collection.
type JobsSource interface {
	Stats(ctx context.Context) (*types.JobStats, error)
}

// TokensSource exposes token statistics for collection.
type TokensSource interface {
	Stats(ctx context.Context) (*types.TokenStats, error)
}

// Collector periodically samples gauges from the job manager and the
// token store.
type Collector struct {
	jobs     JobsSource
	tokens   TokensSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector. Either source may be nil.
func NewCollector(jobs JobsSource, tokens TokensSource) *Collector {
	return &Collector{
		jobs:     jobs,
		tokens:   tokens,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.jobs != nil {
		stats, err := c.jobs.Stats(ctx)
		if err == nil {
			QueueDepth.Set(float64(stats.QueueDepth))
			JobsRunning.Set(float64(stats.Running))
			UpdateComponent("jobs", true, "")
		} else {
			UpdateComponent("jobs", false, err.Error())
		}
	}

	if c.tokens != nil {
		stats, err := c.tokens.Stats(ctx)
		if err == nil {
			ActiveTokens.Set(float64(stats.ActiveTokens))
			UpdateComponent("redis", true, "")
		} else {
			UpdateComponent("redis", false, err.Error())
		}
	}
}
