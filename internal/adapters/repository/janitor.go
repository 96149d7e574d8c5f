package repository

import (
	"context"
	"sync"
	"time"

	"github.com/okian/rotor/pkg/logger"
	"github.com/okian/rotor/pkg/metrics"
)

// DefaultPurgeInterval is how often the Janitor purges expired entries.
const DefaultPurgeInterval = 5 * time.Minute

// Janitor periodically purges expired entries from a set of stores.
type Janitor struct {
	purgers  map[string]Purger
	interval time.Duration
	log      logger.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJanitor creates a Janitor over the named purgers. A non-positive
// interval selects DefaultPurgeInterval.
func NewJanitor(interval time.Duration, log logger.Logger, purgers map[string]Purger) *Janitor {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	if log == nil {
		log = logger.Get().Named("janitor")
	}
	return &Janitor{purgers: purgers, interval: interval, log: log, stopChan: make(chan struct{})}
}

// Start launches the purge loop. It exits when ctx is done or Stop is
// called.
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stopChan:
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce purges every store once and returns the total dropped.
func (j *Janitor) RunOnce(ctx context.Context) int {
	total := 0
	for name, p := range j.purgers {
		n, err := p.Purge(ctx)
		if err != nil {
			metrics.RecordErrorByComponent("repository", "purge")
			j.log.Warn(ctx, "purge failed", logger.String("store", name), logger.Error(err))
			continue
		}
		if n > 0 {
			j.log.Debug(ctx, "purged expired entries", logger.String("store", name), logger.Int("count", n))
		}
		total += n
	}
	return total
}

// Stop ends the purge loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
	j.wg.Wait()
}
