package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wb-go/wbf/retry"

	"notifyhub/internal/metrics"
	"notifyhub/internal/models"
)

type StatsSource interface {
	QueueStats(ctx context.Context) (map[string]models.QueueStat, error)
}

// Monitor periodically samples queue depth and consumer counts into the
// prometheus gauges.
type Monitor struct {
	source   StatsSource
	interval time.Duration
	strategy retry.Strategy

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

func NewMonitor(source StatsSource, interval time.Duration, strategy retry.Strategy) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if strategy.Attempts <= 0 {
		strategy.Attempts = 1
	}
	return &Monitor{
		source:   source,
		interval: interval,
		strategy: strategy,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop. Calls after the first are ignored.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run(ctx)
	log.Info().Dur("interval", m.interval).Msg("queue monitor started")
}

// Stop ends the sampling loop and waits for it to exit. It returns at once
// when Start was never called.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	if !m.started.Load() {
		return
	}
	<-m.done
	log.Info().Msg("queue monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample(ctx)
	for {
		select {
		case <-ticker.C:
			m.Sample(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sample reads the stats once and publishes them. Errors are logged and the
// previous gauge values are kept.
func (m *Monitor) Sample(ctx context.Context) {
	var stats map[string]models.QueueStat
	err := retry.DoContext(ctx, m.strategy, func() error {
		var getErr error
		stats, getErr = m.source.QueueStats(ctx)
		return getErr
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to sample queue stats")
		return
	}

	for name, s := range stats {
		metrics.QueueMessages.WithLabelValues(name).Set(float64(s.MessageCount))
		metrics.QueueConsumers.WithLabelValues(name).Set(float64(s.ConsumerCount))
	}
}
