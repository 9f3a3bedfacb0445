package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/backpressure"
	"tickflow/internal/channel"
	"tickflow/logger"
	"tickflow/models"
)

// TickBatcher drains the processed channels into per-stream buffers and
// flushes them to the publisher at the size cap or flush window, whichever
// comes first. Under Critical and Overload backpressure it sheds messages
// before they are buffered. With batching disabled every message publishes
// immediately through the same paths.
type TickBatcher struct {
	cfg      appconfig.BatcherConfig
	channels *channel.Channels
	pub      Publisher
	monitor  *backpressure.Monitor
	log      *logger.Log

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool

	bars  []models.UnderlyingBar
	snaps []models.OptionSnapshot

	barsPublished  int64
	snapsPublished int64
	flushes        int64
	shed           int64
}

func NewTickBatcher(cfg appconfig.BatcherConfig, channels *channel.Channels, pub Publisher, monitor *backpressure.Monitor) *TickBatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	return &TickBatcher{
		cfg:      cfg,
		channels: channels,
		pub:      pub,
		monitor:  monitor,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (b *TickBatcher) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("batcher already running")
	}
	b.running = true
	b.ctx = ctx
	b.mu.Unlock()

	log := b.log.WithComponent("tick_batcher")
	log.WithFields(logger.Fields{
		"enabled":        b.cfg.Enabled,
		"batch_size":     b.cfg.BatchSize,
		"flush_interval": b.cfg.FlushInterval.String(),
	}).Info("starting tick batcher")

	b.wg.Add(1)
	go b.run()
	go b.metricsReporter(ctx)
	return nil
}

// Stop drains what is buffered with one final flush before returning.
func (b *TickBatcher) Stop() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	b.log.WithComponent("tick_batcher").Info("stopping tick batcher")
	b.wg.Wait()
	b.flush(context.Background())
	b.log.WithComponent("tick_batcher").Info("tick batcher stopped")
}

func (b *TickBatcher) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case bar, ok := <-b.channels.Bars:
			if !ok {
				return
			}
			b.AddBar(bar)
		case snap, ok := <-b.channels.Snapshots:
			if !ok {
				return
			}
			b.AddSnapshot(snap)
		case <-ticker.C:
			b.flush(b.ctx)
		}
	}
}

// AddBar buffers one bar, or publishes it straight through when batching is
// disabled.
func (b *TickBatcher) AddBar(bar models.UnderlyingBar) {
	if b.shouldShed() {
		return
	}
	if !b.cfg.Enabled {
		b.publishBars(b.context(), []models.UnderlyingBar{bar})
		return
	}
	b.mu.Lock()
	b.bars = append(b.bars, bar)
	full := len(b.bars) >= b.cfg.BatchSize
	b.updatePendingLocked()
	b.mu.Unlock()
	if full {
		b.flush(b.context())
	}
}

func (b *TickBatcher) AddSnapshot(snap models.OptionSnapshot) {
	if b.shouldShed() {
		return
	}
	if !b.cfg.Enabled {
		b.publishSnapshots(b.context(), []models.OptionSnapshot{snap})
		return
	}
	b.mu.Lock()
	b.snaps = append(b.snaps, snap)
	full := len(b.snaps) >= b.cfg.BatchSize
	b.updatePendingLocked()
	b.mu.Unlock()
	if full {
		b.flush(b.context())
	}
}

func (b *TickBatcher) shouldShed() bool {
	if b.monitor == nil || !b.monitor.ShouldShed() {
		return false
	}
	b.monitor.RecordDrop()
	logger.IncrementTickDropped()
	b.mu.Lock()
	b.shed++
	b.mu.Unlock()
	return true
}

func (b *TickBatcher) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return b.ctx
	}
	return context.Background()
}

// Flush publishes both buffers regardless of fill level.
func (b *TickBatcher) flush(ctx context.Context) {
	b.mu.Lock()
	bars := b.bars
	snaps := b.snaps
	b.bars = nil
	b.snaps = nil
	b.updatePendingLocked()
	b.mu.Unlock()

	b.publishBars(ctx, bars)
	b.publishSnapshots(ctx, snaps)
	if len(bars) > 0 || len(snaps) > 0 {
		b.mu.Lock()
		b.flushes++
		b.mu.Unlock()
	}
}

func (b *TickBatcher) publishBars(ctx context.Context, bars []models.UnderlyingBar) {
	if len(bars) == 0 {
		return
	}
	if err := b.pub.PublishBars(ctx, bars); err != nil {
		b.log.WithComponent("tick_batcher").WithError(err).Warn("bar publish failed")
		return
	}
	b.mu.Lock()
	b.barsPublished += int64(len(bars))
	b.mu.Unlock()
}

func (b *TickBatcher) publishSnapshots(ctx context.Context, snaps []models.OptionSnapshot) {
	if len(snaps) == 0 {
		return
	}
	if err := b.pub.PublishSnapshots(ctx, snaps); err != nil {
		b.log.WithComponent("tick_batcher").WithError(err).Warn("snapshot publish failed")
		return
	}
	b.mu.Lock()
	b.snapsPublished += int64(len(snaps))
	b.mu.Unlock()
}

// updatePendingLocked pushes the buffered count into the monitor; caller
// holds the lock.
func (b *TickBatcher) updatePendingLocked() {
	if b.monitor != nil {
		b.monitor.SetPending(len(b.bars) + len(b.snaps))
	}
}

func (b *TickBatcher) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			bars := b.barsPublished
			snaps := b.snapsPublished
			flushes := b.flushes
			shed := b.shed
			b.mu.Unlock()

			b.log.LogMetric("tick_batcher", "bars_published", bars, "counter", logger.Fields{})
			b.log.LogMetric("tick_batcher", "snapshots_published", snaps, "counter", logger.Fields{})
			b.log.LogMetric("tick_batcher", "flushes", flushes, "counter", logger.Fields{})
			b.log.LogMetric("tick_batcher", "shed", shed, "counter", logger.Fields{})
		}
	}
}
