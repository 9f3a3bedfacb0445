package channel

import (
	"context"
	"sync"
	"time"

	"tickflow/logger"
	"tickflow/models"
)

// StreamError is a broker connection error marshalled off a read goroutine.
type StreamError struct {
	AccountID    string
	ConnectionID int
	Err          error
	At           time.Time
}

// Stats counts messages moved through or shed from the channel bundle.
type Stats struct {
	RawSent          int64
	RawDropped       int64
	BarsSent         int64
	BarsDropped      int64
	SnapshotsSent    int64
	SnapshotsDropped int64
	ErrorsSent       int64
	ErrorsDropped    int64
}

// Channels is the bounded handoff between connection read goroutines and the
// processing pipeline. Raw carries broker ticks, Bars and Snapshots carry
// processed output toward the batcher, Errors carries stream failures.
type Channels struct {
	Raw       chan models.RawTick
	Bars      chan models.UnderlyingBar
	Snapshots chan models.OptionSnapshot
	Errors    chan StreamError

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBuffer, processedBuffer, errorBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:       make(chan models.RawTick, rawBuffer),
		Bars:      make(chan models.UnderlyingBar, processedBuffer),
		Snapshots: make(chan models.OptionSnapshot, processedBuffer),
		Errors:    make(chan StreamError, errorBuffer),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer":       rawBuffer,
		"processed_buffer": processedBuffer,
		"error_buffer":     errorBuffer,
	}).Info("tick channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
	close(c.Bars)
	close(c.Snapshots)
	close(c.Errors)
	c.log.WithComponent("channels").Info("tick channels closed")
}

// SendRaw enqueues a raw tick without blocking. A full buffer drops the tick
// and records the drop; the caller runs on a connection read goroutine and
// must never stall behind the pipeline.
func (c *Channels) SendRaw(ctx context.Context, t models.RawTick) bool {
	select {
	case c.Raw <- t:
		c.bump(func(s *Stats) { s.RawSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.RawDropped++ })
		logger.IncrementTickDropped()
		return false
	}
}

func (c *Channels) SendBar(ctx context.Context, b models.UnderlyingBar) bool {
	select {
	case c.Bars <- b:
		c.bump(func(s *Stats) { s.BarsSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.BarsDropped++ })
		logger.IncrementTickDropped()
		return false
	}
}

func (c *Channels) SendSnapshot(ctx context.Context, snap models.OptionSnapshot) bool {
	select {
	case c.Snapshots <- snap:
		c.bump(func(s *Stats) { s.SnapshotsSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *Stats) { s.SnapshotsDropped++ })
		logger.IncrementTickDropped()
		return false
	}
}

// SendError never blocks; a full error buffer drops the oldest information
// rather than stalling a read goroutine.
func (c *Channels) SendError(e StreamError) bool {
	select {
	case c.Errors <- e:
		c.bump(func(s *Stats) { s.ErrorsSent++ })
		return true
	default:
		c.bump(func(s *Stats) { s.ErrorsDropped++ })
		return false
	}
}

func (c *Channels) bump(f func(*Stats)) {
	c.statsMutex.Lock()
	f(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting emits buffer occupancy gauges until ctx is done.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log := c.log.WithComponent("channels")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			log.LogMetric("channels", "raw_buffer_length", len(c.Raw), "gauge", logger.Fields{"capacity": cap(c.Raw)})
			log.LogMetric("channels", "bars_buffer_length", len(c.Bars), "gauge", logger.Fields{"capacity": cap(c.Bars)})
			log.LogMetric("channels", "snapshots_buffer_length", len(c.Snapshots), "gauge", logger.Fields{"capacity": cap(c.Snapshots)})
			log.LogMetric("channels", "raw_dropped", stats.RawDropped, "counter", nil)
			log.LogMetric("channels", "snapshots_dropped", stats.SnapshotsDropped, "counter", nil)
		}
	}
}
