package writer

import (
	"context"
	"time"

	"tickflow/internal/backpressure"
	"tickflow/internal/breaker"
	"tickflow/logger"
	"tickflow/models"
)

// ResilientPublisher wraps a backend with the publish-path circuit breaker
// and feeds publish latencies to the backpressure monitor. A rejected or
// failed publish is a soft failure: counted and logged, never fatal to the
// tick pipeline.
type ResilientPublisher struct {
	backend Publisher
	breaker *breaker.CircuitBreaker
	monitor *backpressure.Monitor
	log     *logger.Entry
}

func NewResilientPublisher(backend Publisher, cb *breaker.CircuitBreaker, monitor *backpressure.Monitor) *ResilientPublisher {
	return &ResilientPublisher{
		backend: backend,
		breaker: cb,
		monitor: monitor,
		log:     logger.GetLogger().WithComponent("resilient_publisher"),
	}
}

func (p *ResilientPublisher) PublishBars(ctx context.Context, bars []models.UnderlyingBar) error {
	return p.publish(ctx, len(bars), func() error {
		return p.backend.PublishBars(ctx, bars)
	})
}

func (p *ResilientPublisher) PublishSnapshots(ctx context.Context, snaps []models.OptionSnapshot) error {
	return p.publish(ctx, len(snaps), func() error {
		return p.backend.PublishSnapshots(ctx, snaps)
	})
}

func (p *ResilientPublisher) publish(ctx context.Context, count int, fn func() error) error {
	if count == 0 {
		return nil
	}
	if !p.breaker.Allow() {
		if p.monitor != nil {
			for i := 0; i < count; i++ {
				p.monitor.RecordDrop()
			}
		}
		logger.IncrementTickDropped()
		return breaker.ErrOpen
	}

	start := time.Now()
	err := fn()
	latency := time.Since(start)

	if err != nil {
		p.breaker.RecordFailure()
		p.log.WithError(err).WithFields(logger.Fields{"count": count}).Warn("publish failed")
		return err
	}
	p.breaker.RecordSuccess()
	if p.monitor != nil {
		for i := 0; i < count; i++ {
			p.monitor.RecordPublish(latency)
		}
	}
	return nil
}

func (p *ResilientPublisher) Close() error {
	return p.backend.Close()
}
