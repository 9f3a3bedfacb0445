package subs

import (
	"context"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/logger"
)

// Reloader serializes subscription reload requests. Requests are debounced,
// spaced by a minimum interval, and coalesced: a burst arriving while a
// reload runs collapses into exactly one trailing reload.
type Reloader struct {
	cfg    config.ReconcilerConfig
	reload func(ctx context.Context) error
	log    *logger.Entry

	mu      sync.Mutex
	pending bool
	running bool
	lastRun time.Time
	kick    chan struct{}
	now     func() time.Time
}

func NewReloader(cfg config.ReconcilerConfig, reload func(ctx context.Context) error) *Reloader {
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Second
	}
	return &Reloader{
		cfg:    cfg,
		reload: reload,
		log:    logger.GetLogger().WithComponent("subscription_reloader"),
		kick:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Start runs the reload worker until the context ends.
func (r *Reloader) Start(ctx context.Context) {
	go r.run(ctx)
}

// Request asks for a reload. It never blocks; bursts collapse into the
// single slot.
func (r *Reloader) Request() {
	r.mu.Lock()
	r.pending = true
	r.mu.Unlock()
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Reloader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
		}

		// Debounce so a burst of requests becomes one reload.
		if sleepCtx(ctx, r.cfg.Debounce) {
			return
		}

		r.mu.Lock()
		since := r.now().Sub(r.lastRun)
		r.mu.Unlock()
		if wait := r.cfg.MinInterval - since; wait > 0 {
			if sleepCtx(ctx, wait) {
				return
			}
		}

		r.mu.Lock()
		if !r.pending {
			r.mu.Unlock()
			continue
		}
		r.pending = false
		r.running = true
		r.mu.Unlock()

		start := time.Now()
		err := r.reload(ctx)

		r.mu.Lock()
		r.running = false
		r.lastRun = r.now()
		requeue := r.pending
		r.mu.Unlock()

		if err != nil {
			r.log.WithError(err).Warn("subscription reload failed")
		} else {
			r.log.WithFields(logger.Fields{"took": time.Since(start).String()}).Info("subscriptions reloaded")
		}
		if requeue {
			select {
			case r.kick <- struct{}{}:
			default:
			}
		}
	}
}

// Running reports whether a reload is in flight.
func (r *Reloader) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
