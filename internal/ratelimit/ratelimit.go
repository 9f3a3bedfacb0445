package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/logger"
)

// Category names one broker endpoint budget.
type Category string

const (
	CategoryQuote       Category = "quote"
	CategoryHistorical  Category = "historical"
	CategoryOrder       Category = "order"
	CategoryWSSubscribe Category = "ws_subscribe"
)

// slidingWindow counts events inside a rolling interval.
type slidingWindow struct {
	interval time.Duration
	limit    int
	events   []time.Time
}

func newSlidingWindow(interval time.Duration, limit int) *slidingWindow {
	return &slidingWindow{interval: interval, limit: limit}
}

// tryAdd records an event when the window has headroom. Zero or negative
// limits disable the window.
func (w *slidingWindow) tryAdd(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}
	w.prune(now)
	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// nextFree returns how long until the window frees a slot.
func (w *slidingWindow) nextFree(now time.Time) time.Duration {
	if w.limit <= 0 || len(w.events) < w.limit {
		return 0
	}
	return w.events[0].Add(w.interval).Sub(now)
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.interval)
	idx := 0
	for idx < len(w.events) && !w.events[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.events = w.events[idx:]
	}
}

type categoryLimiter struct {
	bucket *rate.Limiter
	minute *slidingWindow
	day    *slidingWindow
}

// Limiter enforces per-second, per-minute and per-day call budgets per
// broker endpoint category. The per-second budget is a token bucket; the
// longer horizons are sliding windows.
type Limiter struct {
	mu         sync.Mutex
	categories map[Category]*categoryLimiter
	log        *logger.Log
	now        func() time.Time
}

// New builds a limiter from the configured budgets. Unlisted categories are
// unlimited.
func New(cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{
		categories: make(map[Category]*categoryLimiter),
		log:        logger.GetLogger(),
		now:        time.Now,
	}
	l.configure(CategoryQuote, cfg.Quote)
	l.configure(CategoryHistorical, cfg.Historical)
	l.configure(CategoryOrder, cfg.Order)
	l.configure(CategoryWSSubscribe, cfg.WSSubscribe)
	return l
}

func (l *Limiter) configure(cat Category, budget config.CategoryLimit) {
	if budget.PerSecond <= 0 && budget.PerMinute <= 0 && budget.PerDay <= 0 {
		return
	}
	cl := &categoryLimiter{}
	if budget.PerSecond > 0 {
		burst := budget.Burst
		if burst <= 0 {
			burst = budget.PerSecond
		}
		cl.bucket = rate.NewLimiter(rate.Limit(budget.PerSecond), burst)
	}
	if budget.PerMinute > 0 {
		cl.minute = newSlidingWindow(time.Minute, budget.PerMinute)
	}
	if budget.PerDay > 0 {
		cl.day = newSlidingWindow(24*time.Hour, budget.PerDay)
	}
	l.categories[cat] = cl
}

// Allow reports whether one call in the category may proceed right now,
// consuming budget when it does.
func (l *Limiter) Allow(cat Category) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.categories[cat]
	if !ok {
		return true
	}
	now := l.now()
	if cl.minute != nil && cl.minute.nextFree(now) > 0 {
		return false
	}
	if cl.day != nil && cl.day.nextFree(now) > 0 {
		return false
	}
	if cl.bucket != nil && !cl.bucket.AllowN(now, 1) {
		return false
	}
	if cl.minute != nil {
		cl.minute.tryAdd(now)
	}
	if cl.day != nil {
		cl.day.tryAdd(now)
	}
	return true
}

// Wait blocks until the category has budget or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context, cat Category) error {
	for {
		l.mu.Lock()
		cl, ok := l.categories[cat]
		if !ok {
			l.mu.Unlock()
			return nil
		}
		now := l.now()
		var delay time.Duration
		if cl.minute != nil {
			delay = cl.minute.nextFree(now)
		}
		if cl.day != nil {
			if d := cl.day.nextFree(now); d > delay {
				delay = d
			}
		}
		if delay == 0 {
			if cl.minute != nil {
				cl.minute.tryAdd(now)
			}
			if cl.day != nil {
				cl.day.tryAdd(now)
			}
			bucket := cl.bucket
			l.mu.Unlock()
			if bucket != nil {
				if err := bucket.Wait(ctx); err != nil {
					return fmt.Errorf("rate wait %s: %w", cat, err)
				}
			}
			return nil
		}
		l.mu.Unlock()

		l.log.WithComponent("ratelimit").WithFields(logger.Fields{
			"category": string(cat),
			"delay_ms": delay.Milliseconds(),
		}).Debug("window exhausted, waiting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
