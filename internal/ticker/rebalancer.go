package ticker

import (
	"context"
	"math"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// ChainSource yields the current option chain for the tracked underlying.
type ChainSource interface {
	OptionChain(underlying string, expiry *time.Time) []models.Instrument
}

// Subscriber records desired subscriptions; the reconciler implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, token uint32, mode models.StreamMode) error
}

// StrikeRebalancer follows the spot and keeps the subscribed strike window
// centered on the at-the-money strike. When the ATM strike drifts by the
// configured band it subscribes the missing strikes on both sides and asks
// for a reload.
type StrikeRebalancer struct {
	cfg    config.RebalancerConfig
	market config.MarketConfig
	chain  ChainSource
	subs   Subscriber
	spot   func() float64
	reload func()
	log    *logger.Log

	mu      sync.Mutex
	lastATM float64
}

func NewStrikeRebalancer(cfg config.RebalancerConfig, market config.MarketConfig, chain ChainSource, subs Subscriber, spot func() float64, reload func()) *StrikeRebalancer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BandStrikes <= 0 {
		cfg.BandStrikes = 2
	}
	if cfg.StrikeWindow <= 0 {
		cfg.StrikeWindow = 10
	}
	return &StrikeRebalancer{
		cfg:    cfg,
		market: market,
		chain:  chain,
		subs:   subs,
		spot:   spot,
		reload: reload,
		log:    logger.GetLogger(),
	}
}

// atmStrike rounds the spot to the nearest strike step.
func (r *StrikeRebalancer) atmStrike(spot float64) float64 {
	step := r.market.StrikeStep
	if step <= 0 {
		step = 50
	}
	return math.Round(spot/step) * step
}

// Run checks the band every interval until ctx is done.
func (r *StrikeRebalancer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}

// Check compares the current ATM strike with the last rebalance point and
// extends the subscription window when the move exceeds the band. It
// returns how many new subscriptions were recorded.
func (r *StrikeRebalancer) Check(ctx context.Context) int {
	spot := r.spot()
	if spot <= 0 {
		return 0
	}
	step := r.market.StrikeStep
	if step <= 0 {
		step = 50
	}
	atm := r.atmStrike(spot)

	r.mu.Lock()
	last := r.lastATM
	if last == 0 {
		r.lastATM = atm
		r.mu.Unlock()
		return r.subscribeWindow(ctx, atm, step)
	}
	if math.Abs(atm-last) < float64(r.cfg.BandStrikes)*step {
		r.mu.Unlock()
		return 0
	}
	r.lastATM = atm
	r.mu.Unlock()

	r.log.WithComponent("strike_rebalancer").WithFields(logger.Fields{
		"spot":     spot,
		"atm":      atm,
		"last_atm": last,
	}).Info("atm strike moved past band, rebalancing")
	return r.subscribeWindow(ctx, atm, step)
}

// subscribeWindow subscribes every CE and PE within the strike window
// around atm. Already-recorded tokens are re-upserted idempotently.
func (r *StrikeRebalancer) subscribeWindow(ctx context.Context, atm, step float64) int {
	low := atm - float64(r.cfg.StrikeWindow)*step
	high := atm + float64(r.cfg.StrikeWindow)*step

	added := 0
	for _, inst := range r.chain.OptionChain(r.market.UnderlyingName, nil) {
		if inst.Strike < low || inst.Strike > high {
			continue
		}
		if err := r.subs.Subscribe(ctx, inst.Token, models.ModeFull); err != nil {
			r.log.WithComponent("strike_rebalancer").WithError(err).WithFields(logger.Fields{
				"token": inst.Token,
			}).Warn("window subscribe failed")
			continue
		}
		added++
	}
	if added > 0 && r.reload != nil {
		r.reload()
	}
	return added
}

// LastATM reports the strike the window is currently centered on.
func (r *StrikeRebalancer) LastATM() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastATM
}
