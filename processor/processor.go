package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/backpressure"
	"tickflow/internal/channel"
	"tickflow/internal/greeks"
	"tickflow/logger"
	"tickflow/models"
)

// InstrumentLookup is the registry view the processor routes against.
type InstrumentLookup interface {
	Lookup(token uint32) (models.Instrument, bool)
}

// TickProcessor consumes raw ticks and routes them by instrument segment:
// index segments become underlying bars, option segments become enriched
// snapshots. Prices convert from minor to major units here. Per-account tick
// order is preserved by running a single consumer goroutine per worker;
// the default worker count is one.
type TickProcessor struct {
	config    *config.Config
	lookup    InstrumentLookup
	greeks    *greeks.Calculator
	spot      *SpotTracker
	channels  *channel.Channels
	validator *TickValidator
	monitor   *backpressure.Monitor
	clock     config.MarketClock
	log       *logger.Log

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool

	ticksProcessed int64
	ticksDropped   int64
	barsEmitted    int64
	snapsEmitted   int64
}

func NewTickProcessor(cfg *config.Config, lookup InstrumentLookup, spot *SpotTracker, channels *channel.Channels, monitor *backpressure.Monitor, clock config.MarketClock) *TickProcessor {
	return &TickProcessor{
		config:    cfg,
		lookup:    lookup,
		greeks:    greeks.NewCalculator(cfg.Processor.RiskFreeRate, cfg.Processor.DividendYield),
		spot:      NewSpotTrackerFrom(spot),
		channels:  channels,
		validator: NewTickValidator(cfg.Processor),
		monitor:   monitor,
		clock:     clock,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

// NewSpotTrackerFrom passes through an existing tracker or makes a fresh one.
func NewSpotTrackerFrom(spot *SpotTracker) *SpotTracker {
	if spot != nil {
		return spot
	}
	return NewSpotTracker()
}

func (p *TickProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("tick_processor")
	workers := p.config.Processor.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	log.WithFields(logger.Fields{"workers": workers}).Info("starting tick processor")
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	go p.metricsReporter(ctx)
	return nil
}

func (p *TickProcessor) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.log.WithComponent("tick_processor").Info("stopping tick processor")
	p.wg.Wait()
	p.log.WithComponent("tick_processor").Info("tick processor stopped")
}

func (p *TickProcessor) worker(workerID int) {
	defer p.wg.Done()
	log := p.log.WithComponent("tick_processor").WithFields(logger.Fields{"worker_id": workerID})
	for {
		select {
		case <-p.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case raw, ok := <-p.channels.Raw:
			if !ok {
				log.Info("raw channel closed, worker stopping")
				return
			}
			if err := p.Process(raw); err != nil {
				p.mu.Lock()
				p.ticksDropped++
				p.mu.Unlock()
				if p.validator.Strict() {
					log.WithError(err).Warn("tick rejected")
				}
			}
		}
	}
}

// Process validates and routes one raw tick. Returns the validation or
// routing error; callers on the stream path count and move on.
func (p *TickProcessor) Process(raw models.RawTick) error {
	if err := p.validator.Validate(raw); err != nil {
		return err
	}
	inst, ok := p.lookup.Lookup(raw.Token)
	if !ok {
		return fmt.Errorf("tick for unknown token %d", raw.Token)
	}
	if p.monitor != nil {
		p.monitor.RecordIngest()
	}

	p.mu.Lock()
	p.ticksProcessed++
	p.mu.Unlock()

	switch {
	case inst.IsIndex():
		return p.processUnderlying(raw, inst)
	case inst.IsOption():
		return p.processOption(raw, inst)
	default:
		// Futures and equities flow the underlying path without spot update.
		return p.emitBar(raw, inst, false)
	}
}

func (p *TickProcessor) processUnderlying(raw models.RawTick, inst models.Instrument) error {
	return p.emitBar(raw, inst, true)
}

func (p *TickProcessor) emitBar(raw models.RawTick, inst models.Instrument, isSpot bool) error {
	divisor := p.divisor()
	last := raw.LastPrice / divisor
	bar := models.UnderlyingBar{
		Token:     raw.Token,
		Symbol:    p.canonicalSymbol(inst),
		Open:      raw.OHLC.Open / divisor,
		High:      raw.OHLC.High / divisor,
		Low:       raw.OHLC.Low / divisor,
		Close:     raw.OHLC.Close / divisor,
		LastPrice: last,
		Volume:    raw.Volume,
		Timestamp: tickTime(raw),
	}
	if isSpot {
		p.spot.Set(last)
	}
	if p.channels.SendBar(p.ctx, bar) {
		p.mu.Lock()
		p.barsEmitted++
		p.mu.Unlock()
	}
	return nil
}

// canonicalSymbol maps exchange index names onto the configured underlying
// symbol so downstream consumers see one name for the benchmark.
func (p *TickProcessor) canonicalSymbol(inst models.Instrument) string {
	market := p.config.Market
	if inst.Token == market.UnderlyingToken && market.UnderlyingSymbol != "" {
		return market.UnderlyingSymbol
	}
	return inst.TradingSymbol
}

func (p *TickProcessor) processOption(raw models.RawTick, inst models.Instrument) error {
	divisor := p.divisor()
	price := raw.LastPrice / divisor
	spot := p.spot.Get()

	snap := models.OptionSnapshot{
		Token:         raw.Token,
		Symbol:        inst.TradingSymbol,
		Underlying:    inst.Name,
		Strike:        inst.Strike,
		OptionType:    inst.InstrumentType,
		LastPrice:     price,
		UnderlyingLTP: spot,
		Volume:        raw.Volume,
		OI:            raw.OI,
		BuyQuantity:   raw.BuyQuantity,
		SellQuantity:  raw.SellQuantity,
		Depth:         convertDepth(raw.Depth, divisor),
		Timestamp:     tickTime(raw),
	}
	if inst.Expiry != nil {
		snap.Expiry = *inst.Expiry
	}

	// Greeks only when every pricing input is present and positive.
	if price > 0 && spot > 0 && inst.Strike > 0 && inst.Expiry != nil {
		cutoff := p.config.Market.ExpiryCutoffOn(*inst.Expiry, p.clock.Location)
		snap.Greeks = p.greeks.Compute(price, spot, inst.Strike, cutoff, inst.InstrumentType)
	}

	if p.channels.SendSnapshot(p.ctx, snap) {
		p.mu.Lock()
		p.snapsEmitted++
		p.mu.Unlock()
	}
	return nil
}

func (p *TickProcessor) divisor() float64 {
	d := p.config.Processor.PriceDivisor
	if d <= 0 {
		d = 100
	}
	return d
}

// convertDepth converts prices to major units and caps both sides at five
// levels.
func convertDepth(depth *models.MarketDepth, divisor float64) *models.MarketDepth {
	if depth == nil {
		return nil
	}
	out := &models.MarketDepth{}
	out.Bids = convertLevels(depth.Bids, divisor)
	out.Asks = convertLevels(depth.Asks, divisor)
	return out
}

func convertLevels(levels []models.DepthLevel, divisor float64) []models.DepthLevel {
	if len(levels) > 5 {
		levels = levels[:5]
	}
	out := make([]models.DepthLevel, len(levels))
	for i, l := range levels {
		out[i] = models.DepthLevel{Price: l.Price / divisor, Quantity: l.Quantity, Orders: l.Orders}
	}
	return out
}

func tickTime(raw models.RawTick) time.Time {
	if !raw.ExchangeTime.IsZero() {
		return raw.ExchangeTime
	}
	return raw.ReceivedAt
}

func (p *TickProcessor) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reportMetrics()
		}
	}
}

func (p *TickProcessor) reportMetrics() {
	p.mu.RLock()
	processed := p.ticksProcessed
	dropped := p.ticksDropped
	bars := p.barsEmitted
	snaps := p.snapsEmitted
	p.mu.RUnlock()

	p.log.LogMetric("tick_processor", "ticks_processed", processed, "counter", logger.Fields{})
	p.log.LogMetric("tick_processor", "ticks_dropped", dropped, "counter", logger.Fields{})
	p.log.LogMetric("tick_processor", "bars_emitted", bars, "counter", logger.Fields{})
	p.log.LogMetric("tick_processor", "snapshots_emitted", snaps, "counter", logger.Fields{})

	p.log.WithComponent("tick_processor").WithFields(logger.Fields{
		"ticks_processed":   processed,
		"ticks_dropped":     dropped,
		"bars_emitted":      bars,
		"snapshots_emitted": snaps,
		"last_spot":         p.spot.Get(),
	}).Info("processor metrics")
}
