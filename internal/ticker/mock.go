package ticker

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/greeks"
	"tickflow/logger"
	"tickflow/models"
)

// mockState is the evolving synthetic quote for one instrument. States are
// built and mutated under the generator lock; emission works on immutable
// snapshot copies.
type mockState struct {
	inst      models.Instrument
	price     float64
	volume    int64
	oi        int64
	touchedAt time.Time
}

// MockGenerator synthesizes option snapshots outside market hours. Prices
// seed from the last traded price when one is known, otherwise from a
// theoretical valuation at the configured volatility, then follow a small
// random walk per emission interval.
type MockGenerator struct {
	cfg      config.MockConfig
	market   config.MarketConfig
	clock    config.MarketClock
	channels *channel.Channels
	calc     *greeks.Calculator
	spot     func() float64
	log      *logger.Log

	mu     sync.Mutex
	states map[uint32]*mockState

	rng *rand.Rand
	now func() time.Time
}

func NewMockGenerator(cfg config.MockConfig, market config.MarketConfig, clock config.MarketClock, channels *channel.Channels, calc *greeks.Calculator, spot func() float64) *MockGenerator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxInstruments <= 0 {
		cfg.MaxInstruments = 500
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = time.Hour
	}
	if cfg.AssumedSpot <= 0 {
		cfg.AssumedSpot = 24000
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.15
	}
	return &MockGenerator{
		cfg:      cfg,
		market:   market,
		clock:    clock,
		channels: channels,
		calc:     calc,
		spot:     spot,
		log:      logger.GetLogger(),
		states:   make(map[uint32]*mockState),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// spotPrice prefers the last live spot over the configured assumption.
func (g *MockGenerator) spotPrice() float64 {
	if g.spot != nil {
		if s := g.spot(); s > 0 {
			return s
		}
	}
	return g.cfg.AssumedSpot
}

// Seed registers instruments for synthetic emission. Expired options and
// non-options are skipped. seedPrices carries last known traded prices by
// token; instruments without one are valued theoretically.
func (g *MockGenerator) Seed(instruments []models.Instrument, seedPrices map[uint32]float64) int {
	now := g.now()
	today := now.In(g.clock.Location)
	spot := g.spotPrice()

	g.mu.Lock()
	defer g.mu.Unlock()
	seeded := 0
	for _, inst := range instruments {
		if !inst.IsOption() || inst.Expired(today) {
			continue
		}
		price := seedPrices[inst.Token]
		if price <= 0 {
			cutoff := g.market.ExpiryCutoffOn(*inst.Expiry, g.clock.Location)
			price = g.calc.TheoreticalPrice(spot, inst.Strike, g.cfg.Volatility, cutoff, inst.InstrumentType)
		}
		if price <= 0 {
			continue
		}
		g.states[inst.Token] = &mockState{
			inst:      inst,
			price:     price,
			volume:    int64(g.rng.Intn(100000)),
			oi:        int64(g.rng.Intn(500000)),
			touchedAt: now,
		}
		seeded++
	}
	g.boundLocked(now)
	g.log.WithComponent("mock_generator").WithFields(logger.Fields{
		"seeded": seeded,
		"states": len(g.states),
	}).Info("mock states seeded")
	return seeded
}

// Reset drops all synthetic state, called when an account goes live.
func (g *MockGenerator) Reset() {
	g.mu.Lock()
	n := len(g.states)
	g.states = make(map[uint32]*mockState)
	g.mu.Unlock()
	if n > 0 {
		g.log.WithComponent("mock_generator").WithFields(logger.Fields{"dropped": n}).Info("mock states reset")
	}
}

func (g *MockGenerator) StateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.states)
}

// boundLocked enforces the TTL and the instrument ceiling, evicting the
// least recently touched states first; caller holds the lock.
func (g *MockGenerator) boundLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.StateTTL)
	for token, st := range g.states {
		if st.touchedAt.Before(cutoff) {
			delete(g.states, token)
		}
	}
	if len(g.states) <= g.cfg.MaxInstruments {
		return
	}
	ordered := make([]*mockState, 0, len(g.states))
	for _, st := range g.states {
		ordered = append(ordered, st)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].touchedAt.Before(ordered[j].touchedAt) })
	for _, st := range ordered {
		if len(g.states) <= g.cfg.MaxInstruments {
			break
		}
		delete(g.states, st.inst.Token)
	}
}

// Run emits synthetic snapshots every interval until ctx is done.
func (g *MockGenerator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Emit(ctx)
		}
	}
}

// Emit walks every state one step and publishes the resulting bar and
// snapshots. It returns how many snapshots were sent.
func (g *MockGenerator) Emit(ctx context.Context) int {
	now := g.now()
	today := now.In(g.clock.Location)
	spot := g.spotPrice()

	g.mu.Lock()
	g.boundLocked(now)
	snapshots := make([]models.OptionSnapshot, 0, len(g.states))
	for token, st := range g.states {
		if st.inst.Expired(today) {
			delete(g.states, token)
			continue
		}
		// Walk the price by up to ±0.5% per step, floored at a tick.
		st.price *= 1 + (g.rng.Float64()-0.5)*0.01
		if st.price < st.inst.TickSize {
			st.price = st.inst.TickSize
		}
		st.volume += int64(g.rng.Intn(500))
		st.touchedAt = now

		snap := models.OptionSnapshot{
			Token:         st.inst.Token,
			Symbol:        st.inst.TradingSymbol,
			Underlying:    g.market.UnderlyingName,
			Strike:        st.inst.Strike,
			Expiry:        *st.inst.Expiry,
			OptionType:    st.inst.InstrumentType,
			LastPrice:     st.price,
			UnderlyingLTP: spot,
			Volume:        st.volume,
			OI:            st.oi,
			Timestamp:     now,
			IsMock:        g.market.MarkMockData,
		}
		cutoff := g.market.ExpiryCutoffOn(*st.inst.Expiry, g.clock.Location)
		snap.Greeks = g.calc.Compute(st.price, spot, st.inst.Strike, cutoff, st.inst.InstrumentType)
		snapshots = append(snapshots, snap)
	}
	g.mu.Unlock()

	if len(snapshots) > 0 {
		bar := models.UnderlyingBar{
			Token:     g.market.UnderlyingToken,
			Symbol:    g.market.UnderlyingSymbol,
			LastPrice: spot,
			Close:     spot,
			Timestamp: now,
			IsMock:    g.market.MarkMockData,
		}
		g.channels.SendBar(ctx, bar)
	}
	sent := 0
	for _, snap := range snapshots {
		if g.channels.SendSnapshot(ctx, snap) {
			sent++
		}
	}
	return sent
}
