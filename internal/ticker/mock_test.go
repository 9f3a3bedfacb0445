package ticker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/greeks"
	"tickflow/models"
)

func testMarket() config.MarketConfig {
	return config.MarketConfig{
		Timezone:         "Asia/Kolkata",
		Open:             "09:15",
		Close:            "15:30",
		UnderlyingSymbol: "NIFTY 50",
		UnderlyingToken:  256265,
		UnderlyingName:   "NIFTY",
		StrikeStep:       50,
		ExpiryCutoff:     "15:30",
		MarkMockData:     true,
	}
}

func testClock(t *testing.T) config.MarketClock {
	t.Helper()
	clock, err := testMarket().Clock()
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	return clock
}

func futureExpiry() *time.Time {
	e := time.Now().Add(30 * 24 * time.Hour).Truncate(24 * time.Hour)
	return &e
}

func optionInst(token uint32, strike float64, optType string, expiry *time.Time) models.Instrument {
	return models.Instrument{
		Token:          token,
		TradingSymbol:  fmt.Sprintf("NIFTY%d%s", int(strike), optType),
		Name:           "NIFTY",
		Exchange:       "NFO",
		Segment:        "NFO-OPT",
		Expiry:         expiry,
		Strike:         strike,
		InstrumentType: optType,
		TickSize:       0.05,
		LotSize:        50,
		Active:         true,
	}
}

func newTestMock(t *testing.T, cfg config.MockConfig, channels *channel.Channels) *MockGenerator {
	t.Helper()
	calc := greeks.NewCalculator(0.07, 0)
	return NewMockGenerator(cfg, testMarket(), testClock(t), channels, calc, func() float64 { return 24000 })
}

func TestMockSeedTheoretical(t *testing.T) {
	channels := channel.NewChannels(4, 64, 4)
	g := newTestMock(t, config.MockConfig{Volatility: 0.15}, channels)

	seeded := g.Seed([]models.Instrument{optionInst(101, 24000, "CE", futureExpiry())}, nil)
	if seeded != 1 {
		t.Fatalf("expected 1 seeded, got %d", seeded)
	}

	sent := g.Emit(context.Background())
	if sent != 1 {
		t.Fatalf("expected 1 snapshot, got %d", sent)
	}
	snap := <-channels.Snapshots
	if snap.LastPrice <= 0 {
		t.Fatalf("theoretical seed price must be positive, got %f", snap.LastPrice)
	}
	if !snap.IsMock {
		t.Fatal("mock snapshot must carry the configured mock flag")
	}
	if snap.UnderlyingLTP != 24000 {
		t.Fatalf("expected underlying 24000, got %f", snap.UnderlyingLTP)
	}
	// The emission also publishes one underlying bar.
	bar := <-channels.Bars
	if !bar.IsMock || bar.Token != 256265 {
		t.Fatalf("unexpected mock bar %+v", bar)
	}
}

func TestMockSeedPrefersLastTradedPrice(t *testing.T) {
	channels := channel.NewChannels(4, 64, 4)
	g := newTestMock(t, config.MockConfig{}, channels)

	g.Seed([]models.Instrument{optionInst(101, 24000, "CE", futureExpiry())}, map[uint32]float64{101: 150.25})
	g.Emit(context.Background())

	snap := <-channels.Snapshots
	// One random-walk step moves the price at most 0.5%.
	if snap.LastPrice < 149 || snap.LastPrice > 152 {
		t.Fatalf("expected price near the 150.25 seed, got %f", snap.LastPrice)
	}
}

func TestMockSeedSkipsExpiredAndNonOptions(t *testing.T) {
	channels := channel.NewChannels(4, 64, 4)
	g := newTestMock(t, config.MockConfig{}, channels)

	past := time.Now().Add(-48 * time.Hour)
	index := models.Instrument{Token: 256265, Segment: "INDICES", TradingSymbol: "NIFTY 50"}
	seeded := g.Seed([]models.Instrument{
		optionInst(101, 24000, "CE", &past),
		index,
		optionInst(102, 24000, "PE", futureExpiry()),
	}, nil)
	if seeded != 1 {
		t.Fatalf("expected only the live option seeded, got %d", seeded)
	}
}

func TestMockInstrumentCeiling(t *testing.T) {
	channels := channel.NewChannels(4, 64, 4)
	g := newTestMock(t, config.MockConfig{MaxInstruments: 5}, channels)

	var instruments []models.Instrument
	for i := 0; i < 10; i++ {
		instruments = append(instruments, optionInst(uint32(100+i), 24000+float64(i)*50, "CE", futureExpiry()))
	}
	g.Seed(instruments, nil)
	if got := g.StateCount(); got != 5 {
		t.Fatalf("expected ceiling of 5 states, got %d", got)
	}
}

func TestMockStateTTLEviction(t *testing.T) {
	channels := channel.NewChannels(4, 64, 4)
	g := newTestMock(t, config.MockConfig{StateTTL: time.Hour}, channels)

	base := time.Now()
	g.now = func() time.Time { return base }
	g.Seed([]models.Instrument{optionInst(101, 24000, "CE", futureExpiry())}, nil)
	if g.StateCount() != 1 {
		t.Fatal("seed failed")
	}

	g.now = func() time.Time { return base.Add(2 * time.Hour) }
	sent := g.Emit(context.Background())
	if sent != 0 {
		t.Fatalf("stale state must be evicted before emission, sent %d", sent)
	}
	if g.StateCount() != 0 {
		t.Fatalf("expected 0 states after TTL, got %d", g.StateCount())
	}
}

func TestMockReset(t *testing.T) {
	channels := channel.NewChannels(4, 64, 4)
	g := newTestMock(t, config.MockConfig{}, channels)
	g.Seed([]models.Instrument{optionInst(101, 24000, "CE", futureExpiry())}, nil)
	g.Reset()
	if g.StateCount() != 0 {
		t.Fatal("reset must drop all states")
	}
}

type fakeChain struct {
	instruments []models.Instrument
}

func (f *fakeChain) OptionChain(string, *time.Time) []models.Instrument {
	return f.instruments
}

type recordingSubscriber struct {
	tokens []uint32
}

func (r *recordingSubscriber) Subscribe(_ context.Context, token uint32, _ models.StreamMode) error {
	r.tokens = append(r.tokens, token)
	return nil
}

func strikeChain(center float64, count int) []models.Instrument {
	var out []models.Instrument
	token := uint32(1000)
	for i := -count; i <= count; i++ {
		strike := center + float64(i)*50
		out = append(out, optionInst(token, strike, "CE", futureExpiry()))
		token++
		out = append(out, optionInst(token, strike, "PE", futureExpiry()))
		token++
	}
	return out
}

func TestRebalancerInitialWindow(t *testing.T) {
	chain := &fakeChain{instruments: strikeChain(24000, 20)}
	subscriber := &recordingSubscriber{}
	reloads := 0
	spot := 24000.0
	r := NewStrikeRebalancer(
		config.RebalancerConfig{BandStrikes: 2, StrikeWindow: 2},
		testMarket(), chain, subscriber,
		func() float64 { return spot },
		func() { reloads++ },
	)

	added := r.Check(context.Background())
	// 5 strikes in the ±2 window, CE and PE each.
	if added != 10 {
		t.Fatalf("expected 10 window subscriptions, got %d", added)
	}
	if r.LastATM() != 24000 {
		t.Fatalf("expected atm 24000, got %f", r.LastATM())
	}
	if reloads != 1 {
		t.Fatalf("expected 1 reload request, got %d", reloads)
	}
}

func TestRebalancerIgnoresSmallMoves(t *testing.T) {
	chain := &fakeChain{instruments: strikeChain(24000, 20)}
	subscriber := &recordingSubscriber{}
	spot := 24000.0
	r := NewStrikeRebalancer(
		config.RebalancerConfig{BandStrikes: 2, StrikeWindow: 2},
		testMarket(), chain, subscriber,
		func() float64 { return spot },
		nil,
	)
	r.Check(context.Background())

	spot = 24049 // atm still 24050, one strike away, band is two
	if added := r.Check(context.Background()); added != 0 {
		t.Fatalf("move inside the band must not rebalance, added %d", added)
	}
	if r.LastATM() != 24000 {
		t.Fatalf("atm must be unchanged, got %f", r.LastATM())
	}
}

func TestRebalancerFollowsBigMove(t *testing.T) {
	chain := &fakeChain{instruments: strikeChain(24000, 20)}
	subscriber := &recordingSubscriber{}
	reloads := 0
	spot := 24000.0
	r := NewStrikeRebalancer(
		config.RebalancerConfig{BandStrikes: 2, StrikeWindow: 2},
		testMarket(), chain, subscriber,
		func() float64 { return spot },
		func() { reloads++ },
	)
	r.Check(context.Background())

	spot = 24160 // atm 24150, three strikes up
	added := r.Check(context.Background())
	if added == 0 {
		t.Fatal("move past the band must rebalance")
	}
	if r.LastATM() != 24150 {
		t.Fatalf("expected atm 24150, got %f", r.LastATM())
	}
	if reloads != 2 {
		t.Fatalf("expected 2 reload requests, got %d", reloads)
	}
}

func TestRebalancerNoSpotNoop(t *testing.T) {
	r := NewStrikeRebalancer(
		config.RebalancerConfig{},
		testMarket(), &fakeChain{}, &recordingSubscriber{},
		func() float64 { return 0 },
		nil,
	)
	if added := r.Check(context.Background()); added != 0 {
		t.Fatalf("no spot must be a no-op, added %d", added)
	}
}
