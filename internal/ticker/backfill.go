package ticker

import (
	"context"
	"fmt"
	"time"

	"tickflow/config"
	"tickflow/internal/broker"
	"tickflow/internal/greeks"
	"tickflow/logger"
	"tickflow/models"
)

// InstrumentSource is the registry surface the historical service needs.
type InstrumentSource interface {
	Lookup(token uint32) (models.Instrument, bool)
	Underlying(name string) (models.Instrument, bool)
}

// HistoricalService fetches candles through the session pool and enriches
// option candles with Greeks derived from the underlying's closes at the
// same timestamps.
type HistoricalService struct {
	cfg      config.HistoricalConfig
	market   config.MarketConfig
	clock    config.MarketClock
	pool     *broker.SessionPool
	registry InstrumentSource
	calc     *greeks.Calculator
	log      *logger.Log
}

func NewHistoricalService(cfg config.HistoricalConfig, market config.MarketConfig, clock config.MarketClock, pool *broker.SessionPool, registry InstrumentSource, calc *greeks.Calculator) *HistoricalService {
	if cfg.BackfillLookback <= 0 {
		cfg.BackfillLookback = 24 * time.Hour
	}
	if cfg.BackfillSample <= 0 {
		cfg.BackfillSample = 50
	}
	if cfg.Interval == "" {
		cfg.Interval = "5minute"
	}
	return &HistoricalService{
		cfg:      cfg,
		market:   market,
		clock:    clock,
		pool:     pool,
		registry: registry,
		calc:     calc,
		log:      logger.GetLogger(),
	}
}

// Candles returns candles for one token over the range. Option tokens come
// back Greeks-enriched when the underlying's candles are fetchable.
func (h *HistoricalService) Candles(ctx context.Context, token uint32, from, to time.Time) ([]models.Candle, error) {
	inst, ok := h.registry.Lookup(token)
	if !ok {
		return nil, fmt.Errorf("unknown instrument token %d", token)
	}

	candles, err := h.fetch(ctx, token, from, to)
	if err != nil {
		return nil, err
	}
	if !inst.IsOption() || inst.Expiry == nil {
		return candles, nil
	}

	underlying, ok := h.registry.Underlying(h.market.UnderlyingName)
	if !ok {
		return candles, nil
	}
	underlyingCandles, err := h.fetch(ctx, underlying.Token, from, to)
	if err != nil {
		// Candles remain usable without Greeks.
		h.log.WithComponent("historical").WithError(err).Warn("underlying fetch failed, skipping greeks")
		return candles, nil
	}
	h.enrich(candles, underlyingCandles, inst)
	return candles, nil
}

func (h *HistoricalService) fetch(ctx context.Context, token uint32, from, to time.Time) ([]models.Candle, error) {
	var candles []models.Candle
	err := h.pool.Do(ctx, func(ctx context.Context, s *broker.AccountSession) error {
		var callErr error
		candles, callErr = s.Client.FetchHistorical(ctx, token, from, to, h.cfg.Interval, false, true)
		return callErr
	})
	return candles, err
}

// enrich computes Greeks per candle from its close against the underlying
// close at the same timestamp. Candles without a matching underlying bar
// stay unenriched.
func (h *HistoricalService) enrich(candles, underlying []models.Candle, inst models.Instrument) {
	closes := make(map[int64]float64, len(underlying))
	for _, c := range underlying {
		closes[c.Timestamp.Unix()] = c.Close
	}
	cutoff := h.market.ExpiryCutoffOn(*inst.Expiry, h.clock.Location)
	for i := range candles {
		spot, ok := closes[candles[i].Timestamp.Unix()]
		if !ok || spot <= 0 {
			continue
		}
		g := h.calc.Compute(candles[i].Close, spot, inst.Strike, cutoff, inst.InstrumentType)
		candles[i].Greeks = &g
	}
}

// Backfill fetches a bounded sample of the account's assigned tokens over
// the lookback window. It returns the fetched candles per token; the last
// close per token doubles as a mock seed price.
func (h *HistoricalService) Backfill(ctx context.Context, accountID string, tokens []uint32) map[uint32][]models.Candle {
	if len(tokens) == 0 {
		return nil
	}
	sample := tokens
	if len(sample) > h.cfg.BackfillSample {
		sample = sample[:h.cfg.BackfillSample]
	}
	to := time.Now().In(h.clock.Location)
	from := to.Add(-h.cfg.BackfillLookback)

	out := make(map[uint32][]models.Candle, len(sample))
	for _, token := range sample {
		if ctx.Err() != nil {
			break
		}
		candles, err := h.Candles(ctx, token, from, to)
		if err != nil {
			h.log.WithComponent("historical").WithAccount(accountID).WithError(err).WithFields(logger.Fields{
				"token": token,
			}).Debug("backfill fetch failed")
			continue
		}
		if len(candles) > 0 {
			out[token] = candles
		}
	}
	h.log.WithComponent("historical").WithAccount(accountID).WithFields(logger.Fields{
		"requested": len(sample),
		"fetched":   len(out),
	}).Info("historical backfill complete")
	return out
}

// LastCloses reduces a backfill result to the most recent close per token.
func LastCloses(candles map[uint32][]models.Candle) map[uint32]float64 {
	out := make(map[uint32]float64, len(candles))
	for token, cs := range candles {
		if len(cs) > 0 {
			out[token] = cs[len(cs)-1].Close
		}
	}
	return out
}
