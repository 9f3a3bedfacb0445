package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// Fetcher pulls the broker instrument dump for one exchange segment.
type Fetcher interface {
	FetchInstruments(ctx context.Context, segment string) ([]models.Instrument, error)
}

// Registry caches the active instrument universe. Reads serve from an
// in-memory map under an RWMutex; Refresh rebuilds it from the broker dump
// and persists through the store.
type Registry struct {
	cfg     config.RegistryConfig
	fetcher Fetcher
	store   Store
	log     *logger.Entry

	mu          sync.RWMutex
	byToken     map[uint32]models.Instrument
	lastRefresh time.Time
}

func New(cfg config.RegistryConfig, fetcher Fetcher, store Store) *Registry {
	return &Registry{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		byToken: make(map[uint32]models.Instrument),
		log:     logger.GetLogger().WithComponent("instrument_registry"),
	}
}

// Load primes the cache from the database without touching the broker.
func (r *Registry) Load(ctx context.Context) error {
	instruments, err := r.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	r.swap(instruments)
	r.log.WithFields(logger.Fields{"count": len(instruments)}).Info("instrument cache primed from store")
	return nil
}

// Refresh pulls each configured segment's dump, upserts it, deactivates rows
// the dump dropped, and swaps the cache. Unless forced, a refresh inside the
// configured interval is a no-op.
func (r *Registry) Refresh(ctx context.Context, force bool) error {
	r.mu.RLock()
	last := r.lastRefresh
	r.mu.RUnlock()
	if !force && r.cfg.RefreshInterval > 0 && time.Since(last) < r.cfg.RefreshInterval {
		return nil
	}

	for _, segment := range r.cfg.Segments {
		instruments, err := r.fetcher.FetchInstruments(ctx, segment)
		if err != nil {
			return fmt.Errorf("refresh segment %s: %w", segment, err)
		}
		if err := r.store.Upsert(ctx, instruments); err != nil {
			return fmt.Errorf("upsert segment %s: %w", segment, err)
		}
		tokens := make([]uint32, 0, len(instruments))
		for _, inst := range instruments {
			tokens = append(tokens, inst.Token)
		}
		deactivated, err := r.store.DeactivateMissing(ctx, segment, tokens)
		if err != nil {
			return fmt.Errorf("deactivate segment %s: %w", segment, err)
		}
		r.log.WithFields(logger.Fields{
			"segment":     segment,
			"count":       len(instruments),
			"deactivated": deactivated,
		}).Info("segment refreshed")
	}

	active, err := r.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("reload after refresh: %w", err)
	}
	r.swap(active)
	return nil
}

func (r *Registry) swap(instruments []models.Instrument) {
	byToken := make(map[uint32]models.Instrument, len(instruments))
	for _, inst := range instruments {
		byToken[inst.Token] = inst
	}
	r.mu.Lock()
	r.byToken = byToken
	r.lastRefresh = time.Now()
	r.mu.Unlock()
}

// StartPeriodicRefresh refreshes on the configured interval until the
// context ends.
func (r *Registry) StartPeriodicRefresh(ctx context.Context) {
	if r.cfg.RefreshInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx, true); err != nil {
					r.log.WithError(err).Warn("periodic instrument refresh failed")
				}
			}
		}
	}()
}

// Lookup returns a copy of the instrument for one token.
func (r *Registry) Lookup(token uint32) (models.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byToken[token]
	return inst, ok
}

// Underlying finds the index instrument for a name, e.g. "NIFTY 50".
func (r *Registry) Underlying(name string) (models.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.byToken {
		if inst.IsIndex() && (inst.Name == name || inst.TradingSymbol == name) {
			return inst, true
		}
	}
	return models.Instrument{}, false
}

// OptionChain returns all option contracts for an underlying name, filtered
// to one expiry date when expiry is non-nil.
func (r *Registry) OptionChain(underlying string, expiry *time.Time) []models.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chain []models.Instrument
	for _, inst := range r.byToken {
		if !inst.IsOption() || inst.Name != underlying {
			continue
		}
		if expiry != nil {
			if inst.Expiry == nil {
				continue
			}
			ey, em, ed := inst.Expiry.Date()
			wy, wm, wd := expiry.Date()
			if ey != wy || em != wm || ed != wd {
				continue
			}
		}
		chain = append(chain, inst)
	}
	return chain
}

// Count reports cached instrument totals for gauges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}
