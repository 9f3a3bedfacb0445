package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/models"
)

type fakeFetcher struct {
	dumps map[string][]models.Instrument
	err   error
	calls int
}

func (f *fakeFetcher) FetchInstruments(ctx context.Context, segment string) ([]models.Instrument, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.dumps[segment], nil
}

type memStore struct {
	mu   sync.Mutex
	rows map[uint32]models.Instrument
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uint32]models.Instrument)}
}

func (s *memStore) Upsert(ctx context.Context, instruments []models.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range instruments {
		s.rows[inst.Token] = inst
	}
	return nil
}

func (s *memStore) DeactivateMissing(ctx context.Context, segment string, activeTokens []uint32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[uint32]struct{}, len(activeTokens))
	for _, t := range activeTokens {
		keep[t] = struct{}{}
	}
	var n int64
	for token, inst := range s.rows {
		if !strings.HasPrefix(inst.Segment, segment) || !inst.Active {
			continue
		}
		if _, ok := keep[token]; !ok {
			inst.Active = false
			s.rows[token] = inst
			n++
		}
	}
	return n, nil
}

func (s *memStore) LoadActive(ctx context.Context) ([]models.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Instrument
	for _, inst := range s.rows {
		if inst.Active {
			out = append(out, inst)
		}
	}
	return out, nil
}

func expiryDate(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func niftyDump() []models.Instrument {
	return []models.Instrument{
		{Token: 256265, TradingSymbol: "NIFTY 50", Name: "NIFTY 50", Segment: "INDICES", InstrumentType: "EQ", Active: true},
		{Token: 101, TradingSymbol: "NIFTY26SEP24500CE", Name: "NIFTY", Segment: "NFO-OPT", InstrumentType: "CE", Strike: 24500, Expiry: expiryDate(2026, 9, 25), Active: true},
		{Token: 102, TradingSymbol: "NIFTY26SEP24500PE", Name: "NIFTY", Segment: "NFO-OPT", InstrumentType: "PE", Strike: 24500, Expiry: expiryDate(2026, 9, 25), Active: true},
		{Token: 103, TradingSymbol: "NIFTY26OCT24500CE", Name: "NIFTY", Segment: "NFO-OPT", InstrumentType: "CE", Strike: 24500, Expiry: expiryDate(2026, 10, 29), Active: true},
	}
}

func newTestRegistry(dump []models.Instrument) (*Registry, *fakeFetcher, *memStore) {
	fetcher := &fakeFetcher{dumps: map[string][]models.Instrument{"NFO": dump}}
	store := newMemStore()
	reg := New(config.RegistryConfig{Segments: []string{"NFO"}, RefreshInterval: time.Hour}, fetcher, store)
	return reg, fetcher, store
}

func TestRefreshPopulatesCache(t *testing.T) {
	reg, _, _ := newTestRegistry(niftyDump())
	if err := reg.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if reg.Count() != 4 {
		t.Fatalf("cached %d instruments", reg.Count())
	}
	inst, ok := reg.Lookup(101)
	if !ok || inst.Strike != 24500 || !inst.IsOption() {
		t.Fatalf("lookup = %+v, %v", inst, ok)
	}
}

func TestRefreshDeactivatesMissing(t *testing.T) {
	reg, fetcher, store := newTestRegistry(niftyDump())
	if err := reg.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	// Next dump drops token 103.
	fetcher.dumps["NFO"] = niftyDump()[:3]
	if err := reg.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := reg.Lookup(103); ok {
		t.Fatal("dropped instrument still cached")
	}
	if row := store.rows[103]; row.Active {
		t.Fatal("dropped instrument still active in store")
	}
}

func TestRefreshThrottledUnlessForced(t *testing.T) {
	reg, fetcher, _ := newTestRegistry(niftyDump())
	if err := reg.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	calls := fetcher.calls
	if err := reg.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fetcher.calls != calls {
		t.Fatal("unforced refresh inside interval hit the broker")
	}
}

func TestRefreshErrorKeepsOldCache(t *testing.T) {
	reg, fetcher, _ := newTestRegistry(niftyDump())
	if err := reg.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	fetcher.err = errors.New("broker down")
	if err := reg.Refresh(context.Background(), true); err == nil {
		t.Fatal("expected refresh error")
	}
	if reg.Count() != 4 {
		t.Fatalf("cache lost on failed refresh, count = %d", reg.Count())
	}
}

func TestUnderlyingAndOptionChain(t *testing.T) {
	reg, _, _ := newTestRegistry(niftyDump())
	if err := reg.Refresh(context.Background(), true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	idx, ok := reg.Underlying("NIFTY 50")
	if !ok || idx.Token != 256265 {
		t.Fatalf("underlying = %+v, %v", idx, ok)
	}
	chain := reg.OptionChain("NIFTY", nil)
	if len(chain) != 3 {
		t.Fatalf("full chain = %d contracts", len(chain))
	}
	sep := expiryDate(2026, 9, 25)
	chain = reg.OptionChain("NIFTY", sep)
	if len(chain) != 2 {
		t.Fatalf("september chain = %d contracts", len(chain))
	}
}

func TestLoadPrimesFromStore(t *testing.T) {
	reg, _, store := newTestRegistry(nil)
	store.Upsert(context.Background(), niftyDump())
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.Count() != 4 {
		t.Fatalf("cached %d instruments from store", reg.Count())
	}
}
