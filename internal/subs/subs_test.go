package subs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/models"
)

type memStore struct {
	mu   sync.Mutex
	rows map[uint32]models.SubscriptionRecord
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uint32]models.SubscriptionRecord)}
}

func (s *memStore) ListActive(ctx context.Context) ([]models.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SubscriptionRecord
	for _, rec := range s.rows {
		if rec.Status == models.SubscriptionActive {
			out = append(out, rec)
		}
	}
	// Deterministic plan order.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Token < out[i].Token {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *memStore) Upsert(ctx context.Context, record models.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.rows[record.Token]; ok {
		record.AccountID = prior.AccountID
	}
	s.rows[record.Token] = record
	return nil
}

func (s *memStore) Deactivate(ctx context.Context, tokens []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		if rec, ok := s.rows[t]; ok {
			rec.Status = models.SubscriptionInactive
			s.rows[t] = rec
		}
	}
	return nil
}

func (s *memStore) SaveAssignments(ctx context.Context, assignments []models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assignments {
		if rec, ok := s.rows[a.Token]; ok {
			account := a.AccountID
			rec.AccountID = &account
			s.rows[a.Token] = rec
		}
	}
	return nil
}

func (s *memStore) account(token uint32) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[token]
	if !ok || rec.AccountID == nil {
		return ""
	}
	return *rec.AccountID
}

func (s *memStore) status(token uint32) models.SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[token].Status
}

type memRegistry struct {
	byToken map[uint32]models.Instrument
}

func (r *memRegistry) Lookup(token uint32) (models.Instrument, bool) {
	inst, ok := r.byToken[token]
	return inst, ok
}

func expiryDate(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func testRegistry() *memRegistry {
	return &memRegistry{byToken: map[uint32]models.Instrument{
		256265: {Token: 256265, TradingSymbol: "NIFTY 50", Name: "NIFTY 50", Segment: "INDICES", InstrumentType: "EQ", Active: true},
		101:    {Token: 101, TradingSymbol: "NIFTY26SEP24500CE", Name: "NIFTY", Segment: "NFO-OPT", InstrumentType: "CE", Strike: 24500, Expiry: expiryDate(2026, 9, 25), Active: true},
		102:    {Token: 102, TradingSymbol: "NIFTY26AUG24400PE", Name: "NIFTY", Segment: "NFO-OPT", InstrumentType: "PE", Strike: 24400, Expiry: expiryDate(2026, 8, 20), Active: true},
	}}
}

func newTestReconciler(store *memStore) *Reconciler {
	loc := time.UTC
	clock := config.MarketClock{
		Location: loc,
		Open:     config.ClockTime{Hour: 9, Minute: 15},
		Close:    config.ClockTime{Hour: 15, Minute: 30},
	}
	rec := NewReconciler(store, testRegistry(), clock)
	rec.now = func() time.Time {
		return time.Date(2026, 8, 26, 10, 0, 0, 0, loc)
	}
	return rec
}

func activeRecord(token uint32, account string) models.SubscriptionRecord {
	rec := models.SubscriptionRecord{Token: token, Status: models.SubscriptionActive, Mode: models.ModeFull}
	if account != "" {
		rec.AccountID = &account
	}
	return rec
}

func TestSubscribeValidatesToken(t *testing.T) {
	store := newMemStore()
	rec := newTestReconciler(store)

	if err := rec.Subscribe(context.Background(), 999, models.ModeFull); err == nil {
		t.Fatal("unknown token accepted")
	}
	if err := rec.Subscribe(context.Background(), 102, models.ModeFull); err == nil {
		t.Fatal("expired option accepted")
	}
	if err := rec.Subscribe(context.Background(), 101, models.ModeFull); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if store.status(101) != models.SubscriptionActive {
		t.Fatal("subscription not persisted")
	}
}

func TestLoadPlanFiltersExpiredAndUnknown(t *testing.T) {
	store := newMemStore()
	store.rows[256265] = activeRecord(256265, "")
	store.rows[101] = activeRecord(101, "")
	store.rows[102] = activeRecord(102, "") // expired 2026-08-20
	store.rows[999] = activeRecord(999, "") // not in registry
	rec := newTestReconciler(store)

	plan, err := rec.LoadPlan(context.Background())
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("plan has %d items, want 2", len(plan))
	}
	for _, item := range plan {
		if item.Record.Token == 102 || item.Record.Token == 999 {
			t.Fatalf("filtered token %d still in plan", item.Record.Token)
		}
	}
	// Async retirement lands shortly after.
	deadline := time.Now().Add(time.Second)
	for store.status(102) != models.SubscriptionInactive || store.status(999) != models.SubscriptionInactive {
		if time.Now().After(deadline) {
			t.Fatal("stale rows not retired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuildAssignmentsPreservesThenRoundRobins(t *testing.T) {
	store := newMemStore()
	store.rows[1] = activeRecord(1, "acc2")
	store.rows[2] = activeRecord(2, "gone")
	store.rows[3] = activeRecord(3, "")
	rec := newTestReconciler(store)

	plan := []models.PlanItem{
		{Record: store.rows[1]},
		{Record: store.rows[2]},
		{Record: store.rows[3]},
	}
	assignments, err := rec.BuildAssignments(context.Background(), plan, []string{"acc1", "acc2"})
	if err != nil {
		t.Fatalf("BuildAssignments: %v", err)
	}
	byToken := make(map[uint32]string)
	for _, a := range assignments {
		byToken[a.Token] = a.AccountID
	}
	if byToken[1] != "acc2" {
		t.Fatalf("token 1 reassigned to %s, want preserved acc2", byToken[1])
	}
	if byToken[2] != "acc1" || byToken[3] != "acc2" {
		t.Fatalf("round-robin gave %v", byToken)
	}
	if store.account(2) != "acc1" {
		t.Fatal("assignment not persisted")
	}
}

func TestBuildAssignmentsIdempotent(t *testing.T) {
	store := newMemStore()
	store.rows[1] = activeRecord(1, "")
	store.rows[2] = activeRecord(2, "")
	rec := newTestReconciler(store)

	items := []models.PlanItem{{Record: store.rows[1]}, {Record: store.rows[2]}}
	first, err := rec.BuildAssignments(context.Background(), items, []string{"acc1", "acc2"})
	if err != nil {
		t.Fatalf("BuildAssignments: %v", err)
	}

	// Re-read records so the prior assignment is visible, then rebuild.
	items = []models.PlanItem{{Record: store.rows[1]}, {Record: store.rows[2]}}
	second, err := rec.BuildAssignments(context.Background(), items, []string{"acc1", "acc2"})
	if err != nil {
		t.Fatalf("BuildAssignments: %v", err)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("reconciliation not idempotent: %v vs %v", first[i], second[i])
		}
	}
}

func TestBuildAssignmentsNoAccounts(t *testing.T) {
	store := newMemStore()
	rec := newTestReconciler(store)
	assignments, err := rec.BuildAssignments(context.Background(), []models.PlanItem{{Record: activeRecord(1, "")}}, nil)
	if err != nil {
		t.Fatalf("BuildAssignments: %v", err)
	}
	if assignments != nil {
		t.Fatalf("got %v assignments with no accounts", assignments)
	}
}

func TestReloaderCoalescesBursts(t *testing.T) {
	var runs atomic.Int32
	reloader := NewReloader(config.ReconcilerConfig{Debounce: 10 * time.Millisecond, MinInterval: 20 * time.Millisecond},
		func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloader.Start(ctx)

	for i := 0; i < 10; i++ {
		reloader.Request()
	}
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("burst of requests ran %d reloads, want 1", got)
	}
}

func TestReloaderMinInterval(t *testing.T) {
	var runs atomic.Int32
	reloader := NewReloader(config.ReconcilerConfig{Debounce: 5 * time.Millisecond, MinInterval: 150 * time.Millisecond},
		func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloader.Start(ctx)

	reloader.Request()
	time.Sleep(50 * time.Millisecond)
	reloader.Request()
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("second reload ran inside min interval, runs = %d", got)
	}
	time.Sleep(200 * time.Millisecond)
	if got := runs.Load(); got != 2 {
		t.Fatalf("trailing reload missing, runs = %d", got)
	}
}
