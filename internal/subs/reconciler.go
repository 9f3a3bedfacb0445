package subs

import (
	"context"
	"fmt"
	"time"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// InstrumentSource is the registry view the reconciler filters against.
type InstrumentSource interface {
	Lookup(token uint32) (models.Instrument, bool)
}

// Reconciler turns persisted subscription rows into per-account streaming
// assignments. Rows missing from the registry and options past expiry are
// filtered out of the plan and retired in the background.
type Reconciler struct {
	store    Store
	registry InstrumentSource
	clock    config.MarketClock
	log      *logger.Entry
	now      func() time.Time
}

func NewReconciler(store Store, registry InstrumentSource, clock config.MarketClock) *Reconciler {
	return &Reconciler{
		store:    store,
		registry: registry,
		clock:    clock,
		log:      logger.GetLogger().WithComponent("subscription_reconciler"),
		now:      time.Now,
	}
}

// Subscribe validates a token against the registry and persists the desired
// subscription synchronously. Unknown instruments fail here, not at stream
// time.
func (r *Reconciler) Subscribe(ctx context.Context, token uint32, mode models.StreamMode) error {
	inst, ok := r.registry.Lookup(token)
	if !ok {
		return fmt.Errorf("unknown instrument token %d", token)
	}
	if inst.IsOption() && inst.Expired(r.clock.Today(r.now())) {
		return fmt.Errorf("instrument %s expired", inst.TradingSymbol)
	}
	record := models.SubscriptionRecord{
		Token:         token,
		TradingSymbol: inst.TradingSymbol,
		Segment:       inst.Segment,
		Status:        models.SubscriptionActive,
		Mode:          mode,
	}
	return r.store.Upsert(ctx, record)
}

// Unsubscribe retires the rows for the given tokens.
func (r *Reconciler) Unsubscribe(ctx context.Context, tokens []uint32) error {
	return r.store.Deactivate(ctx, tokens)
}

// LoadPlan reads active rows and joins them with instrument metadata. Rows
// whose instrument is gone or whose option expiry is strictly before today
// in market time are excluded and deactivated asynchronously so a slow
// database write never delays the reload.
func (r *Reconciler) LoadPlan(ctx context.Context) ([]models.PlanItem, error) {
	records, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	today := r.clock.Today(r.now())
	var plan []models.PlanItem
	var retire []uint32
	for _, rec := range records {
		inst, ok := r.registry.Lookup(rec.Token)
		if !ok || !inst.Active {
			retire = append(retire, rec.Token)
			continue
		}
		if inst.IsOption() && inst.Expired(today) {
			retire = append(retire, rec.Token)
			continue
		}
		plan = append(plan, models.PlanItem{Record: rec, Instrument: inst})
	}

	if len(retire) > 0 {
		r.log.WithFields(logger.Fields{"count": len(retire)}).Info("retiring stale subscriptions")
		go func(tokens []uint32) {
			bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := r.store.Deactivate(bg, tokens); err != nil {
				r.log.WithError(err).Warn("failed to retire stale subscriptions")
			}
		}(retire)
	}
	return plan, nil
}

// BuildAssignments distributes plan items across accounts. Items keep their
// prior account when it is still present; the rest are dealt round-robin in
// plan order. Every assignment is persisted. No accounts means no
// assignments.
func (r *Reconciler) BuildAssignments(ctx context.Context, plan []models.PlanItem, accounts []string) ([]models.Assignment, error) {
	if len(accounts) == 0 || len(plan) == 0 {
		return nil, nil
	}
	valid := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		valid[a] = struct{}{}
	}

	assignments := make([]models.Assignment, 0, len(plan))
	next := 0
	for _, item := range plan {
		account := ""
		if prior := item.Record.AccountID; prior != nil {
			if _, ok := valid[*prior]; ok {
				account = *prior
			}
		}
		if account == "" {
			account = accounts[next%len(accounts)]
			next++
		}
		assignments = append(assignments, models.Assignment{
			Token:     item.Record.Token,
			Mode:      item.Record.Mode,
			AccountID: account,
		})
	}

	if err := r.store.SaveAssignments(ctx, assignments); err != nil {
		return nil, fmt.Errorf("persist assignments: %w", err)
	}
	return assignments, nil
}
