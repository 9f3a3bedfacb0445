package ticker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/backpressure"
	"tickflow/internal/broker"
	"tickflow/internal/channel"
	"tickflow/internal/ratelimit"
	"tickflow/internal/subs"
	"tickflow/internal/wspool"
	"tickflow/logger"
	"tickflow/models"
)

// AccountState is the per-account ticker mode.
type AccountState string

const (
	StateLive     AccountState = "live"
	StateMock     AccountState = "mock"
	StateDisabled AccountState = "disabled"
)

// AccountStatus is one account's runtime view for state queries.
type AccountStatus struct {
	ID          string       `json:"id"`
	State       AccountState `json:"state"`
	Assigned    int          `json:"assigned"`
	Subscribed  int          `json:"subscribed"`
	Connections int          `json:"connections"`
	Since       time.Time    `json:"since"`
}

// AccountStream is the streaming surface of one account's connection pool.
type AccountStream interface {
	Start(ctx context.Context) error
	Subscribe(ctx context.Context, tokens []uint32, mode models.StreamMode) error
	Unsubscribe(ctx context.Context, tokens []uint32) error
	SubscribedCount() int
	ConnectionCount() int
	Stop()
}

// Loop is the multi-account ticker orchestrator. Each configured account
// runs a supervised worker that switches between LIVE streaming inside
// market hours and MOCK emission (when enabled) outside them. Subscription
// reloads are coalesced and applied as subscribe/unsubscribe diffs against
// the running pools.
type Loop struct {
	cfg        *config.Config
	clock      config.MarketClock
	registry   InstrumentSource
	chain      ChainSource
	reconciler *subs.Reconciler
	reloader   *subs.Reloader
	sessions   *broker.SessionPool
	channels   *channel.Channels
	monitor    *backpressure.Monitor
	mock       *MockGenerator
	rebalancer *StrikeRebalancer
	historical *HistoricalService
	log        *logger.Log

	newStream func(account config.AccountConfig) AccountStream

	mu          sync.Mutex
	streams     map[string]AccountStream
	states      map[string]AccountState
	since       map[string]time.Time
	assignments map[string][]models.Assignment
	seedPrices  map[uint32]float64
	running     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	now    func() time.Time
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Registry   InstrumentSource
	Chain      ChainSource
	Reconciler *subs.Reconciler
	Sessions   *broker.SessionPool
	Channels   *channel.Channels
	Monitor    *backpressure.Monitor
	Mock       *MockGenerator
	Rebalancer *StrikeRebalancer
	Historical *HistoricalService
}

func NewLoop(cfg *config.Config, clock config.MarketClock, deps Deps, newStream func(account config.AccountConfig) AccountStream) *Loop {
	l := &Loop{
		cfg:         cfg,
		clock:       clock,
		registry:    deps.Registry,
		chain:       deps.Chain,
		reconciler:  deps.Reconciler,
		sessions:    deps.Sessions,
		channels:    deps.Channels,
		monitor:     deps.Monitor,
		mock:        deps.Mock,
		rebalancer:  deps.Rebalancer,
		historical:  deps.Historical,
		log:         logger.GetLogger(),
		newStream:   newStream,
		streams:     make(map[string]AccountStream),
		states:      make(map[string]AccountState),
		since:       make(map[string]time.Time),
		assignments: make(map[string][]models.Assignment),
		seedPrices:  make(map[uint32]float64),
		wg:          &sync.WaitGroup{},
		now:         time.Now,
	}
	l.reloader = subs.NewReloader(cfg.Reconciler, l.applyReload)
	return l
}

// Start performs the strict startup sequence: instrument refresh, plan
// load, account session validation, assignment build, then worker spawn.
// Any failure aborts startup.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("ticker loop already running")
	}
	l.running = true
	l.mu.Unlock()

	if l.monitor == nil {
		return fmt.Errorf("backpressure monitor is required")
	}
	if l.channels == nil {
		return fmt.Errorf("tick channels are required")
	}
	if len(l.cfg.Broker.Accounts) == 0 && !l.cfg.Mock.Enabled {
		return fmt.Errorf("no broker accounts configured and mock mode disabled")
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	log := l.log.WithComponent("ticker_loop")

	if err := l.registryRefresh(l.ctx); err != nil {
		return fmt.Errorf("instrument refresh: %w", err)
	}

	plan, err := l.reconciler.LoadPlan(l.ctx)
	if err != nil {
		return fmt.Errorf("load subscription plan: %w", err)
	}

	if len(l.cfg.Broker.Accounts) > 0 {
		if err := l.sessions.EnsureSessions(l.ctx); err != nil {
			return fmt.Errorf("validate account sessions: %w", err)
		}
	}

	if err := l.rebuildAssignments(l.ctx, plan); err != nil {
		return fmt.Errorf("build assignments: %w", err)
	}

	l.reloader.Start(l.ctx)

	for _, account := range l.cfg.Broker.Accounts {
		account := account
		l.setState(account.ID, StateDisabled)
		l.wg.Add(1)
		go l.supervised("account_"+account.ID, func(ctx context.Context) {
			l.accountWorker(ctx, account)
		})
	}
	if len(l.cfg.Broker.Accounts) > 0 && l.cfg.Market.UnderlyingToken != 0 {
		l.wg.Add(1)
		go l.supervised("underlying", l.underlyingWorker)
	}
	l.wg.Add(1)
	go l.supervised("stream_errors", l.errorWorker)
	if l.cfg.Mock.Enabled && l.mock != nil {
		l.wg.Add(1)
		go l.supervised("mock", l.mockWorker)
	}
	if l.cfg.Rebalancer.Enabled && l.rebalancer != nil {
		l.wg.Add(1)
		go l.supervised("rebalancer", l.rebalancer.Run)
	}

	log.WithFields(logger.Fields{
		"accounts":  len(l.cfg.Broker.Accounts),
		"plan_size": len(plan),
		"mock":      l.cfg.Mock.Enabled,
	}).Info("ticker loop started")
	return nil
}

// Stop cancels every worker, awaits them all, then shuts the pools down.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()

	l.mu.Lock()
	streams := make([]AccountStream, 0, len(l.streams))
	for _, s := range l.streams {
		streams = append(streams, s)
	}
	l.streams = make(map[string]AccountStream)
	l.mu.Unlock()
	for _, s := range streams {
		s.Stop()
	}
	l.log.WithComponent("ticker_loop").Info("ticker loop stopped")
}

// ReloadSubscriptionsAsync requests a coalesced subscription reload. It
// never blocks; back-to-back requests fold into one reload pass.
func (l *Loop) ReloadSubscriptionsAsync() {
	l.reloader.Request()
}

// Accounts reports the runtime state of every configured account.
func (l *Loop) Accounts() []AccountStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AccountStatus, 0, len(l.states))
	for id, state := range l.states {
		status := AccountStatus{
			ID:       id,
			State:    state,
			Assigned: len(l.assignments[id]),
			Since:    l.since[id],
		}
		if stream, ok := l.streams[id]; ok {
			status.Subscribed = stream.SubscribedCount()
			status.Connections = stream.ConnectionCount()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns one account's current mode.
func (l *Loop) State(accountID string) AccountState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[accountID]; ok {
		return s
	}
	return StateDisabled
}

// registryRefresh delegates to the registry when it supports refreshing.
func (l *Loop) registryRefresh(ctx context.Context) error {
	type refresher interface {
		Refresh(ctx context.Context, force bool) error
	}
	if r, ok := l.registry.(refresher); ok {
		return r.Refresh(ctx, true)
	}
	return nil
}

// supervised reruns fn after a recovered panic until ctx is done.
func (l *Loop) supervised(name string, fn func(ctx context.Context)) {
	defer l.wg.Done()
	for {
		if l.ctx.Err() != nil {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.WithComponent("ticker_loop").WithFields(logger.Fields{
						"worker": name,
						"panic":  fmt.Sprintf("%v", r),
					}).Error("worker panicked, restarting")
				}
			}()
			fn(l.ctx)
		}()
		if l.ctx.Err() != nil {
			return
		}
		time.Sleep(time.Second)
	}
}

// accountWorker drives one account through the LIVE/MOCK/DISABLED state
// machine on market-hours transitions.
func (l *Loop) accountWorker(ctx context.Context, account config.AccountConfig) {
	for ctx.Err() == nil {
		now := l.now()
		if l.clock.InSession(now) {
			l.runLive(ctx, account)
			continue
		}
		if l.cfg.Mock.Enabled {
			l.setState(account.ID, StateMock)
		} else {
			l.setState(account.ID, StateDisabled)
		}
		l.sleepUntil(ctx, l.nextTransition(now))
	}
}

// runLive streams the account's assigned tokens until the session closes
// or ctx is cancelled, then tears the stream down.
func (l *Loop) runLive(ctx context.Context, account config.AccountConfig) {
	log := l.log.WithComponent("ticker_loop").WithAccount(account.ID)

	if l.mock != nil {
		l.mock.Reset()
	}
	l.setState(account.ID, StateLive)

	stream := l.newStream(account)
	if err := stream.Start(ctx); err != nil {
		log.WithError(err).Error("stream start failed")
		l.sleepUntil(ctx, l.now().Add(30*time.Second))
		return
	}
	l.mu.Lock()
	l.streams[account.ID] = stream
	assigned := append([]models.Assignment(nil), l.assignments[account.ID]...)
	l.mu.Unlock()

	for mode, tokens := range groupByMode(assigned) {
		if err := stream.Subscribe(ctx, tokens, mode); err != nil {
			log.WithError(err).WithFields(logger.Fields{"mode": string(mode)}).Error("subscribe failed")
		}
	}
	log.WithFields(logger.Fields{"assigned": len(assigned)}).Info("account live")

	if l.historical != nil {
		candles := l.historical.Backfill(ctx, account.ID, tokensOf(assigned))
		l.mu.Lock()
		for token, px := range LastCloses(candles) {
			l.seedPrices[token] = px
		}
		l.mu.Unlock()
	}

	// Idle until close, then clean up.
	for ctx.Err() == nil && l.clock.InSession(l.now()) {
		l.sleepUntil(ctx, minTime(l.nextTransition(l.now()), l.now().Add(30*time.Second)))
	}

	unsubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := stream.Unsubscribe(unsubCtx, tokensOf(assigned)); err != nil {
		log.WithError(err).Warn("session-close unsubscribe failed")
	}
	cancel()
	stream.Stop()
	l.mu.Lock()
	delete(l.streams, account.ID)
	l.mu.Unlock()
	log.Info("account stream closed for the day")
}

// underlyingWorker keeps a dedicated index-price stream alive during market
// hours. Spot enrichment across every account depends on this feed, so it
// never rides on any option subscription plan.
func (l *Loop) underlyingWorker(ctx context.Context) {
	for ctx.Err() == nil {
		now := l.now()
		if l.clock.InSession(now) {
			l.runUnderlying(ctx)
			continue
		}
		l.sleepUntil(ctx, l.nextTransition(now))
	}
}

// runUnderlying streams the index token in quote mode until the session
// closes, on a stream of its own over the first account's credentials.
func (l *Loop) runUnderlying(ctx context.Context) {
	log := l.log.WithComponent("ticker_loop")
	token := l.cfg.Market.UnderlyingToken

	stream := l.newStream(l.cfg.Broker.Accounts[0])
	if err := stream.Start(ctx); err != nil {
		log.WithError(err).Error("underlying stream start failed")
		l.sleepUntil(ctx, l.now().Add(30*time.Second))
		return
	}
	if err := stream.Subscribe(ctx, []uint32{token}, models.ModeQuote); err != nil {
		log.WithError(err).Error("underlying subscribe failed")
	} else {
		log.WithFields(logger.Fields{"token": token}).Info("underlying stream live")
	}

	for ctx.Err() == nil && l.clock.InSession(l.now()) {
		l.sleepUntil(ctx, minTime(l.nextTransition(l.now()), l.now().Add(30*time.Second)))
	}

	unsubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := stream.Unsubscribe(unsubCtx, []uint32{token}); err != nil {
		log.WithError(err).Warn("underlying unsubscribe failed")
	}
	cancel()
	stream.Stop()
	log.Info("underlying stream closed for the day")
}

// errorWorker drains stream failures so the error channel never saturates.
// Account-level failures surface here at error severity with their
// connection attribution.
func (l *Loop) errorWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-l.channels.Errors:
			if !ok {
				return
			}
			l.log.WithComponent("ticker_loop").WithAccount(e.AccountID).WithError(e.Err).WithFields(logger.Fields{
				"connection_id": e.ConnectionID,
			}).Error("stream error")
		}
	}
}

// mockWorker emits synthetic snapshots outside market hours.
func (l *Loop) mockWorker(ctx context.Context) {
	interval := l.cfg.Mock.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.clock.InSession(l.now()) {
				continue
			}
			if l.mock.StateCount() == 0 {
				l.seedMock()
			}
			l.mock.Emit(ctx)
		}
	}
}

// seedMock builds mock state from the currently assigned instruments,
// seeded with the last backfilled closes where available.
func (l *Loop) seedMock() {
	l.mu.Lock()
	var tokens []uint32
	for _, assigned := range l.assignments {
		for _, a := range assigned {
			tokens = append(tokens, a.Token)
		}
	}
	seeds := make(map[uint32]float64, len(l.seedPrices))
	for token, price := range l.seedPrices {
		seeds[token] = price
	}
	l.mu.Unlock()

	var instruments []models.Instrument
	for _, token := range tokens {
		if inst, ok := l.registry.Lookup(token); ok {
			instruments = append(instruments, inst)
		}
	}
	if len(instruments) == 0 && l.chain != nil {
		// No plan yet; fall back to the chain around the underlying.
		instruments = l.chain.OptionChain(l.cfg.Market.UnderlyingName, nil)
	}
	l.mock.Seed(instruments, seeds)
}

// applyReload recomputes assignments and applies the diff to live streams.
func (l *Loop) applyReload(ctx context.Context) error {
	plan, err := l.reconciler.LoadPlan(ctx)
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}

	l.mu.Lock()
	previous := make(map[string]map[uint32]models.StreamMode, len(l.assignments))
	for id, assigned := range l.assignments {
		prev := make(map[uint32]models.StreamMode, len(assigned))
		for _, a := range assigned {
			prev[a.Token] = a.Mode
		}
		previous[id] = prev
	}
	l.mu.Unlock()

	if err := l.rebuildAssignments(ctx, plan); err != nil {
		return err
	}

	l.mu.Lock()
	type diff struct {
		stream  AccountStream
		added   map[models.StreamMode][]uint32
		removed []uint32
	}
	var diffs []diff
	for id, stream := range l.streams {
		current := l.assignments[id]
		prev := previous[id]
		d := diff{stream: stream, added: make(map[models.StreamMode][]uint32)}
		seen := make(map[uint32]struct{}, len(current))
		for _, a := range current {
			seen[a.Token] = struct{}{}
			if _, had := prev[a.Token]; !had {
				d.added[a.Mode] = append(d.added[a.Mode], a.Token)
			}
		}
		for token := range prev {
			if _, still := seen[token]; !still {
				d.removed = append(d.removed, token)
			}
		}
		if len(d.added) > 0 || len(d.removed) > 0 {
			diffs = append(diffs, d)
		}
	}
	l.mu.Unlock()

	for _, d := range diffs {
		for mode, tokens := range d.added {
			if err := d.stream.Subscribe(ctx, tokens, mode); err != nil {
				l.log.WithComponent("ticker_loop").WithError(err).Warn("reload subscribe failed")
			}
		}
		if len(d.removed) > 0 {
			if err := d.stream.Unsubscribe(ctx, d.removed); err != nil {
				l.log.WithComponent("ticker_loop").WithError(err).Warn("reload unsubscribe failed")
			}
		}
	}
	return nil
}

// rebuildAssignments recomputes and stores the per-account assignment map.
func (l *Loop) rebuildAssignments(ctx context.Context, plan []models.PlanItem) error {
	accounts := make([]string, 0, len(l.cfg.Broker.Accounts))
	for _, a := range l.cfg.Broker.Accounts {
		accounts = append(accounts, a.ID)
	}
	assignments, err := l.reconciler.BuildAssignments(ctx, plan, accounts)
	if err != nil {
		return err
	}
	byAccount := make(map[string][]models.Assignment)
	for _, a := range assignments {
		byAccount[a.AccountID] = append(byAccount[a.AccountID], a)
	}
	l.mu.Lock()
	l.assignments = byAccount
	l.mu.Unlock()
	return nil
}

func (l *Loop) setState(accountID string, state AccountState) {
	l.mu.Lock()
	prev := l.states[accountID]
	if prev != state {
		l.states[accountID] = state
		l.since[accountID] = l.now()
	}
	l.mu.Unlock()
	if prev != state {
		l.log.WithComponent("ticker_loop").WithAccount(accountID).WithFields(logger.Fields{
			"from": string(prev),
			"to":   string(state),
		}).Info("account state change")
	}
}

// nextTransition returns the next session boundary after now.
func (l *Loop) nextTransition(now time.Time) time.Time {
	local := now.In(l.clock.Location)
	day := l.clock.Today(now)
	open := day.Add(time.Duration(l.clock.Open.Minutes()) * time.Minute)
	closeAt := day.Add(time.Duration(l.clock.Close.Minutes()) * time.Minute)
	switch {
	case local.Before(open):
		return open
	case local.Before(closeAt):
		return closeAt
	default:
		return open.Add(24 * time.Hour)
	}
}

func (l *Loop) sleepUntil(ctx context.Context, at time.Time) {
	d := at.Sub(l.now())
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func groupByMode(assigned []models.Assignment) map[models.StreamMode][]uint32 {
	out := make(map[models.StreamMode][]uint32)
	for _, a := range assigned {
		mode := a.Mode
		if mode == "" {
			mode = models.ModeFull
		}
		out[mode] = append(out[mode], a.Token)
	}
	return out
}

func tokensOf(assigned []models.Assignment) []uint32 {
	out := make([]uint32, 0, len(assigned))
	for _, a := range assigned {
		out = append(out, a.Token)
	}
	return out
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// NewPoolStream adapts the production connection pool to the stream
// interface with the wiring main uses.
func NewPoolStream(cfg config.BrokerConfig, channels *channel.Channels, limiter *ratelimit.Limiter) func(account config.AccountConfig) AccountStream {
	return func(account config.AccountConfig) AccountStream {
		return wspool.NewPool(cfg, account, channels, limiter)
	}
}
