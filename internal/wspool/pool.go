package wspool

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/ratelimit"
	"tickflow/logger"
	"tickflow/models"
)

// Pool owns every feed connection for one account. Connections are created
// on demand and capped at max_tokens_per_conn instruments each; subscribing
// past a connection's capacity shards the overflow onto the next one.
type Pool struct {
	accountID string
	cfg       config.BrokerConfig
	wsURL     string
	channels  *channel.Channels
	limiter   *ratelimit.Limiter
	log       *logger.Entry

	mu      sync.Mutex
	conns   []streamConn
	nextID  int
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	newConn func(id int) streamConn
}

// NewPool builds an idle pool for one account. Start must be called before
// Subscribe.
func NewPool(cfg config.BrokerConfig, account config.AccountConfig, channels *channel.Channels, limiter *ratelimit.Limiter) *Pool {
	p := &Pool{
		accountID: account.ID,
		cfg:       cfg,
		wsURL:     feedURL(cfg.WSURL, account),
		channels:  channels,
		limiter:   limiter,
		log:       logger.GetLogger().WithComponent("ws_pool").WithAccount(account.ID),
	}
	p.newConn = func(id int) streamConn {
		return newWSConn(id, p.accountID, p.wsURL, cfg.SubscribeBatch, channels)
	}
	return p
}

func feedURL(base string, account config.AccountConfig) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("api_key", account.APIKey)
	q.Set("access_token", account.AccessToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// Start begins the health sweep. Connections spin up lazily on Subscribe.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pool already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	go p.healthLoop(p.ctx)
	p.log.Info("connection pool started")
	return nil
}

// Subscribe places tokens on connections with spare capacity, creating new
// connections for the overflow. The whole operation is bounded by the
// configured subscribe timeout; on failure the placement for the failing
// connection is rolled back and a stream error is emitted.
func (p *Pool) Subscribe(ctx context.Context, tokens []uint32, mode models.StreamMode) error {
	if len(tokens) == 0 {
		return nil
	}
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool not started")
	}
	placements := p.place(tokens)
	p.mu.Unlock()

	timeout := p.cfg.SubscribeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	subCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(subCtx, ratelimit.CategoryWSSubscribe); err != nil {
			return err
		}
	}

	for _, pl := range placements {
		if err := pl.conn.Subscribe(subCtx, pl.tokens, mode); err != nil {
			p.channels.SendError(channel.StreamError{
				AccountID:    p.accountID,
				ConnectionID: pl.conn.ID(),
				Err:          fmt.Errorf("subscribe %d tokens: %w", len(pl.tokens), err),
				At:           time.Now(),
			})
			return fmt.Errorf("connection %d subscribe: %w", pl.conn.ID(), err)
		}
	}
	p.log.WithFields(logger.Fields{"tokens": len(tokens), "mode": string(mode), "connections": len(placements)}).Info("tokens subscribed")
	return nil
}

type placement struct {
	conn   streamConn
	tokens []uint32
}

// place assigns tokens across connections respecting the per-connection cap.
// Tokens already carried by a connection are skipped so a repeat subscribe
// never double-delivers an instrument. Caller holds the pool lock.
func (p *Pool) place(tokens []uint32) []placement {
	capacity := p.cfg.MaxTokensPerConn
	if capacity <= 0 {
		capacity = 3000
	}
	mapped := make(map[uint32]struct{})
	for _, c := range p.conns {
		for _, t := range c.Tokens() {
			mapped[t] = struct{}{}
		}
	}
	remaining := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := mapped[t]; ok {
			continue
		}
		mapped[t] = struct{}{}
		remaining = append(remaining, t)
	}
	var placements []placement
	for _, c := range p.conns {
		if len(remaining) == 0 {
			break
		}
		spare := capacity - c.Count()
		if spare <= 0 {
			continue
		}
		n := spare
		if n > len(remaining) {
			n = len(remaining)
		}
		placements = append(placements, placement{conn: c, tokens: remaining[:n]})
		remaining = remaining[n:]
	}
	for len(remaining) > 0 {
		c := p.spawnLocked()
		n := capacity
		if n > len(remaining) {
			n = len(remaining)
		}
		placements = append(placements, placement{conn: c, tokens: remaining[:n]})
		remaining = remaining[n:]
	}
	return placements
}

func (p *Pool) spawnLocked() streamConn {
	p.nextID++
	c := p.newConn(p.nextID)
	c.Start(p.ctx)
	p.conns = append(p.conns, c)
	p.log.WithFields(logger.Fields{"connection_id": c.ID(), "total": len(p.conns)}).Info("connection created")
	return c
}

// Unsubscribe removes tokens from whichever connections carry them.
func (p *Pool) Unsubscribe(ctx context.Context, tokens []uint32) error {
	p.mu.Lock()
	targets := make(map[streamConn][]uint32)
	want := make(map[uint32]struct{}, len(tokens))
	for _, t := range tokens {
		want[t] = struct{}{}
	}
	for _, c := range p.conns {
		for _, t := range c.Tokens() {
			if _, ok := want[t]; ok {
				targets[c] = append(targets[c], t)
			}
		}
	}
	p.mu.Unlock()

	var firstErr error
	for c, ts := range targets {
		if err := c.Unsubscribe(ctx, ts); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("connection %d unsubscribe: %w", c.ID(), err)
		}
	}
	return firstErr
}

// SubscribedCount sums tracked tokens across connections.
func (p *Pool) SubscribedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, c := range p.conns {
		total += c.Count()
	}
	return total
}

func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// healthLoop logs pool gauges and flags connections silent past the stale
// threshold.
func (p *Pool) healthLoop(ctx context.Context) {
	interval := p.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	stale := p.cfg.StaleAfter
	if stale <= 0 {
		stale = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(stale)
		}
	}
}

func (p *Pool) sweep(stale time.Duration) {
	p.mu.Lock()
	conns := make([]streamConn, len(p.conns))
	copy(conns, p.conns)
	capacity := p.cfg.MaxTokensPerConn
	if capacity <= 0 {
		capacity = 3000
	}
	p.mu.Unlock()

	total := 0
	for _, c := range conns {
		total += c.Count()
		if last := c.LastMessage(); c.Connected() && !last.IsZero() && time.Since(last) > stale {
			p.log.WithFields(logger.Fields{
				"connection_id": c.ID(),
				"silent_for":    time.Since(last).String(),
			}).Warn("connection silent past stale threshold")
		}
	}
	utilization := 0.0
	if len(conns) > 0 {
		utilization = float64(total) / float64(len(conns)*capacity)
	}
	p.log.WithFields(logger.Fields{
		"connections": len(conns),
		"subscribed":  total,
		"utilization": fmt.Sprintf("%.2f", utilization),
	}).Info("pool health")
}

// Stop gracefully closes every connection, bounded by the close timeout per
// connection, then cancels the pool context.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	conns := make([]streamConn, len(p.conns))
	copy(conns, p.conns)
	p.mu.Unlock()

	grace := p.cfg.CloseTimeout
	if grace <= 0 {
		grace = 5 * time.Second
	}
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c streamConn) {
			defer wg.Done()
			c.Close(grace)
		}(c)
	}
	wg.Wait()

	p.mu.Lock()
	p.cancel()
	p.started = false
	p.conns = nil
	p.mu.Unlock()
	p.log.Info("connection pool stopped")
}
