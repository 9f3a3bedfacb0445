package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/config"
	"tickflow/internal/ratelimit"
	"tickflow/logger"
)

// AccountSession pairs one broker account with its client. Stream-affecting
// operations (subscribe, unsubscribe, connection lifecycle) serialize on the
// stream lock; plain read-only API calls bypass it.
type AccountSession struct {
	ID     string
	APIKey string
	Client Client

	streamMu sync.Mutex
	lastUsed atomic.Int64
	inFlight atomic.Int64
	failures atomic.Int64
}

// LockStream acquires the exclusive stream lock for WebSocket-affecting work.
func (s *AccountSession) LockStream() {
	s.streamMu.Lock()
}

func (s *AccountSession) UnlockStream() {
	s.streamMu.Unlock()
}

// Begin marks the start of a read-only call on this session.
func (s *AccountSession) Begin() {
	s.inFlight.Add(1)
	s.lastUsed.Store(time.Now().UnixNano())
}

// End marks the completion of a read-only call and folds in its outcome.
func (s *AccountSession) End(err error) {
	s.inFlight.Add(-1)
	if err != nil {
		s.failures.Add(1)
	} else {
		s.failures.Store(0)
	}
}

func (s *AccountSession) Failures() int64 {
	return s.failures.Load()
}

func (s *AccountSession) InFlight() int64 {
	return s.inFlight.Load()
}

func (s *AccountSession) LastUsed() time.Time {
	n := s.lastUsed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SessionPool holds all account sessions. Read-only picks are round-robin
// over healthy sessions and never take a lock beyond the atomic cursor.
type SessionPool struct {
	sessions []*AccountSession
	byID     map[string]*AccountSession
	cursor   atomic.Uint64

	maxFailures int64
	log         *logger.Entry
}

// NewSessionPool builds one HTTP client per configured account.
func NewSessionPool(cfg config.BrokerConfig, limiter *ratelimit.Limiter) *SessionPool {
	pool := &SessionPool{
		byID:        make(map[string]*AccountSession, len(cfg.Accounts)),
		maxFailures: 5,
		log:         logger.GetLogger().WithComponent("session_pool"),
	}
	for _, account := range cfg.Accounts {
		session := &AccountSession{
			ID:     account.ID,
			APIKey: account.APIKey,
			Client: NewHTTPClient(cfg, account, limiter),
		}
		pool.sessions = append(pool.sessions, session)
		pool.byID[account.ID] = session
	}
	return pool
}

// NewSessionPoolWith wires explicit sessions, used by tests and mock mode.
func NewSessionPoolWith(sessions ...*AccountSession) *SessionPool {
	pool := &SessionPool{
		byID:        make(map[string]*AccountSession, len(sessions)),
		maxFailures: 5,
		log:         logger.GetLogger().WithComponent("session_pool"),
	}
	for _, s := range sessions {
		pool.sessions = append(pool.sessions, s)
		pool.byID[s.ID] = s
	}
	return pool
}

func (p *SessionPool) Len() int {
	return len(p.sessions)
}

func (p *SessionPool) All() []*AccountSession {
	out := make([]*AccountSession, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Get returns the session for one account id.
func (p *SessionPool) Get(accountID string) (*AccountSession, bool) {
	s, ok := p.byID[accountID]
	return s, ok
}

// Pick returns the next healthy session round-robin. Sessions past the
// failure ceiling are skipped until a successful call resets their count;
// if every session is failing the next one is returned anyway so callers
// keep probing rather than starving.
func (p *SessionPool) Pick() (*AccountSession, error) {
	n := len(p.sessions)
	if n == 0 {
		return nil, fmt.Errorf("session pool is empty")
	}
	start := p.cursor.Add(1)
	for i := 0; i < n; i++ {
		s := p.sessions[(start+uint64(i))%uint64(n)]
		if s.Failures() < p.maxFailures {
			return s, nil
		}
	}
	return p.sessions[start%uint64(n)], nil
}

// Do runs one read-only call on the next healthy session with failure
// accounting, failing over to the following session once on error.
func (p *SessionPool) Do(ctx context.Context, fn func(ctx context.Context, s *AccountSession) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		s, err := p.Pick()
		if err != nil {
			return err
		}
		s.Begin()
		err = fn(ctx, s)
		s.End(err)
		if err == nil {
			return nil
		}
		lastErr = err
		p.log.WithAccount(s.ID).WithError(err).Warn("session call failed, failing over")
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

// EnsureSessions verifies every account's access token up front.
func (p *SessionPool) EnsureSessions(ctx context.Context) error {
	for _, s := range p.sessions {
		if err := s.Client.EnsureSession(ctx); err != nil {
			return fmt.Errorf("account %s: %w", s.ID, err)
		}
	}
	return nil
}
