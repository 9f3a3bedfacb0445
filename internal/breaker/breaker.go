package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/logger"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call without attempting it.
var ErrOpen = errors.New("circuit breaker open")

// CircuitBreaker guards a failure-prone dependency. CLOSED admits all calls;
// FailureThreshold consecutive failures trip it OPEN; after RecoveryTimeout
// the next call moves it HALF_OPEN, where up to HalfOpenMax probes run;
// SuccessThreshold consecutive probe successes close it again and any probe
// failure reopens it.
type CircuitBreaker struct {
	name string
	cfg  config.CircuitBreakerConfig

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	halfOpenRuns int
	openedAt     time.Time
	log          *logger.Log
	now          func() time.Time
}

func New(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = cfg.SuccessThreshold
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		log:   logger.GetLogger(),
		now:   time.Now,
	}
}

// Allow reports whether a call may proceed, transitioning OPEN→HALF_OPEN
// once the recovery timeout has elapsed. A successful Allow in HALF_OPEN
// consumes one probe slot and must be paired with RecordSuccess or
// RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.RecoveryTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenRuns = 1
		return true
	case StateHalfOpen:
		if cb.halfOpenRuns >= cb.cfg.HalfOpenMax {
			return false
		}
		cb.halfOpenRuns++
		return true
	default:
		return false
	}
}

// RecordSuccess feeds back a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenRuns--
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure feeds back a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		// Any probe failure reopens immediately.
		cb.trip()
	}
}

// Execute runs fn under the breaker, recording the outcome. An open breaker
// short-circuits with ErrOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.Allow() {
		return ErrOpen
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current breaker position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// trip moves to OPEN; caller holds the lock.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.transition(StateOpen)
}

// transition resets per-state counters; caller holds the lock.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to != StateHalfOpen {
		cb.halfOpenRuns = 0
	}
	cb.log.WithComponent("breaker").WithFields(logger.Fields{
		"breaker": cb.name,
		"from":    from.String(),
		"to":      to.String(),
	}).Warn("circuit breaker state change")
}

// Manager holds named breakers so the order path and publish path keep
// independent state.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker)}
}

// GetOrCreate returns the breaker registered under name, creating it with
// cfg on first use.
func (m *Manager) GetOrCreate(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := New(name, cfg)
	m.breakers[name] = cb
	return cb
}
