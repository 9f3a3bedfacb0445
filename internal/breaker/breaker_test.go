package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickflow/config"
)

func newTestBreaker() *CircuitBreaker {
	return New("test", config.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMax:      2,
	})
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("breaker opened before threshold")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("breaker should open on exactly the threshold failure")
	}
	if cb.Allow() {
		t.Fatalf("open breaker must reject")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker()
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker")
	}
}

func TestHalfOpenTransitionAndClose(t *testing.T) {
	cb := newTestBreaker()
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open")
	}

	// Before the recovery timeout: still rejecting.
	cb.now = func() time.Time { return base.Add(10 * time.Second) }
	if cb.Allow() {
		t.Fatalf("open breaker must reject before recovery timeout")
	}

	// After the timeout the next attempt becomes the half-open probe.
	cb.now = func() time.Time { return base.Add(31 * time.Second) }
	if !cb.Allow() {
		t.Fatalf("expected half-open probe to be admitted")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	cb.RecordSuccess()
	if !cb.Allow() {
		t.Fatalf("second probe should be admitted")
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker()
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.now = func() time.Time { return base.Add(31 * time.Second) }
	if !cb.Allow() {
		t.Fatalf("expected probe admitted")
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("probe failure must reopen, got %s", cb.State())
	}
}

func TestHalfOpenProbeCap(t *testing.T) {
	cb := newTestBreaker()
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.now = func() time.Time { return base.Add(31 * time.Second) }

	if !cb.Allow() || !cb.Allow() {
		t.Fatalf("expected two probes admitted")
	}
	if cb.Allow() {
		t.Fatalf("expected probe cap to reject the third in-flight probe")
	}
}

func TestExecuteShortCircuits(t *testing.T) {
	cb := newTestBreaker()
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return boom })
	}
	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestManagerReturnsSameInstance(t *testing.T) {
	m := NewManager()
	a := m.GetOrCreate("orders", config.CircuitBreakerConfig{})
	b := m.GetOrCreate("orders", config.CircuitBreakerConfig{})
	if a != b {
		t.Fatalf("expected the same breaker instance per name")
	}
}
