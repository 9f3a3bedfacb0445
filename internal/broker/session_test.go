package broker

import (
	"context"
	"errors"
	"testing"
)

func testPool(ids ...string) *SessionPool {
	sessions := make([]*AccountSession, len(ids))
	for i, id := range ids {
		sessions[i] = &AccountSession{ID: id}
	}
	return NewSessionPoolWith(sessions...)
}

func TestPickRoundRobin(t *testing.T) {
	pool := testPool("a", "b", "c")
	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		s, err := pool.Pick()
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		seen[s.ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 3 {
			t.Fatalf("distribution = %v", seen)
		}
	}
}

func TestPickSkipsFailingSession(t *testing.T) {
	pool := testPool("a", "b")
	bad, _ := pool.Get("a")
	for i := 0; i < 6; i++ {
		bad.Begin()
		bad.End(errors.New("boom"))
	}
	for i := 0; i < 4; i++ {
		s, err := pool.Pick()
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if s.ID != "b" {
			t.Fatalf("picked failing session %s", s.ID)
		}
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	pool := testPool("a")
	s, _ := pool.Get("a")
	for i := 0; i < 3; i++ {
		s.Begin()
		s.End(errors.New("boom"))
	}
	s.Begin()
	s.End(nil)
	if s.Failures() != 0 {
		t.Fatalf("failures = %d after success", s.Failures())
	}
}

func TestDoFailsOver(t *testing.T) {
	pool := testPool("a", "b")
	var calls []string
	err := pool.Do(context.Background(), func(ctx context.Context, s *AccountSession) error {
		calls = append(calls, s.ID)
		if len(calls) == 1 {
			return errors.New("first account down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(calls) != 2 || calls[0] == calls[1] {
		t.Fatalf("calls = %v, want failover to the other account", calls)
	}
}

func TestEmptyPool(t *testing.T) {
	pool := NewSessionPoolWith()
	if _, err := pool.Pick(); err == nil {
		t.Fatal("expected error from empty pool")
	}
}
