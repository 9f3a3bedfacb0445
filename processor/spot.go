package processor

import (
	"math"
	"sync/atomic"
)

// SpotTracker shares the last known underlying price between the index
// stream and every account's option stream. Lock-free: readers are on the
// hot tick path.
type SpotTracker struct {
	bits atomic.Uint64
}

func NewSpotTracker() *SpotTracker {
	return &SpotTracker{}
}

func (s *SpotTracker) Set(price float64) {
	if price > 0 {
		s.bits.Store(math.Float64bits(price))
	}
}

// Get returns the last underlying price, or 0 when none has been seen.
func (s *SpotTracker) Get() float64 {
	return math.Float64frombits(s.bits.Load())
}
