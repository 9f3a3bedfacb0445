package backpressure

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/models"
)

// Monitor derives pipeline health from sliding windows of ingest and
// publish events. It is consulted by the batcher to decide whether to shed
// or sample outgoing messages.
type Monitor struct {
	mu        sync.Mutex
	cfg       config.BackpressureConfig
	ingests   []time.Time
	publishes []time.Time
	latencies []latencySample
	pending   int
	dropped   int64
	now       func() time.Time
}

type latencySample struct {
	at time.Time
	d  time.Duration
}

func NewMonitor(cfg config.BackpressureConfig) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.WarningRatio <= 0 {
		cfg.WarningRatio = 1.5
	}
	if cfg.CriticalRatio <= 0 {
		cfg.CriticalRatio = 3
	}
	if cfg.OverloadRatio <= 0 {
		cfg.OverloadRatio = 5
	}
	if cfg.CriticalSamplePct <= 0 || cfg.CriticalSamplePct > 100 {
		cfg.CriticalSamplePct = 50
	}
	return &Monitor{cfg: cfg, now: time.Now}
}

// RecordIngest notes one tick entering the pipeline.
func (m *Monitor) RecordIngest() {
	m.mu.Lock()
	m.ingests = append(m.ingests, m.now())
	m.mu.Unlock()
}

// RecordPublish notes one completed publish and its latency.
func (m *Monitor) RecordPublish(latency time.Duration) {
	m.mu.Lock()
	now := m.now()
	m.publishes = append(m.publishes, now)
	m.latencies = append(m.latencies, latencySample{at: now, d: latency})
	m.mu.Unlock()
}

// RecordDrop notes one shed message.
func (m *Monitor) RecordDrop() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// SetPending reports the current count of messages waiting to publish.
func (m *Monitor) SetPending(n int) {
	m.mu.Lock()
	m.pending = n
	m.mu.Unlock()
}

// Metrics recomputes the derived health classification from the windows.
func (m *Monitor) Metrics() models.BackpressureMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)

	windowSecs := m.cfg.Window.Seconds()
	ingestRate := float64(len(m.ingests)) / windowSecs
	publishRate := float64(len(m.publishes)) / windowSecs

	p50, p95, p99 := percentiles(m.latencies)

	level := models.LevelHealthy
	// Publish starvation only matters while data is actually flowing. A
	// stalled publisher with any ingest is overload regardless of volume.
	if ingestRate > 0 && publishRate == 0 {
		level = models.LevelOverload
	} else if ingestRate > 0 {
		ratio := ingestRate / publishRate
		switch {
		case ratio >= m.cfg.OverloadRatio:
			level = models.LevelOverload
		case ratio >= m.cfg.CriticalRatio:
			level = models.LevelCritical
		case ratio >= m.cfg.WarningRatio:
			level = models.LevelWarning
		}
	}

	return models.BackpressureMetrics{
		IngestRate:     ingestRate,
		PublishRate:    publishRate,
		LatencyP50:     p50,
		LatencyP95:     p95,
		LatencyP99:     p99,
		PendingPublish: m.pending,
		Dropped:        m.dropped,
		Level:          level,
	}
}

// ShouldShed decides whether one outgoing message is shed under the current
// level: everything passes under Healthy/Warning, a configured percentage is
// sampled away under Critical, and everything is shed under Overload.
func (m *Monitor) ShouldShed() bool {
	switch m.Metrics().Level {
	case models.LevelOverload:
		return true
	case models.LevelCritical:
		return rand.Intn(100) < m.cfg.CriticalSamplePct
	default:
		return false
	}
}

// prune discards events older than the window; caller holds the lock.
func (m *Monitor) prune(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	m.ingests = pruneTimes(m.ingests, cutoff)
	m.publishes = pruneTimes(m.publishes, cutoff)

	idx := 0
	for idx < len(m.latencies) && m.latencies[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.latencies = m.latencies[idx:]
	}
}

func pruneTimes(events []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(events) && events[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		return events[idx:]
	}
	return events
}

func percentiles(samples []latencySample) (p50, p95, p99 time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, len(samples))
	for i, s := range samples {
		sorted[i] = s.d
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	pick := func(pct float64) time.Duration {
		idx := int(float64(len(sorted)-1) * pct)
		return sorted[idx]
	}
	return pick(0.50), pick(0.95), pick(0.99)
}
