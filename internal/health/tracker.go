package health

import (
	"sort"
	"sync"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Config holds health tracker parameters.
type Config struct {
	DegradeThreshold float64       // weighted error rate to degrade (e.g. 0.15)
	DownThreshold    float64       // weighted error rate to mark down (e.g. 0.50)
	MinSamples       int           // minimum requests before state can worsen
	WindowSeconds    int           // sliding window duration in seconds
	ProbeInterval    time.Duration // time between probes while down
	RecoveryStreak   int           // consecutive successes to return to healthy
	LatencyFactor    float64       // p95 multiple of baseline that counts as slow
	LatencyWindow    time.Duration // how long p95 must stay slow before degrading
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DegradeThreshold: 0.15,
		DownThreshold:    0.50,
		MinSamples:       10,
		WindowSeconds:    60,
		ProbeInterval:    15 * time.Second,
		RecoveryStreak:   5,
		LatencyFactor:    2.0,
		LatencyWindow:    5 * time.Minute,
	}
}

// hardErrorStreak is the number of consecutive full-weight errors (5xx,
// network failures) inside the window that degrades a healthy connector.
const hardErrorStreak = 3

// latencySampleSize bounds the ring of recent success latencies backing p95.
const latencySampleSize = 64

// Tracker is a per-connector availability state machine.
//
// Transitions:
//
//	healthy  -> degraded  error rate >= DegradeThreshold, or 3 consecutive
//	                      full-weight errors within the window, or p95
//	                      latency above LatencyFactor x baseline for
//	                      LatencyWindow
//	healthy  -> down      error rate >= DownThreshold
//	degraded -> down      error rate >= DownThreshold
//	down     -> degraded  probe succeeds
//	degraded -> healthy   RecoveryStreak consecutive successes
type Tracker struct {
	mu        sync.Mutex
	state     gateway.HealthState
	window    slidingWindow
	downAt    time.Time // when transitioned to down
	lastProbe time.Time // last probe allowed while down
	lastUsed  time.Time // for stale eviction
	streak    int       // consecutive successes while degraded
	latencyMs float64   // EWMA of successful request latency

	samples    [latencySampleSize]float64 // recent success latencies (ms)
	sampleN    int
	sampleIdx  int
	baselineMs float64   // slow-moving latency baseline
	slowSince  time.Time // when p95 first exceeded the baseline multiple

	hardErrs    int       // consecutive full-weight errors
	firstHardAt time.Time // when the current consecutive run began

	cfg Config
}

// NewTracker creates a tracker in the healthy state.
func NewTracker(cfg Config) *Tracker {
	if cfg.LatencyFactor <= 0 {
		cfg.LatencyFactor = 2.0
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 5 * time.Minute
	}
	return &Tracker{
		state:    gateway.Healthy,
		window:   newSlidingWindow(cfg.WindowSeconds),
		cfg:      cfg,
		lastUsed: time.Now(),
	}
}

// State returns the current availability state.
func (t *Tracker) State() gateway.HealthState {
	t.mu.Lock()
	s := t.state
	t.mu.Unlock()
	return s
}

// Allow reports whether a request may be dispatched to the connector.
// A down connector admits one probe per ProbeInterval.
func (t *Tracker) Allow() bool {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsed = now

	if t.state != gateway.Down {
		return true
	}
	if now.Sub(t.lastProbe) >= t.cfg.ProbeInterval && now.Sub(t.downAt) >= t.cfg.ProbeInterval {
		t.lastProbe = now
		return true
	}
	return false
}

// RecordSuccess records a successful request and its latency.
func (t *Tracker) RecordSuccess(latency time.Duration) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsed = now
	t.window.record(0, now)
	t.hardErrs = 0

	ms := float64(latency.Milliseconds())
	if t.latencyMs == 0 {
		t.latencyMs = ms
	} else {
		t.latencyMs = 0.8*t.latencyMs + 0.2*ms
	}
	if t.baselineMs == 0 {
		t.baselineMs = ms
	} else {
		t.baselineMs = 0.98*t.baselineMs + 0.02*ms
	}
	t.samples[t.sampleIdx] = ms
	t.sampleIdx = (t.sampleIdx + 1) % latencySampleSize
	if t.sampleN < latencySampleSize {
		t.sampleN++
	}

	switch t.state {
	case gateway.Down:
		// Probe succeeded.
		t.state = gateway.Degraded
		t.streak = 1
		t.window.reset()
	case gateway.Degraded:
		t.streak++
		if t.streak >= t.cfg.RecoveryStreak {
			rate, _ := t.window.errorRate(now)
			if rate < t.cfg.DegradeThreshold {
				t.state = gateway.Healthy
				t.streak = 0
			}
		}
	case gateway.Healthy:
		t.checkLatency(now)
	}
}

// checkLatency degrades a healthy connector whose recent p95 has stayed
// above LatencyFactor times the long-run baseline for LatencyWindow.
// The baseline EWMA moves slowly enough that a sudden slowdown shows up
// in p95 well before it drags the baseline up.
func (t *Tracker) checkLatency(now time.Time) {
	if t.sampleN < t.cfg.MinSamples || t.baselineMs <= 0 {
		return
	}
	if t.p95Locked() <= t.cfg.LatencyFactor*t.baselineMs {
		t.slowSince = time.Time{}
		return
	}
	if t.slowSince.IsZero() {
		t.slowSince = now
		return
	}
	if now.Sub(t.slowSince) >= t.cfg.LatencyWindow {
		t.state = gateway.Degraded
		t.streak = 0
		t.slowSince = time.Time{}
	}
}

// RecordError records a failed request with the given error weight.
func (t *Tracker) RecordError(weight float64) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsed = now
	t.window.record(weight, now)
	t.streak = 0

	if t.state == gateway.Down {
		// Probe failed; stay down and restart the probe clock.
		t.downAt = now
		return
	}

	// A short run of consecutive hard failures degrades immediately,
	// before the windowed rate has enough samples to react.
	if weight >= 1.0 {
		window := time.Duration(t.cfg.WindowSeconds) * time.Second
		if t.hardErrs == 0 || now.Sub(t.firstHardAt) > window {
			t.hardErrs = 0
			t.firstHardAt = now
		}
		t.hardErrs++
		if t.hardErrs >= hardErrorStreak && t.state == gateway.Healthy {
			t.state = gateway.Degraded
		}
	} else {
		t.hardErrs = 0
	}

	rate, samples := t.window.errorRate(now)
	if samples < t.cfg.MinSamples {
		return
	}
	switch {
	case rate >= t.cfg.DownThreshold:
		t.state = gateway.Down
		t.downAt = now
		t.lastProbe = time.Time{}
	case rate >= t.cfg.DegradeThreshold:
		if t.state == gateway.Healthy {
			t.state = gateway.Degraded
		}
	}
}

// LatencyMs returns the EWMA latency of successful requests, 0 when unknown.
func (t *Tracker) LatencyMs() float64 {
	t.mu.Lock()
	l := t.latencyMs
	t.mu.Unlock()
	return l
}

// P95Ms returns the 95th-percentile latency over the recent success
// samples, falling back to the EWMA before any sample has been recorded.
func (t *Tracker) P95Ms() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p95Locked()
}

func (t *Tracker) p95Locked() float64 {
	n := t.sampleN
	if n == 0 {
		return t.latencyMs
	}
	buf := make([]float64, n)
	copy(buf, t.samples[:n])
	sort.Float64s(buf)
	idx := (n*95+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return buf[idx]
}

// LastUsed returns the time of last activity (for stale eviction).
func (t *Tracker) LastUsed() time.Time {
	t.mu.Lock()
	u := t.lastUsed
	t.mu.Unlock()
	return u
}

// Snapshot reports the state, windowed error rate, and latency in one lock.
func (t *Tracker) Snapshot() (state gateway.HealthState, errorRate float64, latencyMs float64) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	rate, _ := t.window.errorRate(now)
	return t.state, rate, t.latencyMs
}
