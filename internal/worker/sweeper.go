package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/tollgate-io/tollgate/internal/health"
	"github.com/tollgate-io/tollgate/internal/ratelimit"
)

// Sweeper evicts idle per-key state so tenants and actors that stop sending
// traffic do not pin memory forever.
type Sweeper struct {
	gate     *ratelimit.Gate
	health   *health.Registry
	interval time.Duration
	maxIdle  time.Duration
	log      *slog.Logger
}

// NewSweeper creates a sweeper. Zero durations use 10m interval / 1h idle.
func NewSweeper(gate *ratelimit.Gate, reg *health.Registry, interval, maxIdle time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{gate: gate, health: reg, interval: interval, maxIdle: maxIdle, log: log}
}

// Name returns the worker identifier.
func (s *Sweeper) Name() string { return "state_sweeper" }

// Run sweeps on a fixed cadence until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-s.maxIdle)
			limiters := s.gate.EvictStale(cutoff)
			trackers := s.health.EvictStale(cutoff)
			if limiters > 0 || trackers > 0 {
				s.log.Debug("swept idle state", "limiters", limiters, "trackers", trackers)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
