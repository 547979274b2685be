package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/health"
	"github.com/tollgate-io/tollgate/internal/provider"
)

const probeTimeout = 5 * time.Second

// HealthProber probes down connectors out of band so recovery does not
// depend on live traffic reaching the half-open window.
type HealthProber struct {
	providers *provider.Registry
	health    *health.Registry
	interval  time.Duration
	log       *slog.Logger
}

// NewHealthProber creates a prober. interval <= 0 uses 15s.
func NewHealthProber(providers *provider.Registry, reg *health.Registry, interval time.Duration, log *slog.Logger) *HealthProber {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &HealthProber{providers: providers, health: reg, interval: interval, log: log}
}

// Name returns the worker identifier.
func (p *HealthProber) Name() string { return "health_prober" }

// Run probes on a fixed cadence until ctx is cancelled.
func (p *HealthProber) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *HealthProber) probe(ctx context.Context) {
	for _, id := range p.providers.List() {
		tracker := p.health.GetOrCreate(id)
		if tracker.State() != gateway.Down {
			continue
		}
		adapter, err := p.providers.Get(id)
		if err != nil {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := time.Now()
		err = adapter.HealthCheck(probeCtx)
		cancel()
		if err != nil {
			tracker.RecordError(1)
			continue
		}
		tracker.RecordSuccess(time.Since(start))
		p.log.Info("connector recovered", "connector", id)
	}
}
