package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner supervises a set of workers as one errgroup: the first failure
// cancels the shared context and every sibling winds down.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner with the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts all workers and blocks until they have all returned. The
// first non-nil error is returned, wrapped with the worker's name.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		slog.Info("worker started", "worker", w.Name())
		g.Go(func() error {
			err := w.Run(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", w.Name(), err)
			}
			slog.Info("worker stopped", "worker", w.Name())
			return nil
		})
	}
	return g.Wait()
}
