// Package analytics delivers per-request usage events to the store on a
// bounded asynchronous pipeline. Recording never blocks the request path;
// when the buffer is full the oldest event is dropped and counted.
package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/tollgate-io/tollgate/internal"
)

const drainTime = 30 * time.Second

// Store is the persistence interface consumed by the Recorder.
type Store interface {
	InsertAnalyticsBatch(ctx context.Context, records []gateway.AnalyticsRecord) error
}

// Config sizes the pipeline. Zero values fall back to defaults.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Recorder buffers analytics records and batch-flushes them to the store.
type Recorder struct {
	ch      chan gateway.AnalyticsRecord
	store   Store
	cfg     Config
	log     *slog.Logger
	dropped prometheus.Counter
	queued  prometheus.Gauge
}

// NewRecorder creates a Recorder backed by store. dropped and queued are
// optional metrics; nil disables them.
func NewRecorder(store Store, cfg Config, log *slog.Logger, dropped prometheus.Counter, queued prometheus.Gauge) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		ch:      make(chan gateway.AnalyticsRecord, cfg.BufferSize),
		store:   store,
		cfg:     cfg,
		log:     log,
		dropped: dropped,
		queued:  queued,
	}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "analytics_recorder" }

// Record enqueues an event. It never blocks: when the buffer is full the
// oldest queued event is discarded to make room.
func (r *Recorder) Record(rec gateway.AnalyticsRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	for {
		select {
		case r.ch <- rec:
			if r.queued != nil {
				r.queued.Set(float64(len(r.ch)))
			}
			return
		default:
		}
		select {
		case <-r.ch:
			if r.dropped != nil {
				r.dropped.Inc()
			}
			r.log.Warn("analytics buffer full, dropped oldest event")
		default:
		}
	}
}

// Run processes events until ctx is cancelled, then drains the buffer.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	buf := make([]gateway.AnalyticsRecord, 0, r.cfg.BatchSize)

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= r.cfg.BatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

// drain flushes buffered and queued events with a fresh timeout so shutdown
// does not lose the tail of the stream.
func (r *Recorder) drain(buf []gateway.AnalyticsRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= r.cfg.BatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, buf []gateway.AnalyticsRecord) {
	batch := make([]gateway.AnalyticsRecord, len(buf))
	copy(batch, buf)

	if err := r.store.InsertAnalyticsBatch(ctx, batch); err != nil {
		r.log.LogAttrs(ctx, slog.LevelError, "analytics flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	if r.queued != nil {
		r.queued.Set(float64(len(r.ch)))
	}
}
