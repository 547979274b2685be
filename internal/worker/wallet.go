package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/wallet"
)

const defaultFlushInterval = 30 * time.Second

// WalletFlusher periodically persists dirty wallet state. A final flush runs
// on shutdown with a fresh context so in-flight spend is not lost.
type WalletFlusher struct {
	wallets  *wallet.Service
	interval time.Duration
	log      *slog.Logger
}

// NewWalletFlusher creates a flusher. interval <= 0 uses 30s.
func NewWalletFlusher(wallets *wallet.Service, interval time.Duration, log *slog.Logger) *WalletFlusher {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &WalletFlusher{wallets: wallets, interval: interval, log: log}
}

// Name returns the worker identifier.
func (f *WalletFlusher) Name() string { return "wallet_flusher" }

// Run flushes on a fixed cadence until ctx is cancelled.
func (f *WalletFlusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.wallets.Flush(ctx); err != nil {
				f.log.Error("wallet flush failed", "error", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := f.wallets.Flush(flushCtx); err != nil {
				f.log.Error("final wallet flush failed", "error", err)
			}
			return nil
		}
	}
}

// TenantLister supplies the tenants whose wallets are subject to resets.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]*gateway.Tenant, error)
}

// LedgerAppender enqueues audit records.
type LedgerAppender interface {
	Append(ctx context.Context, rec *gateway.LedgerRecord) error
}

// WalletResetWorker zeroes spent counters when a wallet's reset period
// elapses. A cron job fires at midnight UTC and resets every wallet due
// that day; soft thresholds re-arm as part of the reset. Each reset is
// recorded in the audit ledger.
type WalletResetWorker struct {
	wallets *wallet.Service
	tenants TenantLister
	ledger  LedgerAppender
	log     *slog.Logger
}

// NewWalletResetWorker creates a reset worker. ledger may be nil.
func NewWalletResetWorker(wallets *wallet.Service, tenants TenantLister, ledger LedgerAppender, log *slog.Logger) *WalletResetWorker {
	if log == nil {
		log = slog.Default()
	}
	return &WalletResetWorker{wallets: wallets, tenants: tenants, ledger: ledger, log: log}
}

// Name returns the worker identifier.
func (w *WalletResetWorker) Name() string { return "wallet_reset" }

// Run schedules the midnight sweep until ctx is cancelled.
func (w *WalletResetWorker) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("0 0 * * *", func() { w.sweep(ctx, time.Now().UTC()) }); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// sweep resets every wallet whose period renews on day.
func (w *WalletResetWorker) sweep(ctx context.Context, day time.Time) {
	tenants, err := w.tenants.ListTenants(ctx)
	if err != nil {
		w.log.Error("wallet reset sweep: list tenants failed", "error", err)
		return
	}
	for _, t := range tenants {
		for _, wal := range w.wallets.List(t.ID) {
			if !resetDue(wal, day) {
				continue
			}
			cleared, err := w.wallets.Reset(wal.ID)
			if err != nil {
				w.log.Error("wallet reset failed", "wallet", wal.ID, "error", err)
				continue
			}
			w.log.Info("wallet reset",
				"wallet", wal.ID, "tenant", t.ID,
				"period", wal.ResetPeriod, "cleared_usd", cleared)
			if w.ledger != nil {
				rec := &gateway.LedgerRecord{
					TenantID:      t.ID,
					Timestamp:     time.Now().UTC(),
					ActorID:       "system",
					WalletID:      wal.ID,
					FeatureTag:    "wallet_reset",
					RoutingReason: "wallet_reset",
					CostUSD:       cleared,
				}
				if err := w.ledger.Append(ctx, rec); err != nil {
					w.log.Error("wallet reset ledger append failed", "wallet", wal.ID, "error", err)
				}
			}
		}
	}
}

// resetDue reports whether the wallet's period renews on the given day.
// Monthly resets on days past the month's end clamp to the last day.
func resetDue(w *gateway.Wallet, day time.Time) bool {
	switch w.ResetPeriod {
	case "daily":
		return true
	case "weekly":
		return int(day.Weekday()) == w.ResetDay%7
	case "monthly":
		target := w.ResetDay
		if target < 1 {
			target = 1
		}
		lastDay := day.AddDate(0, 1, -day.Day()).Day()
		if target > lastDay {
			target = lastDay
		}
		return day.Day() == target
	default:
		return false
	}
}
