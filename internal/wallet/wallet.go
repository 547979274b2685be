// Package wallet implements the hierarchical budget tree. Every charge walks
// the chain from the target wallet up to its organization root, so a team can
// never spend past its department and a department never past the org.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Store persists wallet snapshots. The in-memory tree is authoritative at
// runtime; snapshots are written behind it with optimistic versioning.
type Store interface {
	ListWallets(ctx context.Context, tenantID string) ([]*gateway.Wallet, error)
	UpdateWalletUsage(ctx context.Context, id string, spent, reserved, hardLimit float64, version int64) error
}

// ThresholdEvent fires when a wallet crosses a soft threshold upward.
// Each threshold fires at most once per reset period.
type ThresholdEvent struct {
	WalletID    string
	TenantID    string
	Threshold   float64
	Utilization float64
}

// Reservation is a pending hold against a wallet chain. Commit or Release
// must be called exactly once.
type Reservation struct {
	ID       string
	WalletID string
	TenantID string
	Amount   float64

	path []*node // root to leaf, set by Reserve
	done bool
}

type node struct {
	mu       sync.Mutex
	w        *gateway.Wallet
	parent   *node
	version  int64
	dirty    bool
	notified map[float64]bool // soft thresholds already fired this period
}

// Service is the wallet engine. All balance math happens in memory under
// per-node locks; the store receives versioned snapshots asynchronously.
type Service struct {
	mu    sync.RWMutex
	nodes map[string]*node
	store Store
	log   *slog.Logger

	onThreshold func(ThresholdEvent)
}

// NewService creates a wallet service over the given store.
func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		nodes: make(map[string]*node),
		store: store,
		log:   log,
	}
}

// SetNotifier registers the soft-threshold callback. Must be called before
// the service handles traffic.
func (s *Service) SetNotifier(fn func(ThresholdEvent)) {
	s.onThreshold = fn
}

// Load populates the in-memory tree for a tenant from the store.
// Parents must exist before children; the store returns them in seed order.
func (s *Service) Load(ctx context.Context, tenantID string) error {
	wallets, err := s.store.ListWallets(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("wallet: load tenant %s: %w", tenantID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range wallets {
		s.registerLocked(w)
	}
	return nil
}

// Register adds a single wallet node to the tree.
func (s *Service) Register(w *gateway.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(w)
}

func (s *Service) registerLocked(w *gateway.Wallet) error {
	if _, ok := s.nodes[w.ID]; ok {
		return fmt.Errorf("wallet: %s: %w", w.ID, gateway.ErrConflict)
	}
	n := &node{w: w, notified: make(map[float64]bool)}
	if w.ParentID != "" {
		parent, ok := s.nodes[w.ParentID]
		if !ok {
			return fmt.Errorf("wallet: parent %s of %s: %w", w.ParentID, w.ID, gateway.ErrNotFound)
		}
		n.parent = parent
	}
	s.nodes[w.ID] = n
	return nil
}

// Get returns a copy of the wallet's current state.
func (s *Service) Get(walletID string) (*gateway.Wallet, error) {
	s.mu.RLock()
	n, ok := s.nodes[walletID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wallet: %s: %w", walletID, gateway.ErrNotFound)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	w := *n.w
	return &w, nil
}

// chain returns the node's ancestors root-first, leaf-last. Callers must
// hold s.mu for reading.
func chain(n *node) []*node {
	var rev []*node
	for cur := n; cur != nil; cur = cur.parent {
		rev = append(rev, cur)
	}
	path := make([]*node, len(rev))
	for i, cur := range rev {
		path[len(rev)-1-i] = cur
	}
	return path
}

// lockChain acquires node locks root to leaf. The fixed order prevents
// deadlock between concurrent reservations on overlapping chains.
func lockChain(path []*node) {
	for _, n := range path {
		n.mu.Lock()
	}
}

func unlockChain(path []*node) {
	for i := len(path) - 1; i >= 0; i-- {
		path[i].mu.Unlock()
	}
}

// Check reports whether the full chain has room for cost without reserving.
func (s *Service) Check(walletID string, cost float64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[walletID]
	if !ok {
		return fmt.Errorf("wallet: %s: %w", walletID, gateway.ErrNotFound)
	}
	path := chain(n)
	lockChain(path)
	defer unlockChain(path)
	for _, cur := range path {
		if cur.w.Available() < cost {
			return fmt.Errorf("wallet: %s available %.6f < %.6f: %w",
				cur.w.ID, cur.w.Available(), cost, gateway.ErrWalletExhausted)
		}
	}
	return nil
}

// Reserve places a hold of amount on the wallet and every ancestor.
// Either the whole chain is incremented or nothing is.
func (s *Service) Reserve(walletID string, amount float64) (*Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("wallet: negative amount: %w", gateway.ErrBadRequest)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[walletID]
	if !ok {
		return nil, fmt.Errorf("wallet: %s: %w", walletID, gateway.ErrNotFound)
	}
	path := chain(n)
	lockChain(path)
	defer unlockChain(path)

	for _, cur := range path {
		if cur.w.Available() < amount {
			return nil, fmt.Errorf("wallet: %s available %.6f < %.6f: %w",
				cur.w.ID, cur.w.Available(), amount, gateway.ErrWalletExhausted)
		}
	}
	for _, cur := range path {
		cur.w.Reserved += amount
		cur.version++
		cur.dirty = true
	}

	return &Reservation{
		ID:       uuid.Must(uuid.NewV7()).String(),
		WalletID: walletID,
		TenantID: n.w.TenantID,
		Amount:   amount,
		path:     path,
	}, nil
}

// Commit settles a reservation at its actual cost. The full actual amount
// lands on spent for the whole chain, even past the reservation: a stream
// that outruns its estimate still bills what it used, and the ledger and
// the wallet record the same number. Only the reservation decrement is
// bounded by what was held.
func (s *Service) Commit(res *Reservation, actual float64) error {
	if res == nil || res.done {
		return fmt.Errorf("wallet: reservation already settled: %w", gateway.ErrConflict)
	}
	res.done = true
	committed := actual
	if committed < 0 {
		committed = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	lockChain(res.path)
	var events []ThresholdEvent
	for _, cur := range res.path {
		cur.w.Reserved -= res.Amount
		cur.w.Spent += committed
		cur.version++
		cur.dirty = true
		events = append(events, crossedThresholds(cur)...)
	}
	unlockChain(res.path)

	if s.onThreshold != nil {
		for _, ev := range events {
			s.onThreshold(ev)
		}
	}
	return nil
}

// Release drops a reservation without recording spend.
func (s *Service) Release(res *Reservation) error {
	if res == nil || res.done {
		return fmt.Errorf("wallet: reservation already settled: %w", gateway.ErrConflict)
	}
	res.done = true

	s.mu.RLock()
	defer s.mu.RUnlock()
	lockChain(res.path)
	defer unlockChain(res.path)
	for _, cur := range res.path {
		cur.w.Reserved -= res.Amount
		cur.version++
		cur.dirty = true
	}
	return nil
}

// crossedThresholds returns events for soft thresholds newly crossed upward.
// Caller holds the node lock. Each threshold fires once per reset period.
func crossedThresholds(n *node) []ThresholdEvent {
	var events []ThresholdEvent
	util := n.w.Utilization()
	for _, th := range n.w.SoftThresholds {
		if util >= th && !n.notified[th] {
			n.notified[th] = true
			events = append(events, ThresholdEvent{
				WalletID:    n.w.ID,
				TenantID:    n.w.TenantID,
				Threshold:   th,
				Utilization: util,
			})
		}
	}
	return events
}

// Transfer moves hard limit from one wallet to another within a tenant.
// Transfers require a named approver and are serialized against all other
// wallet operations.
func (s *Service) Transfer(from, to string, amount float64, approver string) error {
	if approver == "" {
		return fmt.Errorf("wallet: transfer without approver: %w", gateway.ErrApprovalRequired)
	}
	if amount <= 0 {
		return fmt.Errorf("wallet: transfer amount must be positive: %w", gateway.ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.nodes[from]
	if !ok {
		return fmt.Errorf("wallet: %s: %w", from, gateway.ErrNotFound)
	}
	dst, ok := s.nodes[to]
	if !ok {
		return fmt.Errorf("wallet: %s: %w", to, gateway.ErrNotFound)
	}
	if src.w.TenantID != dst.w.TenantID {
		return fmt.Errorf("wallet: cross-tenant transfer: %w", gateway.ErrForbidden)
	}
	if src.w.Available() < amount {
		return fmt.Errorf("wallet: %s available %.6f < %.6f: %w",
			from, src.w.Available(), amount, gateway.ErrWalletExhausted)
	}
	src.w.HardLimit -= amount
	dst.w.HardLimit += amount
	src.version++
	dst.version++
	src.dirty = true
	dst.dirty = true
	s.log.Info("wallet transfer",
		"from", from, "to", to, "amount", amount, "approver", approver)
	return nil
}

// Reset zeroes spent on a wallet, re-arms its soft thresholds, and returns
// the amount that was cleared. Reservations in flight are preserved.
func (s *Service) Reset(walletID string) (cleared float64, err error) {
	s.mu.RLock()
	n, ok := s.nodes[walletID]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("wallet: %s: %w", walletID, gateway.ErrNotFound)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	cleared = n.w.Spent
	n.w.Spent = 0
	n.notified = make(map[float64]bool)
	n.version++
	n.dirty = true
	return cleared, nil
}

// Chain returns copies of the wallet and its ancestors, root first. The
// balance endpoint reports the full effective chain so a caller can see
// which level constrains their spend.
func (s *Service) Chain(walletID string) ([]*gateway.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[walletID]
	if !ok {
		return nil, fmt.Errorf("wallet: %s: %w", walletID, gateway.ErrNotFound)
	}
	path := chain(n)
	lockChain(path)
	defer unlockChain(path)
	out := make([]*gateway.Wallet, len(path))
	for i, cur := range path {
		w := *cur.w
		out[i] = &w
	}
	return out, nil
}

// List returns copies of all wallets for a tenant.
func (s *Service) List(tenantID string) []*gateway.Wallet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Wallet
	for _, n := range s.nodes {
		n.mu.Lock()
		if n.w.TenantID == tenantID {
			w := *n.w
			out = append(out, &w)
		}
		n.mu.Unlock()
	}
	return out
}

// Flush writes dirty wallet snapshots to the store. Called periodically by
// the persistence worker and once on shutdown.
func (s *Service) Flush(ctx context.Context) error {
	type snapshot struct {
		id                         string
		spent, reserved, hardLimit float64
		version                    int64
	}
	var snaps []snapshot

	s.mu.RLock()
	for id, n := range s.nodes {
		n.mu.Lock()
		if n.dirty {
			snaps = append(snaps, snapshot{id, n.w.Spent, n.w.Reserved, n.w.HardLimit, n.version})
			n.dirty = false
		}
		n.mu.Unlock()
	}
	s.mu.RUnlock()

	var firstErr error
	for _, sn := range snaps {
		if err := s.store.UpdateWalletUsage(ctx, sn.id, sn.spent, sn.reserved, sn.hardLimit, sn.version); err != nil {
			s.log.Error("wallet flush failed", "wallet", sn.id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
