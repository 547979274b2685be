// Package ledger maintains the tamper-evident audit trail. Each tenant has
// its own append-only chain: records carry a dense monotonic sequence and a
// SHA-256 hash over the previous hash plus the canonical record body.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Store persists chained ledger records.
type Store interface {
	AppendLedgerRecord(ctx context.Context, rec *gateway.LedgerRecord) error
	LastLedgerRecord(ctx context.Context, tenantID string) (*gateway.LedgerRecord, error)
	ListLedgerRecords(ctx context.Context, tenantID string, fromSeq int64, limit int) ([]*gateway.LedgerRecord, error)
}

// genesisHash anchors the first record of every tenant chain.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonical serializes the record without its hash fields. The encoding is
// deterministic (fixed field order) so verification is stable across writes.
func canonical(rec *gateway.LedgerRecord) []byte {
	body := struct {
		TenantID       string  `json:"tenant_id"`
		Seq            int64   `json:"seq"`
		Timestamp      int64   `json:"timestamp_unix_us"`
		CorrelationID  string  `json:"correlation_id"`
		ActorID        string  `json:"actor_id"`
		WalletID       string  `json:"wallet_id"`
		FeatureTag     string  `json:"feature"`
		ModelRequested string  `json:"model_requested"`
		ModelUsed      string  `json:"model_used"`
		Provider       string  `json:"provider"`
		RoutingReason  string  `json:"routing_reason"`
		PromptTokens   int     `json:"prompt_tokens"`
		OutputTokens   int     `json:"output_tokens"`
		CostUSD        float64 `json:"cost_usd"`
		LatencyMs      int     `json:"latency_ms"`
		CacheHit       bool    `json:"cache_hit"`
		Similarity     float64 `json:"similarity"`
		PolicyActions  string  `json:"policy_actions"`
		FinishReason   string  `json:"finish_reason"`
		ErrorCode      string  `json:"error_code"`
	}{
		TenantID:       rec.TenantID,
		Seq:            rec.Seq,
		Timestamp:      rec.Timestamp.UnixMicro(),
		CorrelationID:  rec.CorrelationID,
		ActorID:        rec.ActorID,
		WalletID:       rec.WalletID,
		FeatureTag:     rec.FeatureTag,
		ModelRequested: rec.ModelRequested,
		ModelUsed:      rec.ModelUsed,
		Provider:       rec.Provider,
		RoutingReason:  rec.RoutingReason,
		PromptTokens:   rec.PromptTokens,
		OutputTokens:   rec.OutputTokens,
		CostUSD:        rec.CostUSD,
		LatencyMs:      rec.LatencyMs,
		CacheHit:       rec.CacheHit,
		Similarity:     rec.Similarity,
		PolicyActions:  rec.PolicyActions,
		FinishReason:   rec.FinishReason,
		ErrorCode:      rec.ErrorCode,
	}
	b, _ := json.Marshal(body)
	return b
}

// computeHash returns hex(SHA-256(prevHash || canonical(rec))).
func computeHash(prevHash string, rec *gateway.LedgerRecord) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical(rec))
	return hex.EncodeToString(h.Sum(nil))
}

// chainHead tracks the tail of one tenant's chain.
type chainHead struct {
	seq  int64
	hash string
}

// Writer serializes ledger appends through a single goroutine. Appends are
// accepted into a buffered queue; sequence numbers and hashes are assigned
// by the writer loop so chains stay dense under concurrency.
type Writer struct {
	store Store
	log   *slog.Logger
	queue chan *gateway.LedgerRecord

	mu    sync.Mutex
	heads map[string]*chainHead

	done chan struct{}
}

// NewWriter creates a ledger writer with the given queue depth.
func NewWriter(store Store, bufferSize int, log *slog.Logger) *Writer {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		store: store,
		log:   log,
		queue: make(chan *gateway.LedgerRecord, bufferSize),
		heads: make(map[string]*chainHead),
		done:  make(chan struct{}),
	}
}

// Append queues a record for chaining. The sequence, prev_hash and hash
// fields are assigned by the writer; callers fill everything else.
// Blocks when the queue is full: the audit trail is not best-effort.
func (w *Writer) Append(ctx context.Context, rec *gateway.LedgerRecord) error {
	if rec.TenantID == "" {
		return fmt.Errorf("ledger: record without tenant: %w", gateway.ErrBadRequest)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case w.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return fmt.Errorf("ledger: writer closed")
	}
}

// Name returns the worker identifier.
func (w *Writer) Name() string { return "ledger_writer" }

// Run drains the queue until ctx is cancelled, then flushes what remains.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-w.queue:
			w.write(ctx, rec)
		case <-ctx.Done():
			close(w.done)
			w.drain()
			return ctx.Err()
		}
	}
}

// drain writes queued records during shutdown with a fresh deadline.
func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-w.queue:
			w.write(ctx, rec)
		default:
			return
		}
	}
}

// write chains and persists one record.
func (w *Writer) write(ctx context.Context, rec *gateway.LedgerRecord) {
	head, err := w.head(ctx, rec.TenantID)
	if err != nil {
		w.log.Error("ledger head lookup failed", "tenant", rec.TenantID, "error", err)
		return
	}

	rec.Seq = head.seq + 1
	rec.PrevHash = head.hash
	rec.Hash = computeHash(rec.PrevHash, rec)

	if err := w.store.AppendLedgerRecord(ctx, rec); err != nil {
		w.log.Error("ledger append failed",
			"tenant", rec.TenantID, "seq", rec.Seq, "error", err)
		return
	}
	head.seq = rec.Seq
	head.hash = rec.Hash
}

// head returns the cached chain tail for a tenant, loading it from the
// store on first use.
func (w *Writer) head(ctx context.Context, tenantID string) (*chainHead, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.heads[tenantID]; ok {
		return h, nil
	}
	last, err := w.store.LastLedgerRecord(ctx, tenantID)
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}
	h := &chainHead{hash: genesisHash}
	if last != nil {
		h.seq = last.Seq
		h.hash = last.Hash
	}
	w.heads[tenantID] = h
	return h, nil
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	TenantID string `json:"tenant_id"`
	Records  int64  `json:"records"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"` // seq of the first bad record
	Reason   string `json:"reason,omitempty"`
}

// Verify walks a tenant's chain from the genesis record and reports the
// first break: a gap in the sequence, a prev_hash mismatch, or a record
// whose stored hash does not match its recomputed hash.
func Verify(ctx context.Context, store Store, tenantID string) (*VerifyResult, error) {
	const pageSize = 500
	result := &VerifyResult{TenantID: tenantID, Valid: true}

	prevHash := genesisHash
	var expectSeq int64 = 1
	for {
		page, err := store.ListLedgerRecords(ctx, tenantID, expectSeq, pageSize)
		if err != nil {
			return nil, fmt.Errorf("ledger: verify %s: %w", tenantID, err)
		}
		if len(page) == 0 {
			return result, nil
		}
		for _, rec := range page {
			if rec.Seq != expectSeq {
				result.Valid = false
				result.BrokenAt = rec.Seq
				result.Reason = fmt.Sprintf("sequence gap: want %d, got %d", expectSeq, rec.Seq)
				return result, nil
			}
			if rec.PrevHash != prevHash {
				result.Valid = false
				result.BrokenAt = rec.Seq
				result.Reason = "prev_hash mismatch"
				return result, nil
			}
			if computeHash(prevHash, rec) != rec.Hash {
				result.Valid = false
				result.BrokenAt = rec.Seq
				result.Reason = "record hash mismatch"
				return result, nil
			}
			prevHash = rec.Hash
			expectSeq++
			result.Records++
		}
		if len(page) < pageSize {
			return result, nil
		}
	}
}
