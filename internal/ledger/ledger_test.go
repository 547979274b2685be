package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string][]*gateway.LedgerRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string][]*gateway.LedgerRecord)}
}

func (m *memStore) AppendLedgerRecord(_ context.Context, rec *gateway.LedgerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.TenantID] = append(m.recs[rec.TenantID], &cp)
	return nil
}

func (m *memStore) LastLedgerRecord(_ context.Context, tenantID string) (*gateway.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.recs[tenantID]
	if len(recs) == 0 {
		return nil, gateway.ErrNotFound
	}
	return recs[len(recs)-1], nil
}

func (m *memStore) ListLedgerRecords(_ context.Context, tenantID string, fromSeq int64, limit int) ([]*gateway.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*gateway.LedgerRecord
	for _, rec := range m.recs[tenantID] {
		if rec.Seq >= fromSeq {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// runWriter starts the writer loop and returns a stop function that waits
// for shutdown drain.
func runWriter(t *testing.T, w *Writer) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func record(tenant, correlation string, cost float64) *gateway.LedgerRecord {
	return &gateway.LedgerRecord{
		TenantID:      tenant,
		CorrelationID: correlation,
		ActorID:       "user-1",
		WalletID:      "w-1",
		ModelUsed:     "gpt-4o",
		Provider:      "openai-us",
		CostUSD:       cost,
		Timestamp:     time.Now().UTC(),
	}
}

func TestAppendChains(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	w := NewWriter(store, 16, nil)
	stop := runWriter(t, w)

	ctx := context.Background()
	for i := range 5 {
		if err := w.Append(ctx, record("acme", fmt.Sprintf("c-%d", i), 0.01)); err != nil {
			t.Fatal(err)
		}
	}
	stop()

	recs := store.recs["acme"]
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}
	prev := genesisHash
	for i, rec := range recs {
		if rec.Seq != int64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, rec.Seq, i+1)
		}
		if rec.PrevHash != prev {
			t.Errorf("prev_hash[%d] mismatch", i)
		}
		if computeHash(prev, rec) != rec.Hash {
			t.Errorf("hash[%d] does not verify", i)
		}
		prev = rec.Hash
	}
}

func TestChainsIsolatedPerTenant(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	w := NewWriter(store, 16, nil)
	stop := runWriter(t, w)

	ctx := context.Background()
	w.Append(ctx, record("acme", "a-1", 0.01))
	w.Append(ctx, record("globex", "g-1", 0.02))
	w.Append(ctx, record("acme", "a-2", 0.03))
	stop()

	if got := store.recs["acme"][1].Seq; got != 2 {
		t.Errorf("acme seq = %d, want 2", got)
	}
	if got := store.recs["globex"][0].Seq; got != 1 {
		t.Errorf("globex seq = %d, want 1", got)
	}
	if store.recs["globex"][0].PrevHash != genesisHash {
		t.Error("each tenant chain starts at genesis")
	}
}

func TestWriterResumesFromStore(t *testing.T) {
	t.Parallel()
	store := newMemStore()

	w1 := NewWriter(store, 16, nil)
	stop := runWriter(t, w1)
	w1.Append(context.Background(), record("acme", "c-1", 0.01))
	stop()

	// A fresh writer picks up the persisted chain head.
	w2 := NewWriter(store, 16, nil)
	stop = runWriter(t, w2)
	w2.Append(context.Background(), record("acme", "c-2", 0.02))
	stop()

	recs := store.recs["acme"]
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[1].Seq != 2 || recs[1].PrevHash != recs[0].Hash {
		t.Errorf("resumed chain: seq=%d prev=%s", recs[1].Seq, recs[1].PrevHash)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	w := NewWriter(store, 16, nil)
	stop := runWriter(t, w)
	for i := range 10 {
		w.Append(context.Background(), record("acme", fmt.Sprintf("c-%d", i), 0.01))
	}
	stop()

	res, err := Verify(context.Background(), store, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Records != 10 {
		t.Errorf("verify = %+v, want valid with 10 records", res)
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	w := NewWriter(store, 16, nil)
	stop := runWriter(t, w)
	for i := range 5 {
		w.Append(context.Background(), record("acme", fmt.Sprintf("c-%d", i), 0.01))
	}
	stop()

	// Doctor the cost on record 3 without recomputing hashes.
	store.recs["acme"][2].CostUSD = 999

	res, err := Verify(context.Background(), store, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("tampered chain verified as valid")
	}
	if res.BrokenAt != 3 {
		t.Errorf("broken_at = %d, want 3", res.BrokenAt)
	}
}

func TestVerifyDetectsGap(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	w := NewWriter(store, 16, nil)
	stop := runWriter(t, w)
	for i := range 5 {
		w.Append(context.Background(), record("acme", fmt.Sprintf("c-%d", i), 0.01))
	}
	stop()

	// Delete record 3 from the middle.
	recs := store.recs["acme"]
	store.recs["acme"] = append(recs[:2:2], recs[3:]...)

	res, err := Verify(context.Background(), store, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("gapped chain verified as valid")
	}
	if res.BrokenAt != 4 {
		t.Errorf("broken_at = %d, want 4", res.BrokenAt)
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	t.Parallel()
	res, err := Verify(context.Background(), newMemStore(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Records != 0 {
		t.Errorf("empty chain = %+v, want valid with 0 records", res)
	}
}

func TestAppendRequiresTenant(t *testing.T) {
	t.Parallel()
	w := NewWriter(newMemStore(), 16, nil)
	if err := w.Append(context.Background(), &gateway.LedgerRecord{}); err == nil {
		t.Fatal("expected error for missing tenant")
	}
}

func TestConcurrentAppendsStayDense(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	w := NewWriter(store, 256, nil)
	stop := runWriter(t, w)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Append(context.Background(), record("acme", fmt.Sprintf("c-%d", i), 0.001))
		}()
	}
	wg.Wait()
	stop()

	res, err := Verify(context.Background(), store, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Records != 100 {
		t.Errorf("verify = %+v, want valid with 100 records", res)
	}
}
