package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTenant(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateTenant(context.Background(), &gateway.Tenant{
		ID:        id,
		Name:      id,
		PlanTier:  "standard",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	})
	if err != nil {
		t.Fatal("seed tenant:", err)
	}
}

func TestTenantRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tenant := &gateway.Tenant{
		ID:             "acme",
		Name:           "Acme Corp",
		PlanTier:       "enterprise",
		Residency:      "eu",
		CacheThreshold: 0.95,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateTenant(ctx, tenant); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Name != "Acme Corp" || got.Residency != "eu" || got.CacheThreshold != 0.95 {
		t.Errorf("tenant = %+v", got)
	}

	tenant.PlanTier = "standard"
	if err := s.UpdateTenant(ctx, tenant); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetTenant(ctx, "acme")
	if got.PlanTier != "standard" {
		t.Errorf("plan = %q after update", got.PlanTier)
	}

	tenants, err := s.ListTenants(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(tenants) != 1 {
		t.Fatalf("list count = %d, want 1", len(tenants))
	}

	if err := s.DeleteTenant(ctx, "acme"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetTenant(ctx, "acme"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestWalletRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "acme")

	root := &gateway.Wallet{
		ID:             "wal-org",
		TenantID:       "acme",
		Kind:           gateway.WalletOrganization,
		HardLimit:      1000,
		SoftThresholds: []float64{0.5, 0.9},
		ResetPeriod:    "monthly",
		ResetDay:       1,
	}
	child := &gateway.Wallet{
		ID:        "wal-team",
		TenantID:  "acme",
		ParentID:  "wal-org",
		Kind:      gateway.WalletTeam,
		HardLimit: 100,
	}
	if err := s.CreateWallet(ctx, root); err != nil {
		t.Fatal("create root:", err)
	}
	if err := s.CreateWallet(ctx, child); err != nil {
		t.Fatal("create child:", err)
	}

	got, err := s.GetWallet(ctx, "wal-org")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.HardLimit != 1000 || len(got.SoftThresholds) != 2 || got.ResetPeriod != "monthly" {
		t.Errorf("wallet = %+v", got)
	}

	wallets, err := s.ListWallets(ctx, "acme")
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(wallets) != 2 {
		t.Fatalf("list count = %d, want 2", len(wallets))
	}
}

func TestWalletUsageVersionGuard(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "acme")

	w := &gateway.Wallet{ID: "wal-1", TenantID: "acme", Kind: gateway.WalletTeam, HardLimit: 100}
	if err := s.CreateWallet(ctx, w); err != nil {
		t.Fatal("create:", err)
	}

	if err := s.UpdateWalletUsage(ctx, "wal-1", 40, 5, 100, 2); err != nil {
		t.Fatal("flush v2:", err)
	}
	// A stale flush must not overwrite newer state.
	if err := s.UpdateWalletUsage(ctx, "wal-1", 10, 0, 100, 1); err != nil {
		t.Fatal("stale flush:", err)
	}
	got, err := s.GetWallet(ctx, "wal-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Spent != 40 || got.Reserved != 5 {
		t.Errorf("wallet after stale flush = spent %v reserved %v, want 40/5", got.Spent, got.Reserved)
	}

	err = s.UpdateWalletUsage(ctx, "missing", 1, 0, 10, 1)
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("missing wallet err = %v, want ErrNotFound", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "acme")

	key := &gateway.APIKey{
		ID:        "key-1",
		KeyHash:   "abc123hash",
		KeyPrefix: "tg_abc12",
		TenantID:  "acme",
		ActorID:   "user-7",
		ActorKind: "user",
		WalletID:  "wal-1",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyByHash(ctx, "abc123hash")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.ID != "key-1" || got.TenantID != "acme" || got.WalletID != "wal-1" {
		t.Errorf("key = %+v", got)
	}
	if got.Role != "member" {
		t.Errorf("role = %q, want default member", got.Role)
	}

	keys, err := s.ListKeys(ctx, "acme", 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("list count = %d, want 1", len(keys))
	}

	key.Blocked = true
	if err := s.UpdateKey(ctx, key); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetKeyByHash(ctx, "abc123hash")
	if !got.Blocked {
		t.Error("blocked should be true after update")
	}

	if err := s.TouchKeyUsed(ctx, "key-1"); err != nil {
		t.Fatal("touch:", err)
	}
	got, _ = s.GetKeyByHash(ctx, "abc123hash")
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set after touch")
	}

	if err := s.DeleteKey(ctx, "key-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetKeyByHash(ctx, "abc123hash"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestRuleRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "acme")

	rule := &gateway.RoutingRule{
		ID:          "rule-1",
		TenantID:    "acme",
		Priority:    10,
		Condition:   []byte(`{"model":"gpt-4o"}`),
		Action:      gateway.ActionReroute,
		TargetModel: "gpt-4o-mini",
		Experiment: &gateway.Experiment{
			ModelA: "gpt-4o", ModelB: "gpt-4o-mini", SplitB: 0.2, TagName: "mini-test",
		},
		Active: true,
	}
	if err := s.CreateRule(ctx, rule); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetRule(ctx, "rule-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Action != gateway.ActionReroute || got.TargetModel != "gpt-4o-mini" {
		t.Errorf("rule = %+v", got)
	}
	if got.Experiment == nil || got.Experiment.SplitB != 0.2 {
		t.Errorf("experiment = %+v", got.Experiment)
	}

	// Listing orders by priority.
	second := &gateway.RoutingRule{
		ID: "rule-0", TenantID: "acme", Priority: 1,
		Condition: []byte(`{}`), Action: gateway.ActionBlock, Active: true,
	}
	if err := s.CreateRule(ctx, second); err != nil {
		t.Fatal("create second:", err)
	}
	rules, err := s.ListRules(ctx, "acme")
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(rules) != 2 || rules[0].ID != "rule-0" {
		t.Errorf("rules order = %+v", rules)
	}

	rule.Active = false
	if err := s.UpdateRule(ctx, rule); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetRule(ctx, "rule-1")
	if got.Active {
		t.Error("active should be false after update")
	}

	if err := s.DeleteRule(ctx, "rule-1"); err != nil {
		t.Fatal("delete:", err)
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LastLedgerRecord(ctx, "acme"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("empty chain err = %v, want ErrNotFound", err)
	}

	now := time.Now().UTC()
	for i := int64(1); i <= 3; i++ {
		rec := &gateway.LedgerRecord{
			TenantID:      "acme",
			Seq:           i,
			Timestamp:     now.Add(time.Duration(i) * time.Millisecond),
			CorrelationID: "corr",
			ModelUsed:     "gpt-4o",
			CostUSD:       0.01,
			PrevHash:      "prev",
			Hash:          "hash",
		}
		if err := s.AppendLedgerRecord(ctx, rec); err != nil {
			t.Fatal("append:", err)
		}
	}

	last, err := s.LastLedgerRecord(ctx, "acme")
	if err != nil {
		t.Fatal("last:", err)
	}
	if last.Seq != 3 {
		t.Errorf("last seq = %d, want 3", last.Seq)
	}
	if !last.Timestamp.Equal(now.Add(3 * time.Millisecond)) {
		t.Errorf("timestamp lost precision: %v", last.Timestamp)
	}

	recs, err := s.ListLedgerRecords(ctx, "acme", 2, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(recs) != 2 || recs[0].Seq != 2 {
		t.Errorf("records from seq 2 = %+v", recs)
	}

	// The primary key rejects duplicate sequence numbers.
	err = s.AppendLedgerRecord(ctx, &gateway.LedgerRecord{
		TenantID: "acme", Seq: 3, Timestamp: now, PrevHash: "p", Hash: "h",
	})
	if err == nil {
		t.Error("duplicate seq insert should fail")
	}
}

func TestAnalyticsAggregateCost(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []gateway.AnalyticsRecord{
		{TenantID: "acme", Model: "gpt-4o", Provider: "openai", FeatureTag: "chat",
			PromptTokens: 100, OutputTokens: 50, CostUSD: 0.010, CreatedAt: now},
		{TenantID: "acme", Model: "gpt-4o", Provider: "openai", FeatureTag: "chat",
			PromptTokens: 200, OutputTokens: 80, CostUSD: 0.020, CacheHit: true, CreatedAt: now},
		{TenantID: "acme", Model: "claude-sonnet", Provider: "anthropic", FeatureTag: "summarize",
			PromptTokens: 50, OutputTokens: 20, CostUSD: 0.005, CreatedAt: now},
		{TenantID: "globex", Model: "gpt-4o", Provider: "openai",
			PromptTokens: 999, OutputTokens: 999, CostUSD: 9.99, CreatedAt: now},
	}
	if err := s.InsertAnalyticsBatch(ctx, records); err != nil {
		t.Fatal("insert:", err)
	}

	buckets, err := s.AggregateCost(ctx, gateway.CostFilter{TenantID: "acme", GroupBy: "model"})
	if err != nil {
		t.Fatal("aggregate:", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(buckets))
	}
	// Ordered by total cost descending.
	if buckets[0].Key != "gpt-4o" {
		t.Errorf("top bucket = %q, want gpt-4o", buckets[0].Key)
	}
	if buckets[0].RequestCount != 2 || buckets[0].PromptTokens != 300 || buckets[0].CachedCount != 1 {
		t.Errorf("gpt-4o bucket = %+v", buckets[0])
	}
	if buckets[0].CostUSD < 0.029 || buckets[0].CostUSD > 0.031 {
		t.Errorf("gpt-4o cost = %v, want ~0.03", buckets[0].CostUSD)
	}

	byDay, err := s.AggregateCost(ctx, gateway.CostFilter{TenantID: "acme", GroupBy: "day"})
	if err != nil {
		t.Fatal("aggregate by day:", err)
	}
	if len(byDay) != 1 || byDay[0].Key != now.Format("2006-01-02") {
		t.Errorf("day buckets = %+v", byDay)
	}

	filtered, err := s.AggregateCost(ctx, gateway.CostFilter{
		TenantID: "acme", Feature: "summarize", GroupBy: "feature",
	})
	if err != nil {
		t.Fatal("aggregate filtered:", err)
	}
	if len(filtered) != 1 || filtered[0].Key != "summarize" || filtered[0].RequestCount != 1 {
		t.Errorf("filtered = %+v", filtered)
	}
}

func TestIncidentRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	incidents := []gateway.Incident{
		{ID: "inc-1", TenantID: "acme", CorrelationID: "c-1", Kind: "EMAIL",
			Severity: "medium", Action: "redact", CreatedAt: time.Now().UTC()},
		{ID: "inc-2", TenantID: "acme", CorrelationID: "c-1", Kind: "SECRET",
			Severity: "critical", Action: "block", CreatedAt: time.Now().UTC()},
	}
	if err := s.InsertIncidents(ctx, incidents); err != nil {
		t.Fatal("insert:", err)
	}

	got, err := s.ListIncidents(ctx, "acme", 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(got) != 2 {
		t.Fatalf("incidents = %d, want 2", len(got))
	}

	other, err := s.ListIncidents(ctx, "globex", 10)
	if err != nil {
		t.Fatal("list other:", err)
	}
	if len(other) != 0 {
		t.Error("incidents leaked across tenants")
	}
}

func TestHeldRequestRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	held := &gateway.HeldRequest{
		ID: "hold-1", TenantID: "acme", CorrelationID: "c-9",
		ActorID: "user-1", Model: "gpt-4o", Kind: "SSN",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.InsertHeldRequest(ctx, held); err != nil {
		t.Fatal("insert:", err)
	}

	got, err := s.ListHeldRequests(ctx, "acme", 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(got) != 1 {
		t.Fatalf("held requests = %d, want 1", len(got))
	}
	if got[0].CorrelationID != "c-9" || got[0].Kind != "SSN" || got[0].Model != "gpt-4o" {
		t.Errorf("held request = %+v", got[0])
	}

	other, err := s.ListHeldRequests(ctx, "globex", 10)
	if err != nil {
		t.Fatal("list other:", err)
	}
	if len(other) != 0 {
		t.Error("hold queue leaked across tenants")
	}
}
