package sqlite

import (
	"context"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// AppendLedgerRecord inserts one audit record. The (tenant_id, seq) primary
// key rejects duplicate sequence numbers. Timestamps keep nanosecond
// precision so chain verification can recompute hashes byte for byte.
func (s *Store) AppendLedgerRecord(ctx context.Context, rec *gateway.LedgerRecord) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO ledger_records (tenant_id, seq, timestamp, correlation_id, actor_id,
		 wallet_id, feature, model_requested, model_used, provider, routing_reason,
		 prompt_tokens, output_tokens, cost_usd, latency_ms, cache_hit, similarity,
		 policy_actions, finish_reason, error_code, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.Seq, rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.CorrelationID, rec.ActorID, rec.WalletID, rec.FeatureTag,
		rec.ModelRequested, rec.ModelUsed, rec.Provider, rec.RoutingReason,
		rec.PromptTokens, rec.OutputTokens, rec.CostUSD, rec.LatencyMs,
		boolToInt(rec.CacheHit), rec.Similarity,
		rec.PolicyActions, rec.FinishReason, rec.ErrorCode,
		rec.PrevHash, rec.Hash,
	)
	return err
}

// LastLedgerRecord returns the highest-sequence record of a tenant chain.
func (s *Store) LastLedgerRecord(ctx context.Context, tenantID string) (*gateway.LedgerRecord, error) {
	row := s.read.QueryRowContext(ctx,
		ledgerSelect+` WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`, tenantID,
	)
	return scanLedgerRecord(row)
}

// ListLedgerRecords returns records with seq >= fromSeq in sequence order.
func (s *Store) ListLedgerRecords(ctx context.Context, tenantID string, fromSeq int64, limit int) ([]*gateway.LedgerRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.read.QueryContext(ctx,
		ledgerSelect+` WHERE tenant_id = ? AND seq >= ? ORDER BY seq LIMIT ?`,
		tenantID, fromSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.LedgerRecord
	for rows.Next() {
		rec, err := scanLedgerRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const ledgerSelect = `SELECT tenant_id, seq, timestamp, correlation_id, actor_id,
	wallet_id, feature, model_requested, model_used, provider, routing_reason,
	prompt_tokens, output_tokens, cost_usd, latency_ms, cache_hit, similarity,
	policy_actions, finish_reason, error_code, prev_hash, hash
	FROM ledger_records`

func scanLedgerRecord(sc scanner) (*gateway.LedgerRecord, error) {
	var rec gateway.LedgerRecord
	var timestamp string
	var cacheHit int

	err := sc.Scan(&rec.TenantID, &rec.Seq, &timestamp, &rec.CorrelationID, &rec.ActorID,
		&rec.WalletID, &rec.FeatureTag, &rec.ModelRequested, &rec.ModelUsed,
		&rec.Provider, &rec.RoutingReason,
		&rec.PromptTokens, &rec.OutputTokens, &rec.CostUSD, &rec.LatencyMs,
		&cacheHit, &rec.Similarity,
		&rec.PolicyActions, &rec.FinishReason, &rec.ErrorCode,
		&rec.PrevHash, &rec.Hash)
	if err != nil {
		return nil, notFoundErr(err)
	}
	rec.CacheHit = cacheHit != 0
	if t, e := time.Parse(time.RFC3339Nano, timestamp); e == nil {
		rec.Timestamp = t
	}
	return &rec, nil
}
