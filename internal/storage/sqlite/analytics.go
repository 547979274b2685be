package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// InsertAnalyticsBatch batch-inserts analytics events.
// A single multi-row INSERT avoids N round-trips for large batches.
func (s *Store) InsertAnalyticsBatch(ctx context.Context, records []gateway.AnalyticsRecord) error {
	if len(records) == 0 {
		return nil
	}

	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*13)
	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.TenantID, r.CorrelationID, r.ActorID, r.FeatureTag,
			r.Model, r.Provider,
			r.PromptTokens, r.OutputTokens, r.CostUSD,
			r.LatencyMs, boolToInt(r.CacheHit), r.StatusCode,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO analytics_records
		(tenant_id, correlation_id, actor_id, feature, model, provider,
		 prompt_tokens, output_tokens, cost_usd, latency_ms, cache_hit, status_code, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// AggregateCost returns a grouped cost breakdown for the filter.
func (s *Store) AggregateCost(ctx context.Context, f gateway.CostFilter) ([]*gateway.CostBucket, error) {
	key := groupKey(f.GroupBy)
	where, args := costWhere(f)

	query := `SELECT ` + key + ` AS bucket_key, COUNT(*),
		COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(cost_usd), 0), COALESCE(SUM(cache_hit), 0)
		FROM analytics_records` + where + `
		GROUP BY bucket_key ORDER BY SUM(cost_usd) DESC`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.CostBucket
	for rows.Next() {
		var b gateway.CostBucket
		if err := rows.Scan(&b.Key, &b.RequestCount, &b.PromptTokens,
			&b.OutputTokens, &b.CostUSD, &b.CachedCount); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func groupKey(groupBy string) string {
	switch groupBy {
	case "provider":
		return "provider"
	case "feature":
		return "feature"
	case "day":
		// created_at is RFC3339, the date is the first 10 bytes.
		return "substr(created_at, 1, 10)"
	default:
		return "model"
	}
}

func costWhere(f gateway.CostFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Feature != "" {
		clauses = append(clauses, "feature = ?")
		args = append(args, f.Feature)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
