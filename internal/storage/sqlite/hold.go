package sqlite

import (
	"context"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// InsertHeldRequest appends a quarantined request to the hold queue.
func (s *Store) InsertHeldRequest(ctx context.Context, h *gateway.HeldRequest) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO held_requests (id, tenant_id, correlation_id, actor_id, model, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.TenantID, h.CorrelationID, h.ActorID, h.Model, h.Kind,
		h.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListHeldRequests returns a tenant's most recent hold queue entries.
func (s *Store) ListHeldRequests(ctx context.Context, tenantID string, limit int) ([]*gateway.HeldRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, tenant_id, correlation_id, actor_id, model, kind, created_at
		 FROM held_requests WHERE tenant_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.HeldRequest
	for rows.Next() {
		var h gateway.HeldRequest
		var createdAt string
		if err := rows.Scan(&h.ID, &h.TenantID, &h.CorrelationID,
			&h.ActorID, &h.Model, &h.Kind, &createdAt); err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			h.CreatedAt = t
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
