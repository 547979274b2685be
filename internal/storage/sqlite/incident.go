package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// InsertIncidents batch-inserts security incidents.
func (s *Store) InsertIncidents(ctx context.Context, incidents []gateway.Incident) error {
	if len(incidents) == 0 {
		return nil
	}
	placeholders := make([]string, len(incidents))
	args := make([]any, 0, len(incidents)*7)
	for i, in := range incidents {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			in.ID, in.TenantID, in.CorrelationID,
			in.Kind, in.Severity, in.Action,
			in.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	query := `INSERT INTO incidents (id, tenant_id, correlation_id, kind, severity, action, created_at)
		VALUES ` + strings.Join(placeholders, ", ")
	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// ListIncidents returns a tenant's most recent incidents.
func (s *Store) ListIncidents(ctx context.Context, tenantID string, limit int) ([]*gateway.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, tenant_id, correlation_id, kind, severity, action, created_at
		 FROM incidents WHERE tenant_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Incident
	for rows.Next() {
		var in gateway.Incident
		var createdAt string
		if err := rows.Scan(&in.ID, &in.TenantID, &in.CorrelationID,
			&in.Kind, &in.Severity, &in.Action, &createdAt); err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			in.CreatedAt = t
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}
