package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// CreateTenant inserts a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *gateway.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO tenants (id, name, plan_tier, residency, policy_set, key_ref,
		 cache_threshold, cache_max_entries, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.PlanTier, t.Residency, t.PolicySet, t.KeyRef,
		t.CacheThreshold, t.CacheMaxEntries, t.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*gateway.Tenant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, plan_tier, residency, policy_set, key_ref,
		 cache_threshold, cache_max_entries, created_at
		 FROM tenants WHERE id = ?`, id,
	)
	return scanTenant(row)
}

// ListTenants returns all tenants.
func (s *Store) ListTenants(ctx context.Context) ([]*gateway.Tenant, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, plan_tier, residency, policy_set, key_ref,
		 cache_threshold, cache_max_entries, created_at
		 FROM tenants ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTenant updates an existing tenant.
func (s *Store) UpdateTenant(ctx context.Context, t *gateway.Tenant) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE tenants SET name=?, plan_tier=?, residency=?, policy_set=?, key_ref=?,
		 cache_threshold=?, cache_max_entries=? WHERE id=?`,
		t.Name, t.PlanTier, t.Residency, t.PolicySet, t.KeyRef,
		t.CacheThreshold, t.CacheMaxEntries, t.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant")
}

// DeleteTenant removes a tenant.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM tenants WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "tenant")
}

func scanTenant(sc scanner) (*gateway.Tenant, error) {
	var t gateway.Tenant
	var createdAt sql.NullString
	err := sc.Scan(&t.ID, &t.Name, &t.PlanTier, &t.Residency, &t.PolicySet, &t.KeyRef,
		&t.CacheThreshold, &t.CacheMaxEntries, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if ts := parseTime(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	return &t, nil
}
