package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	role := key.Role
	if role == "" {
		role = "member"
	}
	kind := key.ActorKind
	if kind == "" {
		kind = "user"
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, tenant_id, actor_id, actor_kind,
		 wallet_id, team_id, role, rpm_limit, tpm_limit, expires_at, blocked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.TenantID, key.ActorID, kind,
		key.WalletID, nullStr(key.TeamID), role,
		key.RPMLimit, key.TPMLimit,
		timeToStr(key.ExpiresAt), boolToInt(key.Blocked),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx, keySelect+` WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx, keySelect+` WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns API keys for a tenant.
func (s *Store) ListKeys(ctx context.Context, tenantID string, offset, limit int) ([]*gateway.APIKey, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		keySelect+` WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates an existing API key.
func (s *Store) UpdateKey(ctx context.Context, key *gateway.APIKey) error {
	role := key.Role
	if role == "" {
		role = "member"
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET role=?, wallet_id=?, rpm_limit=?, tpm_limit=?,
		 expires_at=?, blocked=? WHERE id=?`,
		role, key.WalletID, key.RPMLimit, key.TPMLimit,
		timeToStr(key.ExpiresAt), boolToInt(key.Blocked), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

const keySelect = `SELECT id, key_hash, key_prefix, tenant_id, actor_id, actor_kind,
	wallet_id, team_id, role, rpm_limit, tpm_limit, expires_at, blocked,
	last_used_at, created_at
	FROM api_keys`

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var teamID, role sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var blocked int

	err := sc.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.TenantID, &k.ActorID, &k.ActorKind,
		&k.WalletID, &teamID, &role, &k.RPMLimit, &k.TPMLimit,
		&expiresAt, &blocked, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Blocked = blocked != 0
	k.TeamID = teamID.String
	k.Role = role.String
	if k.Role == "" {
		k.Role = "member"
	}
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
