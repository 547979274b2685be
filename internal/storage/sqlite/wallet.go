package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// CreateWallet inserts a new wallet node.
func (s *Store) CreateWallet(ctx context.Context, w *gateway.Wallet) error {
	thresholds, err := marshalJSON(w.SoftThresholds)
	if err != nil {
		return err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO wallets (id, tenant_id, parent_id, kind, hard_limit, spent, reserved,
		 overdraft, soft_thresholds, reset_period, reset_day, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		w.ID, w.TenantID, nullStr(w.ParentID), string(w.Kind),
		w.HardLimit, w.Spent, w.Reserved, w.Overdraft,
		thresholds, nullStr(w.ResetPeriod), w.ResetDay,
		w.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetWallet retrieves a wallet by ID.
func (s *Store) GetWallet(ctx context.Context, id string) (*gateway.Wallet, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, tenant_id, parent_id, kind, hard_limit, spent, reserved,
		 overdraft, soft_thresholds, reset_period, reset_day, created_at
		 FROM wallets WHERE id = ?`, id,
	)
	return scanWallet(row)
}

// ListWallets returns all wallet nodes of a tenant.
func (s *Store) ListWallets(ctx context.Context, tenantID string) ([]*gateway.Wallet, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, tenant_id, parent_id, kind, hard_limit, spent, reserved,
		 overdraft, soft_thresholds, reset_period, reset_day, created_at
		 FROM wallets WHERE tenant_id = ? ORDER BY created_at`, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWalletUsage persists a write-behind snapshot. Versions only move
// forward; a stale flush racing a newer one is silently skipped.
func (s *Store) UpdateWalletUsage(ctx context.Context, id string, spent, reserved, hardLimit float64, version int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE wallets SET spent=?, reserved=?, hard_limit=?, version=?
		 WHERE id=? AND version < ?`,
		spent, reserved, hardLimit, version, id, version,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.read.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM wallets WHERE id=?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("wallet %s: %w", id, gateway.ErrNotFound)
		}
	}
	return nil
}

// DeleteWallet removes a wallet node.
func (s *Store) DeleteWallet(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM wallets WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "wallet")
}

func scanWallet(sc scanner) (*gateway.Wallet, error) {
	var w gateway.Wallet
	var parentID, thresholds, resetPeriod, createdAt sql.NullString
	var kind string
	err := sc.Scan(&w.ID, &w.TenantID, &parentID, &kind,
		&w.HardLimit, &w.Spent, &w.Reserved, &w.Overdraft,
		&thresholds, &resetPeriod, &w.ResetDay, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	w.Kind = gateway.WalletKind(kind)
	w.ParentID = parentID.String
	w.ResetPeriod = resetPeriod.String
	if thresholds.Valid {
		if err := json.Unmarshal([]byte(thresholds.String), &w.SoftThresholds); err != nil {
			return nil, fmt.Errorf("unmarshal soft thresholds: %w", err)
		}
	}
	if ts := parseTime(createdAt); ts != nil {
		w.CreatedAt = *ts
	}
	return &w, nil
}
