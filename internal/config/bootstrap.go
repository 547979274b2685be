// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/storage"
)

// Bootstrap seeds the database from the config file on first run.
// Existing rows are never modified, so the file can stay in place across
// restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, t := range cfg.Tenants {
		existing, _ := store.GetTenant(ctx, t.ID)
		if existing != nil {
			continue
		}
		tenant := &gateway.Tenant{
			ID:             t.ID,
			Name:           t.Name,
			PlanTier:       t.PlanTier,
			Residency:      t.Residency,
			PolicySet:      t.PolicySet,
			CacheThreshold: t.CacheThreshold,
			CreatedAt:      time.Now().UTC(),
		}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			return err
		}
		slog.Info("bootstrapped tenant", "id", t.ID)
	}

	// Wallets come after tenants; parents must be listed before children.
	for _, w := range cfg.Wallets {
		existing, _ := store.GetWallet(ctx, w.ID)
		if existing != nil {
			continue
		}
		wallet := &gateway.Wallet{
			ID:             w.ID,
			TenantID:       w.TenantID,
			ParentID:       w.ParentID,
			Kind:           gateway.WalletKind(w.Kind),
			HardLimit:      w.HardLimit,
			Overdraft:      w.Overdraft,
			SoftThresholds: w.SoftThresholds,
			ResetPeriod:    w.ResetPeriod,
			ResetDay:       w.ResetDay,
			CreatedAt:      time.Now().UTC(),
		}
		if err := store.CreateWallet(ctx, wallet); err != nil {
			return err
		}
		slog.Info("bootstrapped wallet", "id", w.ID, "kind", w.Kind)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := gateway.HashKey(k.Key)

		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}

		role := k.Role
		if role == "" {
			role = "member"
		}
		actorKind := k.ActorKind
		if actorKind == "" {
			actorKind = "user"
		}

		key := &gateway.APIKey{
			ID:        uuid.Must(uuid.NewV7()).String(),
			KeyHash:   hash,
			KeyPrefix: prefix,
			TenantID:  k.TenantID,
			ActorID:   k.ActorID,
			ActorKind: actorKind,
			WalletID:  k.WalletID,
			TeamID:    k.TeamID,
			Role:      role,
			CreatedAt: time.Now().UTC(),
		}
		if k.RPMLimit > 0 {
			key.RPMLimit = &k.RPMLimit
		}
		if k.TPMLimit > 0 {
			key.TPMLimit = &k.TPMLimit
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}

	for _, r := range cfg.Rules {
		existing, _ := store.GetRule(ctx, r.ID)
		if existing != nil {
			continue
		}
		cond, _ := json.Marshal(r.Condition)
		rule := &gateway.RoutingRule{
			ID:          r.ID,
			TenantID:    r.TenantID,
			Priority:    r.Priority,
			Condition:   cond,
			Action:      gateway.RuleAction(r.Action),
			TargetModel: r.TargetModel,
			Metadata:    r.Metadata,
			Active:      true,
			DryRun:      r.DryRun,
		}
		if err := store.CreateRule(ctx, rule); err != nil {
			return err
		}
		slog.Info("bootstrapped rule", "id", r.ID, "action", r.Action)
	}

	return nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
