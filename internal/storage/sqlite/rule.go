package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// CreateRule inserts a routing rule.
func (s *Store) CreateRule(ctx context.Context, r *gateway.RoutingRule) error {
	experiment, err := marshalJSON(r.Experiment)
	if err != nil {
		return err
	}
	condition := string(r.Condition)
	if condition == "" {
		condition = "{}"
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO routing_rules (id, tenant_id, priority, condition, action,
		 target_model, metadata, experiment, active, dry_run)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Priority, condition, string(r.Action),
		nullStr(r.TargetModel), nullStr(r.Metadata), experiment,
		boolToInt(r.Active), boolToInt(r.DryRun),
	)
	return err
}

// GetRule retrieves a routing rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*gateway.RoutingRule, error) {
	row := s.read.QueryRowContext(ctx, ruleSelect+` WHERE id = ?`, id)
	return scanRule(row)
}

// ListRules returns a tenant's rules ordered by priority.
func (s *Store) ListRules(ctx context.Context, tenantID string) ([]*gateway.RoutingRule, error) {
	rows, err := s.read.QueryContext(ctx,
		ruleSelect+` WHERE tenant_id = ? ORDER BY priority, id`, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.RoutingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRule updates an existing routing rule.
func (s *Store) UpdateRule(ctx context.Context, r *gateway.RoutingRule) error {
	experiment, err := marshalJSON(r.Experiment)
	if err != nil {
		return err
	}
	condition := string(r.Condition)
	if condition == "" {
		condition = "{}"
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE routing_rules SET priority=?, condition=?, action=?, target_model=?,
		 metadata=?, experiment=?, active=?, dry_run=? WHERE id=?`,
		r.Priority, condition, string(r.Action),
		nullStr(r.TargetModel), nullStr(r.Metadata), experiment,
		boolToInt(r.Active), boolToInt(r.DryRun), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "routing rule")
}

// DeleteRule removes a routing rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM routing_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "routing rule")
}

const ruleSelect = `SELECT id, tenant_id, priority, condition, action,
	target_model, metadata, experiment, active, dry_run
	FROM routing_rules`

func scanRule(sc scanner) (*gateway.RoutingRule, error) {
	var r gateway.RoutingRule
	var condition, action string
	var targetModel, metadata, experiment sql.NullString
	var active, dryRun int

	err := sc.Scan(&r.ID, &r.TenantID, &r.Priority, &condition, &action,
		&targetModel, &metadata, &experiment, &active, &dryRun)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.Condition = json.RawMessage(condition)
	r.Action = gateway.RuleAction(action)
	r.TargetModel = targetModel.String
	r.Metadata = metadata.String
	r.Active = active != 0
	r.DryRun = dryRun != 0
	if experiment.Valid {
		var exp gateway.Experiment
		if err := json.Unmarshal([]byte(experiment.String), &exp); err != nil {
			return nil, fmt.Errorf("unmarshal experiment: %w", err)
		}
		r.Experiment = &exp
	}
	return &r, nil
}
