// Package policy evaluates tenant routing rules against requests before
// dispatch. Rules run in ascending priority order; the first match wins.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Input carries everything a rule condition can match on.
type Input struct {
	TenantID           string
	Model              string
	Team               string
	FeatureTag         string
	CorrelationID      string // experiment arm assignment is sticky per correlation id
	WalletUtilization  float64
	DataClassification string
	EstimatedTokens    int
	Now                time.Time // zero means time.Now
}

// Decision is the evaluator's verdict for one request.
type Decision struct {
	Action      gateway.RuleAction
	RuleID      string
	TargetModel string // set for reroute and experiment arms
	Metadata    string // set for add-metadata
	Experiment  string // tag of the experiment arm, e.g. "exp-cheap:b"
	DryRun      bool   // only dry-run rules matched; decision is advisory only

	// Advisories lists every dry-run rule that matched during the scan,
	// as "<would-be action>:<rule id>". Dry-run matches never stop
	// evaluation, so a live rule further down still applies.
	Advisories []string
}

// Store loads the active rules for a tenant.
type Store interface {
	ListRules(ctx context.Context, tenantID string) ([]*gateway.RoutingRule, error)
}

// Evaluator applies tenant rules with a hard deadline. Past the deadline
// evaluation fails closed (block) unless the evaluator is fail-open.
type Evaluator struct {
	store    Store
	log      *slog.Logger
	deadline time.Duration
	failOpen bool

	mu    sync.RWMutex
	rules map[string][]*gateway.RoutingRule // tenant -> sorted active rules
}

// NewEvaluator creates a rule evaluator. deadline <= 0 defaults to 100ms.
func NewEvaluator(store Store, deadline time.Duration, failOpen bool, log *slog.Logger) *Evaluator {
	if deadline <= 0 {
		deadline = 100 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		store:    store,
		log:      log,
		deadline: deadline,
		failOpen: failOpen,
		rules:    make(map[string][]*gateway.RoutingRule),
	}
}

// Refresh reloads a tenant's rules from the store. Called at startup and
// whenever admin endpoints mutate rules.
func (e *Evaluator) Refresh(ctx context.Context, tenantID string) error {
	rules, err := e.store.ListRules(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("policy: load rules for %s: %w", tenantID, err)
	}
	active := rules[:0:0]
	for _, r := range rules {
		if r.Active {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})
	e.mu.Lock()
	e.rules[tenantID] = active
	e.mu.Unlock()
	return nil
}

// Evaluate runs the tenant's rules against the input. It returns an allow
// decision when nothing matches. Dry-run rules are logged and reported but
// do not stop evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, in *Input) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	if ctx.Err() != nil {
		return e.deadlineDecision(in)
	}

	done := make(chan *Decision, 1)
	go func() { done <- e.evaluate(in) }()

	select {
	case d := <-done:
		return d, nil
	case <-ctx.Done():
		return e.deadlineDecision(in)
	}
}

// deadlineDecision applies the fail-open/fail-closed policy when evaluation
// runs past its deadline.
func (e *Evaluator) deadlineDecision(in *Input) (*Decision, error) {
	if e.failOpen {
		e.log.Warn("policy evaluation deadline exceeded, failing open",
			"tenant", in.TenantID, "correlation_id", in.CorrelationID)
		return &Decision{Action: gateway.ActionAllow}, nil
	}
	return nil, fmt.Errorf("policy: evaluation deadline exceeded: %w", gateway.ErrPolicyDenied)
}

func (e *Evaluator) evaluate(in *Input) *Decision {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	e.mu.RLock()
	rules := e.rules[in.TenantID]
	e.mu.RUnlock()

	var advisories []string
	var firstDryRule string
	for _, rule := range rules {
		var cond gateway.RuleCondition
		if len(rule.Condition) > 0 {
			if err := json.Unmarshal(rule.Condition, &cond); err != nil {
				e.log.Error("policy rule has malformed condition", "rule", rule.ID, "error", err)
				continue
			}
		}
		if !matches(&cond, in, now) {
			continue
		}

		d := e.decide(rule, in)
		if rule.DryRun {
			// Advisory only: record what the rule would have done and keep
			// scanning so live rules further down still apply.
			e.log.Info("policy dry-run match",
				"rule", rule.ID, "tenant", in.TenantID,
				"would_action", string(d.Action), "correlation_id", in.CorrelationID)
			advisories = append(advisories, string(d.Action)+":"+rule.ID)
			if firstDryRule == "" {
				firstDryRule = rule.ID
			}
			continue
		}
		d.Advisories = advisories
		return d
	}

	d := &Decision{Action: gateway.ActionAllow, Advisories: advisories}
	if firstDryRule != "" {
		d.DryRun = true
		d.RuleID = firstDryRule
	}
	return d
}

// decide builds the decision for a matched rule.
func (e *Evaluator) decide(rule *gateway.RoutingRule, in *Input) *Decision {
	d := &Decision{
		Action:      rule.Action,
		RuleID:      rule.ID,
		TargetModel: rule.TargetModel,
		Metadata:    rule.Metadata,
	}
	if rule.Experiment != nil {
		arm, model := assignArm(rule.Experiment, in.CorrelationID)
		d.TargetModel = model
		d.Experiment = rule.Experiment.TagName + ":" + arm
		if d.Action == "" {
			d.Action = gateway.ActionReroute
		}
	}
	return d
}

// assignArm deterministically buckets a correlation id into an experiment
// arm so retries of the same request land on the same model.
func assignArm(exp *gateway.Experiment, correlationID string) (arm, model string) {
	h := fnv.New32a()
	h.Write([]byte(correlationID))
	bucket := float64(h.Sum32()%1000) / 1000
	if bucket < exp.SplitB {
		return "b", exp.ModelB
	}
	return "a", exp.ModelA
}

// matches reports whether every set condition field matches the input.
func matches(c *gateway.RuleCondition, in *Input, now time.Time) bool {
	if c.Model != "" && c.Model != in.Model {
		return false
	}
	if c.Team != "" && c.Team != in.Team {
		return false
	}
	if c.FeatureTag != "" && c.FeatureTag != in.FeatureTag {
		return false
	}
	if c.DataClassification != "" && c.DataClassification != in.DataClassification {
		return false
	}
	if c.WalletUtilization > 0 && in.WalletUtilization < c.WalletUtilization {
		return false
	}
	if c.MinEstimatedTokens > 0 && in.EstimatedTokens < c.MinEstimatedTokens {
		return false
	}
	if c.HourFrom != nil && c.HourTo != nil {
		hour := now.UTC().Hour()
		from, to := *c.HourFrom, *c.HourTo
		if from <= to {
			if hour < from || hour >= to {
				return false
			}
		} else {
			// Window wraps midnight, e.g. 20:00-06:00.
			if hour < from && hour >= to {
				return false
			}
		}
	}
	return true
}
