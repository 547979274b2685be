package security

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Actions the scanner can take per detection kind.
const (
	ActionAllow      = "allow"
	ActionFlag       = "flag"
	ActionRedact     = "redact"
	ActionBlock      = "block"
	ActionQuarantine = "quarantine"
)

// Config sets the action applied to each detection kind.
type Config struct {
	PIIAction       string
	SecretAction    string
	InjectionAction string
	MaxScanBytes    int
}

// Result is the outcome of scanning one text.
type Result struct {
	Text            string    // input with redactions applied
	Findings        []Finding // everything detected, including allowed kinds
	Blocked         bool
	BlockedKind     string // kind that triggered the block
	Quarantined     bool   // request goes to the hold queue instead of upstream
	QuarantinedKind string
	Actions         []string // policy action labels for the ledger, e.g. "pii_redacted"
}

// Scanner runs the detector pipeline and applies configured actions.
type Scanner struct {
	cfg Config
}

// NewScanner creates a scanner. Zero-value actions default to flag.
func NewScanner(cfg Config) *Scanner {
	if cfg.PIIAction == "" {
		cfg.PIIAction = ActionFlag
	}
	if cfg.SecretAction == "" {
		cfg.SecretAction = ActionFlag
	}
	if cfg.InjectionAction == "" {
		cfg.InjectionAction = ActionFlag
	}
	if cfg.MaxScanBytes <= 0 {
		cfg.MaxScanBytes = 1 << 20
	}
	return &Scanner{cfg: cfg}
}

// actionFor maps a finding kind to its configured action.
func (s *Scanner) actionFor(kind string) string {
	switch kind {
	case KindSecret:
		return s.cfg.SecretAction
	case KindInjection:
		// Injection spans the whole text; redaction degrades to flag.
		if s.cfg.InjectionAction == ActionRedact {
			return ActionFlag
		}
		return s.cfg.InjectionAction
	default:
		return s.cfg.PIIAction
	}
}

// Run scans a sequence of related texts, numbering redaction placeholders
// continuously across them so the second email in a conversation becomes
// [EMAIL_2] even when it sits in a later message.
type Run struct {
	s        *Scanner
	counters map[string]int
}

// NewRun starts a scan run for one request.
func (s *Scanner) NewRun() *Run {
	return &Run{s: s, counters: make(map[string]int)}
}

// Scan runs all detectors over the next text of the run.
func (r *Run) Scan(text string) *Result {
	return r.s.scan(text, r.counters)
}

// Scan runs all detectors over a standalone text and applies the configured
// actions. Placeholder numbering starts at 1.
func (s *Scanner) Scan(text string) *Result {
	return s.scan(text, make(map[string]int))
}

// scan does the work. Only the first MaxScanBytes are scanned.
func (s *Scanner) scan(text string, counters map[string]int) *Result {
	scanned := text
	if len(scanned) > s.cfg.MaxScanBytes {
		scanned = scanned[:s.cfg.MaxScanBytes]
	}

	findings := detectPII(scanned)
	findings = append(findings, detectSecrets(scanned)...)
	findings = append(findings, detectInjection(scanned)...)
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Start < findings[j].Start
	})

	res := &Result{Text: text, Findings: findings}
	if len(findings) == 0 {
		return res
	}

	var redactSpans []Finding
	seenAction := make(map[string]bool)
	for _, f := range findings {
		action := s.actionFor(f.Kind)
		switch action {
		case ActionBlock:
			res.Blocked = true
			if res.BlockedKind == "" {
				res.BlockedKind = f.Kind
			}
		case ActionQuarantine:
			res.Quarantined = true
			if res.QuarantinedKind == "" {
				res.QuarantinedKind = f.Kind
			}
		case ActionRedact:
			redactSpans = append(redactSpans, f)
		}
		if action == ActionAllow {
			continue
		}
		label := strings.ToLower(f.Kind) + "_" + pastTense(action)
		if !seenAction[label] {
			seenAction[label] = true
			res.Actions = append(res.Actions, label)
		}
	}

	if !res.Blocked && len(redactSpans) > 0 {
		res.Text = redact(text, redactSpans, counters)
	}
	return res
}

func pastTense(action string) string {
	switch action {
	case ActionFlag:
		return "flagged"
	case ActionBlock:
		return "blocked"
	case ActionRedact:
		return "redacted"
	case ActionQuarantine:
		return "quarantined"
	default:
		return action
	}
}

// redact replaces finding spans with typed placeholders numbered per kind
// in order of appearance: [EMAIL_1], [CARD_1], [EMAIL_2], ...
// Counters belong to the scan run, so numbering continues across texts.
// Overlapping spans keep the earliest match.
func redact(text string, spans []Finding, counters map[string]int) string {
	var b strings.Builder
	b.Grow(len(text))

	pos := 0
	for _, f := range spans {
		if f.Start < pos {
			continue
		}
		counters[f.Kind]++
		b.WriteString(text[pos:f.Start])
		fmt.Fprintf(&b, "[%s_%d]", f.Kind, counters[f.Kind])
		pos = f.End
	}
	b.WriteString(text[pos:])
	return b.String()
}

// Incidents builds incident records for the findings that triggered an
// action. Records carry kind and severity only, never the matched content.
func (s *Scanner) Incidents(res *Result, tenantID, correlationID string) []*gateway.Incident {
	var out []*gateway.Incident
	for _, f := range res.Findings {
		action := s.actionFor(f.Kind)
		if action == ActionAllow {
			continue
		}
		out = append(out, &gateway.Incident{
			ID:            uuid.Must(uuid.NewV7()).String(),
			TenantID:      tenantID,
			CorrelationID: correlationID,
			Kind:          f.Kind,
			Severity:      f.Severity,
			Action:        action,
			CreatedAt:     time.Now().UTC(),
		})
	}
	return out
}
