package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// scanRequest runs the security pipeline over every message with string
// content, rewrites redacted text in place, and persists incident records.
// Returns false when the request was blocked (response already written).
func (s *server) scanRequest(w http.ResponseWriter, r *http.Request, c *chatCall) bool {
	if s.deps.Scanner == nil {
		return true
	}
	ctx := r.Context()

	var incidents []gateway.Incident
	blocked := false
	redacted := false
	quarantined := ""

	// One run per request so redaction placeholders number continuously
	// across messages: an email in message two becomes [EMAIL_2].
	run := s.deps.Scanner.NewRun()
	for i := range c.req.Messages {
		msg := &c.req.Messages[i]
		text, ok := messageText(msg.Content)
		if !ok || text == "" {
			continue
		}
		res := run.Scan(text)
		if len(res.Findings) == 0 {
			continue
		}
		for _, a := range res.Actions {
			gateway.AppendPolicyAction(ctx, a)
		}
		for _, inc := range s.deps.Scanner.Incidents(res, c.tenant.ID, gateway.CorrelationIDFromContext(ctx)) {
			incidents = append(incidents, *inc)
			if s.deps.Metrics != nil {
				s.deps.Metrics.SecurityIncidents.WithLabelValues(inc.Kind, inc.Action).Inc()
			}
		}
		if res.Blocked {
			blocked = true
			break
		}
		if res.Quarantined && quarantined == "" {
			quarantined = res.QuarantinedKind
		}
		if res.Text != text {
			if data, err := json.Marshal(res.Text); err == nil {
				msg.Content = data
				redacted = true
			}
		}
	}

	// Incident persistence is a side path: logged and swallowed, never a
	// reason to fail the request.
	if len(incidents) > 0 && s.deps.Store != nil {
		if err := s.deps.Store.InsertIncidents(context.WithoutCancel(ctx), incidents); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "incident insert failed",
				slog.String("tenant", c.tenant.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if blocked {
		s.settleDenied(ctx, c, gateway.CodeSecurityViolation)
		writeError(w, ctx, gateway.ErrSecurityViolation)
		return false
	}

	if quarantined != "" {
		s.holdRequest(ctx, c, quarantined)
		s.settleDenied(ctx, c, gateway.CodeQuarantined)
		writeError(w, ctx, gateway.ErrQuarantined)
		return false
	}

	if redacted {
		// The upstream sees placeholders, so the cached entry would too;
		// refresh the cache key and never serve redacted prompts from cache.
		c.cacheText = userText(c.req.Messages)
		c.cacheable = false
	}
	return true
}

// holdRequest parks a quarantined request on the hold queue. The entry
// references the request by correlation id only; prompt content stays out
// of storage. Persistence failures are logged, the denial stands either way.
func (s *server) holdRequest(ctx context.Context, c *chatCall, kind string) {
	if s.deps.Store == nil {
		return
	}
	held := &gateway.HeldRequest{
		ID:            uuid.Must(uuid.NewV7()).String(),
		TenantID:      c.tenant.ID,
		CorrelationID: gateway.CorrelationIDFromContext(ctx),
		ActorID:       c.identity.ActorID,
		Model:         c.modelRequested,
		Kind:          kind,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.deps.Store.InsertHeldRequest(context.WithoutCancel(ctx), held); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "hold queue insert failed",
			slog.String("tenant", c.tenant.ID),
			slog.String("error", err.Error()),
		)
	}
}

// messageText extracts plain string content from a message. Multimodal part
// arrays are not scanned; only string bodies carry redactable text.
func messageText(content json.RawMessage) (string, bool) {
	if len(content) == 0 || content[0] != '"' {
		return "", false
	}
	var text string
	if err := json.Unmarshal(content, &text); err != nil {
		return "", false
	}
	return text, true
}

// userText concatenates the string content of user messages, newest last.
// It is the semantic cache key: two requests with the same user text hit
// the same entry regardless of sampling parameters.
func userText(messages []gateway.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		if text, ok := messageText(m.Content); ok && text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(text)
		}
	}
	return b.String()
}
