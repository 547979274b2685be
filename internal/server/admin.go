package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/app"
	"github.com/tollgate-io/tollgate/internal/ledger"
)

// decodeStrict unmarshals an administrative payload rejecting unknown
// fields. Client-facing endpoints pass unknown fields through for SDK
// compatibility; admin payloads are validated hard.
func decodeStrict(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.CodeInvalidRequest, "invalid request body: "+err.Error(), gateway.CorrelationIDFromContext(r.Context())))
		return false
	}
	return true
}

// adminTenantID resolves which tenant an admin call operates on: the
// ?tenant= override when present, the caller's own tenant otherwise.
func adminTenantID(r *http.Request) string {
	if t := r.URL.Query().Get("tenant"); t != "" {
		return t
	}
	if id := gateway.IdentityFromContext(r.Context()); id != nil {
		return id.TenantID
	}
	return ""
}

// --- Routes ---

// routeTableEntry is one connector row of the routing table view.
type routeTableEntry struct {
	Connector string              `json:"connector"`
	Kind      string              `json:"kind"`
	Priority  int                 `json:"priority"`
	Health    string              `json:"health"`
	Regions   []string            `json:"regions,omitempty"`
	Models    []gateway.ModelSpec `json:"models"`
}

// handleListRouteTable reports the live dispatch surface: every connector
// with its health state, plus the tenant's active routing rules.
func (s *server) handleListRouteTable(w http.ResponseWriter, r *http.Request) {
	var connectors []routeTableEntry
	if s.deps.Providers != nil {
		for _, cfg := range s.deps.Providers.Configs() {
			if !cfg.Enabled {
				continue
			}
			state := gateway.Healthy
			if s.deps.Health != nil {
				state = s.deps.Health.GetOrCreate(cfg.ID).State()
			}
			connectors = append(connectors, routeTableEntry{
				Connector: cfg.ID,
				Kind:      cfg.Kind,
				Priority:  cfg.Priority,
				Health:    state.String(),
				Regions:   cfg.Regions,
				Models:    cfg.Models,
			})
		}
	}

	tenantID := adminTenantID(r)
	rules, err := s.deps.Store.ListRules(r.Context(), tenantID)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectors": connectors,
		"rules":      rules,
	})
}

// handleTuneRoute creates a routing rule. The rule takes effect on the next
// policy refresh for its tenant.
func (s *server) handleTuneRoute(w http.ResponseWriter, r *http.Request) {
	var rule gateway.RoutingRule
	if !decodeStrict(w, r, &rule) {
		return
	}
	if rule.TenantID == "" {
		rule.TenantID = adminTenantID(r)
	}
	if rule.ID == "" {
		rule.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rule.Action == "" {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.CodeInvalidRequest, "action is required", gateway.CorrelationIDFromContext(r.Context())))
		return
	}
	rule.Active = true
	if err := s.deps.Store.CreateRule(r.Context(), &rule); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	s.refreshPolicy(r, rule.TenantID)
	writeJSON(w, http.StatusCreated, &rule)
}

// refreshPolicy reloads a tenant's rule set after an admin mutation. Errors
// are non-fatal: the stale set stays active until the next refresh.
func (s *server) refreshPolicy(r *http.Request, tenantID string) {
	if s.deps.Policy == nil {
		return
	}
	_ = s.deps.Policy.Refresh(r.Context(), tenantID)
}

// --- Policies (full rule objects, including block and experiment actions) ---

func (s *server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListRules(r.Context(), adminTenantID(r))
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": rules})
}

func (s *server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	s.handleTuneRoute(w, r)
}

func (s *server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var rule gateway.RoutingRule
	if !decodeStrict(w, r, &rule) {
		return
	}
	rule.ID = chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetRule(r.Context(), rule.ID)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	if rule.TenantID == "" {
		rule.TenantID = existing.TenantID
	}
	if err := s.deps.Store.UpdateRule(r.Context(), &rule); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	s.refreshPolicy(r, rule.TenantID)
	writeJSON(w, http.StatusOK, &rule)
}

func (s *server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, err := s.deps.Store.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	if err := s.deps.Store.DeleteRule(r.Context(), id); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	s.refreshPolicy(r, rule.TenantID)
	w.WriteHeader(http.StatusNoContent)
}

// --- Tenants ---

func (s *server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.deps.Store.ListTenants(r.Context())
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (s *server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var t gateway.Tenant
	if !decodeStrict(w, r, &t) {
		return
	}
	if t.ID == "" || t.Name == "" {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.CodeInvalidRequest, "id and name are required", gateway.CorrelationIDFromContext(r.Context())))
		return
	}
	t.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateTenant(r.Context(), &t); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusCreated, &t)
}

func (s *server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.GetTenant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	var t gateway.Tenant
	if !decodeStrict(w, r, &t) {
		return
	}
	t.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateTenant(r.Context(), &t); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	if s.deps.Tenants != nil {
		s.deps.Tenants.Invalidate(t.ID)
	}
	writeJSON(w, http.StatusOK, &t)
}

func (s *server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteTenant(r.Context(), id); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	if s.deps.Tenants != nil {
		s.deps.Tenants.Invalidate(id)
	}
	if s.deps.SemCache != nil {
		s.deps.SemCache.PurgeTenant(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Wallets ---

func (s *server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallets == nil {
		writeError(w, r.Context(), gateway.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": s.deps.Wallets.List(adminTenantID(r))})
}

func (s *server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var wal gateway.Wallet
	if !decodeStrict(w, r, &wal) {
		return
	}
	if wal.ID == "" || wal.TenantID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.CodeInvalidRequest, "id and tenant_id are required", gateway.CorrelationIDFromContext(r.Context())))
		return
	}
	wal.CreatedAt = time.Now().UTC()
	if err := s.deps.Store.CreateWallet(r.Context(), &wal); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	if s.deps.Wallets != nil {
		if err := s.deps.Wallets.Register(&wal); err != nil {
			writeError(w, r.Context(), err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, &wal)
}

func (s *server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallets == nil {
		writeError(w, r.Context(), gateway.ErrNotFound)
		return
	}
	wal, err := s.deps.Wallets.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

// transferRequest moves hard-limit budget between sibling wallets.
type transferRequest struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Amount   float64 `json:"amount"`
	Approver string  `json:"approver"`
}

func (s *server) handleWalletTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if s.deps.Wallets == nil {
		writeError(w, r.Context(), gateway.ErrNotFound)
		return
	}
	if err := s.deps.Wallets.Transfer(req.From, req.To, req.Amount, req.Approver); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

// --- API keys ---

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	keys, err := s.deps.Store.ListKeys(r.Context(), adminTenantID(r), offset, limit)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// createKeyRequest is the admin payload for minting a key.
type createKeyRequest struct {
	TenantID  string     `json:"tenant_id"`
	ActorID   string     `json:"actor_id"`
	ActorKind string     `json:"actor_kind,omitempty"`
	WalletID  string     `json:"wallet_id"`
	TeamID    string     `json:"team_id,omitempty"`
	Role      string     `json:"role,omitempty"`
	RPMLimit  *int64     `json:"rpm_limit,omitempty"`
	TPMLimit  *int64     `json:"tpm_limit,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		req.TenantID = adminTenantID(r)
	}
	if req.ActorID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorEnvelope(gateway.CodeInvalidRequest, "actor_id is required", gateway.CorrelationIDFromContext(r.Context())))
		return
	}
	plaintext, key, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		TenantID:  req.TenantID,
		ActorID:   req.ActorID,
		ActorKind: req.ActorKind,
		WalletID:  req.WalletID,
		TeamID:    req.TeamID,
		Role:      req.Role,
		RPMLimit:  req.RPMLimit,
		TPMLimit:  req.TPMLimit,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	// The plaintext is shown exactly once; only the hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{"key": plaintext, "record": key})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Store.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var key gateway.APIKey
	if !decodeStrict(w, r, &key) {
		return
	}
	key.ID = chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetKey(r.Context(), key.ID)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	key.KeyHash = existing.KeyHash
	key.KeyPrefix = existing.KeyPrefix
	key.CreatedAt = existing.CreatedAt
	if err := s.deps.Store.UpdateKey(r.Context(), &key); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByKeyID(key.ID)
	}
	writeJSON(w, http.StatusOK, &key)
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.DeleteKey(r.Context(), id); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	if s.deps.KeyInvalidator != nil {
		s.deps.KeyInvalidator.InvalidateByKeyID(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Audit, incidents, cache ---

// handleLedgerVerify walks a tenant's hash chain and reports the first break.
func (s *server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.LedgerStore == nil {
		writeError(w, r.Context(), gateway.ErrNotFound)
		return
	}
	result, err := ledger.Verify(r.Context(), s.deps.LedgerStore, adminTenantID(r))
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	incidents, err := s.deps.Store.ListIncidents(r.Context(), adminTenantID(r), limit)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *server) handleListHeldRequests(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	held, err := s.deps.Store.ListHeldRequests(r.Context(), adminTenantID(r), limit)
	if err != nil {
		writeError(w, r.Context(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"held_requests": held})
}

func (s *server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if s.deps.SemCache == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cache disabled"})
		return
	}
	tenantID := adminTenantID(r)
	s.deps.SemCache.PurgeTenant(tenantID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged", "tenant": tenantID})
}
