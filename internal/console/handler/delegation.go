package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agent-delegation-gate/internal/authz"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/engine"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"github.com/xela07ax/agent-delegation-gate/internal/policy"
	"go.uber.org/zap"
)

// DelegationHandler жизненный цикл пары (user, agent): authorize, revoke, install из шаблона, состояние и счетчики.
type DelegationHandler struct {
	authz  *authz.Service
	store  *policy.Store
	gate   *engine.Gate
	logger *zap.Logger
}

func NewDelegationHandler(a *authz.Service, s *policy.Store, g *engine.Gate, logger *zap.Logger) *DelegationHandler {
	return &DelegationHandler{authz: a, store: s, gate: g, logger: logger.Named("delegation-handler")}
}

func pairFrom(r *http.Request) (domain.Address, domain.AgentID) {
	return domain.Address(chi.URLParam(r, "user")), domain.AgentID(chi.URLParam(r, "agent"))
}

// Authorize PUT /v1/users/{user}/agents/{agent}/policy
func (h *DelegationHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	user, agent := pairFrom(r)

	var p domain.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, h.logger, err)
		return
	}
	installed, err := h.authz.Authorize(r.Context(), caller, user, agent, p)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, installed)
}

// Revoke DELETE /v1/users/{user}/agents/{agent}/policy
func (h *DelegationHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	user, agent := pairFrom(r)
	if err := h.authz.Revoke(r.Context(), caller, user, agent); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPolicy GET /v1/users/{user}/agents/{agent}/policy
func (h *DelegationHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	user, agent := pairFrom(r)
	p, found, err := h.store.Find(r.Context(), user, agent)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": "policy not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type stateResponse struct {
	State      authz.State `json:"state"`
	Authorized bool        `json:"authorized"`
}

// State GET /v1/users/{user}/agents/{agent}/state
func (h *DelegationHandler) State(w http.ResponseWriter, r *http.Request) {
	user, agent := pairFrom(r)
	st, err := h.authz.State(r.Context(), user, agent)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: st, Authorized: st == authz.StateAuthorized})
}

// Usage GET /v1/users/{user}/agents/{agent}/usage
func (h *DelegationHandler) Usage(w http.ResponseWriter, r *http.Request) {
	user, agent := pairFrom(r)
	u, err := h.gate.Usage(r.Context(), user, agent)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// List GET /v1/users/{user}/policies
func (h *DelegationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context(), domain.Address(chi.URLParam(r, "user")))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type installRequest struct {
	Template  string          `json:"template"`
	Overrides json.RawMessage `json:"overrides,omitempty"`
}

// Install POST /v1/users/{user}/agents/{agent}/install
// Installer (или сам пользователь) применяет шаблон с переопределениями.
func (h *DelegationHandler) Install(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	user, agent := pairFrom(r)

	var req installRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.store.InstallFromTemplate(r.Context(), caller, user, agent, req.Template, req.Overrides)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Uninstall POST /v1/users/{user}/agents/{agent}/uninstall
func (h *DelegationHandler) Uninstall(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	user, agent := pairFrom(r)
	if err := h.store.Uninstall(r.Context(), caller, user, agent); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
