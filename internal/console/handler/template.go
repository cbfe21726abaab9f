package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"github.com/xela07ax/agent-delegation-gate/internal/policy"
	"go.uber.org/zap"
)

// TemplateHandler шаблоны политик и список installer-адресов. Изменения только для admin адреса.
type TemplateHandler struct {
	store  *policy.Store
	logger *zap.Logger
}

func NewTemplateHandler(s *policy.Store, logger *zap.Logger) *TemplateHandler {
	return &TemplateHandler{store: s, logger: logger.Named("template-handler")}
}

// List GET /v1/templates
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.Templates(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Get GET /v1/templates/{name}
func (h *TemplateHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.Template(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Put PUT /v1/templates/{name}
func (h *TemplateHandler) Put(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())

	var t domain.PolicyTemplate
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, h.logger, err)
		return
	}
	t.Name = chi.URLParam(r, "name")

	saved, err := h.store.PutTemplate(r.Context(), caller, t)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Activate POST /v1/templates/{name}/activate
func (h *TemplateHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// Deactivate POST /v1/templates/{name}/deactivate
func (h *TemplateHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *TemplateHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	caller, _ := auth.CallerFrom(r.Context())
	if err := h.store.SetTemplateActive(r.Context(), caller, chi.URLParam(r, "name"), active); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Installers GET /v1/installers
func (h *TemplateHandler) Installers(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.Installers(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// AddInstaller PUT /v1/installers/{address}
func (h *TemplateHandler) AddInstaller(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	if err := h.store.AddInstaller(r.Context(), caller, domain.Address(chi.URLParam(r, "address"))); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveInstaller DELETE /v1/installers/{address}
func (h *TemplateHandler) RemoveInstaller(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	if err := h.store.RemoveInstaller(r.Context(), caller, domain.Address(chi.URLParam(r, "address"))); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
