package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/engine"
	"go.uber.org/zap"
)

// AgentHandler операторский kill switch. Маршруты закрыты scope admin.
type AgentHandler struct {
	ks     *engine.KillSwitchManager
	logger *zap.Logger
}

func NewAgentHandler(ks *engine.KillSwitchManager, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{ks: ks, logger: logger.Named("agent-handler")}
}

type haltRequest struct {
	Reason string `json:"reason"`
}

// Halt POST /v1/agents/{agent}/halt
func (h *AgentHandler) Halt(w http.ResponseWriter, r *http.Request) {
	agent := domain.AgentID(chi.URLParam(r, "agent"))
	if agent == "" {
		writeError(w, h.logger, domain.ErrInvalidAction)
		return
	}

	var req haltRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	// Ждем и БД, и Redis: ответ 204 означает, что агент остановлен
	if err := h.ks.Halt(r.Context(), agent, req.Reason); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resume POST /v1/agents/{agent}/resume
func (h *AgentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	agent := domain.AgentID(chi.URLParam(r, "agent"))
	if err := h.ks.Resume(r.Context(), agent); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Halted GET /v1/agents/halted
func (h *AgentHandler) Halted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ks.Halted())
}
