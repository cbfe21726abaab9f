package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/engine"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"go.uber.org/zap"
)

// ExecuteHandler HTTP вход агентов в Execution Gate. Caller берется из токена (адрес контроллера агента).
type ExecuteHandler struct {
	gate   *engine.Gate
	logger *zap.Logger
}

func NewExecuteHandler(g *engine.Gate, logger *zap.Logger) *ExecuteHandler {
	return &ExecuteHandler{gate: g, logger: logger.Named("execute-handler")}
}

type executeRequest struct {
	User   domain.Address  `json:"user"`
	Agent  domain.AgentID  `json:"agent"`
	Params json.RawMessage `json:"params"`
}

func (h *ExecuteHandler) parse(r *http.Request) (domain.Address, executeRequest, domain.Action, error) {
	caller, _ := auth.CallerFrom(r.Context())

	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", req, domain.Action{}, err
	}
	action, err := engine.DecodeAction(domain.ActionKind(chi.URLParam(r, "kind")), req.Params)
	return caller, req, action, err
}

// Execute POST /v1/execute/{kind}
func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	caller, req, action, err := h.parse(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.gate.Execute(r.Context(), caller, req.User, req.Agent, action)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Preview POST /v1/preview/{kind}
func (h *ExecuteHandler) Preview(w http.ResponseWriter, r *http.Request) {
	caller, req, action, err := h.parse(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.gate.Preview(r.Context(), caller, req.User, req.Agent, action)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
