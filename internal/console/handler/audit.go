package handler

import (
	"net/http"
	"strconv"

	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/console/service"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"go.uber.org/zap"
)

type AuditHandler struct {
	service *service.AuditService
	logger  *zap.Logger
}

func NewAuditHandler(s *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{service: s, logger: logger.Named("audit-handler")}
}

// GetLogs возвращает события журнала от новых к старым
// GET /v1/audit?user=...&agent=...&type=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, h.logger, domain.ErrNotAuthorizedCaller)
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		User:  domain.Address(q.Get("user")),
		Agent: domain.AgentID(q.Get("agent")),
		Type:  audit.EventType(q.Get("type")),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, h.logger, domain.ErrInvalidAction)
			return
		}
		f.Limit = n
	}

	logs, err := h.service.FetchLogs(r.Context(), claims, f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
