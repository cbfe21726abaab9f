package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/engine"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError отдает ErrorBody со статусом по категории ошибки.
// Ошибки коллабораторов и хранилищ логируются, остальные ожидаемы.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := engine.HTTPStatus(err)
	switch domain.CategoryOf(err) {
	case domain.CategoryCollaborator:
		logger.Error("request failed", zap.Error(err))
	case domain.CategoryIntegrity:
		logger.Warn("integrity error", zap.Error(err))
	}
	writeJSON(w, status, engine.NewErrorBody(err))
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: empty body", domain.ErrInvalidAction)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidAction, err)
	}
	return nil
}
