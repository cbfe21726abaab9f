package handler

import (
	"errors"
	"net/http"

	"github.com/xela07ax/agent-delegation-gate/internal/console/service"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"go.uber.org/zap"
)

type AuthHandler struct {
	service *service.AuthService
	logger  *zap.Logger
}

func NewAuthHandler(s *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{service: s, logger: logger.Named("auth-handler")}
}

// Login POST /auth/token
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	resp, err := h.service.GenerateToken(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, service.ErrInvalidCredentials) {
			h.logger.Error("login failed", zap.Error(err))
		}
		// не уточняем, что именно неверно (логин или пароль)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
