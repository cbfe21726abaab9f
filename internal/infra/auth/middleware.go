package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator интерфейс проверки токена для HTTP и gRPC
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey struct{}

// WithClaims кладет проверенные claims в контекст.
func WithClaims(ctx context.Context, c *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFrom(ctx context.Context) (*domain.CustomClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*domain.CustomClaims)
	return c, ok && c != nil
}

// CallerFrom адрес вызывающей стороны из токена.
func CallerFrom(ctx context.Context) (domain.Address, bool) {
	c, ok := ClaimsFrom(ctx)
	if !ok || c.Address == "" {
		return "", false
	}
	return c.Address, true
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing access token")
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "invalid access token")
				return
			}
			if claims.Address == "" {
				writeError(w, http.StatusUnauthorized, "token has no caller address")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope пропускает только токены со scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := ClaimsFrom(r.Context())
			if !ok || !c.Scopes[scope] {
				writeError(w, http.StatusForbidden, "scope "+scope+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}
