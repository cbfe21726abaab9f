package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims: Address становится caller во всех операциях Gate и Authorization Service.
type CustomClaims struct {
	UserID  string          `json:"user_id"`
	Address Address         `json:"address"`
	Scopes  map[string]bool `json:"scopes"` // "admin": true, "agent": true
	jwt.RegisteredClaims
}

const (
	ScopeAdmin = "admin"
	ScopeAgent = "agent"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	Address      Address         `json:"address"`
	PasswordHash string          `json:"-"`
	Role         string          `json:"role"`
	Scopes       map[string]bool `json:"scopes"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
