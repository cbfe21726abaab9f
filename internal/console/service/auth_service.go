package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSigningDisabled    = errors.New("token issuing disabled: auth.private_key_path is not set")
)

type AuthProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	PutUser(ctx context.Context, u domain.User) error
}

type AuthService struct {
	repo   AuthProvider
	signer *auth.Signer
	cost   int
	now    func() time.Time
	logger *zap.Logger
}

func NewAuthService(repo AuthProvider, signer *auth.Signer, bcryptCost int, logger *zap.Logger) *AuthService {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{
		repo:   repo,
		signer: signer,
		cost:   bcryptCost,
		now:    time.Now,
		logger: logger.Named("auth-service"),
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Подпись закрытым ключом (RS256). Address пользователя становится caller
	if s.signer == nil {
		return nil, ErrSigningDisabled
	}
	return s.signer.Issue(*user, s.now())
}

// CreateUser создает или обновляет пользователя (CLI bootstrap).
func (s *AuthService) CreateUser(ctx context.Context, username, password string, address domain.Address, scopes map[string]bool) (domain.User, error) {
	if username == "" || password == "" || address.Normalized() == "" {
		return domain.User{}, fmt.Errorf("username, password and address are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	role := "user"
	if scopes[domain.ScopeAdmin] {
		role = "admin"
	}
	u := domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		Address:      address.Normalized(),
		PasswordHash: string(hash),
		Role:         role,
		Scopes:       scopes,
		CreatedAt:    s.now().UTC(),
		UpdatedAt:    s.now().UTC(),
	}
	if existing, err := s.repo.GetUserByUsername(ctx, username); err == nil && existing != nil {
		u.ID = existing.ID
		u.CreatedAt = existing.CreatedAt
	}
	if err := s.repo.PutUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	s.logger.Info("user saved", zap.String("username", username), zap.String("address", string(u.Address)))
	return u, nil
}
