// Package authz жизненный цикл делегирования: пользователь выдает агенту полномочия и отзывает их.
package authz

import (
	"context"
	"time"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/policy"
	"go.uber.org/zap"
)

// State производное состояние пары (user, agent). Хранится только политика, состояние вычисляется лениво.
type State string

const (
	StateUnauthorized State = "unauthorized"
	StateAuthorized   State = "authorized"
	StateRevoked      State = "revoked"
	StateExpired      State = "expired"
)

type Service struct {
	store  *policy.Store
	now    func() time.Time
	logger *zap.Logger
}

func NewService(store *policy.Store, now func() time.Time, logger *zap.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, now: now, logger: logger.Named("authz")}
}

// Authorize выдает агенту полномочия по политике. Вызывать может только сам пользователь.
func (s *Service) Authorize(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.Policy) (domain.Policy, error) {
	if caller == "" || !domain.SameAddress(caller, user) {
		return domain.Policy{}, domain.ErrNotAuthorizedCaller
	}
	if exp := p.Lifecycle.ExpiryTimestamp; !exp.IsZero() && !exp.After(s.now()) {
		return domain.Policy{}, domain.ErrInvalidExpiry
	}
	installed, err := s.store.Install(ctx, caller, user, agent, p)
	if err != nil {
		return domain.Policy{}, err
	}
	s.logger.Info("agent authorized",
		zap.String("user", string(user.Normalized())),
		zap.String("agent", string(agent)),
		zap.Time("expiry", p.Lifecycle.ExpiryTimestamp),
	)
	return installed, nil
}

// Revoke отзывает полномочия. Повторный отзыв не ошибка.
func (s *Service) Revoke(ctx context.Context, caller, user domain.Address, agent domain.AgentID) error {
	if caller == "" || !domain.SameAddress(caller, user) {
		return domain.ErrNotAuthorizedCaller
	}
	if err := s.store.Uninstall(ctx, caller, user, agent); err != nil {
		return err
	}
	s.logger.Info("agent revoked", zap.String("user", string(user.Normalized())), zap.String("agent", string(agent)))
	return nil
}

func (s *Service) IsAuthorized(ctx context.Context, user domain.Address, agent domain.AgentID) (bool, error) {
	p, err := s.store.Get(ctx, user, agent)
	if err != nil {
		return false, err
	}
	return p.IsActive(s.now()), nil
}

func (s *Service) State(ctx context.Context, user domain.Address, agent domain.AgentID) (State, error) {
	p, found, err := s.store.Find(ctx, user, agent)
	if err != nil {
		return "", err
	}
	switch {
	case !found:
		return StateUnauthorized, nil
	case !p.Lifecycle.Enabled:
		return StateRevoked, nil
	case p.Expired(s.now()):
		return StateExpired, nil
	}
	return StateAuthorized, nil
}

// Policy политика пары для Gate (нулевая, если пары нет).
func (s *Service) Policy(ctx context.Context, user domain.Address, agent domain.AgentID) (domain.Policy, error) {
	return s.store.Get(ctx, user, agent)
}
