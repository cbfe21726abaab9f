package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

type AuditService struct {
	repo audit.Reader
}

func NewAuditService(repo audit.Reader) *AuditService {
	return &AuditService{repo: repo}
}

// FetchLogs: без scope admin пользователь видит только события по своему адресу.
func (s *AuditService) FetchLogs(ctx context.Context, claims *domain.CustomClaims, f audit.Filter) ([]audit.Event, error) {
	if !claims.Scopes[domain.ScopeAdmin] {
		f.User = claims.Address
	}
	logs, err := s.repo.FetchEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}
