package authz

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/policy"
	"github.com/xela07ax/agent-delegation-gate/internal/repository/memory"
	"go.uber.org/zap"
)

const (
	user  domain.Address = "0xUser"
	agent domain.AgentID = "agent-7"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService(t *testing.T) (*Service, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := policy.NewStore(memory.NewPolicyRepo(), nil, nil, policy.Options{Now: clk.now}, zap.NewNop())
	return NewService(store, clk.now, zap.NewNop()), clk
}

func basePolicy() domain.Policy {
	return domain.Policy{
		Size:         domain.SizeBounds{MaxOrderSize: decimal.NewFromInt(1000)},
		Capabilities: domain.CapabilityFlags{AllowMarketOrders: true},
	}
}

func TestAuthorize_Lifecycle(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	st, err := s.State(ctx, user, agent)
	require.NoError(t, err)
	assert.Equal(t, StateUnauthorized, st)

	_, err = s.Authorize(ctx, user, user, agent, basePolicy())
	require.NoError(t, err)
	ok, err := s.IsAuthorized(ctx, user, agent)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Revoke(ctx, user, user, agent))
	ok, err = s.IsAuthorized(ctx, user, agent)
	require.NoError(t, err)
	assert.False(t, ok)
	st, err = s.State(ctx, user, agent)
	require.NoError(t, err)
	assert.Equal(t, StateRevoked, st)

	// Повторная авторизация перезаписывает политику целиком
	p := basePolicy()
	p.Size.MaxOrderSize = decimal.NewFromInt(50)
	_, err = s.Authorize(ctx, user, user, agent, p)
	require.NoError(t, err)
	got, err := s.Policy(ctx, user, agent)
	require.NoError(t, err)
	assert.True(t, got.Size.MaxOrderSize.Equal(decimal.NewFromInt(50)))
}

func TestAuthorize_CallerMustBeUser(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Authorize(ctx, "0xOther", user, agent, basePolicy())
	assert.ErrorIs(t, err, domain.ErrNotAuthorizedCaller)
	_, err = s.Authorize(ctx, "", user, agent, basePolicy())
	assert.ErrorIs(t, err, domain.ErrNotAuthorizedCaller)

	_, err = s.Authorize(ctx, "0xuser", user, agent, basePolicy())
	require.NoError(t, err, "address comparison ignores case")
	assert.ErrorIs(t, s.Revoke(ctx, "0xOther", user, agent), domain.ErrNotAuthorizedCaller)
}

func TestAuthorize_Expiry(t *testing.T) {
	s, clk := newService(t)
	ctx := context.Background()

	p := basePolicy()
	p.Lifecycle.ExpiryTimestamp = clk.t
	_, err := s.Authorize(ctx, user, user, agent, p)
	assert.ErrorIs(t, err, domain.ErrInvalidExpiry)

	p.Lifecycle.ExpiryTimestamp = clk.t.Add(time.Hour)
	_, err = s.Authorize(ctx, user, user, agent, p)
	require.NoError(t, err)

	clk.t = clk.t.Add(2 * time.Hour)
	ok, err := s.IsAuthorized(ctx, user, agent)
	require.NoError(t, err)
	assert.False(t, ok)
	st, err := s.State(ctx, user, agent)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, st)
}

func TestRevoke_IsMonotonic(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Authorize(ctx, user, user, agent, basePolicy())
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, user, user, agent))
	require.NoError(t, s.Revoke(ctx, user, user, agent))

	for i := 0; i < 3; i++ {
		ok, err := s.IsAuthorized(ctx, user, agent)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}
