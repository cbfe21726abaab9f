package connectors

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

func TestSimulator_HealthFactor(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()
	s.SetCollateral("0xUser", decimal.NewFromInt(1000))
	s.SetDebt("0xuser", "USDC", decimal.NewFromInt(400))

	hf, err := s.HealthFactorOf(ctx, "0xuser")
	require.NoError(t, err)
	assert.True(t, hf.Equal(decimal.NewFromInt(2)))

	after, err := s.SimulateHealthFactor(ctx, "0xuser", domain.Action{Kind: domain.ActionBorrow, Size: decimal.NewFromInt(400)})
	require.NoError(t, err)
	assert.True(t, after.Equal(decimal.NewFromInt(1)))

	// Симуляция не меняет состояние
	debt, err := s.DebtOf(ctx, "0xuser", "USDC")
	require.NoError(t, err)
	assert.True(t, debt.Equal(decimal.NewFromInt(400)))
}

func TestSimulator_FailOnAndCalls(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()
	boom := errors.New("venue down")
	s.FailOn(MethodPlaceOrderFor, boom)

	_, err := s.PlaceOrderFor(ctx, "0xuser", domain.Action{Kind: domain.ActionMarketOrder})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.Calls(MethodPlaceOrderFor))

	s.FailOn(MethodPlaceOrderFor, nil)
	_, err = s.PlaceOrderFor(ctx, "0xuser", domain.Action{Kind: domain.ActionMarketOrder})
	assert.NoError(t, err)
}

func TestSimulator_CancelOwnOrderOnly(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()
	id, err := s.PlaceOrderFor(ctx, "0xalice", domain.Action{Kind: domain.ActionLimitOrder})
	require.NoError(t, err)

	assert.Error(t, s.CancelOrderFor(ctx, "0xbob", id))
	assert.NoError(t, s.CancelOrderFor(ctx, "0xalice", id))
	assert.Error(t, s.CancelOrderFor(ctx, "0xalice", id))
}

func TestSimulator_LockUnlock(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator()

	_, err := s.Lock(ctx, "0xuser", "ETH", decimal.NewFromInt(5))
	require.NoError(t, err)
	_, err = s.Unlock(ctx, "0xuser", "ETH", decimal.NewFromInt(6))
	assert.Error(t, err)
	_, err = s.Unlock(ctx, "0xuser", "ETH", decimal.NewFromInt(5))
	assert.NoError(t, err)
	assert.True(t, s.Collateral("0xuser").IsZero())
}
