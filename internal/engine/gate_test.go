package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/authz"
	"github.com/xela07ax/agent-delegation-gate/internal/connectors"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/policy"
	"github.com/xela07ax/agent-delegation-gate/internal/repository/memory"
	"github.com/xela07ax/agent-delegation-gate/internal/risk"
	"go.uber.org/zap"
)

const (
	alice    domain.Address = "0xAlice"
	operator domain.Address = "0xOperator"
	mallory  domain.Address = "0xMallory"
	bot      domain.AgentID = "agent-1"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Log(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) ofType(t audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	gate     *Gate
	sim      *connectors.Simulator
	authz    *authz.Service
	counters *memory.CounterRepo
	clk      *clock
	audit    *recorder
}

type option func(*Deps, *Config)

func newFixture(t *testing.T, p domain.Policy, opts ...option) *fixture {
	t.Helper()
	f := &fixture{
		sim:      connectors.NewSimulator(),
		counters: memory.NewCounterRepo(),
		clk:      &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		audit:    &recorder{},
	}
	f.sim.SetController(bot, operator)

	store := policy.NewStore(memory.NewPolicyRepo(), nil, nil, policy.Options{Now: f.clk.now}, zap.NewNop())
	f.authz = authz.NewService(store, f.clk.now, zap.NewNop())
	_, err := f.authz.Authorize(context.Background(), alice, alice, bot, p)
	require.NoError(t, err)

	deps := Deps{
		Policies:      f.authz,
		Counters:      f.counters,
		Collaborators: f.sim.Suite(),
		Auditor:       f.audit,
	}
	cfg := Config{Now: f.clk.now}
	for _, o := range opts {
		o(&deps, &cfg)
	}
	f.gate = NewGate(deps, cfg, zap.NewNop())
	return f
}

func (f *fixture) order(ctx context.Context, size int64) (domain.Result, error) {
	return f.gate.ExecuteMarketOrder(ctx, operator, alice, bot, marketBuy(size))
}

func (f *fixture) usage(t *testing.T) domain.Usage {
	t.Helper()
	u, err := f.gate.Usage(context.Background(), alice, bot)
	require.NoError(t, err)
	return u
}

func marketBuy(size int64) domain.OrderParams {
	return domain.OrderParams{Base: "ETH", Quote: "USDC", Side: domain.SideBuy, Size: decimal.NewFromInt(size)}
}

func lending(size int64) domain.LendingParams {
	return domain.LendingParams{Token: "USDC", Amount: decimal.NewFromInt(size)}
}

func permissive() domain.Policy {
	return domain.Policy{
		Size: domain.SizeBounds{MinOrderSize: decimal.NewFromInt(100), MaxOrderSize: decimal.NewFromInt(1000)},
		Capabilities: domain.CapabilityFlags{
			AllowMarketOrders:       true,
			AllowLimitOrders:        true,
			AllowSwap:               true,
			AllowBorrow:             true,
			AllowRepay:              true,
			AllowSupplyCollateral:   true,
			AllowWithdrawCollateral: true,
			AllowPlaceLimitOrder:    true,
			AllowCancelOrder:        true,
			AllowBuy:                true,
			AllowSell:               true,
			AllowAutoBorrow:         true,
			AllowAutoRepay:          true,
		},
	}
}

func violationOf(t *testing.T, err error) *domain.RuleViolation {
	t.Helper()
	var v *domain.RuleViolation
	require.ErrorAs(t, err, &v)
	return v
}

func TestGate_MarketOrderWithinBounds(t *testing.T) {
	f := newFixture(t, permissive())
	ctx := context.Background()

	res, err := f.order(ctx, 999)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ExecutionID)
	assert.NotEmpty(t, res.Reference)
	assert.Equal(t, domain.ActionMarketOrder, res.Kind)
	assert.Equal(t, 1, f.sim.Calls(connectors.MethodPlaceOrderFor))

	u := f.usage(t)
	assert.True(t, u.DailyVolume.Equal(decimal.NewFromInt(999)))
	assert.EqualValues(t, 1, u.TradesToday)

	fb := f.sim.Feedback()
	require.Len(t, fb, 1)
	assert.Equal(t, domain.FeedbackTrade, fb[0].Kind)

	ev := f.audit.last()
	assert.Equal(t, audit.EventExecution, ev.Type)
	assert.Equal(t, audit.StatusSuccess, ev.Status)
	assert.Equal(t, res.ExecutionID, ev.ID)
}

func TestGate_SizeBounds(t *testing.T) {
	f := newFixture(t, permissive())
	ctx := context.Background()

	_, err := f.order(ctx, 1001)
	require.ErrorIs(t, err, domain.ErrOrderTooLarge)
	v := violationOf(t, err)
	assert.Equal(t, RuleMaxOrderSize, v.Rule)
	assert.Equal(t, "1000", v.Bound)
	assert.Equal(t, "1001", v.Value)

	_, err = f.order(ctx, 50)
	require.ErrorIs(t, err, domain.ErrOrderTooSmall)

	// Отказ не доходит до площадки и не трогает счетчики
	assert.Equal(t, 0, f.sim.Calls(connectors.MethodPlaceOrderFor))
	assert.True(t, f.usage(t).DailyVolume.IsZero())
	assert.Equal(t, audit.StatusDenied, f.audit.last().Status)
	assert.Equal(t, RuleMinOrderSize, f.audit.last().Rule)
}

func TestGate_CallerMustControlAgent(t *testing.T) {
	f := newFixture(t, permissive())

	_, err := f.gate.ExecuteMarketOrder(context.Background(), mallory, alice, bot, marketBuy(500))
	require.ErrorIs(t, err, domain.ErrNotAgentController)
	assert.Equal(t, domain.CategoryAuthorization, domain.CategoryOf(err))
	assert.Equal(t, 0, f.sim.Calls(connectors.MethodPlaceOrderFor))
}

func TestGate_RevokeBlocksExecution(t *testing.T) {
	f := newFixture(t, permissive())
	ctx := context.Background()

	_, err := f.order(ctx, 500)
	require.NoError(t, err)

	require.NoError(t, f.authz.Revoke(ctx, alice, alice, bot))
	_, err = f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Equal(t, 1, f.sim.Calls(connectors.MethodPlaceOrderFor))
}

func TestGate_ExpiredPolicy(t *testing.T) {
	p := permissive()
	f := newFixture(t, p)
	ctx := context.Background()

	p.Lifecycle.ExpiryTimestamp = f.clk.now().Add(time.Hour)
	_, err := f.authz.Authorize(ctx, alice, alice, bot, p)
	require.NoError(t, err)

	_, err = f.order(ctx, 500)
	require.NoError(t, err)

	f.clk.set(f.clk.now().Add(2 * time.Hour))
	_, err = f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrNotAuthorized)
}

func TestGate_CollaboratorFailureRollsBackCounters(t *testing.T) {
	f := newFixture(t, permissive())
	ctx := context.Background()
	boom := errors.New("venue down")
	f.sim.FailOn(connectors.MethodPlaceOrderFor, boom)

	_, err := f.order(ctx, 500)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, domain.CategoryCollaborator, domain.CategoryOf(err))

	u := f.usage(t)
	assert.True(t, u.DailyVolume.IsZero())
	assert.Zero(t, u.TradesToday)
	assert.True(t, u.LastTradeTime.IsZero())
	assert.Equal(t, audit.StatusFailed, f.audit.last().Status)
	assert.Empty(t, f.sim.Feedback())
}

func TestGate_CounterStoreFailureSkipsCollaborator(t *testing.T) {
	f := newFixture(t, permissive())
	f.counters.FailSave(errors.New("disk full"))

	_, err := f.order(context.Background(), 500)
	require.Error(t, err)
	assert.Equal(t, 0, f.sim.Calls(connectors.MethodPlaceOrderFor))
}

func TestGate_DailyVolumeAccumulatesAndResets(t *testing.T) {
	p := permissive()
	p.Volume.DailyVolumeLimit = decimal.NewFromInt(1500)
	f := newFixture(t, p)
	ctx := context.Background()

	_, err := f.order(ctx, 800)
	require.NoError(t, err)

	_, err = f.order(ctx, 800)
	require.ErrorIs(t, err, domain.ErrVolumeLimitExceeded)
	v := violationOf(t, err)
	assert.Equal(t, RuleDailyVolume, v.Rule)
	assert.Equal(t, "1600", v.Value)

	_, err = f.order(ctx, 700)
	require.NoError(t, err)
	assert.True(t, f.usage(t).DailyVolume.Equal(decimal.NewFromInt(1500)))

	// Новый день UTC
	f.clk.set(f.clk.now().Add(24 * time.Hour))
	_, err = f.order(ctx, 800)
	require.NoError(t, err)
	assert.True(t, f.usage(t).DailyVolume.Equal(decimal.NewFromInt(800)))
	assert.True(t, f.usage(t).WeeklyVolume.Equal(decimal.NewFromInt(2300)))
}

func TestGate_WeeklyVolume(t *testing.T) {
	p := permissive()
	p.Volume.WeeklyVolumeLimit = decimal.NewFromInt(2000)
	f := newFixture(t, p)
	ctx := context.Background()
	start := f.clk.now()

	for day := 0; day < 2; day++ {
		f.clk.set(start.Add(time.Duration(day) * 24 * time.Hour))
		_, err := f.order(ctx, 1000)
		require.NoError(t, err)
	}

	f.clk.set(start.Add(2 * 24 * time.Hour))
	_, err := f.order(ctx, 100)
	require.ErrorIs(t, err, domain.ErrVolumeLimitExceeded)
	assert.Equal(t, RuleWeeklyVolume, violationOf(t, err).Rule)

	// Через семь дней первый день выпадает из окна
	f.clk.set(start.Add(7 * 24 * time.Hour))
	_, err = f.order(ctx, 1000)
	require.NoError(t, err)
}

func TestGate_Frequency(t *testing.T) {
	p := permissive()
	p.Frequency.MaxTradesPerHour = 2
	p.Safety.MinTimeBetweenTrades = domain.Duration(time.Minute)
	f := newFixture(t, p)
	ctx := context.Background()
	start := f.clk.now()

	_, err := f.order(ctx, 100)
	require.NoError(t, err)

	f.clk.set(start.Add(30 * time.Second))
	_, err = f.order(ctx, 100)
	require.ErrorIs(t, err, domain.ErrTooFrequent)
	assert.Equal(t, RuleMinInterval, violationOf(t, err).Rule)

	f.clk.set(start.Add(2 * time.Minute))
	_, err = f.order(ctx, 100)
	require.NoError(t, err)

	f.clk.set(start.Add(4 * time.Minute))
	_, err = f.order(ctx, 100)
	require.ErrorIs(t, err, domain.ErrTooFrequent)
	assert.Equal(t, RuleTradesPerHour, violationOf(t, err).Rule)

	f.clk.set(start.Add(time.Hour))
	_, err = f.order(ctx, 100)
	require.NoError(t, err)
}

func TestGate_RollbackFailureIsAudited(t *testing.T) {
	f := newFixture(t, permissive())
	boom := errors.New("venue down")
	suite := f.sim.Suite()
	// Хранилище отказывает между резервом и откатом
	suite.Venue = &failingVenue{OrderVenue: f.sim, before: func() { f.counters.FailSave(errors.New("disk full")) }, err: boom}
	f.gate.suite = suite

	_, err := f.order(context.Background(), 500)
	require.ErrorIs(t, err, boom)

	failed := f.audit.ofType(audit.EventCounterRollbackFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, alice.Normalized(), failed[0].User)
	assert.Equal(t, bot, failed[0].Agent)
	assert.Equal(t, domain.ActionMarketOrder, failed[0].Action)
	assert.Equal(t, "venue down", failed[0].Payload["cause"])
	assert.Contains(t, failed[0].Error, "disk full")
	assert.Equal(t, audit.StatusFailed, f.audit.last().Status)

	// Резерв остался в счетчиках, запись журнала указывает на него
	f.counters.FailSave(nil)
	assert.Equal(t, uint32(1), f.usage(t).TradesToday)
}

type failingVenue struct {
	connectors.OrderVenue
	before func()
	err    error
}

func (v *failingVenue) PlaceOrderFor(context.Context, domain.Address, domain.Action) (string, error) {
	v.before()
	return "", v.err
}

func TestGate_ReentrantCallRejected(t *testing.T) {
	const bob domain.Address = "0xBob"
	f := newFixture(t, permissive())
	_, err := f.authz.Authorize(context.Background(), bob, bob, bot, permissive())
	require.NoError(t, err)
	venue := &blockingVenue{
		OrderVenue: f.sim,
		hold:       alice,
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	suite := f.sim.Suite()
	suite.Venue = venue
	f.gate.suite = suite
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.order(ctx, 500)
		done <- err
	}()
	<-venue.entered

	_, err = f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrReentrantCall)
	assert.Equal(t, domain.CategoryIntegrity, domain.CategoryOf(err))
	assert.Equal(t, audit.StatusBlocked, f.audit.last().Status)

	// Guard держится на пару, другая пара того же агента проходит
	res, err := f.gate.ExecuteMarketOrder(ctx, operator, bob, bot, marketBuy(500))
	require.NoError(t, err)
	assert.Equal(t, bob.Normalized(), res.User)
	assert.Equal(t, audit.StatusSuccess, f.audit.last().Status)

	close(venue.release)
	require.NoError(t, <-done)

	// Guard освобожден
	_, err = f.order(ctx, 500)
	require.NoError(t, err)
}

// blockingVenue задерживает заявки пользователя hold до закрытия release.
type blockingVenue struct {
	connectors.OrderVenue
	hold    domain.Address
	entered chan struct{}
	release chan struct{}
}

func (v *blockingVenue) PlaceOrderFor(ctx context.Context, user domain.Address, a domain.Action) (string, error) {
	if !domain.SameAddress(user, v.hold) {
		return v.OrderVenue.PlaceOrderFor(ctx, user, a)
	}
	select {
	case v.entered <- struct{}{}:
	default:
	}
	<-v.release
	return v.OrderVenue.PlaceOrderFor(ctx, user, a)
}

func TestGate_CapabilityGating(t *testing.T) {
	p := permissive()
	p.Capabilities.AllowPlaceLimitOrder = false
	p.Capabilities.AllowSell = false
	p.Capabilities.AllowAutoBorrow = false
	f := newFixture(t, p)
	ctx := context.Background()

	limit := marketBuy(500)
	limit.LimitPrice = decimal.NewFromInt(3000)
	_, err := f.gate.ExecuteLimitOrder(ctx, operator, alice, bot, limit)
	require.ErrorIs(t, err, domain.ErrCapabilityDenied)

	sell := marketBuy(500)
	sell.Side = domain.SideSell
	_, err = f.gate.ExecuteMarketOrder(ctx, operator, alice, bot, sell)
	require.ErrorIs(t, err, domain.ErrCapabilityDenied)
	assert.Equal(t, "market_order:sell", violationOf(t, err).Value)

	// Своп по умолчанию продает входящий токен
	_, err = f.gate.ExecuteSwap(ctx, operator, alice, bot, domain.SwapParams{TokenIn: "ETH", TokenOut: "USDC", AmountIn: decimal.NewFromInt(500)})
	require.ErrorIs(t, err, domain.ErrCapabilityDenied)

	// auto_borrow требует и allow_borrow, и allow_auto_borrow
	_, err = f.gate.ExecuteAutoBorrow(ctx, operator, alice, bot, lending(500))
	require.ErrorIs(t, err, domain.ErrCapabilityDenied)

	_, err = f.order(ctx, 500)
	require.NoError(t, err)
}

func TestGate_MarketFilter(t *testing.T) {
	p := permissive()
	p.Market.BlacklistedTokens = []domain.TokenID{"SCAM"}
	f := newFixture(t, p)

	params := marketBuy(500)
	params.Base = "SCAM"
	_, err := f.gate.ExecuteMarketOrder(context.Background(), operator, alice, bot, params)
	require.ErrorIs(t, err, domain.ErrTokenNotAllowed)
	assert.Equal(t, "SCAM", violationOf(t, err).Value)
}

func TestGate_Slippage(t *testing.T) {
	p := permissive()
	p.Safety.MaxSlippageBps = 50
	f := newFixture(t, p)
	ctx := context.Background()

	params := marketBuy(500)
	params.ExpectedPrice = decimal.NewFromInt(1000)
	params.QuotedPrice = decimal.NewFromInt(1010)
	_, err := f.gate.ExecuteMarketOrder(ctx, operator, alice, bot, params)
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	params.QuotedPrice = decimal.NewFromInt(1004)
	_, err = f.gate.ExecuteMarketOrder(ctx, operator, alice, bot, params)
	require.NoError(t, err)
}

func TestGate_TradingHoursWrapMidnight(t *testing.T) {
	p := permissive()
	p.Frequency.TradingStartHour = 22
	p.Frequency.TradingEndHour = 3
	f := newFixture(t, p)
	ctx := context.Background()

	_, err := f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrOutsideTradingHours)

	f.clk.set(time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC))
	_, err = f.order(ctx, 500)
	require.NoError(t, err)

	f.clk.set(time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC))
	_, err = f.order(ctx, 500)
	require.NoError(t, err)
}

func TestGate_RiskReducingActionsSkipCounters(t *testing.T) {
	p := permissive()
	p.Frequency.TradingStartHour = 22
	p.Frequency.TradingEndHour = 3
	f := newFixture(t, p)
	ctx := context.Background()
	f.sim.SetDebt(alice, "USDC", decimal.NewFromInt(700))

	// Вне окна торговли погашение и залог разрешены
	_, err := f.gate.ExecuteRepay(ctx, operator, alice, bot, lending(300))
	require.NoError(t, err)
	_, err = f.gate.ExecuteSupplyCollateral(ctx, operator, alice, bot, lending(300))
	require.NoError(t, err)
	assert.True(t, f.sim.Collateral(alice).Equal(decimal.NewFromInt(300)))

	f.sim.AddOrder(alice, "ord-1")
	res, err := f.gate.ExecuteCancelOrder(ctx, operator, alice, bot, domain.CancelParams{OrderID: "ord-1"})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.Reference)

	u := f.usage(t)
	assert.Zero(t, u.TradesToday)
	assert.True(t, u.DailyVolume.IsZero())

	// Обратная связь только о погашении
	fb := f.sim.Feedback()
	require.Len(t, fb, 1)
	assert.Equal(t, domain.FeedbackRepay, fb[0].Kind)
}

func TestGate_EmergencyWithdraw(t *testing.T) {
	const safe domain.Address = "0xSafe"
	ctx := context.Background()

	t.Run("goes to policy recipient", func(t *testing.T) {
		p := permissive()
		p.Safety.EmergencyRecipient = safe
		// Вне окна торговли вывод все равно разрешен
		p.Frequency.TradingStartHour = 22
		p.Frequency.TradingEndHour = 3
		f := newFixture(t, p)
		f.sim.SetEquity(alice, decimal.NewFromInt(5000))

		// Размер выше MaxOrderSize: спасение средств не ограничено размером заявки
		res, err := f.gate.ExecuteEmergencyWithdraw(ctx, operator, alice, bot, lending(3000))
		require.NoError(t, err)
		assert.Equal(t, domain.ActionEmergencyWithdraw, res.Kind)
		assert.NotEmpty(t, res.Reference)
		assert.Equal(t, 1, f.sim.Calls(connectors.MethodTransfer))

		got, err := f.sim.EquityOf(ctx, safe)
		require.NoError(t, err)
		assert.True(t, got.Equal(decimal.NewFromInt(3000)))
		left, err := f.sim.EquityOf(ctx, alice)
		require.NoError(t, err)
		assert.True(t, left.Equal(decimal.NewFromInt(2000)))

		u := f.usage(t)
		assert.Zero(t, u.TradesToday)
		assert.True(t, u.DailyVolume.IsZero())
		assert.Empty(t, f.sim.Feedback())
	})

	t.Run("denied without recipient", func(t *testing.T) {
		f := newFixture(t, permissive())
		f.sim.SetEquity(alice, decimal.NewFromInt(5000))

		_, err := f.gate.ExecuteEmergencyWithdraw(ctx, operator, alice, bot, lending(300))
		require.ErrorIs(t, err, domain.ErrCapabilityDenied)
		assert.Equal(t, RuleEmergency, violationOf(t, err).Rule)
		assert.Equal(t, 0, f.sim.Calls(connectors.MethodTransfer))
	})

	t.Run("caller must control agent", func(t *testing.T) {
		p := permissive()
		p.Safety.EmergencyRecipient = safe
		f := newFixture(t, p)
		f.sim.SetEquity(alice, decimal.NewFromInt(5000))

		_, err := f.gate.ExecuteEmergencyWithdraw(ctx, mallory, alice, bot, lending(300))
		require.ErrorIs(t, err, domain.ErrNotAgentController)
		assert.Equal(t, 0, f.sim.Calls(connectors.MethodTransfer))
	})
}

func TestGate_HealthFactor(t *testing.T) {
	p := permissive()
	p.Safety.MinHealthFactor = decimal.RequireFromString("1.5")
	f := newFixture(t, p)
	ctx := context.Background()
	f.sim.SetCollateral(alice, decimal.NewFromInt(1000))

	// 1000 * 0.8 / 500 = 1.6
	_, err := f.gate.ExecuteBorrow(ctx, operator, alice, bot, lending(500))
	require.NoError(t, err)

	// 800 / 600 = 1.33 < 1.5
	_, err = f.gate.ExecuteBorrow(ctx, operator, alice, bot, lending(100))
	require.ErrorIs(t, err, domain.ErrHealthFactorTooLow)
	assert.Equal(t, RuleHealthFactorPost, violationOf(t, err).Rule)
	assert.Equal(t, 1, f.sim.Calls(connectors.MethodBorrowFor))

	_, err = f.gate.ExecuteWithdrawCollateral(ctx, operator, alice, bot, lending(200))
	require.ErrorIs(t, err, domain.ErrHealthFactorTooLow)
}

func TestGate_AutoBounds(t *testing.T) {
	p := permissive()
	p.Auto.MaxAutoBorrowAmount = decimal.NewFromInt(300)
	p.Auto.MinDebtToRepay = decimal.NewFromInt(200)
	f := newFixture(t, p)
	ctx := context.Background()

	_, err := f.gate.ExecuteAutoBorrow(ctx, operator, alice, bot, lending(400))
	require.ErrorIs(t, err, domain.ErrAutoBorrowLimitExceeded)

	_, err = f.gate.ExecuteAutoBorrow(ctx, operator, alice, bot, lending(150))
	require.NoError(t, err)

	// Долг 150 ниже порога 200
	_, err = f.gate.ExecuteAutoRepay(ctx, operator, alice, bot, lending(150))
	require.ErrorIs(t, err, domain.ErrDebtBelowRepayThreshold)

	f.sim.SetDebt(alice, "USDC", decimal.NewFromInt(250))
	_, err = f.gate.ExecuteAutoRepay(ctx, operator, alice, bot, lending(250))
	require.NoError(t, err)
}

func TestGate_ReputationGateAndMultiplier(t *testing.T) {
	p := permissive()
	p.Reputation.MinReputationScore = 10
	p.Reputation.UseReputationMultiplier = true
	f := newFixture(t, p)
	ctx := context.Background()

	f.sim.SetScore(bot, 5)
	_, err := f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrReputationTooLow)

	// 1000 * (1 + 50/100) = 1500
	f.sim.SetScore(bot, 50)
	_, err = f.order(ctx, 1400)
	require.NoError(t, err)

	_, err = f.order(ctx, 1600)
	require.ErrorIs(t, err, domain.ErrOrderTooLarge)
	assert.Equal(t, "1500", violationOf(t, err).Bound)
}

func TestGate_DrawdownSeedNearMissAndBreach(t *testing.T) {
	p := permissive()
	p.Volume.MaxDailyDrawdownBps = 500
	f := newFixture(t, p, func(_ *Deps, c *Config) { c.ReportViolations = true })
	ctx := context.Background()

	f.sim.SetEquity(alice, decimal.NewFromInt(10_000))
	_, err := f.order(ctx, 500)
	require.NoError(t, err)
	require.NotNil(t, f.usage(t).DayStartEquity)
	assert.True(t, f.usage(t).DayStartEquity.Equal(decimal.NewFromInt(10_000)))

	// 450 bps: проходит, но близко к пределу
	f.sim.SetEquity(alice, decimal.NewFromInt(9_550))
	_, err = f.order(ctx, 500)
	require.NoError(t, err)

	f.sim.SetEquity(alice, decimal.NewFromInt(9_400))
	_, err = f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrDrawdownLimitExceeded)
	assert.Equal(t, RuleDailyDrawdown, violationOf(t, err).Rule)

	var kinds []domain.FeedbackKind
	for _, fb := range f.sim.Feedback() {
		kinds = append(kinds, fb.Kind)
	}
	assert.Equal(t, []domain.FeedbackKind{
		domain.FeedbackTrade,
		domain.FeedbackTrade,
		domain.FeedbackDrawdownAvoided,
		domain.FeedbackCircuitBreaker,
	}, kinds)

	// Новый день: капитал на начало дня фиксируется заново
	f.clk.set(f.clk.now().Add(24 * time.Hour))
	_, err = f.order(ctx, 500)
	require.NoError(t, err)
	assert.True(t, f.usage(t).DayStartEquity.Equal(decimal.NewFromInt(9_400)))
}

func TestGate_ViolationFeedbackAndAutoHalt(t *testing.T) {
	ks := NewKillSwitchManager(nil, nil, nil, nil, zap.NewNop())
	f := newFixture(t, permissive(), func(d *Deps, c *Config) {
		d.KillSwitch = ks
		d.Analyzer = risk.NewAnalyzer(risk.AnalyzerConfig{HaltAfterViolations: 2, ViolationWindow: time.Hour}, ks, zap.NewNop())
		c.ReportViolations = true
	})
	ctx := context.Background()

	_, err := f.order(ctx, 5000)
	require.ErrorIs(t, err, domain.ErrOrderTooLarge)
	fb := f.sim.Feedback()
	require.Len(t, fb, 1)
	assert.Equal(t, domain.FeedbackPolicyViolation, fb[0].Kind)
	assert.Equal(t, RuleMaxOrderSize, fb[0].Rule)

	_, err = f.order(ctx, 5000)
	require.ErrorIs(t, err, domain.ErrOrderTooLarge)
	assert.True(t, ks.IsHalted(bot))

	_, err = f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrAgentHalted)
}

func TestGate_KillSwitch(t *testing.T) {
	ks := NewKillSwitchManager(memory.NewHaltRepo(), nil, nil, nil, zap.NewNop())
	f := newFixture(t, permissive(), func(d *Deps, _ *Config) { d.KillSwitch = ks })
	ctx := context.Background()

	require.NoError(t, ks.Halt(ctx, bot, "manual"))
	_, err := f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrAgentHalted)

	// Проверка идентичности идет раньше kill switch
	_, err = f.gate.ExecuteMarketOrder(ctx, mallory, alice, bot, marketBuy(500))
	require.ErrorIs(t, err, domain.ErrNotAgentController)

	require.NoError(t, ks.Resume(ctx, bot))
	_, err = f.order(ctx, 500)
	require.NoError(t, err)
}

func TestGate_ExternalCompute(t *testing.T) {
	p := permissive()
	p.RequiresExternalCompute = true
	p.Performance.MinWinRateBps = 5000
	p.Volume.MaxTradeVsTVLBps = 100
	f := newFixture(t, p)
	ctx := context.Background()

	f.sim.SetMetrics(connectors.ExternalMetrics{WinRateBps: 4000, PoolTVL: decimal.NewFromInt(1_000_000)})
	_, err := f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrPerformanceTooLow)

	// 900 / 50000 = 180 bps
	f.sim.SetMetrics(connectors.ExternalMetrics{WinRateBps: 6000, PoolTVL: decimal.NewFromInt(50_000)})
	_, err = f.order(ctx, 900)
	require.ErrorIs(t, err, domain.ErrTradeTooLargeVsTVL)

	_, err = f.order(ctx, 400)
	require.NoError(t, err)

	// Без фида политика с внешними вычислениями не исполняется
	suite := f.sim.Suite()
	suite.Metrics = nil
	f.gate.suite = suite
	_, err = f.order(ctx, 400)
	require.ErrorIs(t, err, domain.ErrExternalComputeUnavailable)
	assert.Equal(t, domain.CategoryPolicy, domain.CategoryOf(err))
}

func TestGate_ValidationHookRunsLast(t *testing.T) {
	f := newFixture(t, permissive())
	ctx := context.Background()
	f.sim.SetValidation(false)

	_, err := f.order(ctx, 500)
	require.ErrorIs(t, err, domain.ErrValidationFailed)

	_, err = f.order(ctx, 5000)
	require.ErrorIs(t, err, domain.ErrOrderTooLarge)
	assert.Equal(t, 1, f.sim.Calls(connectors.MethodValidate))
}

func TestGate_InvalidAction(t *testing.T) {
	f := newFixture(t, permissive())

	_, err := f.gate.ExecuteMarketOrder(context.Background(), operator, alice, bot, domain.OrderParams{Base: "ETH", Quote: "USDC", Side: domain.SideBuy})
	require.ErrorIs(t, err, domain.ErrInvalidAction)

	_, err = f.gate.ExecuteMarketOrder(context.Background(), operator, "", bot, marketBuy(500))
	require.ErrorIs(t, err, domain.ErrInvalidAction)
}

func TestGate_Preview(t *testing.T) {
	p := permissive()
	p.Reputation.UseReputationMultiplier = true
	f := newFixture(t, p)
	ctx := context.Background()
	f.sim.SetScore(bot, 20)

	ok, err := f.gate.Preview(ctx, operator, alice, bot, marketBuy(1100).Action(domain.ActionMarketOrder))
	require.NoError(t, err)
	assert.True(t, ok.Allowed)
	assert.True(t, ok.EffectiveMaxOrderSize.Equal(decimal.NewFromInt(1200)))

	denied, err := f.gate.Preview(ctx, operator, alice, bot, marketBuy(1300).Action(domain.ActionMarketOrder))
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, "ORDER_TOO_LARGE", denied.Code)
	require.NotNil(t, denied.Violation)
	assert.Equal(t, RuleMaxOrderSize, denied.Violation.Rule)

	auth, err := f.gate.Preview(ctx, mallory, alice, bot, marketBuy(500).Action(domain.ActionMarketOrder))
	require.NoError(t, err)
	assert.Equal(t, "NOT_AGENT_CONTROLLER", auth.Code)

	// Превью ничего не исполняет
	assert.Equal(t, 0, f.sim.Calls(connectors.MethodPlaceOrderFor))
	assert.Zero(t, f.usage(t).TradesToday)
	assert.Equal(t, audit.StatusPreview, f.audit.last().Status)

	f.sim.FailOn(connectors.MethodControllerOf, errors.New("registry down"))
	_, err = f.gate.Preview(ctx, operator, alice, bot, marketBuy(500).Action(domain.ActionMarketOrder))
	require.Error(t, err)
}
