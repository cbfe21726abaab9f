package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

// Имена правил в RuleViolation, журнале и метриках.
const (
	RuleCapability       = "capability"
	RuleMarketFilter     = "market_filter"
	RuleMinOrderSize     = "min_order_size"
	RuleMaxOrderSize     = "max_order_size"
	RuleSlippage         = "max_slippage"
	RuleTradingHours     = "trading_hours"
	RuleMinInterval      = "min_time_between_trades"
	RuleTradesPerHour    = "max_trades_per_hour"
	RuleTradesPerDay     = "max_trades_per_day"
	RuleDailyVolume      = "daily_volume_limit"
	RuleWeeklyVolume     = "weekly_volume_limit"
	RuleDailyDrawdown    = "max_daily_drawdown"
	RuleWeeklyDrawdown   = "max_weekly_drawdown"
	RuleReputation       = "min_reputation_score"
	RuleExternalCompute  = "external_compute"
	RuleWinRate          = "min_win_rate"
	RuleSharpe           = "min_sharpe_ratio"
	RulePosition         = "max_position_concentration"
	RuleCorrelation      = "max_correlation"
	RuleTradeVsTVL       = "max_trade_vs_tvl"
	RuleHealthFactor     = "min_health_factor"
	RuleHealthFactorPost = "min_health_factor_after"
	RuleAutoBorrow       = "max_auto_borrow_amount"
	RuleAutoRepay        = "min_debt_to_repay"
	RuleValidation       = "validation"
	RuleEmergency        = "emergency_recipient"
)

type text string

func (t text) String() string { return string(t) }

func count(v int64) text { return text(strconv.FormatInt(v, 10)) }

// evaluation промежуточное состояние одной проверки.
type evaluation struct {
	now    time.Time
	policy domain.Policy

	// counters как загружены, staged с учетом снимка капитала и самой сделки
	counters domain.RiskCounters
	staged   domain.RiskCounters

	score  uint64
	scored bool

	maxSize decimal.Decimal

	nearMiss     bool
	nearMissRule string
}

// evaluate выполняет проверки 1-14 по порядку. Первая неудача прерывает проверку.
// Возвращаемое значение не nil даже при ошибке (превью читает из него эффективные границы).
func (g *Gate) evaluate(ctx context.Context, caller domain.Address, key domain.PairKey, a domain.Action) (*evaluation, error) {
	ev := &evaluation{now: g.cfg.Now().UTC()}

	// 1. Identity: вызывающий контролирует агента
	controller, err := g.suite.Identity.ControllerOf(ctx, key.Agent)
	if err != nil {
		return ev, fmt.Errorf("identity lookup: %w", err)
	}
	if controller == "" || !domain.SameAddress(controller, caller) {
		return ev, domain.ErrNotAgentController
	}

	// 1b. Операторский kill switch
	if g.ks != nil && g.ks.IsHalted(key.Agent) {
		return ev, domain.ErrAgentHalted
	}

	// 2. Authorization
	p, err := g.policies.Policy(ctx, key.User, key.Agent)
	if err != nil {
		return ev, fmt.Errorf("load policy: %w", err)
	}
	if !p.IsActive(ev.now) {
		return ev, domain.ErrNotAuthorized
	}
	ev.policy = p

	// 3. Capability. Аварийный вывод разрешен только политикой с получателем
	if a.Kind == domain.ActionEmergencyWithdraw && p.Safety.EmergencyRecipient.Normalized() == "" {
		return ev, domain.NewViolation(RuleEmergency, domain.ErrCapabilityDenied, nil, text(a.Kind))
	}
	if !capabilityAllows(p.Capabilities, a) {
		label := string(a.Kind)
		if a.Side != "" {
			label += ":" + string(a.Side)
		}
		return ev, domain.NewViolation(RuleCapability, domain.ErrCapabilityDenied, nil, text(label))
	}

	// 4. Market filter
	for _, token := range a.Tokens() {
		if !p.Market.Allows(token) {
			return ev, domain.NewViolation(RuleMarketFilter, domain.ErrTokenNotAllowed, nil, text(token))
		}
	}

	// 5. Size
	if err := g.checkSize(ctx, ev, key, a); err != nil {
		return ev, err
	}

	// 6. Slippage
	if limit := p.Safety.MaxSlippageBps; limit > 0 {
		if slip, ok := a.SlippageBps(); ok && slip.GreaterThan(domain.Bps(limit)) {
			return ev, domain.NewViolation(RuleSlippage, domain.ErrSlippageExceeded, domain.Bps(limit), slip.Round(2))
		}
	}

	// 7-10 только для действий, увеличивающих риск
	if !a.Kind.IsRiskReducing() {
		counters, err := g.counters.Load(ctx, key)
		if err != nil {
			return ev, fmt.Errorf("load counters: %w", err)
		}
		ev.counters = counters
		ev.staged = counters

		if err := g.checkWindow(ev); err != nil {
			return ev, err
		}
		if err := g.checkFrequency(ev); err != nil {
			return ev, err
		}
		if err := g.checkVolume(ctx, ev, key, a); err != nil {
			return ev, err
		}
		if err := g.checkDrawdown(ctx, ev, key); err != nil {
			return ev, err
		}
	}

	// 11. Reputation
	if floor := p.Reputation.MinReputationScore; floor > 0 {
		score, err := g.scoreOf(ctx, ev, key.Agent)
		if err != nil {
			return ev, err
		}
		if score < floor {
			return ev, domain.NewViolation(RuleReputation, domain.ErrReputationTooLow, scoreDecimal(floor), scoreDecimal(score))
		}
	}

	// 11b. Внешние вычисления
	if p.RequiresExternalCompute {
		if err := g.checkExternal(ctx, ev, key, a); err != nil {
			return ev, err
		}
	}

	// 12. Health factor
	if err := g.checkHealth(ctx, ev, key, a); err != nil {
		return ev, err
	}

	// 13. Auto bounds
	if err := g.checkAuto(ctx, ev, key, a); err != nil {
		return ev, err
	}

	// 14. Внешняя предторговая аттестация
	if g.suite.Validation != nil {
		ok, err := g.suite.Validation.Validate(ctx, key.User, key.Agent, a)
		if err != nil {
			return ev, fmt.Errorf("validation hook: %w", err)
		}
		if !ok {
			return ev, domain.NewViolation(RuleValidation, domain.ErrValidationFailed, nil, nil)
		}
	}

	if !a.Kind.IsRiskReducing() {
		ev.staged.RecordTrade(ev.now, a.Size)
	}
	return ev, nil
}

func capabilityAllows(c domain.CapabilityFlags, a domain.Action) bool {
	var ok bool
	switch a.Kind {
	case domain.ActionMarketOrder:
		ok = c.AllowMarketOrders
	case domain.ActionLimitOrder:
		ok = c.AllowLimitOrders && c.AllowPlaceLimitOrder
	case domain.ActionSwap:
		ok = c.AllowSwap
	case domain.ActionBorrow:
		ok = c.AllowBorrow
	case domain.ActionRepay:
		ok = c.AllowRepay
	case domain.ActionSupplyCollateral:
		ok = c.AllowSupplyCollateral
	case domain.ActionWithdrawCollateral:
		ok = c.AllowWithdrawCollateral
	case domain.ActionCancelOrder:
		ok = c.AllowCancelOrder
	case domain.ActionAutoBorrow:
		ok = c.AllowBorrow && c.AllowAutoBorrow
	case domain.ActionAutoRepay:
		ok = c.AllowRepay && c.AllowAutoRepay
	case domain.ActionEmergencyWithdraw:
		ok = true
	}
	if !ok || !a.Kind.IsOrder() {
		return ok
	}
	if a.Side == domain.SideBuy {
		return c.AllowBuy
	}
	return c.AllowSell
}

func (g *Gate) scoreOf(ctx context.Context, ev *evaluation, agent domain.AgentID) (uint64, error) {
	if ev.scored {
		return ev.score, nil
	}
	score, err := g.suite.Reputation.ScoreOf(ctx, agent)
	if err != nil {
		return 0, fmt.Errorf("reputation lookup: %w", err)
	}
	ev.score, ev.scored = score, true
	return score, nil
}

// scaled применяет множитель репутации, если политика его включает.
func (g *Gate) scaled(ctx context.Context, ev *evaluation, agent domain.AgentID, bound decimal.Decimal) (decimal.Decimal, error) {
	if !ev.policy.Reputation.UseReputationMultiplier || !bound.IsPositive() {
		return bound, nil
	}
	score, err := g.scoreOf(ctx, ev, agent)
	if err != nil {
		return decimal.Zero, err
	}
	return g.cfg.Multiplier.Scale(bound, score), nil
}

func (g *Gate) checkSize(ctx context.Context, ev *evaluation, key domain.PairKey, a domain.Action) error {
	b := ev.policy.Size
	maxSize, err := g.scaled(ctx, ev, key.Agent, b.MaxOrderSize)
	if err != nil {
		return err
	}
	ev.maxSize = maxSize

	// Отмена и аварийный вывод не ограничены размером ордера
	if a.Kind == domain.ActionCancelOrder || a.Kind == domain.ActionEmergencyWithdraw {
		return nil
	}
	if b.MinOrderSize.IsPositive() && a.Size.LessThan(b.MinOrderSize) {
		return domain.NewViolation(RuleMinOrderSize, domain.ErrOrderTooSmall, b.MinOrderSize, a.Size)
	}
	if maxSize.IsPositive() && a.Size.GreaterThan(maxSize) {
		return domain.NewViolation(RuleMaxOrderSize, domain.ErrOrderTooLarge, maxSize, a.Size)
	}
	return nil
}

func (g *Gate) checkWindow(ev *evaluation) error {
	f := ev.policy.Frequency
	hour := ev.now.Hour()
	if !f.InWindow(hour) {
		bound := text(fmt.Sprintf("%02d-%02d UTC", f.TradingStartHour, f.TradingEndHour))
		return domain.NewViolation(RuleTradingHours, domain.ErrOutsideTradingHours, bound, count(int64(hour)))
	}
	return nil
}

func (g *Gate) checkFrequency(ev *evaluation) error {
	f, c := ev.policy.Frequency, &ev.counters

	if gap := ev.policy.Safety.MinTimeBetweenTrades.Std(); gap > 0 && !c.LastTradeTime.IsZero() {
		if elapsed := ev.now.Sub(c.LastTradeTime); elapsed < gap {
			return domain.NewViolation(RuleMinInterval, domain.ErrTooFrequent, text(gap.String()), text(elapsed.Truncate(time.Millisecond).String()))
		}
	}
	if f.MaxTradesPerHour > 0 {
		if n := c.TradesThisHour(domain.HourIndex(ev.now)); n >= f.MaxTradesPerHour {
			return domain.NewViolation(RuleTradesPerHour, domain.ErrTooFrequent, count(int64(f.MaxTradesPerHour)), count(int64(n)+1))
		}
	}
	if f.MaxTradesPerDay > 0 {
		if n := c.TradesOnDay(domain.DayIndex(ev.now)); n >= f.MaxTradesPerDay {
			return domain.NewViolation(RuleTradesPerDay, domain.ErrTooFrequent, count(int64(f.MaxTradesPerDay)), count(int64(n)+1))
		}
	}
	return nil
}

func (g *Gate) checkVolume(ctx context.Context, ev *evaluation, key domain.PairKey, a domain.Action) error {
	v := ev.policy.Volume
	day := domain.DayIndex(ev.now)

	daily, err := g.scaled(ctx, ev, key.Agent, v.DailyVolumeLimit)
	if err != nil {
		return err
	}
	if daily.IsPositive() {
		if next := ev.counters.DailyVolume(day).Add(a.Size); next.GreaterThan(daily) {
			return domain.NewViolation(RuleDailyVolume, domain.ErrVolumeLimitExceeded, daily, next)
		}
	}

	weekly, err := g.scaled(ctx, ev, key.Agent, v.WeeklyVolumeLimit)
	if err != nil {
		return err
	}
	if weekly.IsPositive() {
		if next := ev.counters.WeeklyVolume(day).Add(a.Size); next.GreaterThan(weekly) {
			return domain.NewViolation(RuleWeeklyVolume, domain.ErrVolumeLimitExceeded, weekly, next)
		}
	}
	return nil
}

// checkDrawdown: первая сделка дня фиксирует капитал на начало дня (в staged, сохраняется только при успехе).
func (g *Gate) checkDrawdown(ctx context.Context, ev *evaluation, key domain.PairKey) error {
	v := ev.policy.Volume
	if v.MaxDailyDrawdownBps <= 0 && v.MaxWeeklyDrawdownBps <= 0 {
		return nil
	}

	equity, err := g.suite.Ledger.EquityOf(ctx, key.User)
	if err != nil {
		return fmt.Errorf("equity lookup: %w", err)
	}
	day := domain.DayIndex(ev.now)
	ev.staged.SeedDayStartEquity(day, equity)

	if v.MaxDailyDrawdownBps > 0 {
		if start, ok := ev.staged.DayStartEquity(day); ok {
			if err := g.drawdown(ev, RuleDailyDrawdown, start, equity, v.MaxDailyDrawdownBps); err != nil {
				return err
			}
		}
	}
	if v.MaxWeeklyDrawdownBps > 0 {
		if start, ok := ev.staged.WeekStartEquity(day); ok {
			if err := g.drawdown(ev, RuleWeeklyDrawdown, start, equity, v.MaxWeeklyDrawdownBps); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Gate) drawdown(ev *evaluation, rule string, start, equity decimal.Decimal, maxBps int64) error {
	if !equity.LessThan(start) {
		return nil
	}
	dd := domain.RatioBps(start.Sub(equity), start)
	bound := domain.Bps(maxBps)
	if dd.GreaterThan(bound) {
		return domain.NewViolation(rule, domain.ErrDrawdownLimitExceeded, bound, dd.Round(2))
	}
	if !ev.nearMiss && g.analyzer.NearMiss(dd, bound) {
		ev.nearMiss, ev.nearMissRule = true, rule
	}
	return nil
}

func (g *Gate) checkExternal(ctx context.Context, ev *evaluation, key domain.PairKey, a domain.Action) error {
	if g.suite.Metrics == nil {
		return domain.NewViolation(RuleExternalCompute, domain.ErrExternalComputeUnavailable, nil, nil)
	}
	m, err := g.suite.Metrics.MetricsFor(ctx, key.User, key.Agent, a)
	if err != nil {
		return domain.NewViolation(RuleExternalCompute, fmt.Errorf("%w: %v", domain.ErrExternalComputeUnavailable, err), nil, nil)
	}

	perf, conc, vol := ev.policy.Performance, ev.policy.Concentration, ev.policy.Volume
	if perf.MinWinRateBps > 0 && m.WinRateBps < perf.MinWinRateBps {
		return domain.NewViolation(RuleWinRate, domain.ErrPerformanceTooLow, count(perf.MinWinRateBps), count(m.WinRateBps))
	}
	if !perf.MinSharpeRatio.IsZero() && m.SharpeRatio.LessThan(perf.MinSharpeRatio) {
		return domain.NewViolation(RuleSharpe, domain.ErrPerformanceTooLow, perf.MinSharpeRatio, m.SharpeRatio)
	}
	if conc.MaxPositionConcentrationBps > 0 && m.PositionConcentrationBps > conc.MaxPositionConcentrationBps {
		return domain.NewViolation(RulePosition, domain.ErrConcentrationExceeded, count(conc.MaxPositionConcentrationBps), count(m.PositionConcentrationBps))
	}
	if conc.MaxCorrelationBps > 0 && m.CorrelationBps > conc.MaxCorrelationBps {
		return domain.NewViolation(RuleCorrelation, domain.ErrConcentrationExceeded, count(conc.MaxCorrelationBps), count(m.CorrelationBps))
	}
	if vol.MaxTradeVsTVLBps > 0 && a.Kind.IsOrder() {
		if !m.PoolTVL.IsPositive() {
			return domain.NewViolation(RuleTradeVsTVL, domain.ErrExternalComputeUnavailable, nil, text("pool tvl unknown"))
		}
		share := domain.RatioBps(a.Size, m.PoolTVL)
		if share.GreaterThan(domain.Bps(vol.MaxTradeVsTVLBps)) {
			return domain.NewViolation(RuleTradeVsTVL, domain.ErrTradeTooLargeVsTVL, domain.Bps(vol.MaxTradeVsTVLBps), share.Round(2))
		}
	}
	return nil
}

// checkHealth: коэффициент здоровья до и после (симуляция) для действий, которые могут его ухудшить.
func (g *Gate) checkHealth(ctx context.Context, ev *evaluation, key domain.PairKey, a domain.Action) error {
	floor := ev.policy.Safety.MinHealthFactor
	if !a.Kind.AffectsHealthFactor() || !floor.IsPositive() {
		return nil
	}

	before, err := g.suite.Lending.HealthFactorOf(ctx, key.User)
	if err != nil {
		return fmt.Errorf("health factor lookup: %w", err)
	}
	if before.LessThan(floor) {
		return domain.NewViolation(RuleHealthFactor, domain.ErrHealthFactorTooLow, floor, before)
	}

	after, err := g.suite.Lending.SimulateHealthFactor(ctx, key.User, a)
	if err != nil {
		return fmt.Errorf("health factor simulation: %w", err)
	}
	if after.LessThan(floor) {
		return domain.NewViolation(RuleHealthFactorPost, domain.ErrHealthFactorTooLow, floor, after.Round(4))
	}
	return nil
}

func (g *Gate) checkAuto(ctx context.Context, ev *evaluation, key domain.PairKey, a domain.Action) error {
	auto := ev.policy.Auto
	switch a.Kind {
	case domain.ActionAutoBorrow:
		if auto.MaxAutoBorrowAmount.IsPositive() && a.Size.GreaterThan(auto.MaxAutoBorrowAmount) {
			return domain.NewViolation(RuleAutoBorrow, domain.ErrAutoBorrowLimitExceeded, auto.MaxAutoBorrowAmount, a.Size)
		}
	case domain.ActionAutoRepay:
		if !auto.MinDebtToRepay.IsPositive() {
			return nil
		}
		debt, err := g.suite.Lending.DebtOf(ctx, key.User, a.Base)
		if err != nil {
			return fmt.Errorf("debt lookup: %w", err)
		}
		if debt.LessThan(auto.MinDebtToRepay) {
			return domain.NewViolation(RuleAutoRepay, domain.ErrDebtBelowRepayThreshold, auto.MinDebtToRepay, debt)
		}
	}
	return nil
}
