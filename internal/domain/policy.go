package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Policy набор разрешений и риск-ограничений, который пользователь прикрепляет к одному агенту.
// Запись разбита на тематические блоки, чтобы каждое правило Rule Evaluator зависело только от своего блока.
type Policy struct {
	Lifecycle     Lifecycle          `json:"lifecycle"`
	Size          SizeBounds         `json:"size"`
	Market        MarketFilter       `json:"market"`
	Capabilities  CapabilityFlags    `json:"capabilities"`
	Auto          AutoBounds         `json:"auto"`
	Safety        SafetyBounds       `json:"safety"`
	Volume        VolumeBounds       `json:"volume"`
	Performance   PerformanceGates   `json:"performance"`
	Concentration ConcentrationGates `json:"concentration"`
	Frequency     FrequencyBounds    `json:"frequency"`
	Reputation    ReputationGate     `json:"reputation"`

	// RequiresExternalCompute помечает, что часть полей (Sharpe, корреляция, TVL)
	// проверяется только при наличии внешнего вычислительного фида.
	RequiresExternalCompute bool `json:"requires_external_compute"`
}

type Lifecycle struct {
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installed_at"`

	// ExpiryTimestamp: нулевое значение = бессрочно.
	ExpiryTimestamp time.Time `json:"expiry_timestamp"`
}

type SizeBounds struct {
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	MaxOrderSize decimal.Decimal `json:"max_order_size"` // 0 = без ограничения
}

type MarketFilter struct {
	WhitelistedTokens []TokenID `json:"whitelisted_tokens,omitempty"`
	BlacklistedTokens []TokenID `json:"blacklisted_tokens,omitempty"`
}

type CapabilityFlags struct {
	AllowMarketOrders       bool `json:"allow_market_orders"`
	AllowLimitOrders        bool `json:"allow_limit_orders"`
	AllowSwap               bool `json:"allow_swap"`
	AllowBorrow             bool `json:"allow_borrow"`
	AllowRepay              bool `json:"allow_repay"`
	AllowSupplyCollateral   bool `json:"allow_supply_collateral"`
	AllowWithdrawCollateral bool `json:"allow_withdraw_collateral"`
	AllowPlaceLimitOrder    bool `json:"allow_place_limit_order"`
	AllowCancelOrder        bool `json:"allow_cancel_order"`
	AllowBuy                bool `json:"allow_buy"`
	AllowSell               bool `json:"allow_sell"`
	AllowAutoBorrow         bool `json:"allow_auto_borrow"`
	AllowAutoRepay          bool `json:"allow_auto_repay"`
}

type AutoBounds struct {
	MaxAutoBorrowAmount decimal.Decimal `json:"max_auto_borrow_amount"` // 0 = без ограничения
	MinDebtToRepay      decimal.Decimal `json:"min_debt_to_repay"`
}

type SafetyBounds struct {
	MinHealthFactor      decimal.Decimal `json:"min_health_factor"` // 0 = не проверяется
	MaxSlippageBps       int64           `json:"max_slippage_bps"`  // 0 = не проверяется
	MinTimeBetweenTrades Duration        `json:"min_time_between_trades"`
	EmergencyRecipient   Address         `json:"emergency_recipient,omitempty"`
}

type VolumeBounds struct {
	DailyVolumeLimit     decimal.Decimal `json:"daily_volume_limit"`  // 0 = без ограничения
	WeeklyVolumeLimit    decimal.Decimal `json:"weekly_volume_limit"` // 0 = без ограничения
	MaxDailyDrawdownBps  int64           `json:"max_daily_drawdown_bps"`
	MaxWeeklyDrawdownBps int64           `json:"max_weekly_drawdown_bps"`
	MaxTradeVsTVLBps     int64           `json:"max_trade_vs_tvl_bps"`
}

type PerformanceGates struct {
	MinWinRateBps  int64           `json:"min_win_rate_bps"`
	MinSharpeRatio decimal.Decimal `json:"min_sharpe_ratio"`
}

type ConcentrationGates struct {
	MaxPositionConcentrationBps int64 `json:"max_position_concentration_bps"`
	MaxCorrelationBps           int64 `json:"max_correlation_bps"`
}

type FrequencyBounds struct {
	MaxTradesPerDay  uint32 `json:"max_trades_per_day"`  // 0 = без ограничения
	MaxTradesPerHour uint32 `json:"max_trades_per_hour"` // 0 = без ограничения

	// Окно торговли в часах UTC, обе границы включительно. 0/0 = окно не задано.
	// Если конец меньше начала, окно переходит через полночь (22..3 = 22,23,0,1,2,3).
	TradingStartHour int `json:"trading_start_hour"`
	TradingEndHour   int `json:"trading_end_hour"`
}

type ReputationGate struct {
	MinReputationScore      uint64 `json:"min_reputation_score"`
	UseReputationMultiplier bool   `json:"use_reputation_multiplier"`
}

// IsActive: политика пригодна для делегированного исполнения. Истечение вычисляется лениво.
func (p Policy) IsActive(now time.Time) bool {
	return p.Lifecycle.Enabled && !p.Expired(now)
}

func (p Policy) Expired(now time.Time) bool {
	return !p.Lifecycle.ExpiryTimestamp.IsZero() && now.After(p.Lifecycle.ExpiryTimestamp)
}

// WindowSet сообщает, ограничено ли время торговли.
func (f FrequencyBounds) WindowSet() bool {
	return f.TradingStartHour != 0 || f.TradingEndHour != 0
}

// InWindow проверяет час UTC против окна с переходом через полночь.
func (f FrequencyBounds) InWindow(hour int) bool {
	if !f.WindowSet() {
		return true
	}
	start, end := f.TradingStartHour, f.TradingEndHour
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

func (f FrequencyBounds) Validate() error {
	if f.TradingStartHour < 0 || f.TradingStartHour > 23 {
		return fmt.Errorf("trading_start_hour %d out of range [0,23]", f.TradingStartHour)
	}
	if f.TradingEndHour < 0 || f.TradingEndHour > 23 {
		return fmt.Errorf("trading_end_hour %d out of range [0,23]", f.TradingEndHour)
	}
	return nil
}

func (m MarketFilter) Allows(token TokenID) bool {
	for _, b := range m.BlacklistedTokens {
		if b == token {
			return false
		}
	}
	if len(m.WhitelistedTokens) == 0 {
		return true
	}
	for _, w := range m.WhitelistedTokens {
		if w == token {
			return true
		}
	}
	return false
}

// Validate проверяет внутреннюю согласованность границ. Истечение проверяет Authorization Service.
func (p Policy) Validate() error {
	if p.Size.MinOrderSize.IsNegative() || p.Size.MaxOrderSize.IsNegative() {
		return fmt.Errorf("order size bounds must be non-negative")
	}
	if p.Size.MaxOrderSize.IsPositive() && p.Size.MinOrderSize.GreaterThan(p.Size.MaxOrderSize) {
		return fmt.Errorf("min_order_size %s exceeds max_order_size %s", p.Size.MinOrderSize, p.Size.MaxOrderSize)
	}
	if p.Volume.DailyVolumeLimit.IsNegative() || p.Volume.WeeklyVolumeLimit.IsNegative() {
		return fmt.Errorf("volume limits must be non-negative")
	}
	for name, bps := range map[string]int64{
		"max_slippage_bps":               p.Safety.MaxSlippageBps,
		"max_daily_drawdown_bps":         p.Volume.MaxDailyDrawdownBps,
		"max_weekly_drawdown_bps":        p.Volume.MaxWeeklyDrawdownBps,
		"max_trade_vs_tvl_bps":           p.Volume.MaxTradeVsTVLBps,
		"min_win_rate_bps":               p.Performance.MinWinRateBps,
		"max_position_concentration_bps": p.Concentration.MaxPositionConcentrationBps,
		"max_correlation_bps":            p.Concentration.MaxCorrelationBps,
	} {
		if bps < 0 || bps > BpsDenominator {
			return fmt.Errorf("%s %d out of range [0,%d]", name, bps, BpsDenominator)
		}
	}
	if p.Safety.MinTimeBetweenTrades < 0 {
		return fmt.Errorf("min_time_between_trades must be non-negative")
	}
	return p.Frequency.Validate()
}

// ApplyOverrides накладывает JSON-патч на копию политики. Поля, отсутствующие в патче, сохраняются
// (json.Unmarshal в существующую структуру перезаписывает только присланные ключи, рекурсивно).
func ApplyOverrides(base Policy, overrides json.RawMessage) (Policy, error) {
	if len(overrides) == 0 || string(overrides) == "null" {
		return base, nil
	}
	// Глубокая копия, чтобы патч не затронул срезы шаблона.
	raw, err := json.Marshal(base)
	if err != nil {
		return Policy{}, fmt.Errorf("encode base policy: %w", err)
	}
	var out Policy
	if err := json.Unmarshal(raw, &out); err != nil {
		return Policy{}, fmt.Errorf("decode base policy: %w", err)
	}
	if err := json.Unmarshal(overrides, &out); err != nil {
		return Policy{}, fmt.Errorf("apply overrides: %w", err)
	}
	return out, nil
}
