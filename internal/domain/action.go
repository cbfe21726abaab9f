package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ActionKind тип делегированного действия.
type ActionKind string

const (
	ActionMarketOrder        ActionKind = "market_order"
	ActionLimitOrder         ActionKind = "limit_order"
	ActionSwap               ActionKind = "swap"
	ActionBorrow             ActionKind = "borrow"
	ActionRepay              ActionKind = "repay"
	ActionSupplyCollateral   ActionKind = "supply_collateral"
	ActionWithdrawCollateral ActionKind = "withdraw_collateral"
	ActionCancelOrder        ActionKind = "cancel_order"
	ActionAutoBorrow         ActionKind = "auto_borrow"
	ActionAutoRepay          ActionKind = "auto_repay"

	// ActionEmergencyWithdraw выводит средства пользователя на EmergencyRecipient из его политики.
	ActionEmergencyWithdraw ActionKind = "emergency_withdraw"
)

// ParseActionKind используется транспортами (HTTP path, gRPC payload).
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(s)
	switch k {
	case ActionMarketOrder, ActionLimitOrder, ActionSwap, ActionBorrow, ActionRepay,
		ActionSupplyCollateral, ActionWithdrawCollateral, ActionCancelOrder,
		ActionAutoBorrow, ActionAutoRepay, ActionEmergencyWithdraw:
		return k, nil
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// IsOrder: действие идет в торговую площадку и имеет направление.
func (k ActionKind) IsOrder() bool {
	return k == ActionMarketOrder || k == ActionLimitOrder || k == ActionSwap
}

// IsRiskReducing: действие уменьшает риск (погашение, пополнение залога, отмена, аварийный вывод).
// Для них не применяются окно торговли, частота, объем и просадка, и счетчики не меняются.
func (k ActionKind) IsRiskReducing() bool {
	switch k {
	case ActionRepay, ActionAutoRepay, ActionSupplyCollateral, ActionCancelOrder, ActionEmergencyWithdraw:
		return true
	}
	return false
}

// AffectsHealthFactor: действие может ухудшить коэффициент здоровья в лендинге.
func (k ActionKind) AffectsHealthFactor() bool {
	return k == ActionBorrow || k == ActionAutoBorrow || k == ActionWithdrawCollateral
}

// Side направление ордера.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Action нормализованный запрос агента, который проходит через Rule Evaluator.
type Action struct {
	Kind ActionKind `json:"kind"`
	Side Side       `json:"side,omitempty"`

	// Для ордеров: базовый и котируемый токен. Для свопа: входящий и исходящий. Для лендинга: актив.
	Base  TokenID `json:"base,omitempty"`
	Quote TokenID `json:"quote,omitempty"`

	// Size нотионал запроса в единицах учета (то, что ограничивают size/volume границы).
	Size decimal.Decimal `json:"size"`

	LimitPrice    decimal.Decimal `json:"limit_price"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	QuotedPrice   decimal.Decimal `json:"quoted_price"`

	OrderID string `json:"order_id,omitempty"`
}

// Tokens все токены, которых касается действие.
func (a Action) Tokens() []TokenID {
	out := make([]TokenID, 0, 2)
	if a.Base != "" {
		out = append(out, a.Base)
	}
	if a.Quote != "" {
		out = append(out, a.Quote)
	}
	return out
}

// SlippageBps отклонение котировки от ожидаемой цены. ok=false, если цены не переданы.
func (a Action) SlippageBps() (decimal.Decimal, bool) {
	if !a.ExpectedPrice.IsPositive() || !a.QuotedPrice.IsPositive() {
		return decimal.Zero, false
	}
	return RatioBps(a.QuotedPrice.Sub(a.ExpectedPrice).Abs(), a.ExpectedPrice), true
}

func (a Action) Validate() error {
	if _, err := ParseActionKind(string(a.Kind)); err != nil {
		return err
	}
	if a.Kind == ActionCancelOrder {
		if a.OrderID == "" {
			return fmt.Errorf("cancel_order: order_id is required")
		}
		return nil
	}
	if !a.Size.IsPositive() {
		return fmt.Errorf("%s: size must be positive", a.Kind)
	}
	if a.Base == "" {
		return fmt.Errorf("%s: token is required", a.Kind)
	}
	if a.Kind.IsOrder() {
		if a.Side != SideBuy && a.Side != SideSell {
			return fmt.Errorf("%s: side must be buy or sell", a.Kind)
		}
		if a.Quote == "" {
			return fmt.Errorf("%s: quote token is required", a.Kind)
		}
	}
	if a.Kind == ActionLimitOrder && !a.LimitPrice.IsPositive() {
		return fmt.Errorf("limit_order: limit_price must be positive")
	}
	return nil
}

// OrderParams параметры рыночного и лимитного ордера.
type OrderParams struct {
	Base          TokenID         `json:"base"`
	Quote         TokenID         `json:"quote"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	QuotedPrice   decimal.Decimal `json:"quoted_price"`
}

func (p OrderParams) Action(kind ActionKind) Action {
	return Action{
		Kind:          kind,
		Side:          p.Side,
		Base:          p.Base,
		Quote:         p.Quote,
		Size:          p.Size,
		LimitPrice:    p.LimitPrice,
		ExpectedPrice: p.ExpectedPrice,
		QuotedPrice:   p.QuotedPrice,
	}
}

// SwapParams обмен TokenIn -> TokenOut. Продажа TokenIn считается направлением sell.
type SwapParams struct {
	TokenIn       TokenID         `json:"token_in"`
	TokenOut      TokenID         `json:"token_out"`
	Side          Side            `json:"side"`
	AmountIn      decimal.Decimal `json:"amount_in"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	QuotedPrice   decimal.Decimal `json:"quoted_price"`
}

func (p SwapParams) Action() Action {
	side := p.Side
	if side == "" {
		side = SideSell
	}
	return Action{
		Kind:          ActionSwap,
		Side:          side,
		Base:          p.TokenIn,
		Quote:         p.TokenOut,
		Size:          p.AmountIn,
		ExpectedPrice: p.ExpectedPrice,
		QuotedPrice:   p.QuotedPrice,
	}
}

// LendingParams параметры заимствования, погашения и операций с залогом.
type LendingParams struct {
	Token  TokenID         `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

func (p LendingParams) Action(kind ActionKind) Action {
	return Action{Kind: kind, Base: p.Token, Size: p.Amount}
}

// CancelParams отмена ранее выставленного ордера.
type CancelParams struct {
	OrderID string  `json:"order_id"`
	Base    TokenID `json:"base,omitempty"`
	Quote   TokenID `json:"quote,omitempty"`
}

func (p CancelParams) Action() Action {
	return Action{Kind: ActionCancelOrder, OrderID: p.OrderID, Base: p.Base, Quote: p.Quote}
}

// Result итог успешного делегированного действия.
type Result struct {
	ExecutionID string          `json:"execution_id"`
	Kind        ActionKind      `json:"kind"`
	User        Address         `json:"user"`
	Agent       AgentID         `json:"agent"`
	Reference   string          `json:"reference"` // order id / tx ref от коллаборатора
	Size        decimal.Decimal `json:"size"`
	DryRun      bool            `json:"dry_run,omitempty"`
}
