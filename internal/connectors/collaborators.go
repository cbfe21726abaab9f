package connectors

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

// IdentityRegistry реестр идентичностей агентов: кто контролирует агента.
type IdentityRegistry interface {
	ControllerOf(ctx context.Context, agent domain.AgentID) (domain.Address, error)
}

// ReputationRegistry скор агента и прием обратной связи об исходах.
type ReputationRegistry interface {
	ScoreOf(ctx context.Context, agent domain.AgentID) (uint64, error)
	SubmitFeedback(ctx context.Context, fb domain.Feedback) error
}

// ValidationHook внешняя предторговая аттестация. Необязательна.
type ValidationHook interface {
	Validate(ctx context.Context, user domain.Address, agent domain.AgentID, action domain.Action) (bool, error)
}

// BalanceLedger балансы пользователя в единицах учета.
type BalanceLedger interface {
	EquityOf(ctx context.Context, user domain.Address) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to domain.Address, token domain.TokenID, amount decimal.Decimal) error
	Lock(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error)
	Unlock(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error)
}

// LendingEngine кредитный протокол. Все операции выполняются от имени пользователя.
type LendingEngine interface {
	HealthFactorOf(ctx context.Context, user domain.Address) (decimal.Decimal, error)
	SimulateHealthFactor(ctx context.Context, user domain.Address, action domain.Action) (decimal.Decimal, error)
	DebtOf(ctx context.Context, user domain.Address, token domain.TokenID) (decimal.Decimal, error)
	BorrowFor(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error)
	RepayFor(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error)
}

// OrderVenue торговая площадка (ордербук или AMM).
type OrderVenue interface {
	PlaceOrderFor(ctx context.Context, user domain.Address, action domain.Action) (string, error)
	CancelOrderFor(ctx context.Context, user domain.Address, orderID string) error
}

// ExternalMetrics показатели, которые нельзя посчитать локально.
type ExternalMetrics struct {
	WinRateBps               int64           `json:"win_rate_bps"`
	SharpeRatio              decimal.Decimal `json:"sharpe_ratio"`
	PositionConcentrationBps int64           `json:"position_concentration_bps"`
	CorrelationBps           int64           `json:"correlation_bps"`
	PoolTVL                  decimal.Decimal `json:"pool_tvl"`
}

// MetricsFeed источник внешних вычислений для политик с RequiresExternalCompute.
type MetricsFeed interface {
	MetricsFor(ctx context.Context, user domain.Address, agent domain.AgentID, action domain.Action) (ExternalMetrics, error)
}

// Suite набор коллабораторов, который получает Gate. Validation и Metrics могут быть nil.
type Suite struct {
	Identity   IdentityRegistry
	Reputation ReputationRegistry
	Validation ValidationHook
	Ledger     BalanceLedger
	Lending    LendingEngine
	Venue      OrderVenue
	Metrics    MetricsFeed
}
