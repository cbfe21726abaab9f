package connectors

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

// Имена методов для подсчета вызовов и инъекции отказов.
const (
	MethodControllerOf         = "ControllerOf"
	MethodScoreOf              = "ScoreOf"
	MethodSubmitFeedback       = "SubmitFeedback"
	MethodValidate             = "Validate"
	MethodEquityOf             = "EquityOf"
	MethodTransfer             = "Transfer"
	MethodLock                 = "Lock"
	MethodUnlock               = "Unlock"
	MethodHealthFactorOf       = "HealthFactorOf"
	MethodSimulateHealthFactor = "SimulateHealthFactor"
	MethodDebtOf               = "DebtOf"
	MethodBorrowFor            = "BorrowFor"
	MethodRepayFor             = "RepayFor"
	MethodPlaceOrderFor        = "PlaceOrderFor"
	MethodCancelOrderFor       = "CancelOrderFor"
	MethodMetricsFor           = "MetricsFor"
)

// NoDebtHealthFactor коэффициент здоровья позиции без долга.
var NoDebtHealthFactor = decimal.NewFromInt(1_000_000)

var liquidationThreshold = decimal.RequireFromString("0.8")

// Simulator in-memory реализация всех коллабораторов. Используется драйвером "simulated" и в тестах.
// Коэффициент здоровья: collateral * 0.8 / debt.
type Simulator struct {
	mu sync.Mutex

	controllers map[domain.AgentID]domain.Address
	scores      map[domain.AgentID]uint64
	equity      map[domain.Address]decimal.Decimal
	collateral  map[domain.Address]decimal.Decimal
	debt        map[domain.Address]map[domain.TokenID]decimal.Decimal
	orders      map[string]domain.Address
	metrics     ExternalMetrics
	validation  bool

	feedback []domain.Feedback
	calls    map[string]int
	failures map[string]error

	minLatency, maxLatency time.Duration
}

func NewSimulator() *Simulator {
	return &Simulator{
		controllers: make(map[domain.AgentID]domain.Address),
		scores:      make(map[domain.AgentID]uint64),
		equity:      make(map[domain.Address]decimal.Decimal),
		collateral:  make(map[domain.Address]decimal.Decimal),
		debt:        make(map[domain.Address]map[domain.TokenID]decimal.Decimal),
		orders:      make(map[string]domain.Address),
		validation:  true,
		calls:       make(map[string]int),
		failures:    make(map[string]error),
	}
}

// Suite отдает симулятор во всех ролях.
func (s *Simulator) Suite() Suite {
	return Suite{
		Identity:   s,
		Reputation: s,
		Validation: s,
		Ledger:     s,
		Lending:    s,
		Venue:      s,
		Metrics:    s,
	}
}

// WithLatency имитирует сетевую задержку в диапазоне [lo, hi].
func (s *Simulator) WithLatency(lo, hi time.Duration) *Simulator {
	s.minLatency, s.maxLatency = lo, hi
	return s
}

func (s *Simulator) SetController(agent domain.AgentID, controller domain.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllers[agent] = controller
}

func (s *Simulator) SetScore(agent domain.AgentID, score uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[agent] = score
}

func (s *Simulator) SetEquity(user domain.Address, equity decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.equity[norm(user)] = equity
}

func (s *Simulator) SetCollateral(user domain.Address, value decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collateral[norm(user)] = value
}

func (s *Simulator) SetDebt(user domain.Address, token domain.TokenID, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debtOf(norm(user))[token] = amount
}

func (s *Simulator) SetMetrics(m ExternalMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *Simulator) SetValidation(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validation = ok
}

// FailOn заставляет метод возвращать err. nil снимает отказ.
func (s *Simulator) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Calls количество вызовов метода (включая неуспешные).
func (s *Simulator) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Simulator) Feedback() []domain.Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Feedback, len(s.feedback))
	copy(out, s.feedback)
	return out
}

func (s *Simulator) Collateral(user domain.Address) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collateral[norm(user)]
}

func norm(a domain.Address) domain.Address {
	return a.Normalized()
}

// enter учитывает вызов, имитирует задержку и возвращает инъецированную ошибку.
// Вызывается без захваченного мьютекса.
func (s *Simulator) enter(ctx context.Context, method string) error {
	s.mu.Lock()
	s.calls[method]++
	err := s.failures[method]
	minL, maxL := s.minLatency, s.maxLatency
	s.mu.Unlock()

	if maxL > 0 {
		latency := minL
		if maxL > minL {
			latency += time.Duration(rand.Int63n(int64(maxL - minL)))
		}
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Simulator) debtOf(user domain.Address) map[domain.TokenID]decimal.Decimal {
	d, ok := s.debt[user]
	if !ok {
		d = make(map[domain.TokenID]decimal.Decimal)
		s.debt[user] = d
	}
	return d
}

func (s *Simulator) totalDebt(user domain.Address) decimal.Decimal {
	total := decimal.Zero
	for _, v := range s.debt[user] {
		total = total.Add(v)
	}
	return total
}

func healthFactor(collateral, debt decimal.Decimal) decimal.Decimal {
	if !debt.IsPositive() {
		return NoDebtHealthFactor
	}
	return collateral.Mul(liquidationThreshold).Div(debt)
}

func (s *Simulator) ControllerOf(ctx context.Context, agent domain.AgentID) (domain.Address, error) {
	if err := s.enter(ctx, MethodControllerOf); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllers[agent], nil
}

func (s *Simulator) ScoreOf(ctx context.Context, agent domain.AgentID) (uint64, error) {
	if err := s.enter(ctx, MethodScoreOf); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[agent], nil
}

func (s *Simulator) SubmitFeedback(ctx context.Context, fb domain.Feedback) error {
	if err := s.enter(ctx, MethodSubmitFeedback); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, fb)
	return nil
}

func (s *Simulator) Validate(ctx context.Context, _ domain.Address, _ domain.AgentID, _ domain.Action) (bool, error) {
	if err := s.enter(ctx, MethodValidate); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validation, nil
}

func (s *Simulator) EquityOf(ctx context.Context, user domain.Address) (decimal.Decimal, error) {
	if err := s.enter(ctx, MethodEquityOf); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.equity[norm(user)], nil
}

func (s *Simulator) Transfer(ctx context.Context, from, to domain.Address, _ domain.TokenID, amount decimal.Decimal) error {
	if err := s.enter(ctx, MethodTransfer); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	from, to = norm(from), norm(to)
	if s.equity[from].LessThan(amount) {
		return fmt.Errorf("ledger: insufficient balance for %s", from)
	}
	s.equity[from] = s.equity[from].Sub(amount)
	s.equity[to] = s.equity[to].Add(amount)
	return nil
}

func (s *Simulator) Lock(ctx context.Context, user domain.Address, _ domain.TokenID, amount decimal.Decimal) (string, error) {
	if err := s.enter(ctx, MethodLock); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user = norm(user)
	s.collateral[user] = s.collateral[user].Add(amount)
	return "lock-" + uuid.NewString(), nil
}

func (s *Simulator) Unlock(ctx context.Context, user domain.Address, _ domain.TokenID, amount decimal.Decimal) (string, error) {
	if err := s.enter(ctx, MethodUnlock); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user = norm(user)
	if s.collateral[user].LessThan(amount) {
		return "", fmt.Errorf("ledger: insufficient collateral for %s", user)
	}
	s.collateral[user] = s.collateral[user].Sub(amount)
	return "unlock-" + uuid.NewString(), nil
}

func (s *Simulator) HealthFactorOf(ctx context.Context, user domain.Address) (decimal.Decimal, error) {
	if err := s.enter(ctx, MethodHealthFactorOf); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user = norm(user)
	return healthFactor(s.collateral[user], s.totalDebt(user)), nil
}

func (s *Simulator) SimulateHealthFactor(ctx context.Context, user domain.Address, action domain.Action) (decimal.Decimal, error) {
	if err := s.enter(ctx, MethodSimulateHealthFactor); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user = norm(user)
	collateral, debt := s.collateral[user], s.totalDebt(user)
	switch action.Kind {
	case domain.ActionBorrow, domain.ActionAutoBorrow:
		debt = debt.Add(action.Size)
	case domain.ActionRepay, domain.ActionAutoRepay:
		debt = decimal.Max(decimal.Zero, debt.Sub(action.Size))
	case domain.ActionSupplyCollateral:
		collateral = collateral.Add(action.Size)
	case domain.ActionWithdrawCollateral:
		collateral = decimal.Max(decimal.Zero, collateral.Sub(action.Size))
	}
	return healthFactor(collateral, debt), nil
}

func (s *Simulator) DebtOf(ctx context.Context, user domain.Address, token domain.TokenID) (decimal.Decimal, error) {
	if err := s.enter(ctx, MethodDebtOf); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debt[norm(user)][token], nil
}

func (s *Simulator) BorrowFor(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	if err := s.enter(ctx, MethodBorrowFor); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.debtOf(norm(user))
	d[token] = d[token].Add(amount)
	return "borrow-" + uuid.NewString(), nil
}

func (s *Simulator) RepayFor(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	if err := s.enter(ctx, MethodRepayFor); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.debtOf(norm(user))
	d[token] = decimal.Max(decimal.Zero, d[token].Sub(amount))
	return "repay-" + uuid.NewString(), nil
}

func (s *Simulator) PlaceOrderFor(ctx context.Context, user domain.Address, action domain.Action) (string, error) {
	if err := s.enter(ctx, MethodPlaceOrderFor); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	if action.Kind == domain.ActionLimitOrder {
		s.orders[id] = norm(user)
	}
	return id, nil
}

func (s *Simulator) CancelOrderFor(ctx context.Context, user domain.Address, orderID string) error {
	if err := s.enter(ctx, MethodCancelOrderFor); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.orders[orderID]
	if !ok || owner != norm(user) {
		return fmt.Errorf("venue: order %s not found", orderID)
	}
	delete(s.orders, orderID)
	return nil
}

// AddOrder регистрирует открытый ордер пользователя (для сценариев отмены).
func (s *Simulator) AddOrder(user domain.Address, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID] = norm(user)
}

func (s *Simulator) MetricsFor(ctx context.Context, _ domain.Address, _ domain.AgentID, _ domain.Action) (ExternalMetrics, error) {
	if err := s.enter(ctx, MethodMetricsFor); err != nil {
		return ExternalMetrics{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics, nil
}
