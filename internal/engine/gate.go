package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/connectors"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/risk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PolicySource отдает политику пары (authz.Service).
type PolicySource interface {
	Policy(ctx context.Context, user domain.Address, agent domain.AgentID) (domain.Policy, error)
}

// HaltChecker операторский kill switch.
type HaltChecker interface {
	IsHalted(agent domain.AgentID) bool
}

type Deps struct {
	Policies      PolicySource
	Counters      risk.CounterStore
	Collaborators connectors.Suite

	// Необязательные: по умолчанию LocalGuard, без kill switch, без журнала, локальные метрики.
	Guard      Guard
	KillSwitch HaltChecker
	Analyzer   *risk.Analyzer
	Auditor    audit.Auditor
	Metrics    *Metrics
	Tracer     trace.Tracer
}

type Config struct {
	// Multiplier применяется к политикам с UseReputationMultiplier.
	Multiplier Multiplier

	// ReportViolations: отправлять в реестр репутации обратную связь об отказах (best effort).
	ReportViolations bool

	Now func() time.Time
}

// Gate Execution Gate: единственная точка, через которую агент действует от имени пользователя.
type Gate struct {
	policies PolicySource
	counters risk.CounterStore
	suite    connectors.Suite
	guard    Guard
	ks       HaltChecker
	analyzer *risk.Analyzer
	auditor  audit.Auditor
	metrics  *Metrics
	tracer   trace.Tracer

	cfg    Config
	logger *zap.Logger
}

func NewGate(deps Deps, cfg Config, logger *zap.Logger) *Gate {
	logger = logger.Named("gate")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Multiplier == nil {
		cfg.Multiplier = Multiplicative{Divisor: decimal.NewFromInt(100)}
	}
	if deps.Guard == nil {
		deps.Guard = NewLocalGuard()
	}
	if deps.Analyzer == nil {
		deps.Analyzer = risk.NewAnalyzer(risk.AnalyzerConfig{}, nil, logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	return &Gate{
		policies: deps.Policies,
		counters: deps.Counters,
		suite:    deps.Collaborators,
		guard:    deps.Guard,
		ks:       deps.KillSwitch,
		analyzer: deps.Analyzer,
		auditor:  deps.Auditor,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		cfg:      cfg,
		logger:   logger,
	}
}

func (g *Gate) ExecuteMarketOrder(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.OrderParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action(domain.ActionMarketOrder))
}

func (g *Gate) ExecuteLimitOrder(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.OrderParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action(domain.ActionLimitOrder))
}

func (g *Gate) ExecuteSwap(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.SwapParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action())
}

func (g *Gate) ExecuteBorrow(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.LendingParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action(domain.ActionBorrow))
}

func (g *Gate) ExecuteRepay(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.LendingParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action(domain.ActionRepay))
}

func (g *Gate) ExecuteSupplyCollateral(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.LendingParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action(domain.ActionSupplyCollateral))
}

func (g *Gate) ExecuteWithdrawCollateral(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.LendingParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action(domain.ActionWithdrawCollateral))
}

func (g *Gate) ExecuteCancelOrder(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.CancelParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action())
}

func (g *Gate) ExecuteAutoBorrow(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.LendingParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action(domain.ActionAutoBorrow))
}

func (g *Gate) ExecuteAutoRepay(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.LendingParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action(domain.ActionAutoRepay))
}

// ExecuteEmergencyWithdraw переводит средства пользователя только на EmergencyRecipient его политики.
func (g *Gate) ExecuteEmergencyWithdraw(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.LendingParams) (domain.Result, error) {
	return g.Execute(ctx, caller, user, agent, p.Action(domain.ActionEmergencyWithdraw))
}

// Execute проверяет действие по политике и, если все правила пройдены, исполняет его от имени пользователя.
// Любой отказ случается до вызова торгового коллаборатора и до изменения счетчиков.
func (g *Gate) Execute(ctx context.Context, caller, user domain.Address, agent domain.AgentID, action domain.Action) (domain.Result, error) {
	start := time.Now()
	key := domain.NewPairKey(user, agent)

	ctx, span := g.tracer.Start(ctx, "gate.execute", trace.WithAttributes(
		attribute.String("action", string(action.Kind)),
		attribute.String("agent", string(agent)),
		attribute.String("trace_id", TraceIDFrom(ctx)),
	))
	defer span.End()

	res, err := g.execute(ctx, caller, key, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, domain.CodeOf(err))
		g.reportViolation(ctx, key, action, err)
	}
	g.record(ctx, caller, key, action, res, err, start)
	return res, err
}

func (g *Gate) execute(ctx context.Context, caller domain.Address, key domain.PairKey, action domain.Action) (domain.Result, error) {
	if err := key.Validate(); err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidAction, err)
	}
	if err := action.Validate(); err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidAction, err)
	}

	// 0. Reentrancy guard держится до выхода на любом пути
	release, err := g.guard.Acquire(ctx, key)
	if err != nil {
		return domain.Result{}, err
	}
	defer release()

	ev, err := g.evaluate(ctx, caller, key, action)
	if err != nil {
		return domain.Result{}, err
	}

	// Reserve-first: счетчики сохранены до вызова коллаборатора, при ошибке вызова откатываются
	var reservation *risk.Reservation
	if !action.Kind.IsRiskReducing() {
		reservation, err = risk.Reserve(ctx, g.counters, key, ev.counters, ev.staged)
		if err != nil {
			return domain.Result{}, err
		}
	}

	ref, err := g.forward(ctx, key.User, action, ev.policy)
	if err != nil {
		if reservation != nil {
			if rbErr := reservation.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				g.rollbackFailed(ctx, caller, key, action, err, rbErr)
			}
		}
		return domain.Result{}, err
	}

	g.reportSuccess(ctx, key, action, ev)

	return domain.Result{
		ExecutionID: uuid.NewString(),
		Kind:        action.Kind,
		User:        key.User,
		Agent:       key.Agent,
		Reference:   ref,
		Size:        action.Size,
	}, nil
}

// rollbackFailed фиксирует пару, чьи счетчики включают резерв неудавшегося исполнения.
// Запись в журнале нужна оператору для ручной сверки.
func (g *Gate) rollbackFailed(ctx context.Context, caller domain.Address, key domain.PairKey, a domain.Action, cause, rbErr error) {
	g.metrics.CounterRollbackFailures.Inc()
	g.logger.Error("COUNTER ROLLBACK FAILED: counters include a failed execution",
		zap.String("trace_id", TraceIDFrom(ctx)),
		zap.String("pair", key.String()),
		zap.Error(rbErr),
	)
	if g.auditor == nil {
		return
	}
	payload := actionPayload(a)
	payload["cause"] = cause.Error()
	g.auditor.Log(audit.Event{
		TraceID: TraceIDFrom(ctx),
		Type:    audit.EventCounterRollbackFailed,
		Caller:  caller,
		User:    key.User,
		Agent:   key.Agent,
		Action:  a.Kind,
		Status:  audit.StatusFailed,
		Payload: payload,
		Error:   rbErr.Error(),
	})
}

// forward исполняет действие у коллаборатора от имени пользователя.
func (g *Gate) forward(ctx context.Context, user domain.Address, a domain.Action, p domain.Policy) (string, error) {
	switch a.Kind {
	case domain.ActionMarketOrder, domain.ActionLimitOrder, domain.ActionSwap:
		return g.suite.Venue.PlaceOrderFor(ctx, user, a)
	case domain.ActionCancelOrder:
		if err := g.suite.Venue.CancelOrderFor(ctx, user, a.OrderID); err != nil {
			return "", err
		}
		return a.OrderID, nil
	case domain.ActionBorrow, domain.ActionAutoBorrow:
		return g.suite.Lending.BorrowFor(ctx, user, a.Base, a.Size)
	case domain.ActionRepay, domain.ActionAutoRepay:
		return g.suite.Lending.RepayFor(ctx, user, a.Base, a.Size)
	case domain.ActionSupplyCollateral:
		return g.suite.Ledger.Lock(ctx, user, a.Base, a.Size)
	case domain.ActionWithdrawCollateral:
		return g.suite.Ledger.Unlock(ctx, user, a.Base, a.Size)
	case domain.ActionEmergencyWithdraw:
		// Получатель берется только из политики, агент его не выбирает
		if err := g.suite.Ledger.Transfer(ctx, user, p.Safety.EmergencyRecipient, a.Base, a.Size); err != nil {
			return "", err
		}
		return uuid.NewString(), nil
	}
	return "", fmt.Errorf("%w: unsupported action %s", domain.ErrInvalidAction, a.Kind)
}

func (g *Gate) submitFeedback(ctx context.Context, fb domain.Feedback) {
	if g.suite.Reputation == nil {
		return
	}
	if err := g.suite.Reputation.SubmitFeedback(ctx, fb); err != nil {
		// Исполнение уже состоялось, откатывать нечего
		g.logger.Warn("feedback submission failed",
			zap.String("agent", string(fb.Agent)),
			zap.String("kind", string(fb.Kind)),
			zap.Error(err),
		)
	}
}

func (g *Gate) reportSuccess(ctx context.Context, key domain.PairKey, a domain.Action, ev *evaluation) {
	switch a.Kind {
	case domain.ActionSupplyCollateral, domain.ActionWithdrawCollateral, domain.ActionCancelOrder, domain.ActionEmergencyWithdraw:
	default:
		g.submitFeedback(ctx, domain.Feedback{
			Agent:     key.Agent,
			User:      key.User,
			Kind:      domain.FeedbackFor(a.Kind),
			Action:    a.Kind,
			Amount:    a.Size,
			Timestamp: ev.now,
		})
	}
	if ev.nearMiss {
		g.submitFeedback(ctx, domain.Feedback{
			Agent:     key.Agent,
			User:      key.User,
			Kind:      domain.FeedbackDrawdownAvoided,
			Action:    a.Kind,
			Amount:    a.Size,
			Rule:      ev.nearMissRule,
			Timestamp: ev.now,
		})
	}
}

// reportViolation: отказ по правилу уходит в реестр репутации и в анализатор серий.
func (g *Gate) reportViolation(ctx context.Context, key domain.PairKey, a domain.Action, err error) {
	var v *domain.RuleViolation
	if !errors.As(err, &v) {
		return
	}
	now := g.cfg.Now().UTC()
	if g.cfg.ReportViolations {
		kind := domain.FeedbackPolicyViolation
		if errors.Is(err, domain.ErrDrawdownLimitExceeded) {
			kind = domain.FeedbackCircuitBreaker
		}
		g.submitFeedback(ctx, domain.Feedback{
			Agent:     key.Agent,
			User:      key.User,
			Kind:      kind,
			Action:    a.Kind,
			Amount:    a.Size,
			Rule:      v.Rule,
			Timestamp: now,
		})
	}
	g.analyzer.ObserveViolation(ctx, key.Agent, now)
}

func statusOf(err error) string {
	if err == nil {
		return audit.StatusSuccess
	}
	switch domain.CategoryOf(err) {
	case domain.CategoryIntegrity:
		return audit.StatusBlocked
	case domain.CategoryCollaborator:
		return audit.StatusFailed
	}
	return audit.StatusDenied
}

// record пишет метрики, лог и событие журнала по итогу исполнения.
func (g *Gate) record(ctx context.Context, caller domain.Address, key domain.PairKey, a domain.Action, res domain.Result, err error, start time.Time) {
	status := statusOf(err)
	elapsed := time.Since(start)

	g.metrics.Executions.WithLabelValues(string(a.Kind), status).Inc()
	g.metrics.ExecutionDuration.WithLabelValues(string(a.Kind), status).Observe(elapsed.Seconds())

	ev := audit.Event{
		TraceID:    TraceIDFrom(ctx),
		Type:       audit.EventExecution,
		Caller:     caller,
		User:       key.User,
		Agent:      key.Agent,
		Action:     a.Kind,
		Status:     status,
		Reference:  res.Reference,
		Payload:    actionPayload(a),
		DurationMs: elapsed.Milliseconds(),
	}
	if err == nil {
		ev.ID = res.ExecutionID
	}

	fields := []zap.Field{
		zap.String("trace_id", ev.TraceID),
		zap.String("user", string(key.User)),
		zap.String("agent", string(key.Agent)),
		zap.String("action", string(a.Kind)),
		zap.String("status", status),
	}

	if err != nil {
		category := domain.CategoryOf(err)
		ev.Code = domain.CodeOf(err)
		ev.Error = err.Error()
		g.metrics.ErrorTotal.WithLabelValues(string(category)).Inc()

		var v *domain.RuleViolation
		if errors.As(err, &v) {
			ev.Rule = v.Rule
			ev.Payload["bound"] = v.Bound
			ev.Payload["value"] = v.Value
			g.metrics.RuleViolations.WithLabelValues(v.Rule).Inc()
		}

		fields = append(fields, zap.String("code", ev.Code), zap.Error(err))
		switch category {
		case domain.CategoryIntegrity:
			// Повторный вход или битые данные: признак ошибки клиента или атаки
			g.logger.Error("INTEGRITY VIOLATION", fields...)
		case domain.CategoryCollaborator:
			g.logger.Error("execution failed", fields...)
		default:
			g.logger.Info("execution denied", fields...)
		}
	} else {
		g.logger.Info("execution completed", append(fields, zap.String("reference", res.Reference))...)
	}

	if g.auditor != nil {
		g.auditor.Log(ev)
	}
}

func actionPayload(a domain.Action) map[string]any {
	m := map[string]any{"size": a.Size.String()}
	if a.Side != "" {
		m["side"] = string(a.Side)
	}
	if a.Base != "" {
		m["base"] = string(a.Base)
	}
	if a.Quote != "" {
		m["quote"] = string(a.Quote)
	}
	if a.OrderID != "" {
		m["order_id"] = a.OrderID
	}
	return m
}

// PreviewResult итог пробной проверки: те же правила, без вызова торговых коллабораторов и без записи счетчиков.
type PreviewResult struct {
	Allowed   bool                  `json:"allowed"`
	Code      string                `json:"code,omitempty"`
	Error     string                `json:"error,omitempty"`
	Violation *domain.RuleViolation `json:"violation,omitempty"`

	// Usage использование лимитов на текущий момент (без учета проверяемого действия).
	Usage domain.Usage `json:"usage"`

	// EffectiveMaxOrderSize max_order_size с учетом множителя репутации. 0 = без ограничения.
	EffectiveMaxOrderSize decimal.Decimal `json:"effective_max_order_size"`
}

// Preview прогоняет действие через правила. Guard не захватывается: превью не мешает исполнению.
// Ошибки коллабораторов и неверный запрос возвращаются как error, отказы правил и авторизации в результате.
func (g *Gate) Preview(ctx context.Context, caller, user domain.Address, agent domain.AgentID, action domain.Action) (PreviewResult, error) {
	start := time.Now()
	key := domain.NewPairKey(user, agent)

	ctx, span := g.tracer.Start(ctx, "gate.preview", trace.WithAttributes(
		attribute.String("action", string(action.Kind)),
		attribute.String("agent", string(agent)),
	))
	defer span.End()

	if err := key.Validate(); err != nil {
		return PreviewResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidAction, err)
	}
	if err := action.Validate(); err != nil {
		return PreviewResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidAction, err)
	}

	var out PreviewResult
	ev, err := g.evaluate(ctx, caller, key, action)
	if err != nil {
		if domain.CategoryOf(err) == domain.CategoryCollaborator {
			span.RecordError(err)
			return PreviewResult{}, err
		}
		out.Code = domain.CodeOf(err)
		out.Error = err.Error()
		var v *domain.RuleViolation
		if errors.As(err, &v) {
			out.Violation = v
		}
	} else {
		out.Allowed = true
	}
	if ev != nil {
		out.EffectiveMaxOrderSize = ev.maxSize
	}

	usage, err := g.Usage(ctx, user, agent)
	if err != nil {
		return PreviewResult{}, err
	}
	out.Usage = usage

	if g.auditor != nil {
		g.auditor.Log(audit.Event{
			TraceID:    TraceIDFrom(ctx),
			Type:       audit.EventExecution,
			Caller:     caller,
			User:       key.User,
			Agent:      key.Agent,
			Action:     action.Kind,
			Status:     audit.StatusPreview,
			Code:       out.Code,
			Payload:    actionPayload(action),
			DurationMs: time.Since(start).Milliseconds(),
		})
	}
	return out, nil
}

// Usage снимок счетчиков пары на текущий момент.
func (g *Gate) Usage(ctx context.Context, user domain.Address, agent domain.AgentID) (domain.Usage, error) {
	c, err := g.counters.Load(ctx, domain.NewPairKey(user, agent))
	if err != nil {
		return domain.Usage{}, fmt.Errorf("load counters: %w", err)
	}
	return c.Usage(g.cfg.Now().UTC()), nil
}
