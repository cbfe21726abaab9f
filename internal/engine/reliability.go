package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/agent-delegation-gate/internal/connectors"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Имена предохранителей: по одному на коллаборатора.
const (
	breakerIdentity   = "identity"
	breakerReputation = "reputation"
	breakerValidation = "validation"
	breakerLedger     = "ledger"
	breakerLending    = "lending"
	breakerVenue      = "venue"
	breakerMetrics    = "metrics"
)

type ReliabilityConfig struct {
	RateLimit     float64
	RateBurst     int
	RetryAttempts uint
	CallTimeout   time.Duration

	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBFailures    uint32
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.CBMaxRequests == 0 {
		c.CBMaxRequests = 3
	}
	if c.CBInterval <= 0 {
		c.CBInterval = 5 * time.Second
	}
	if c.CBTimeout <= 0 {
		c.CBTimeout = 30 * time.Second
	}
	if c.CBFailures == 0 {
		c.CBFailures = 5
	}
	return c
}

// Reliable оборачивает коллабораторов: rate limiter, circuit breaker и таймаут на каждый вызов.
// Повторяются только читающие вызовы. Мутирующие (ордер, заем, перевод) выполняются ровно один раз:
// повтор мог бы исполнить действие дважды.
type Reliable struct {
	next     connectors.Suite
	cfg      ReliabilityConfig
	limiter  *rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

func NewReliable(next connectors.Suite, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *Reliable {
	cfg = cfg.withDefaults()
	r := &Reliable{
		next:     next,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.Named("reliability"),
	}
	for _, name := range []string{breakerIdentity, breakerReputation, breakerValidation, breakerLedger, breakerLending, breakerVenue, breakerMetrics} {
		r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.CBMaxRequests,
			Interval:    cfg.CBInterval,
			Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.CBFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Warn("circuit breaker state changed",
					zap.String("collaborator", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				if metrics != nil {
					metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
				}
			},
		})
	}
	return r
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	}
	return 0
}

// Suite отдает обернутый набор. Необязательные коллабораторы остаются nil.
func (r *Reliable) Suite() connectors.Suite {
	s := connectors.Suite{
		Identity:   r,
		Reputation: r,
		Ledger:     r,
		Lending:    r,
		Venue:      r,
	}
	if r.next.Validation != nil {
		s.Validation = r
	}
	if r.next.Metrics != nil {
		s.Metrics = r
	}
	return s
}

// guarded проводит вызов через limiter и breaker. readOnly вызовы повторяются с backoff.
func guarded[T any](ctx context.Context, r *Reliable, breaker string, readOnly bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("collaborator rate limit: %w", err)
	}

	once := func() (T, error) {
		tCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		return fn(tCtx)
	}

	// 2. Circuit Breaker
	res, err := r.breakers[breaker].Execute(func() (interface{}, error) {
		if !readOnly {
			return once()
		}

		var out T
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.cfg.RetryAttempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Коллаборатор сам сообщил, когда повторить
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		retryErr := rt.Do(func() error {
			v, callErr := once()
			out = v
			return callErr
		})
		return out, retryErr
	})
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

func (r *Reliable) ControllerOf(ctx context.Context, agent domain.AgentID) (domain.Address, error) {
	return guarded(ctx, r, breakerIdentity, true, func(ctx context.Context) (domain.Address, error) {
		return r.next.Identity.ControllerOf(ctx, agent)
	})
}

func (r *Reliable) ScoreOf(ctx context.Context, agent domain.AgentID) (uint64, error) {
	return guarded(ctx, r, breakerReputation, true, func(ctx context.Context) (uint64, error) {
		return r.next.Reputation.ScoreOf(ctx, agent)
	})
}

func (r *Reliable) SubmitFeedback(ctx context.Context, fb domain.Feedback) error {
	_, err := guarded(ctx, r, breakerReputation, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Reputation.SubmitFeedback(ctx, fb)
	})
	return err
}

func (r *Reliable) Validate(ctx context.Context, user domain.Address, agent domain.AgentID, action domain.Action) (bool, error) {
	return guarded(ctx, r, breakerValidation, true, func(ctx context.Context) (bool, error) {
		return r.next.Validation.Validate(ctx, user, agent, action)
	})
}

func (r *Reliable) EquityOf(ctx context.Context, user domain.Address) (decimal.Decimal, error) {
	return guarded(ctx, r, breakerLedger, true, func(ctx context.Context) (decimal.Decimal, error) {
		return r.next.Ledger.EquityOf(ctx, user)
	})
}

func (r *Reliable) Transfer(ctx context.Context, from, to domain.Address, token domain.TokenID, amount decimal.Decimal) error {
	_, err := guarded(ctx, r, breakerLedger, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Ledger.Transfer(ctx, from, to, token, amount)
	})
	return err
}

func (r *Reliable) Lock(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	return guarded(ctx, r, breakerLedger, false, func(ctx context.Context) (string, error) {
		return r.next.Ledger.Lock(ctx, user, token, amount)
	})
}

func (r *Reliable) Unlock(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	return guarded(ctx, r, breakerLedger, false, func(ctx context.Context) (string, error) {
		return r.next.Ledger.Unlock(ctx, user, token, amount)
	})
}

func (r *Reliable) HealthFactorOf(ctx context.Context, user domain.Address) (decimal.Decimal, error) {
	return guarded(ctx, r, breakerLending, true, func(ctx context.Context) (decimal.Decimal, error) {
		return r.next.Lending.HealthFactorOf(ctx, user)
	})
}

func (r *Reliable) SimulateHealthFactor(ctx context.Context, user domain.Address, action domain.Action) (decimal.Decimal, error) {
	return guarded(ctx, r, breakerLending, true, func(ctx context.Context) (decimal.Decimal, error) {
		return r.next.Lending.SimulateHealthFactor(ctx, user, action)
	})
}

func (r *Reliable) DebtOf(ctx context.Context, user domain.Address, token domain.TokenID) (decimal.Decimal, error) {
	return guarded(ctx, r, breakerLending, true, func(ctx context.Context) (decimal.Decimal, error) {
		return r.next.Lending.DebtOf(ctx, user, token)
	})
}

func (r *Reliable) BorrowFor(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	return guarded(ctx, r, breakerLending, false, func(ctx context.Context) (string, error) {
		return r.next.Lending.BorrowFor(ctx, user, token, amount)
	})
}

func (r *Reliable) RepayFor(ctx context.Context, user domain.Address, token domain.TokenID, amount decimal.Decimal) (string, error) {
	return guarded(ctx, r, breakerLending, false, func(ctx context.Context) (string, error) {
		return r.next.Lending.RepayFor(ctx, user, token, amount)
	})
}

func (r *Reliable) PlaceOrderFor(ctx context.Context, user domain.Address, action domain.Action) (string, error) {
	return guarded(ctx, r, breakerVenue, false, func(ctx context.Context) (string, error) {
		return r.next.Venue.PlaceOrderFor(ctx, user, action)
	})
}

func (r *Reliable) CancelOrderFor(ctx context.Context, user domain.Address, orderID string) error {
	_, err := guarded(ctx, r, breakerVenue, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.Venue.CancelOrderFor(ctx, user, orderID)
	})
	return err
}

func (r *Reliable) MetricsFor(ctx context.Context, user domain.Address, agent domain.AgentID, action domain.Action) (connectors.ExternalMetrics, error) {
	return guarded(ctx, r, breakerMetrics, true, func(ctx context.Context) (connectors.ExternalMetrics, error) {
		return r.next.Metrics.MetricsFor(ctx, user, agent, action)
	})
}
