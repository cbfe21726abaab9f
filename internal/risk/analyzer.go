package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"go.uber.org/zap"
)

// KillSwitchProvider описывает возможности, необходимые анализатору.
// Реализовывать этот интерфейс будет KillSwitchManager из пакета engine.
type KillSwitchProvider interface {
	Halt(ctx context.Context, agent domain.AgentID, reason string) error
}

type AnalyzerConfig struct {
	// NearMissRatio доля предела, начиная с которой просадка считается "почти нарушением".
	NearMissRatio decimal.Decimal

	// HaltAfterViolations: столько нарушений политики за ViolationWindow останавливают агента. 0 = выключено.
	HaltAfterViolations int
	ViolationWindow     time.Duration
}

// Analyzer следит за поведением агентов поверх отдельных проверок:
// близость к пределам просадки и серии нарушений политики.
type Analyzer struct {
	cfg    AnalyzerConfig
	ksm    KillSwitchProvider
	logger *zap.Logger

	mu      sync.Mutex
	strikes map[domain.AgentID][]time.Time
}

func NewAnalyzer(cfg AnalyzerConfig, ksm KillSwitchProvider, logger *zap.Logger) *Analyzer {
	if !cfg.NearMissRatio.IsPositive() {
		cfg.NearMissRatio = decimal.RequireFromString("0.8")
	}
	if cfg.ViolationWindow <= 0 {
		cfg.ViolationWindow = time.Hour
	}
	return &Analyzer{
		cfg:     cfg,
		ksm:     ksm,
		logger:  logger.Named("analyzer"),
		strikes: make(map[domain.AgentID][]time.Time),
	}
}

// NearMiss: значение не превысило предел, но подошло к нему ближе NearMissRatio.
func (a *Analyzer) NearMiss(value, bound decimal.Decimal) bool {
	if !bound.IsPositive() || value.GreaterThan(bound) {
		return false
	}
	return value.GreaterThanOrEqual(bound.Mul(a.cfg.NearMissRatio))
}

// ObserveViolation учитывает нарушение и останавливает агента, если серия превысила порог.
// Возвращает true, если агент был остановлен этим вызовом.
func (a *Analyzer) ObserveViolation(ctx context.Context, agent domain.AgentID, now time.Time) bool {
	if a.cfg.HaltAfterViolations <= 0 || a.ksm == nil {
		return false
	}

	a.mu.Lock()
	cutoff := now.Add(-a.cfg.ViolationWindow)
	kept := a.strikes[agent][:0]
	for _, ts := range a.strikes[agent] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	trip := len(kept) >= a.cfg.HaltAfterViolations
	if trip {
		delete(a.strikes, agent)
	} else {
		a.strikes[agent] = kept
	}
	a.mu.Unlock()

	if !trip {
		return false
	}

	a.logger.Warn("VIOLATION SERIES: halting agent",
		zap.String("agent", string(agent)),
		zap.Int("violations", a.cfg.HaltAfterViolations),
		zap.Duration("window", a.cfg.ViolationWindow),
	)
	if err := a.ksm.Halt(ctx, agent, "violation series"); err != nil {
		a.logger.Error("failed to halt agent", zap.String("agent", string(agent)), zap.Error(err))
		return false
	}
	return true
}
