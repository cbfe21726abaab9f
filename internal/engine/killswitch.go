package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/infra"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"go.uber.org/zap"
)

// HaltRepository источник истины для остановленных агентов (переживает рестарт Redis).
type HaltRepository interface {
	ListHalted(ctx context.Context) ([]domain.AgentID, error)
	SetHalted(ctx context.Context, agent domain.AgentID, halted bool, reason string) error
}

// KillSwitchManager операторская остановка агентов. Проверка в Hot Path идет по локальной мапе,
// изменения расходятся по инстансам через Redis Set + Pub/Sub.
type KillSwitchManager struct {
	mu     sync.RWMutex
	halted map[domain.AgentID]struct{}

	repo    HaltRepository
	rdb     *redis.Client
	auditor audit.Auditor
	metrics *Metrics
	logger  *zap.Logger
}

// NewKillSwitchManager: repo и rdb необязательны (однопроцессный режим без персистентности).
func NewKillSwitchManager(repo HaltRepository, rdb *redis.Client, auditor audit.Auditor, metrics *Metrics, logger *zap.Logger) *KillSwitchManager {
	return &KillSwitchManager{
		halted:  make(map[domain.AgentID]struct{}),
		repo:    repo,
		rdb:     rdb,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.Named("killswitch"),
	}
}

// Init загружает текущее состояние блокировок при старте сервиса
func (m *KillSwitchManager) Init(ctx context.Context) error {
	var ids []string
	if m.repo != nil {
		agents, err := m.repo.ListHalted(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch halted agents: %w", err)
		}
		for _, a := range agents {
			ids = append(ids, string(a))
		}
	}

	if m.rdb == nil {
		m.replace(ids)
		return nil
	}
	if err := WarmupState(ctx, m.rdb, m.logger, ids, infra.RedisKeyHaltedAgents, infra.RedisKeyLockWarmup, m.replace); err != nil {
		return err
	}
	return m.syncFromRedis(ctx)
}

// syncFromRedis добавляет агентов, остановленных другими инстансами.
func (m *KillSwitchManager) syncFromRedis(ctx context.Context) error {
	members, err := m.rdb.SMembers(ctx, infra.RedisKeyHaltedAgents).Result()
	if err != nil {
		return fmt.Errorf("failed to read halted set: %w", err)
	}
	m.mu.Lock()
	for _, id := range members {
		m.halted[domain.AgentID(id)] = struct{}{}
	}
	m.mu.Unlock()
	m.updateGauge()
	return nil
}

func (m *KillSwitchManager) replace(ids []string) {
	m.mu.Lock()
	m.halted = make(map[domain.AgentID]struct{}, len(ids))
	for _, id := range ids {
		m.halted[domain.AgentID(id)] = struct{}{}
	}
	m.mu.Unlock()
	m.updateGauge()
}

func (m *KillSwitchManager) set(agent domain.AgentID, halted bool) {
	m.mu.Lock()
	if halted {
		m.halted[agent] = struct{}{}
	} else {
		delete(m.halted, agent)
	}
	m.mu.Unlock()
	m.updateGauge()
}

func (m *KillSwitchManager) updateGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	n := len(m.halted)
	m.mu.RUnlock()
	m.metrics.HaltedAgents.Set(float64(n))
}

// Halt останавливает агента во всех парах. Вызывается оператором или анализатором серий нарушений.
func (m *KillSwitchManager) Halt(ctx context.Context, agent domain.AgentID, reason string) error {
	return m.change(ctx, agent, true, reason)
}

func (m *KillSwitchManager) Resume(ctx context.Context, agent domain.AgentID) error {
	return m.change(ctx, agent, false, "")
}

func (m *KillSwitchManager) change(ctx context.Context, agent domain.AgentID, halted bool, reason string) error {
	if agent == "" {
		return fmt.Errorf("%w: agent is empty", domain.ErrInvalidAction)
	}

	// 1. Источник истины
	if m.repo != nil {
		if err := m.repo.SetHalted(ctx, agent, halted, reason); err != nil {
			return fmt.Errorf("persist halt state: %w", err)
		}
	}

	// 2. Локально: этот инстанс блокирует сразу, не дожидаясь Pub/Sub
	m.set(agent, halted)

	// 3. Соседние инстансы
	if m.rdb != nil {
		pipe := m.rdb.TxPipeline()
		if halted {
			pipe.SAdd(ctx, infra.RedisKeyHaltedAgents, string(agent))
		} else {
			pipe.SRem(ctx, infra.RedisKeyHaltedAgents, string(agent))
		}
		pipe.Publish(ctx, infra.RedisChanKillSwitch, stateSignal(agent, halted))
		if _, err := pipe.Exec(ctx); err != nil {
			m.logger.Error("failed to broadcast kill switch", zap.String("agent", string(agent)), zap.Error(err))
		}
	}

	evType := audit.EventAgentResumed
	if halted {
		evType = audit.EventAgentHalted
		m.logger.Warn("AGENT HALTED", zap.String("agent", string(agent)), zap.String("reason", reason))
	} else {
		m.logger.Info("agent resumed", zap.String("agent", string(agent)))
	}
	if m.auditor != nil {
		caller, _ := auth.CallerFrom(ctx)
		var payload map[string]any
		if reason != "" {
			payload = map[string]any{"reason": reason}
		}
		m.auditor.Log(audit.Event{Type: evType, Caller: caller, Agent: agent, Payload: payload})
	}
	return nil
}

// IsHalted быстрый метод для проверки в Hot Path
func (m *KillSwitchManager) IsHalted(agent domain.AgentID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.halted[agent]
	return ok
}

func (m *KillSwitchManager) Halted() []domain.AgentID {
	m.mu.RLock()
	out := make([]domain.AgentID, 0, len(m.halted))
	for a := range m.halted {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Listen подписывается на сигналы остальных инстансов. Блокирует до отмены ctx.
func (m *KillSwitchManager) Listen(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, m.rdb, m.logger, infra.RedisChanKillSwitch,
		func() error { return m.syncFromRedis(ctx) },
		func(payload string) {
			agent, halted, ok := parseStateSignal(payload)
			if !ok {
				m.logger.Error("invalid kill switch signal", zap.String("payload", payload))
				return
			}
			m.set(agent, halted)
		},
	)
}

// Формат сигнала: "<agent>:on" (остановить) или "<agent>:off" (возобновить).
func stateSignal(agent domain.AgentID, halted bool) string {
	if halted {
		return string(agent) + ":on"
	}
	return string(agent) + ":off"
}

func parseStateSignal(payload string) (domain.AgentID, bool, bool) {
	idx := strings.LastIndex(payload, ":")
	if idx <= 0 {
		return "", false, false
	}
	switch payload[idx+1:] {
	case "on":
		return domain.AgentID(payload[:idx]), true, true
	case "off":
		return domain.AgentID(payload[:idx]), false, true
	}
	return "", false, false
}
