package policy

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/infra"
	"go.uber.org/zap"
)

type memoEntry struct {
	policy  domain.Policy
	found   bool
	expires time.Time
}

// MemoCache In-memory кэш политик (L1). Hot Path Gate читает политику отсюда,
// а в Repository идет только при промахе или истекшем TTL.
// В распределенной установке инстансы сбрасывают записи по сигналу Redis.
type MemoCache struct {
	mu      sync.RWMutex
	entries map[domain.PairKey]memoEntry
	// gen растет при каждом сбросе: чтение, начатое до сброса, не может вернуть старую запись в кэш
	gen uint64

	ttl    time.Duration
	now    func() time.Time
	rdb    *redis.Client
	logger *zap.Logger
}

func NewMemoCache(ttl time.Duration, rdb *redis.Client, now func() time.Time, logger *zap.Logger) *MemoCache {
	return &MemoCache{
		entries: make(map[domain.PairKey]memoEntry),
		ttl:     ttl,
		now:     now,
		rdb:     rdb,
		logger:  logger.Named("memo"),
	}
}

func (c *MemoCache) get(key domain.PairKey) (domain.Policy, bool, bool) {
	if c.ttl <= 0 {
		return domain.Policy{}, false, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		return domain.Policy{}, false, false
	}
	return e.policy, e.found, true
}

// generation снимается до чтения из Repository и передается в put.
func (c *MemoCache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

func (c *MemoCache) put(key domain.PairKey, p domain.Policy, found bool, gen uint64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.entries[key] = memoEntry{policy: p, found: found, expires: c.now().Add(c.ttl)}
}

// Invalidate сбрасывает запись локально и оповещает остальные инстансы.
func (c *MemoCache) Invalidate(ctx context.Context, key domain.PairKey) {
	c.drop(key)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, key.String()).Err(); err != nil {
		// Соседи увидят изменение по истечении TTL
		c.logger.Warn("policy invalidation publish failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (c *MemoCache) drop(key domain.PairKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen++
	c.mu.Unlock()
}

// Flush сбрасывает весь кэш.
func (c *MemoCache) Flush() {
	c.mu.Lock()
	c.entries = make(map[domain.PairKey]memoEntry)
	c.gen++
	c.mu.Unlock()
}

// Listen подписывается на канал инвалидации. Блокирует до отмены ctx.
func (c *MemoCache) Listen(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	infra.ListenResilient(ctx, c.rdb, c.logger, infra.RedisChanPolicyUpdate,
		func() error {
			// За время разрыва могли пропустить сигналы
			c.Flush()
			return nil
		},
		func(payload string) {
			if payload == infra.PolicyInvalidateAll {
				c.Flush()
				return
			}
			key, err := domain.ParsePairKey(payload)
			if err != nil {
				c.logger.Error("invalid invalidation signal", zap.String("payload", payload))
				return
			}
			c.drop(key)
		},
	)
}
