package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/infra"
	"go.uber.org/zap"
)

// Guard защита от повторного входа: для одной пары (user, agent) одновременно идет не больше одного исполнения.
// Второй вызов не ждет, а сразу получает ErrReentrantCall.
type Guard interface {
	Acquire(ctx context.Context, key domain.PairKey) (release func(), err error)
}

// LocalGuard guard в пределах процесса.
type LocalGuard struct {
	mu   sync.Mutex
	held map[domain.PairKey]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[domain.PairKey]struct{})}
}

func (g *LocalGuard) Acquire(_ context.Context, key domain.PairKey) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, domain.ErrReentrantCall
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}

// Удаляем ключ только если он все еще наш (TTL мог истечь и ключ занял другой инстанс).
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisGuard guard для нескольких инстансов Gate: локальный guard + SET NX с TTL.
type RedisGuard struct {
	local  *LocalGuard
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{local: NewLocalGuard(), rdb: rdb, ttl: ttl, logger: logger.Named("guard")}
}

func (g *RedisGuard) Acquire(ctx context.Context, key domain.PairKey) (func(), error) {
	// 1. Дешевая проверка внутри процесса
	releaseLocal, err := g.local.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	// 2. Распределенная блокировка
	redisKey := infra.GuardKey(key.String())
	token := uuid.NewString()
	ok, err := g.rdb.SetNX(ctx, redisKey, token, g.ttl).Result()
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("acquire guard %s: %w", key, err)
	}
	if !ok {
		releaseLocal()
		return nil, domain.ErrReentrantCall
	}

	return func() {
		// Отдельный контекст: запрос мог быть уже отменен
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, g.rdb, []string{redisKey}, token).Err(); err != nil {
			g.logger.Error("failed to release guard, key expires by ttl", zap.String("key", redisKey), zap.Error(err))
		}
		releaseLocal()
	}, nil
}
