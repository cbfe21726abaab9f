package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WarmupState прогревает L1 (RAM) и L2 (Redis Set) из источника истины.
// Redis заливается только если он пуст и только одним инстансом (SET NX lock).
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	// 1. Локальный кэш
	updateL1(ids)

	// 2. Только один инстанс обновляет Redis
	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil {
		logger.Warn("warm-up lock failed, skipping Redis warm-up", zap.String("key", lockKey), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	defer rdb.Del(context.Background(), lockKey)

	// 3. Проверка наполненности Redis
	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
	}
	if count > 0 || len(ids) == 0 {
		return nil
	}

	// 4. Redis пуст, а в источнике данные есть
	logger.Info("Redis set is empty, performing warm-up",
		zap.String("key", redisKey), zap.Int("count", len(ids)))

	members := make([]any, 0, len(ids))
	for _, id := range ids {
		members = append(members, id)
	}
	return rdb.SAdd(ctx, redisKey, members...).Err()
}
