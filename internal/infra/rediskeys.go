package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "delegation"
)

// Ключи для Sets (состояние)
const (
	RedisKeyHaltedAgents = RedisNamespace + ":agents:halted_set"
	RedisKeyLockWarmup   = RedisNamespace + ":lock:warmup:halted"
)

// Каналы Pub/Sub (события)
const (
	RedisChanKillSwitch   = RedisNamespace + ":agents:kill-switch-signal"
	RedisChanPolicyUpdate = RedisNamespace + ":policies:invalidate"
)

// PolicyInvalidateAll сообщение "сбросить весь кэш политик".
const PolicyInvalidateAll = "*"

// GuardKey ключ распределенного guard для пары (user, agent).
func GuardKey(pair string) string {
	return fmt.Sprintf("%s:guard:%s", RedisNamespace, pair)
}
