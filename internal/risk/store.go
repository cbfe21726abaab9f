package risk

import (
	"context"
	"fmt"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

// CounterStore хранилище счетчиков пар (user, agent). Отсутствующая пара = нулевые счетчики.
type CounterStore interface {
	Load(ctx context.Context, key domain.PairKey) (domain.RiskCounters, error)
	Save(ctx context.Context, key domain.PairKey, c domain.RiskCounters) error
}

// Reservation зарезервированные счетчики: новое значение уже сохранено до вызова коллаборатора.
// Если вызов не удался, Rollback возвращает прежнее значение.
type Reservation struct {
	store CounterStore
	key   domain.PairKey
	prev  domain.RiskCounters
	next  domain.RiskCounters
}

// Reserve сохраняет next. При ошибке сохранения ничего не изменилось и коллаборатора вызывать нельзя.
func Reserve(ctx context.Context, store CounterStore, key domain.PairKey, prev, next domain.RiskCounters) (*Reservation, error) {
	if err := store.Save(ctx, key, next); err != nil {
		return nil, fmt.Errorf("reserve counters %s: %w", key, err)
	}
	return &Reservation{store: store, key: key, prev: prev, next: next}, nil
}

func (r *Reservation) Counters() domain.RiskCounters {
	return r.next
}

// Rollback восстанавливает счетчики, какими они были до Reserve.
func (r *Reservation) Rollback(ctx context.Context) error {
	if err := r.store.Save(ctx, r.key, r.prev); err != nil {
		return fmt.Errorf("rollback counters %s: %w", r.key, err)
	}
	return nil
}
