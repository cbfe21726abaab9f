package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogSink пишет события в структурированный лог. Используется, когда БД для журнала нет.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) WriteBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Info("audit event",
			zap.String("id", e.ID),
			zap.String("type", string(e.Type)),
			zap.String("user", string(e.User)),
			zap.String("agent", string(e.Agent)),
			zap.String("action", string(e.Action)),
			zap.String("status", e.Status),
			zap.String("code", e.Code),
			zap.Time("ts", e.Timestamp),
		)
	}
	return nil
}

// MemorySink хранит последние события в памяти (однопроцессный режим и тесты).
type MemorySink struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemorySink{capacity: capacity}
}

func (s *MemorySink) WriteBatch(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	if over := len(s.events) - s.capacity; over > 0 {
		s.events = append([]Event(nil), s.events[over:]...)
	}
	return nil
}

// FetchEvents возвращает события от новых к старым.
func (s *MemorySink) FetchEvents(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := f.EffectiveLimit()
	out := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Matches(s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

// Tee пишет в несколько хранилищ. Ошибка первого не мешает остальным.
type Tee []StorageInterface

func (t Tee) WriteBatch(ctx context.Context, events []Event) error {
	var first error
	for _, s := range t {
		if err := s.WriteBatch(ctx, events); err != nil && first == nil {
			first = err
		}
	}
	return first
}
