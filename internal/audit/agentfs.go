package audit

/*
Файл agentfs.go реализует журнал Gate (Audit Trail): жизненный цикл политик и попытки исполнения.

- Non-blocking Logging: Gate пишет событие в буферизированный канал и не ждет БД.
- Batching: события копятся и пишутся пачкой по таймеру или при достижении размера пачки.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

// Reader чтение журнала для Console API.
type Reader interface {
	FetchEvents(ctx context.Context, f Filter) ([]Event, error)
}

type Auditor interface {
	Log(event Event)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

type AgentFS struct {
	ch     chan Event
	repo   StorageInterface
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	// mu защищает closed и закрытие канала: Log не может писать в закрытый канал.
	mu     sync.RWMutex
	closed bool
}

func NewAgentFS(repo StorageInterface, opts Options, logger *zap.Logger) *AgentFS {
	opts = opts.withDefaults()
	return &AgentFS{
		ch:     make(chan Event, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.Named("agentfs"),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if fs.closed {
		fs.mu.Unlock()
		return
	}
	fs.closed = true
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully")
}

// Len текущая заполненность буфера (для метрики backpressure).
func (fs *AgentFS) Len() int {
	return len(fs.ch)
}

func (fs *AgentFS) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: при переполнении не блокируем Hot Path
	select {
	case fs.ch <- event:
	default:
		fs.logger.Error("audit_buffer_overflow",
			zap.String("type", string(event.Type)),
			zap.String("agent", string(event.Agent)),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]Event, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст может быть уже закрыт
			if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
				fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
			}
			batch = make([]Event, 0, fs.opts.BatchSize)
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				// Канал закрыт в Stop(): остаток уже вычитан, финальный сброс
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
