package main

import (
	"context"
	"fmt"

	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/console/service"
	"github.com/xela07ax/agent-delegation-gate/internal/engine"
	"github.com/xela07ax/agent-delegation-gate/internal/infra"
	"github.com/xela07ax/agent-delegation-gate/internal/policy"
	"github.com/xela07ax/agent-delegation-gate/internal/repository/bolt"
	"github.com/xela07ax/agent-delegation-gate/internal/repository/memory"
	"github.com/xela07ax/agent-delegation-gate/internal/repository/postgres"
	"github.com/xela07ax/agent-delegation-gate/internal/risk"
	"go.uber.org/zap"
)

// storage репозитории выбранного драйвера.
type storage struct {
	policies policy.Repository
	counters risk.CounterStore
	halts    engine.HaltRepository
	audit    audit.StorageInterface
	reader   audit.Reader
	users    service.AuthProvider
	close    func()
}

func openStorage(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*storage, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		auditRepo := postgres.NewAuditRepo(pool)
		logger.Info("storage: postgres")
		return &storage{
			policies: postgres.NewPolicyRepo(pool),
			counters: postgres.NewCounterRepo(pool),
			halts:    postgres.NewHaltRepo(pool),
			audit:    auditRepo,
			reader:   auditRepo,
			users:    postgres.NewUserRepo(pool),
			close:    pool.Close,
		}, nil

	case "bolt":
		db, err := bolt.Open(cfg.Storage.BoltPath)
		if err != nil {
			return nil, err
		}
		auditRepo := db.Audit()
		logger.Info("storage: bolt", zap.String("path", cfg.Storage.BoltPath))
		return &storage{
			policies: db.Policies(),
			counters: db.Counters(),
			halts:    db.Halts(),
			audit:    auditRepo,
			reader:   auditRepo,
			users:    db.Users(),
			close:    func() { _ = db.Close() },
		}, nil

	case "memory":
		sink := audit.NewMemorySink(0)
		logger.Warn("storage: memory, state is lost on restart")
		return &storage{
			policies: memory.NewPolicyRepo(),
			counters: memory.NewCounterRepo(),
			halts:    memory.NewHaltRepo(),
			audit:    audit.Tee{sink, audit.NewLogSink(logger)},
			reader:   sink,
			users:    memory.NewUserRepo(),
			close:    func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
}
