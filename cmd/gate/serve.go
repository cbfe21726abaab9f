package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/authz"
	"github.com/xela07ax/agent-delegation-gate/internal/connectors"
	"github.com/xela07ax/agent-delegation-gate/internal/console/handler"
	"github.com/xela07ax/agent-delegation-gate/internal/console/server"
	"github.com/xela07ax/agent-delegation-gate/internal/console/service"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/engine"
	"github.com/xela07ax/agent-delegation-gate/internal/infra"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"github.com/xela07ax/agent-delegation-gate/internal/policy"
	"github.com/xela07ax/agent-delegation-gate/internal/risk"
)

func newServeCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Console API, the gRPC gate and the metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := infra.LoadConfig(rc.ConfigPath)
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Инфраструктура: трейсинг, хранилище и Redis
	shutdownTracing, err := infra.SetupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 3. Журнал: пачками в хранилище, Stop делает финальный flush
	agentFS := audit.NewAgentFS(st.audit, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	}, logger)
	agentFS.Start()
	defer agentFS.Stop()
	go metrics.TrackAuditBuffer(ctx, agentFS, time.Second)

	// 4. Policy Store + Authorization Service
	cache := policy.NewMemoCache(cfg.Policy.CacheTTL, rdb, time.Now, logger)
	go cache.Listen(ctx)

	admin := domain.Address(cfg.Policy.AdminAddress)
	store := policy.NewStore(st.policies, agentFS, cache, policy.Options{Admin: admin}, logger)
	if cfg.Policy.TemplatesDir != "" {
		n, err := policy.ImportDir(ctx, store, admin, cfg.Policy.TemplatesDir)
		if err != nil {
			return fmt.Errorf("import templates: %w", err)
		}
		logger.Info("templates imported", zap.Int("count", n), zap.String("dir", cfg.Policy.TemplatesDir))
	}
	authzSvc := authz.NewService(store, nil, logger)

	// 5. Control Plane: kill switch и анализатор поведения
	ksm := engine.NewKillSwitchManager(st.halts, rdb, agentFS, metrics, logger)
	if err := ksm.Init(ctx); err != nil {
		return fmt.Errorf("init kill switch: %w", err)
	}
	go ksm.Listen(ctx)

	nearMiss, err := decimal.NewFromString(cfg.Engine.NearMissRatio)
	if err != nil {
		return fmt.Errorf("engine.near_miss_ratio: %w", err)
	}
	analyzer := risk.NewAnalyzer(risk.AnalyzerConfig{
		NearMissRatio:       nearMiss,
		HaltAfterViolations: cfg.Engine.HaltAfterViolations,
		ViolationWindow:     cfg.Engine.ViolationWindow,
	}, ksm, logger)

	// 6. Внешние системы за Circuit Breaker + Retry + Rate Limit
	suite, closeSuite, err := openCollaborators(cfg.Collaborators, logger)
	if err != nil {
		return err
	}
	defer closeSuite()
	reliable := engine.NewReliable(suite, engine.ReliabilityConfig{
		RateLimit:     cfg.Collaborators.RateLimit,
		RateBurst:     cfg.Collaborators.RateBurst,
		RetryAttempts: cfg.Collaborators.RetryAttempts,
		CallTimeout:   cfg.Collaborators.Timeout,
		CBMaxRequests: cfg.Collaborators.CBMaxRequests,
		CBInterval:    cfg.Collaborators.CBInterval,
		CBTimeout:     cfg.Collaborators.CBTimeout,
		CBFailures:    cfg.Collaborators.CBFailures,
	}, metrics, logger)

	// 7. Execution Gate
	var guard engine.Guard
	if cfg.Engine.DistributedGuard {
		guard = engine.NewRedisGuard(rdb, cfg.Engine.GuardTTL, logger)
	}
	mult, err := engine.NewMultiplier(cfg.Engine.ReputationMultiplier, cfg.Engine.ReputationDivisor, cfg.Engine.ReputationUnit)
	if err != nil {
		return err
	}
	gate := engine.NewGate(engine.Deps{
		Policies:      authzSvc,
		Counters:      st.counters,
		Collaborators: reliable.Suite(),
		Guard:         guard,
		KillSwitch:    ksm,
		Analyzer:      analyzer,
		Auditor:       agentFS,
		Metrics:       metrics,
	}, engine.Config{
		Multiplier:       mult,
		ReportViolations: cfg.Engine.ReportViolations,
	}, logger)

	// 8. Аутентификация: публичный ключ обязателен, закрытый только для выдачи токенов
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}
	validator := auth.NewBaseValidator(pub)

	var signer *auth.Signer
	if len(cfg.Auth.PrivateKey) > 0 {
		key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
		if err != nil {
			return fmt.Errorf("auth private key: %w", err)
		}
		signer = auth.NewSigner(key, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	} else {
		logger.Warn("auth.private_key_path is not set, /auth/token is disabled")
	}
	authSvc := service.NewAuthService(st.users, signer, cfg.Auth.BcryptCost, logger)
	if cfg.Auth.BootstrapUsername != "" {
		scopes := map[string]bool{domain.ScopeAdmin: true}
		if _, err := authSvc.CreateUser(ctx, cfg.Auth.BootstrapUsername, cfg.Auth.BootstrapPassword, admin, scopes); err != nil {
			return fmt.Errorf("bootstrap user: %w", err)
		}
		logger.Info("bootstrap user ready", zap.String("username", cfg.Auth.BootstrapUsername))
	}

	// 9. Транспорты
	console := server.NewConsoleServer(validator, server.Handlers{
		Auth:       handler.NewAuthHandler(authSvc, logger),
		Delegation: handler.NewDelegationHandler(authzSvc, store, gate, logger),
		Template:   handler.NewTemplateHandler(store, logger),
		Agent:      handler.NewAgentHandler(ksm, logger),
		Audit:      handler.NewAuditHandler(service.NewAuditService(st.reader), logger),
		Execute:    handler.NewExecuteHandler(gate, logger),
	}, logger)

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("console API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("console API: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	var grpcSrv *grpc.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen gRPC: %w", err)
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, domain.ScopeAgent, logger)))
		engine.RegisterGateServer(grpcSrv, engine.NewGRPCGateServer(gate, logger))
		healthpb.RegisterHealthServer(grpcSrv, health.NewServer())
		go func() {
			logger.Info("gRPC gate started", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("gRPC: %w", err)
			}
		}()
	}

	// 10. Graceful Shutdown
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		shutdown(httpSrv, metricsSrv, grpcSrv, logger)
		return err
	}
	shutdown(httpSrv, metricsSrv, grpcSrv, logger)
	logger.Info("gate exited properly")
	return nil
}

func shutdown(httpSrv, metricsSrv *http.Server, grpcSrv *grpc.Server, logger *zap.Logger) {
	// Даем 5 секунд на завершение запросов
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("console API shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
}

// openCollaborators: симулятор в памяти или внешний gRPC сервис.
func openCollaborators(cfg infra.CollaboratorsConfig, logger *zap.Logger) (connectors.Suite, func(), error) {
	switch cfg.Driver {
	case "grpc":
		conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return connectors.Suite{}, nil, fmt.Errorf("collaborators client: %w", err)
		}
		logger.Info("collaborators: grpc", zap.String("addr", cfg.Addr))
		return connectors.NewGRPCAdapter(conn, cfg.Timeout).Suite(), func() { _ = conn.Close() }, nil
	case "simulated":
		sim := connectors.NewSimulator().WithLatency(cfg.SimulatedMinLatency, cfg.SimulatedMaxLatency)
		for agent, controller := range cfg.SimulatedAgents {
			sim.SetController(domain.AgentID(agent), domain.Address(controller))
		}
		logger.Warn("collaborators: simulated", zap.Int("agents", len(cfg.SimulatedAgents)))
		return sim.Suite(), func() {}, nil
	}
	return connectors.Suite{}, nil, fmt.Errorf("unknown collaborators.driver %q", cfg.Driver)
}
