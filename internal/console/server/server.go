package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/agent-delegation-gate/internal/console/handler"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/engine"
	"github.com/xela07ax/agent-delegation-gate/internal/infra/auth"
	"go.uber.org/zap"
)

// Handlers обработчики бизнес-доменов
type Handlers struct {
	Auth       *handler.AuthHandler       // /auth/token
	Delegation *handler.DelegationHandler // /v1/users/{user}/...
	Template   *handler.TemplateHandler   // /v1/templates, /v1/installers
	Agent      *handler.AgentHandler      // /v1/agents (kill switch)
	Audit      *handler.AuditHandler      // /v1/audit
	Execute    *handler.ExecuteHandler    // /v1/execute, /v1/preview
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256)
	authValidator auth.TokenValidator
	h             Handlers
}

// NewConsoleServer собирает HTTP API со всеми зависимостями
func NewConsoleServer(validator auth.TokenValidator, h Handlers, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		h:             h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Защищенный периметр (RS256 токен, caller = address из claims) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Get("/v1/users/{user}/policies", s.h.Delegation.List)
		r.Route("/v1/users/{user}/agents/{agent}", func(r chi.Router) {
			r.Get("/policy", s.h.Delegation.GetPolicy)
			r.Put("/policy", s.h.Delegation.Authorize)
			r.Delete("/policy", s.h.Delegation.Revoke)
			r.Get("/state", s.h.Delegation.State)
			r.Get("/usage", s.h.Delegation.Usage)
			r.Post("/install", s.h.Delegation.Install)
			r.Post("/uninstall", s.h.Delegation.Uninstall)
		})

		// Права admin проверяет Policy Store по адресу caller
		r.Route("/v1/templates", func(r chi.Router) {
			r.Get("/", s.h.Template.List)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.h.Template.Get)
				r.Put("/", s.h.Template.Put)
				r.Post("/activate", s.h.Template.Activate)
				r.Post("/deactivate", s.h.Template.Deactivate)
			})
		})
		r.Route("/v1/installers", func(r chi.Router) {
			r.Get("/", s.h.Template.Installers)
			r.Put("/{address}", s.h.Template.AddInstaller)
			r.Delete("/{address}", s.h.Template.RemoveInstaller)
		})

		r.Get("/v1/audit", s.h.Audit.GetLogs)

		// Агенты
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeAgent))
			r.Post("/v1/execute/{kind}", s.h.Execute.Execute)
			r.Post("/v1/preview/{kind}", s.h.Execute.Preview)
		})

		// Оператор (kill switch)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeAdmin))
			r.Get("/v1/agents/halted", s.h.Agent.Halted)
			r.Post("/v1/agents/{agent}/halt", s.h.Agent.Halt)
			r.Post("/v1/agents/{agent}/resume", s.h.Agent.Resume)
		})
	})
}

func (s *ConsoleServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("trace_id", engine.TraceIDFrom(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
