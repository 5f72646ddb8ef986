package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/botfleet/internal/console/handler"
	"github.com/xela07ax/botfleet/internal/domain"
	"github.com/xela07ax/botfleet/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// nil — API без аутентификации
	authValidator auth.TokenValidator
	gatherer      prometheus.Gatherer

	// Обработчики
	deployHandler   *handler.DeployHandler      // /deploy
	recoveryHandler *handler.RecoveryHandler    // /recover, /recoveries
	priorityHandler *handler.PriorityHandler    // /priority
	dashHandler     *handler.DashboardHandler   // /dashboard
	eventsHandler   *handler.EventsHandler      // /events
	maintHandler    *handler.MaintenanceHandler // /maintenance
}

// NewConsoleServer собирает HTTP API оркестратора
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	gatherer prometheus.Gatherer,
	deployH *handler.DeployHandler,
	recoveryH *handler.RecoveryHandler,
	priorityH *handler.PriorityHandler,
	dashH *handler.DashboardHandler,
	eventsH *handler.EventsHandler,
	maintH *handler.MaintenanceHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("http-api"),
		authValidator:   validator,
		gatherer:        gatherer,
		deployHandler:   deployH,
		recoveryHandler: recoveryH,
		priorityHandler: priorityH,
		dashHandler:     dashH,
		eventsHandler:   eventsH,
		maintHandler:    maintH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256, если ключ задан) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Get("/dashboard", s.dashHandler.Get)
		r.Get("/events", s.eventsHandler.List)

		r.Route("/deploy", func(r chi.Router) {
			r.With(auth.RequireScope(domain.ScopeDeploy)).Post("/", s.deployHandler.Create)
			r.Get("/{id}", s.deployHandler.Get)
		})

		r.With(auth.RequireScope(domain.ScopeRecover)).Post("/recover/{botId}", s.recoveryHandler.Recover)
		r.Get("/recoveries", s.recoveryHandler.List)
		r.Get("/recoveries/{id}", s.recoveryHandler.Get)

		r.Route("/maintenance", func(r chi.Router) {
			r.Get("/", s.maintHandler.List)
			r.With(auth.RequireScope(domain.ScopeRecover)).Put("/{botId}", s.maintHandler.Hold)
			r.With(auth.RequireScope(domain.ScopeRecover)).Delete("/{botId}", s.maintHandler.Release)
		})

		r.Route("/priority/{botId}", func(r chi.Router) {
			r.Get("/", s.priorityHandler.Status)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(domain.ScopePriority))
				r.Post("/activate", s.priorityHandler.Activate)
				r.Post("/deactivate", s.priorityHandler.Deactivate)
				r.Post("/cooldown", s.priorityHandler.Deactivate)
				r.Post("/message", s.priorityHandler.Message)
			})
		})
	})
}

// requestLogger — access-лог через zap вместо стандартного middleware.Logger
func (s *ConsoleServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
