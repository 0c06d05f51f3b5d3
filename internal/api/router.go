// Package api exposes the generation pipeline over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/auth"
	"github.com/HanTheDev/promptgen/internal/cache"
	"github.com/HanTheDev/promptgen/internal/ratelimit"
)

type Deps struct {
	Generator Generator
	Usage     UsageReporter
	Plans     PlanResolver
	History   HistoryLister
	Templates TemplateStore
	Compiler  TemplateInvalidator
	Cache     *cache.Manager
	Health    Pinger
	Auth      *auth.Middleware
	Limiter   *ratelimit.RateLimiter
	Logger    *zap.Logger

	MaxBodyBytes int64
}

func NewRouter(d Deps) *mux.Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}

	router := mux.NewRouter()
	router.Use(recoverer(logger), observe(logger), limitBody(d.MaxBodyBytes))
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Error: &errorBody{Code: "NOT_FOUND", Message: "route not found"}})
	})

	h := &Handler{gen: d.Generator, usage: d.Usage, plans: d.Plans, history: d.History, health: d.Health, logger: logger}

	// Public routes
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(d.Auth.Authenticate)
	if d.Limiter != nil {
		apiRouter.Use(rateLimit(d.Limiter, logger))
	}
	apiRouter.HandleFunc("/generate", h.Generate).Methods(http.MethodPost)
	apiRouter.HandleFunc("/generate/direct", h.GenerateDirect).Methods(http.MethodPost)
	apiRouter.HandleFunc("/templates/{id}/generate", h.GenerateFromTemplate).Methods(http.MethodPost)
	apiRouter.HandleFunc("/usage", h.Usage).Methods(http.MethodGet)
	if d.History != nil {
		apiRouter.HandleFunc("/history", h.History).Methods(http.MethodGet)
	}

	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(d.Auth.Authenticate, func(next http.Handler) http.Handler {
		return auth.RequireRole(auth.RoleAdmin, next)
	})
	admin := &AdminHandler{
		cache:     d.Cache,
		templates: d.Templates,
		compiler:  d.Compiler,
		usage:     d.Usage,
		plans:     d.Plans,
		logger:    logger,
	}
	admin.RegisterRoutes(adminRouter)

	return router
}
