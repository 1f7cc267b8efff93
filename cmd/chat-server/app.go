package main

import (
	"context"
	"database/sql"
	"net/http"

	"cercle-chat/internal/config"
	"cercle-chat/internal/handler"
	"cercle-chat/internal/middleware"
	"cercle-chat/internal/service"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routerDeps are the process resources the HTTP surface is built from.
// Broker is nil when the change feed runs on Postgres notifications.
type routerDeps struct {
	cfg       *config.Config
	db        *sql.DB
	broker    handler.Broker
	chat      *service.ChatService
	validator *middleware.OpenAPIValidatorConfig
}

// newRouter assembles the chi router. The returned stop function releases
// the rate limiter's cleanup goroutine.
func newRouter(ctx context.Context, deps routerDeps) (http.Handler, func()) {
	cfg := deps.cfg

	validator := deps.validator
	if validator == nil {
		validator = middleware.DefaultOpenAPIValidatorConfig(cfg.Environment)
	}

	conversationHandler := handler.NewConversationHandler(deps.chat)
	wsHandler := handler.NewWebSocketHandler(ctx, deps.chat, middleware.ParseOrigins(cfg.AllowedOrigins))

	apiLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestContext)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(middleware.ParseOrigins(cfg.AllowedOrigins)))
	r.Use(middleware.Metrics())
	r.Use(middleware.OpenAPIValidator(validator))

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready(deps.db, deps.broker))
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(apiLimiter.Middleware())

		r.Get("/conversations/{id}/messages", conversationHandler.ListMessages)
		r.Post("/conversations/{id}/messages", conversationHandler.SendMessage)
	})

	// Browsers cannot set headers on the upgrade, so Auth also reads access_token
	r.With(middleware.Auth(cfg.JWTSecret)).Get("/ws/chat/{conversation_id}", wsHandler.HandleConnection)

	return r, apiLimiter.Stop
}
