package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifyhub/internal/breaker"
	"notifyhub/internal/logger"
)

type RouterConfig struct {
	JWTSecret    string
	ServiceToken string
	CORSOrigins  []string
	Timeout      time.Duration
}

func baseRouter(timeout time.Duration) chi.Router {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	return r
}

// NewRouter wires the gateway API.
func NewRouter(cfg RouterConfig, notify *NotifyHandler, health *HealthHandler, breakers *breaker.Registry) http.Handler {
	r := baseRouter(cfg.Timeout)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", CorrelationIDHeader},
		ExposedHeaders: []string{CorrelationIDHeader},
		MaxAge:         300,
	}))

	r.Method(http.MethodGet, "/health", health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/notifications", func(r chi.Router) {
		r.Use(Auth(cfg.JWTSecret))

		r.Post("/send_email", notify.SendEmail)
		r.Post("/send_push", notify.SendPush)
		r.Get("/status/{id}", notify.GetStatus)
		r.Get("/user/{user_id}", notify.GetUserNotifications)
		r.With(RequireAdmin).Get("/stats/overview", notify.GetStatistics)
	})

	r.Route("/status/{id}", func(r chi.Router) {
		r.Use(ServiceAuth(cfg.ServiceToken))

		r.Patch("/", notify.UpdateStatus)
		r.Post("/retries", notify.IncrementRetryCount)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(Auth(cfg.JWTSecret), RequireAdmin)

		r.Get("/breakers", Breakers(breakers))
	})

	return r
}

// NewOpsRouter serves the worker's health, metrics and breaker endpoints.
func NewOpsRouter(health *HealthHandler, breakers *breaker.Registry) http.Handler {
	r := baseRouter(0)

	r.Method(http.MethodGet, "/health", health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/breakers", Breakers(breakers))

	return r
}
