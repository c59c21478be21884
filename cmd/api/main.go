package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"notifyhub/internal/breaker"
	"notifyhub/internal/clients"
	"notifyhub/internal/config"
	"notifyhub/internal/handlers"
	"notifyhub/internal/logger"
	"notifyhub/internal/publisher"
	"notifyhub/internal/queue"
	"notifyhub/internal/storage"
	"notifyhub/internal/tracker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Log.Level, cfg.Log.Pretty, "api-gateway")

	if err := cfg.ValidateGateway(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewRedisStorage(ctx, &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Retry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer store.Close()

	statusTracker := tracker.New(store, cfg.Redis.TTL)

	registry := breaker.NewRegistry(breaker.Settings{
		Threshold:        cfg.Breaker.Threshold,
		Cooldown:         cfg.Breaker.Cooldown,
		HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
	}, breaker.AllDependencies)

	queueManager := queue.NewManager(queue.Options{
		URL:         cfg.RabbitMQ.URL,
		Exchange:    cfg.RabbitMQ.Exchange,
		Heartbeat:   cfg.RabbitMQ.Heartbeat,
		Prefetch:    cfg.RabbitMQ.Prefetch,
		MaxPriority: cfg.RabbitMQ.MaxPriority,
		Backoff: queue.Backoff{
			Initial:    cfg.RabbitMQ.Reconnect.Initial,
			Multiplier: cfg.RabbitMQ.Reconnect.Multiplier,
			Max:        cfg.RabbitMQ.Reconnect.Max,
		},
		Name: "api-gateway",
	})
	if err := queueManager.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("broker unavailable at startup, reconnecting in background")
	}
	queueManager.Start(ctx)
	defer queueManager.Close()

	monitor := queue.NewMonitor(queueManager, cfg.RabbitMQ.StatsInterval, cfg.Retry)
	monitor.Start(ctx)
	defer monitor.Stop()

	users := clients.NewUserClient(cfg.Services.UserURL, cfg.Services.ServiceToken, cfg.Services.Timeout, registry)
	pub := publisher.New(users, queueManager, statusTracker, registry)

	notify := handlers.NewNotifyHandler(pub, statusTracker, queueManager, validator.New())
	health := handlers.NewHealthHandler(map[string]handlers.Check{
		"rabbitmq": queueManager.HealthCheck,
		"redis": func(ctx context.Context) bool {
			return statusTracker.Ping(ctx) == nil
		},
	})

	router := handlers.NewRouter(handlers.RouterConfig{
		JWTSecret:    cfg.Auth.JWTSecret,
		ServiceToken: cfg.Services.ServiceToken,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Timeout:      cfg.Server.WriteTimeout,
	}, notify, health, registry)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("api gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
