package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"notifyhub/internal/breaker"
	"notifyhub/internal/clients"
	"notifyhub/internal/config"
	"notifyhub/internal/handlers"
	"notifyhub/internal/logger"
	"notifyhub/internal/models"
	"notifyhub/internal/queue"
	"notifyhub/internal/storage"
	"notifyhub/internal/tracker"
	"notifyhub/internal/transport"
	"notifyhub/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	channel := models.NotificationType(cfg.Worker.Channel)
	logger.Init(cfg.Log.Level, cfg.Log.Pretty, string(channel)+"-worker")

	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := breaker.NewRegistry(breaker.Settings{
		Threshold:        cfg.Breaker.Threshold,
		Cooldown:         cfg.Breaker.Cooldown,
		HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
	}, breaker.AllDependencies)

	templates := clients.NewTemplateClient(cfg.Services.TemplateURL, cfg.Services.ServiceToken, cfg.Services.Timeout, registry)
	users := clients.NewUserClient(cfg.Services.UserURL, cfg.Services.ServiceToken, cfg.Services.Timeout, registry)

	var status worker.StatusReporter
	checks := map[string]handlers.Check{}
	switch cfg.Worker.StatusMode {
	case "direct":
		store, err := storage.NewRedisStorage(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Retry)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer store.Close()
		tr := tracker.New(store, cfg.Redis.TTL)
		checks["redis"] = func(ctx context.Context) bool { return tr.Ping(ctx) == nil }
		status = tr
	default:
		status = clients.NewStatusClient(cfg.Services.GatewayURL, cfg.Services.ServiceToken, cfg.Services.Timeout, registry)
	}

	var sender worker.Sender
	switch channel {
	case models.TypeEmail:
		sender = transport.NewEmailSender(cfg.SMTP)
	case models.TypePush:
		push, err := transport.NewPushSender(ctx, cfg.FCM)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init firebase messaging")
		}
		sender = push
	}

	queueName, err := queue.QueueFor(channel)
	if err != nil {
		log.Fatal().Err(err).Msg("unsupported worker channel")
	}

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
		Name: string(channel) + "-worker",
	})
	if err := queueManager.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("broker unavailable at startup, reconnecting in background")
	}
	queueManager.Start(ctx)
	defer queueManager.Close()
	checks["rabbitmq"] = queueManager.HealthCheck

	monitor := queue.NewMonitor(queueManager, cfg.RabbitMQ.StatsInterval, cfg.Retry)
	monitor.Start(ctx)
	defer monitor.Stop()

	processor := worker.NewProcessor(channel, templates, users, sender, status)

	ops := &http.Server{
		Addr:    ":" + cfg.Worker.OpsPort,
		Handler: handlers.NewOpsRouter(handlers.NewHealthHandler(checks), registry),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("queue", queueName).Msg("worker consuming")
		return queueManager.Consume(gctx, queueName, string(channel)+"-worker", processor.Handle)
	})
	g.Go(func() error {
		log.Info().Str("addr", ops.Addr).Msg("ops server listening")
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped with error")
	}
	log.Info().Msg("worker stopped")
}
