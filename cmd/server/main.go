package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"forgeflow.dev/sessiond/common/id"
	"forgeflow.dev/sessiond/common/logger"
	"forgeflow.dev/sessiond/common/otel"
	"forgeflow.dev/sessiond/core/config"
	"forgeflow.dev/sessiond/core/db"
	"forgeflow.dev/sessiond/internal/dedup"
	"forgeflow.dev/sessiond/internal/executor"
	"forgeflow.dev/sessiond/internal/ingress"
	"forgeflow.dev/sessiond/internal/metrics"
	"forgeflow.dev/sessiond/internal/notify"
	"forgeflow.dev/sessiond/internal/queue"
	"forgeflow.dev/sessiond/internal/sched"
	"forgeflow.dev/sessiond/internal/service"
	"forgeflow.dev/sessiond/internal/store"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "sessiond starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	wal, err := store.NewPostgresWAL(ctx, database)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize durable log", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Pipeline.RedisStream)

	m := metrics.New()

	eventProducer := queue.NewRedisProducer(redisClient, cfg.Pipeline.RedisStream, slog.Default())
	defer eventProducer.Close()

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:      cfg.Pipeline.RedisStream,
		Group:       cfg.Pipeline.RedisGroup,
		Consumer:    cfg.Pipeline.RedisConsumer,
		DLQStream:   cfg.Pipeline.RedisDLQStream,
		BatchSize:   16,
		Block:       time.Second,
		MaxAttempts: 3,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create stream consumer", "error", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.GitLab.Enabled() {
		gl, err := notify.NewGitLabNotifier(cfg.GitLab.BaseURL, cfg.GitLab.Token, cfg.Webhook.AutomationPrefix)
		if err != nil {
			slog.ErrorContext(ctx, "failed to create gitlab notifier", "error", err)
			os.Exit(1)
		}
		notifier = gl
		slog.InfoContext(ctx, "gitlab notifier enabled", "base_url", cfg.GitLab.BaseURL)
	}

	scheduler := sched.New(cfg.Scheduler, wal, notifier, consumer, m)
	gateway := executor.NewCommandGateway(
		cfg.Executor.Command,
		executor.DirProvisioner{BaseDir: cfg.Executor.ProvisionDir},
		scheduler,
		slog.Default(),
	)
	scheduler.SetGateway(gateway)

	if err := scheduler.Recover(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to recover scheduler state", "error", err)
		os.Exit(1)
	}

	reclaimer := queue.NewReclaimer(redisClient, queue.ReclaimerConfig{
		Stream:    cfg.Pipeline.RedisStream,
		Group:     cfg.Pipeline.RedisGroup,
		Consumer:  cfg.Pipeline.RedisConsumer,
		MinIdle:   time.Minute,
		Interval:  30 * time.Second,
		BatchSize: 16,
	}, consumer, scheduler.Processor())

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		if err := scheduler.Run(runCtx); err != nil && err != context.Canceled {
			slog.ErrorContext(runCtx, "scheduler stopped", "error", err)
		}
	}()
	go reclaimer.Run(runCtx)

	labels, err := config.LoadPriorityLabels(cfg.Webhook.PriorityLabelsFile)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load priority label table", "error", err)
		os.Exit(1)
	}

	deduper := dedup.NewRedisDeduper(redisClient, cfg.Scheduler.DedupRetention, slog.Default())
	ingestService := service.NewIngestService(deduper, eventProducer, m, slog.Default())

	webhookHandler := ingress.NewWebhookHandler(
		ingress.NewSignatureValidator(cfg.Webhook.Secret),
		ingress.NewNormalizer(cfg.Webhook, labels),
		ingestService,
		m,
	)
	adminHandler := ingress.NewAdminHandler(scheduler, wal, cfg.AdminAPIKey)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, webhookHandler, adminHandler, m)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	cancelRun()
	scheduler.Stop()
	reclaimer.Stop()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, webhook *ingress.WebhookHandler, admin *ingress.AdminHandler, m *metrics.Metrics) *gin.Engine {
	router := gin.New()

	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(gin.Recovery())

	ingress.SetupRoutes(router, webhook, admin, m)

	return router
}

const banner = `
███████╗███████╗███████╗███████╗██╗ ██████╗ ███╗   ██╗██████╗
██╔════╝██╔════╝██╔════╝██╔════╝██║██╔═══██╗████╗  ██║██╔══██╗
███████╗█████╗  ███████╗███████╗██║██║   ██║██╔██╗ ██║██║  ██║
╚════██║██╔══╝  ╚════██║╚════██║██║██║   ██║██║╚██╗██║██║  ██║
███████║███████╗███████║███████║██║╚██████╔╝██║ ╚████║██████╔╝
╚══════╝╚══════╝╚══════╝╚══════╝╚═╝ ╚═════╝ ╚═╝  ╚═══╝╚═════╝
`
