package main

import (
	"context"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/config"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/httpapi"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/logger"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/notify"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store/postgres"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.WithComponent("queued")

	shutdownTelemetry := telemetry.Setup("queued")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := postgres.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis url", zap.Error(err))
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	ticketStore := postgres.NewStore(pool, rdb)
	notifLogs := postgres.NewNotificationStore(pool)

	var notifier httpapi.Notifier
	if rdb != nil {
		queue, err := notify.NewRedisQueue(rdb, "queued:"+uuid.NewString(), nil)
		if err != nil {
			log.Fatal("notification queue", zap.Error(err))
		}
		notifier = notify.NewNotifier(queue, notifLogs, ticketStore, cfg.DefaultLanguage)
	} else {
		log.Warn("REDIS_URL not set, notifications disabled")
	}

	handler := httpapi.NewHandler(ticketStore, httpapi.Options{
		Logs:     notifLogs,
		Notifier: notifier,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queued"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
