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
	"go.uber.org/zap"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/config"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/logger"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/notify"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store/postgres"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.WithComponent("notifyd")

	shutdownTelemetry := telemetry.Setup("notifyd")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if cfg.RedisURL == "" {
		log.Fatal("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("redis url", zap.Error(err))
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	pool, err := postgres.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	queue, err := notify.NewRedisQueue(rdb, "notifyd:"+uuid.NewString(), nil)
	if err != nil {
		log.Fatal("notification queue", zap.Error(err))
	}

	providers := map[string]notify.Provider{
		models.ChannelSMS:      notify.NewProvider(cfg.SMSProvider, models.ChannelSMS),
		models.ChannelWhatsApp: notify.NewProvider(cfg.WhatsAppProvider, models.ChannelWhatsApp),
	}
	worker := notify.NewWorker(queue, postgres.NewNotificationStore(pool), providers, notify.WorkerConfig{
		Concurrency: cfg.WorkerConcurrency,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("worker", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("worker did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}
