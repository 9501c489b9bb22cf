package main

import (
	"context"
	"encoding/json"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/config"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/httpapi"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/hub"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/logger"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store/postgres"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/telemetry"
)

const offsetConsumer = "realtimed"

// outboxRetention keeps delivered events around long enough for clients
// that poll /api/events to catch up after a reconnect.
const outboxRetention = time.Hour

func main() {
	cfg := config.Load()
	log := logger.WithComponent("realtimed")

	shutdownTelemetry := telemetry.Setup("realtimed")
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

	ticketStore := postgres.NewStore(pool, nil)
	h := hub.New()
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := hub.NewClient(uuid.NewString(), 16)
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			control, rooms, ok := hub.ParseControl([]byte(msg))
			if !ok {
				continue
			}
			for _, room := range rooms {
				if control.Action == "join" {
					h.Join(client, room)
				} else {
					h.Leave(client, room)
				}
			}
		}
	})
	mux.Handle("/realtime/", sockjsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "realtimed"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	offset, err := ticketStore.GetOutboxOffset(context.Background(), offsetConsumer)
	if err != nil {
		log.Error("load offset", zap.Error(err))
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	var running int32

	go func() {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			events, err := ticketStore.ListOutboxEvents(ctx, offset, cfg.BatchSize)
			cancel()
			if err != nil {
				log.Error("list outbox", zap.Error(err))
				atomic.StoreInt32(&running, 0)
				continue
			}
			for _, event := range events {
				offset = event.CreatedAt
				payload, _ := json.Marshal(hub.Envelope{
					Type:      event.Type,
					Payload:   event.Payload,
					CreatedAt: event.CreatedAt.Format(time.RFC3339Nano),
				})
				h.Broadcast(payload, eventRooms(event)...)
			}
			if len(events) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := ticketStore.UpdateOutboxOffset(ctx, offsetConsumer, offset); err != nil {
					log.Error("update offset", zap.Error(err))
				}
				if err := ticketStore.CleanupOutbox(ctx, offset.Add(-outboxRetention)); err != nil {
					log.Error("cleanup outbox", zap.Error(err))
				}
				cancel()
			}
			atomic.StoreInt32(&running, 0)
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

// eventRooms routes a queue event to its branch room and, for ticket
// events, the ticket's own room.
func eventRooms(event store.OutboxEvent) []string {
	rooms := []string{hub.BranchRoom(event.BranchID)}
	var payload struct {
		TicketID string `json:"ticket_id"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.TicketID != "" {
		rooms = append(rooms, hub.TicketRoom(payload.TicketID))
	}
	return rooms
}
