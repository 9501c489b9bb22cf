package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/config"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/logger"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/offline"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

// kioskd runs on the branch kiosk. Check-ins go straight to the queue API
// when the link is up; when it is down they land in the offline buffer and
// replay once the API answers health probes again.
func main() {
	cfg := config.Load()
	log := logger.WithComponent("kioskd")

	if cfg.QueueAPIURL == "" {
		log.Fatal("QUEUE_API_URL is required")
	}
	if cfg.BranchID == "" {
		log.Fatal("BRANCH_ID is required")
	}

	buffer, err := offline.Open(cfg.BufferPath)
	if err != nil {
		log.Fatal("open buffer", zap.Error(err))
	}
	if pending := buffer.Pending(); pending > 0 {
		log.Info("buffered check-ins from a previous run", zap.Int("pending", pending))
	}

	api := &apiClient{
		base: strings.TrimRight(cfg.QueueAPIURL, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/checkin", func(w http.ResponseWriter, r *http.Request) {
		handleCheckin(w, r, cfg.BranchID, api, buffer, log)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for range ticker.C {
			if buffer.Pending() == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if !api.healthy(ctx) {
				cancel()
				continue
			}
			report, err := buffer.SyncPending(ctx, api)
			cancel()
			if err != nil {
				log.Warn("sync", zap.Error(err), zap.Int("remaining", report.Remaining))
				continue
			}
			if report.Synced > 0 || report.Dropped > 0 {
				log.Info("synced buffered check-ins",
					zap.Int("synced", report.Synced),
					zap.Int("dropped", report.Dropped),
					zap.Int("remaining", report.Remaining))
			}
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

type checkinPayload struct {
	ServiceID     string `json:"service_id"`
	Priority      string `json:"priority"`
	Phone         string `json:"phone"`
	NotifyChannel string `json:"notify_channel"`
	Language      string `json:"language"`
}

type bufferedResponse struct {
	Buffered  bool   `json:"buffered"`
	RequestID string `json:"request_id"`
	Position  int    `json:"pending_ahead"`
}

func handleCheckin(w http.ResponseWriter, r *http.Request, branchID string, api *apiClient, buffer *offline.Buffer, log *zap.Logger) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload checkinPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.ServiceID) == "" {
		http.Error(w, "service_id is required", http.StatusBadRequest)
		return
	}

	input := store.CreateTicketInput{
		// The request id is minted once, before the first attempt. If the
		// response is lost and the check-in lands in the buffer, the replay
		// carries the same id and the ledger deduplicates it.
		RequestID:     uuid.NewString(),
		BranchID:      branchID,
		ServiceID:     payload.ServiceID,
		Priority:      payload.Priority,
		Phone:         payload.Phone,
		NotifyChannel: payload.NotifyChannel,
		Language:      payload.Language,
		CheckinMethod: models.CheckinKiosk,
	}

	// Straight-through path while the link is up. Buffered check-ins ahead
	// of this one keep their order by going through the buffer too.
	if buffer.Pending() == 0 {
		ticket, _, err := api.CreateTicket(r.Context(), input)
		if err == nil {
			writeJSON(w, http.StatusOK, ticket)
			return
		}
		// The API answered and said no. Buffering would only replay the
		// same refusal later, so the customer hears it now.
		var rejection *rejectionError
		if errors.As(err, &rejection) {
			writeJSON(w, rejection.Status, map[string]string{"error": rejection.Code})
			return
		}
		log.Warn("queue api unreachable, buffering", zap.Error(err))
	}

	record, err := buffer.QueueCheckin(input)
	if err != nil {
		log.Error("buffer check-in", zap.Error(err))
		http.Error(w, "check-in could not be recorded", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, bufferedResponse{
		Buffered:  true,
		RequestID: record.RequestID,
		Position:  buffer.Pending(),
	})
}

// apiClient implements offline.CheckinLedger against the queue API.
type apiClient struct {
	base string
	http *http.Client
}

func (c *apiClient) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *apiClient) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	body, err := json.Marshal(map[string]string{
		"request_id":     input.RequestID,
		"branch_id":      input.BranchID,
		"service_id":     input.ServiceID,
		"priority":       input.Priority,
		"phone":          input.Phone,
		"notify_channel": input.NotifyChannel,
		"checkin_method": input.CheckinMethod,
		"language":       input.Language,
	})
	if err != nil {
		return models.Ticket{}, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/checkin", bytes.NewReader(body))
	if err != nil {
		return models.Ticket{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		// 4xx is the API refusing the check-in, not the link failing.
		// Only the latter is worth buffering.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return models.Ticket{}, false, &rejectionError{Status: resp.StatusCode, Code: errResp.Error.Code}
		}
		if errResp.Error.Code != "" {
			return models.Ticket{}, false, fmt.Errorf("queue api: %s", errResp.Error.Code)
		}
		return models.Ticket{}, false, fmt.Errorf("queue api: status %d", resp.StatusCode)
	}

	var ticket models.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// rejectionError is a 4xx answer from the queue API.
type rejectionError struct {
	Status int
	Code   string
}

func (e *rejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("queue api: %s", e.Code)
	}
	return fmt.Sprintf("queue api: status %d", e.Status)
}

func (e *rejectionError) Unwrap() error { return offline.ErrRejected }

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
