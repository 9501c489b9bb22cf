package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/offline"
)

func testBuffer(t *testing.T) *offline.Buffer {
	t.Helper()
	b, err := offline.Open(filepath.Join(t.TempDir(), "checkins.yaml"))
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	return b
}

func testClient(base string) *apiClient {
	return &apiClient{base: base, http: &http.Client{Timeout: time.Second}}
}

func postCheckin(t *testing.T, api *apiClient, buffer *offline.Buffer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/checkin", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handleCheckin(rec, req, "b1", api, buffer, zap.NewNop())
	return rec
}

func TestCheckinBuffersWithRequestIDFromFirstAttempt(t *testing.T) {
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received = payload["request_id"]
		// The ledger may have committed; the kiosk only sees the cut link.
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	buffer := testBuffer(t)
	rec := postCheckin(t, testClient(server.URL), buffer, `{"service_id":"svc-a"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", rec.Code)
	}
	var resp bufferedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if received == "" {
		t.Fatal("straight-through attempt carried no request id")
	}
	// Replay must reuse the id the first attempt already sent, or a lost
	// response turns into a second ticket.
	if resp.RequestID != received {
		t.Fatalf("buffered id %s, first attempt sent %s", resp.RequestID, received)
	}
	if buffer.Pending() != 1 {
		t.Fatalf("pending=%d, want 1", buffer.Pending())
	}
}

func TestCheckinSurfacesBusinessRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"queue_paused","message":"queue is paused"}}`))
	}))
	defer server.Close()

	buffer := testBuffer(t)
	rec := postCheckin(t, testClient(server.URL), buffer, `{"service_id":"svc-a"}`)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d, want the API's 409 passed through", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response: %v", err)
	}
	if resp["error"] != "queue_paused" {
		t.Fatalf("error code=%q", resp["error"])
	}
	if buffer.Pending() != 0 {
		t.Fatalf("rejection was buffered: pending=%d", buffer.Pending())
	}
}

func TestCheckinOutageFallsBackToBuffer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	buffer := testBuffer(t)
	rec := postCheckin(t, testClient(server.URL), buffer, `{"service_id":"svc-a"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", rec.Code)
	}
	if buffer.Pending() != 1 {
		t.Fatalf("pending=%d, want 1", buffer.Pending())
	}
}
