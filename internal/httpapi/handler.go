package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

// Notifier receives queue lifecycle hooks. The HTTP layer fires them after
// the ledger commits; delivery itself happens in the notification worker.
type Notifier interface {
	TicketCreated(ctx context.Context, ticket models.Ticket)
	TicketCalled(ctx context.Context, ticket models.Ticket)
	QueueAdvanced(ctx context.Context, branchID string)
}

type Handler struct {
	store    store.TicketStore
	logs     store.NotificationLogStore
	notifier Notifier
}

type Options struct {
	Logs     store.NotificationLogStore
	Notifier Notifier
}

func NewHandler(st store.TicketStore, options Options) *Handler {
	return &Handler{
		store:    st,
		logs:     options.Logs,
		notifier: options.Notifier,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/checkin", h.handleCheckin)
	mux.HandleFunc("/api/counters/", h.handleCounterActions)
	mux.HandleFunc("/api/tickets/", h.handleTicketRoutes)
	mux.HandleFunc("/api/branches/", h.handleBranchRoutes)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type checkinRequest struct {
	RequestID     string `json:"request_id"`
	BranchID      string `json:"branch_id"`
	ServiceID     string `json:"service_id"`
	Priority      string `json:"priority"`
	Phone         string `json:"phone"`
	NotifyChannel string `json:"notify_channel"`
	CheckinMethod string `json:"checkin_method"`
	Language      string `json:"language"`
}

func (h *Handler) handleCheckin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req checkinRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.Priority = strings.TrimSpace(req.Priority)
	req.Phone = strings.TrimSpace(req.Phone)
	req.NotifyChannel = strings.TrimSpace(req.NotifyChannel)
	req.CheckinMethod = strings.TrimSpace(req.CheckinMethod)

	if req.BranchID == "" || req.ServiceID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "branch_id and service_id are required")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Priority != "" && req.Priority != models.PriorityNormal && req.Priority != models.PriorityVIP {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "priority must be normal or vip")
		return
	}
	if req.Phone != "" && !isValidPhone(req.Phone) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits")
		return
	}
	if req.CheckinMethod == "" {
		req.CheckinMethod = models.CheckinKiosk
	}

	ticket, created, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		RequestID:     req.RequestID,
		BranchID:      req.BranchID,
		ServiceID:     req.ServiceID,
		Priority:      req.Priority,
		Phone:         req.Phone,
		NotifyChannel: req.NotifyChannel,
		CheckinMethod: req.CheckinMethod,
		Language:      req.Language,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if created && h.notifier != nil {
		h.notifier.TicketCreated(r.Context(), ticket)
	}

	writeJSON(w, http.StatusOK, ticket)
}

type callNextRequest struct {
	RequestID string `json:"request_id"`
	BranchID  string `json:"branch_id"`
	ServiceID string `json:"service_id"`
	UserID    string `json:"user_id"`
}

// callNextResponse wraps the claimed ticket; a null ticket means the
// counter's line is empty.
type callNextResponse struct {
	Ticket *models.Ticket `json:"ticket"`
}

type counterStatusRequest struct {
	BranchID string `json:"branch_id"`
	Status   string `json:"status"`
}

func (h *Handler) handleCounterActions(w http.ResponseWriter, r *http.Request) {
	counterID, action, ok := splitResource(r.URL.Path, "/api/counters/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if action == "active" {
		h.handleActiveTicket(w, r, counterID)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "call-next":
		h.handleCallNext(w, r, counterID)
	case "status":
		h.handleCounterStatus(w, r, counterID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request, counterID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if branchID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "branch_id is required")
		return
	}

	ticket, found, err := h.store.GetActiveTicket(r.Context(), branchID, counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, counterID string) {
	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.BranchID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "branch_id is required")
		return
	}

	ticket, err := h.store.CallNext(r.Context(), store.CallNextInput{
		RequestID: req.RequestID,
		BranchID:  req.BranchID,
		CounterID: counterID,
		ServiceID: req.ServiceID,
		UserID:    req.UserID,
		CalledAt:  time.Now().UTC(),
	})
	if err != nil {
		// An empty line is a normal answer for a teller, not a fault.
		if errors.Is(err, store.ErrNoTicket) {
			writeJSON(w, http.StatusOK, callNextResponse{})
			return
		}
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if h.notifier != nil {
		h.notifier.TicketCalled(r.Context(), ticket)
		h.notifier.QueueAdvanced(r.Context(), ticket.BranchID)
	}

	writeJSON(w, http.StatusOK, callNextResponse{Ticket: &ticket})
}

func (h *Handler) handleCounterStatus(w http.ResponseWriter, r *http.Request, counterID string) {
	var req counterStatusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.Status = strings.TrimSpace(req.Status)
	if req.BranchID == "" || req.Status == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "branch_id and status are required")
		return
	}
	switch req.Status {
	case models.CounterOpen, models.CounterClosed, models.CounterOnBreak:
	default:
		writeError(w, "", http.StatusBadRequest, "invalid_request", "status must be open, closed, or on_break")
		return
	}

	if err := h.store.UpdateCounterStatus(r.Context(), req.BranchID, counterID, req.Status); err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ticketActionRequest struct {
	RequestID   string `json:"request_id"`
	BranchID    string `json:"branch_id"`
	CounterID   string `json:"counter_id"`
	UserID      string `json:"user_id"`
	ToServiceID string `json:"to_service_id"`
	Reason      string `json:"reason"`
}

func (h *Handler) handleTicketRoutes(w http.ResponseWriter, r *http.Request) {
	ticketID, action, ok := splitResource(r.URL.Path, "/api/tickets/")
	if !ok {
		if ticketID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.handleGetTicket(w, r, ticketID)
		return
	}

	switch action {
	case "position":
		h.handleTicketPosition(w, r, ticketID)
		return
	case "history":
		h.handleTicketHistory(w, r, ticketID)
		return
	case "notifications":
		h.handleTicketNotifications(w, r, ticketID)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ticketActionRequest
	if !decodeAction(w, r, &req) {
		return
	}
	input := store.TicketActionInput{
		RequestID:   req.RequestID,
		BranchID:    req.BranchID,
		TicketID:    ticketID,
		CounterID:   req.CounterID,
		UserID:      req.UserID,
		ToServiceID: req.ToServiceID,
		Reason:      req.Reason,
		OccurredAt:  time.Now().UTC(),
	}

	var (
		ticket models.Ticket
		err    error
	)
	switch action {
	case "complete":
		ticket, err = h.store.CompleteTicket(r.Context(), input)
	case "no-show":
		ticket, err = h.store.NoShowTicket(r.Context(), input)
	case "cancel":
		ticket, err = h.store.CancelTicket(r.Context(), input)
	case "transfer":
		if input.ToServiceID == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "to_service_id is required")
			return
		}
		ticket, err = h.store.TransferTicket(r.Context(), input)
	case "prioritize":
		ticket, err = h.store.BumpPriority(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if h.notifier != nil && ticket.Status != models.StatusWaiting {
		// Finishing a ticket moves everyone behind it one slot forward.
		h.notifier.QueueAdvanced(r.Context(), ticket.BranchID)
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if branchID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "branch_id is required")
		return
	}

	ticket, found, err := h.store.GetTicket(r.Context(), branchID, ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !found {
		writeError(w, "", http.StatusNotFound, "ticket_not_found", "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketPosition(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if branchID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "branch_id is required")
		return
	}

	position, err := h.store.GetTicketPosition(r.Context(), branchID, ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (h *Handler) handleTicketHistory(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	events, err := h.store.ListTicketEvents(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleTicketNotifications(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.logs == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	entries, err := h.logs.ListNotifications(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleBranchRoutes(w http.ResponseWriter, r *http.Request) {
	branchID, action, ok := splitResource(r.URL.Path, "/api/branches/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch action {
	case "queue":
		h.handleBranchQueue(w, r, branchID)
	case "teller-view":
		h.handleTellerView(w, r, branchID)
	case "services":
		h.handleBranchServices(w, r, branchID)
	case "counters":
		h.handleBranchCounters(w, r, branchID)
	case "pause", "resume", "close":
		h.handleQueueControl(w, r, branchID, action)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleBranchQueue(w http.ResponseWriter, r *http.Request, branchID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	state, err := h.store.GetBranchQueueState(r.Context(), branchID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleTellerView(w http.ResponseWriter, r *http.Request, branchID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counterID := strings.TrimSpace(r.URL.Query().Get("counter_id"))
	if counterID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}
	view, err := h.store.GetTellerView(r.Context(), branchID, counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleBranchServices(w http.ResponseWriter, r *http.Request, branchID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	services, err := h.store.ListServices(r.Context(), branchID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleBranchCounters(w http.ResponseWriter, r *http.Request, branchID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counters, err := h.store.ListCounters(r.Context(), branchID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleQueueControl(w http.ResponseWriter, r *http.Request, branchID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "pause":
		branch, err := h.store.PauseQueue(r.Context(), branchID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, branch)
	case "resume":
		branch, err := h.store.ResumeQueue(r.Context(), branchID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, branch)
	case "close":
		result, err := h.store.CloseQueue(r.Context(), branchID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func decodeAction(w http.ResponseWriter, r *http.Request, req *ticketActionRequest) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.ToServiceID = strings.TrimSpace(req.ToServiceID)
	if req.BranchID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "branch_id is required")
		return false
	}
	return true
}

// splitResource extracts "{id}" and "{action}" from prefix/{id}/{action}.
// A bare prefix/{id} path returns the id with ok=false.
func splitResource(path, prefix string) (string, string, bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", false
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

func isValidPhone(value string) bool {
	digits := strings.TrimPrefix(value, "+")
	if len(digits) < 8 || len(digits) > 16 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrBranchNotFound):
		return http.StatusNotFound, "branch_not_found", "branch not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrCounterMismatch):
		return http.StatusConflict, "counter_mismatch", "ticket assigned to different counter"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter already has a ticket at the window"
	case errors.Is(err, store.ErrCounterUnavailable):
		return http.StatusConflict, "counter_unavailable", "counter is not open"
	case errors.Is(err, store.ErrQueuePaused):
		return http.StatusConflict, "queue_paused", "branch queue is paused"
	case errors.Is(err, store.ErrQueueClosed):
		return http.StatusConflict, "queue_closed", "branch queue is closed for the day"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
