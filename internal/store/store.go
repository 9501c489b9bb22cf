package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
)

type CreateTicketInput struct {
	RequestID     string
	BranchID      string
	ServiceID     string
	Priority      string
	Phone         string
	NotifyChannel string
	CheckinMethod string
	Language      string
	CreatedAt     time.Time
}

type CallNextInput struct {
	RequestID string
	BranchID  string
	CounterID string
	// ServiceID restricts the draw to one service when set. Empty means
	// every service the counter is assigned to.
	ServiceID string
	UserID    string
	CalledAt  time.Time
}

type TicketActionInput struct {
	RequestID   string
	BranchID    string
	TicketID    string
	CounterID   string
	UserID      string
	ToServiceID string
	Reason      string
	OccurredAt  time.Time
}

// TicketStore is the ticket ledger: the single authority for ticket state,
// counter claims and queue ordering.
type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, branchID, ticketID string) (models.Ticket, bool, error)
	ListWaiting(ctx context.Context, branchID, serviceID string) ([]models.Ticket, error)

	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, error)
	CompleteTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	NoShowTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	TransferTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	BumpPriority(ctx context.Context, input TicketActionInput) (models.Ticket, error)

	PauseQueue(ctx context.Context, branchID string) (models.Branch, error)
	ResumeQueue(ctx context.Context, branchID string) (models.Branch, error)
	CloseQueue(ctx context.Context, branchID string) (models.CloseResult, error)

	GetBranch(ctx context.Context, branchID string) (models.Branch, error)
	GetBranchQueueState(ctx context.Context, branchID string) (models.BranchQueueState, error)
	GetTicketPosition(ctx context.Context, branchID, ticketID string) (models.TicketPosition, error)
	GetTellerView(ctx context.Context, branchID, counterID string) (models.TellerQueueView, error)
	GetActiveTicket(ctx context.Context, branchID, counterID string) (models.Ticket, bool, error)

	ListCounters(ctx context.Context, branchID string) ([]models.Counter, error)
	UpdateCounterStatus(ctx context.Context, branchID, counterID, status string) error
	ListServices(ctx context.Context, branchID string) ([]models.Service, error)

	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

// NotificationLogStore is the delivery audit kept by the notification worker.
type NotificationLogStore interface {
	InsertNotification(ctx context.Context, log models.NotificationLog) error
	HasNotification(ctx context.Context, ticketID, messageType string) (bool, error)
	ListNotifications(ctx context.Context, ticketID string) ([]models.NotificationLog, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	BranchID  string          `json:"branch_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// QueueSnapshot is the queue.snapshot payload: the branch's authoritative
// waiting line at the moment queue state changed. Mirrors replace their
// view with it instead of folding incremental events.
type QueueSnapshot struct {
	BranchID    string          `json:"branch_id"`
	QueueStatus string          `json:"queue_status"`
	Tickets     []models.Ticket `json:"tickets"`
}

const (
	EventTicketCreated     = "ticket.created"
	EventTicketCalled      = "ticket.called"
	EventTicketCompleted   = "ticket.completed"
	EventTicketNoShow      = "ticket.no_show"
	EventTicketCancelled   = "ticket.cancelled"
	EventTicketTransferred = "ticket.transferred"
	EventTicketPrioritized = "ticket.prioritized"
	EventQueuePaused       = "queue.paused"
	EventQueueResumed      = "queue.resumed"
	EventQueueClosed       = "queue.closed"
	EventQueueSnapshot     = "queue.snapshot"
)
