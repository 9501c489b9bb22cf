package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
)

// TicketEvent is one row of a ticket's hash-chained history. Each row's
// hash covers the previous hash, so an altered row breaks the chain.
type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID         string     `json:"ticket_id"`
	TicketNumber     string     `json:"ticket_number"`
	Status           string     `json:"status"`
	Priority         string     `json:"priority"`
	BranchID         string     `json:"branch_id"`
	ServiceID        string     `json:"service_id"`
	FromServiceID    string     `json:"from_service_id"`
	ToServiceID      string     `json:"to_service_id"`
	CreatedAt        *time.Time `json:"created_at"`
	CalledAt         *time.Time `json:"called_at"`
	ServingStartedAt *time.Time `json:"serving_started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	PrioritizedAt    *time.Time `json:"prioritized_at"`
	CounterID        *string    `json:"counter_id"`
	ServedBy         *string    `json:"served_by"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyTicketEvents walks the chain and reports the first broken link.
func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for _, event := range events {
		if event.PrevHash != prev {
			return fmt.Errorf("ticket %s seq %d: prev hash mismatch", event.TicketID, event.TicketSeq)
		}
		want := ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("ticket %s seq %d: hash mismatch", event.TicketID, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateTicket folds a ticket's history back into its current state.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.TicketNumber != "" {
			ticket.TicketNumber = payload.TicketNumber
		}
		if payload.BranchID != "" {
			ticket.BranchID = payload.BranchID
		}
		if payload.ServiceID != "" {
			ticket.ServiceID = payload.ServiceID
		}
		if payload.ToServiceID != "" {
			ticket.ServiceID = payload.ToServiceID
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.Priority != "" {
			ticket.Priority = payload.Priority
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			ticket.CalledAt = payload.CalledAt
		}
		if payload.ServingStartedAt != nil {
			ticket.ServingStartedAt = payload.ServingStartedAt
		}
		if payload.CompletedAt != nil {
			ticket.CompletedAt = payload.CompletedAt
		}
		if payload.PrioritizedAt != nil {
			ticket.PrioritizedAt = payload.PrioritizedAt
		}
		if payload.CounterID != nil {
			ticket.CounterID = payload.CounterID
		}
		if payload.ServedBy != nil {
			ticket.ServedBy = payload.ServedBy
		}
	}
	return ticket, nil
}
