package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
)

func chainEvent(t *testing.T, prev string, seq int, eventType string, payload any, at time.Time) TicketEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	event := TicketEvent{
		TicketID:  "t-1",
		TicketSeq: seq,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: at,
		PrevHash:  prev,
	}
	event.Hash = ComputeTicketEventHash(prev, event.TicketID, eventType, raw, at, seq)
	return event
}

func TestVerifyTicketEvents(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	first := chainEvent(t, "", 1, EventTicketCreated, map[string]string{"ticket_id": "t-1", "status": "waiting"}, base)
	second := chainEvent(t, first.Hash, 2, EventTicketCalled, map[string]string{"ticket_id": "t-1", "status": "serving"}, base.Add(time.Minute))

	if err := VerifyTicketEvents([]TicketEvent{first, second}); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}

	tampered := second
	tampered.Payload = json.RawMessage(`{"ticket_id":"t-1","status":"completed"}`)
	if err := VerifyTicketEvents([]TicketEvent{first, tampered}); err == nil {
		t.Fatal("tampered payload accepted")
	}

	broken := second
	broken.PrevHash = "bogus"
	if err := VerifyTicketEvents([]TicketEvent{first, broken}); err == nil {
		t.Fatal("broken link accepted")
	}
}

func TestRehydrateTicket(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	called := created.Add(10 * time.Minute)
	counter := "c-1"

	events := []TicketEvent{
		chainEvent(t, "", 1, EventTicketCreated, eventPayload{
			TicketID:     "t-1",
			TicketNumber: "A-007",
			Status:       models.StatusWaiting,
			Priority:     models.PriorityNormal,
			BranchID:     "b-1",
			ServiceID:    "s-1",
			CreatedAt:    &created,
		}, created),
		chainEvent(t, "", 2, EventTicketCalled, eventPayload{
			TicketID:         "t-1",
			Status:           models.StatusServing,
			CalledAt:         &called,
			ServingStartedAt: &called,
			CounterID:        &counter,
		}, called),
	}

	ticket, err := RehydrateTicket(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if ticket.Status != models.StatusServing {
		t.Fatalf("status=%q, want serving", ticket.Status)
	}
	if ticket.TicketNumber != "A-007" || ticket.ServiceID != "s-1" {
		t.Fatalf("identity fields lost: %+v", ticket)
	}
	if ticket.CounterID == nil || *ticket.CounterID != counter {
		t.Fatalf("counter not applied: %+v", ticket.CounterID)
	}
	if ticket.CalledAt == nil || ticket.ServingStartedAt == nil || !ticket.CalledAt.Equal(*ticket.ServingStartedAt) {
		t.Fatalf("call timestamps not applied: %+v", ticket)
	}
}

func TestQueueOrdering(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bumpAt := base.Add(30 * time.Minute)

	normalOld := models.Ticket{TicketID: "n1", Priority: models.PriorityNormal, CreatedAt: base}
	normalNew := models.Ticket{TicketID: "n2", Priority: models.PriorityNormal, CreatedAt: base.Add(time.Minute)}
	bornVIP := models.Ticket{TicketID: "v1", Priority: models.PriorityVIP, CreatedAt: base.Add(20 * time.Minute)}
	bumped := models.Ticket{TicketID: "v2", Priority: models.PriorityVIP, CreatedAt: base.Add(-time.Hour), PrioritizedAt: &bumpAt}

	queue := []models.Ticket{normalNew, bumped, normalOld, bornVIP}
	SortQueue(queue)

	want := []string{"v1", "v2", "n1", "n2"}
	for i, id := range want {
		if queue[i].TicketID != id {
			t.Fatalf("position %d = %s, want %s (order %v)", i, queue[i].TicketID, id, queue)
		}
	}
}
