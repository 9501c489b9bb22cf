package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

func seedBranch(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.AddBranch(models.Branch{BranchID: "b1", Name: "Centre Ville"})
	s.AddService(models.Service{ServiceID: "svc-a", BranchID: "b1", Name: "Retrait", Prefix: "A"})
	s.AddService(models.Service{ServiceID: "svc-b", BranchID: "b1", Name: "Virement", Prefix: "B"})
	s.AddCounter(models.Counter{CounterID: "c1", BranchID: "b1", Number: 1})
	s.AddCounter(models.Counter{CounterID: "c2", BranchID: "b1", Number: 2})
	return s
}

func checkin(t *testing.T, s *Store, serviceID string) models.Ticket {
	t.Helper()
	ticket, _, err := s.CreateTicket(context.Background(), store.CreateTicketInput{
		BranchID:      "b1",
		ServiceID:     serviceID,
		CheckinMethod: models.CheckinKiosk,
	})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	return ticket
}

func TestCreateTicketNumbering(t *testing.T) {
	s := seedBranch(t)

	first := checkin(t, s, "svc-a")
	second := checkin(t, s, "svc-a")
	other := checkin(t, s, "svc-b")

	if first.TicketNumber != "A-001" || second.TicketNumber != "A-002" {
		t.Fatalf("sequence broken: %s, %s", first.TicketNumber, second.TicketNumber)
	}
	if other.TicketNumber != "B-001" {
		t.Fatalf("prefixes share a sequence: %s", other.TicketNumber)
	}
	if first.Status != models.StatusWaiting || first.NotifyChannel != models.ChannelNone {
		t.Fatalf("unexpected new ticket: %+v", first)
	}
}

func TestCreateTicketIdempotentOnRequestID(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()

	input := store.CreateTicketInput{RequestID: "req-1", BranchID: "b1", ServiceID: "svc-a"}
	first, created, err := s.CreateTicket(ctx, input)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	replay, created, err := s.CreateTicket(ctx, input)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created || replay.TicketID != first.TicketID {
		t.Fatalf("replay minted a new ticket: created=%v %s vs %s", created, replay.TicketID, first.TicketID)
	}
}

func TestCreateTicketRejectedWhenNotOpen(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()

	if _, err := s.PauseQueue(ctx, "b1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, _, err := s.CreateTicket(ctx, store.CreateTicketInput{BranchID: "b1", ServiceID: "svc-a"}); !errors.Is(err, store.ErrQueuePaused) {
		t.Fatalf("paused check-in: %v", err)
	}

	if _, err := s.ResumeQueue(ctx, "b1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	checkin(t, s, "svc-a")

	if _, err := s.CloseQueue(ctx, "b1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := s.CreateTicket(ctx, store.CreateTicketInput{BranchID: "b1", ServiceID: "svc-a"}); !errors.Is(err, store.ErrQueueClosed) {
		t.Fatalf("closed check-in: %v", err)
	}
}

func TestCallNextClaimsAtMostOnce(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	ticket := checkin(t, s, "svc-a")

	counters := []string{"c1", "c2"}
	winners := make([]models.Ticket, len(counters))
	errs := make([]error, len(counters))

	var wg sync.WaitGroup
	for i, counterID := range counters {
		wg.Add(1)
		go func(i int, counterID string) {
			defer wg.Done()
			winners[i], errs[i] = s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: counterID})
		}(i, counterID)
	}
	wg.Wait()

	claimed := 0
	for i := range counters {
		switch {
		case errs[i] == nil:
			claimed++
			if winners[i].TicketID != ticket.TicketID {
				t.Fatalf("claimed wrong ticket: %s", winners[i].TicketID)
			}
		case errors.Is(errs[i], store.ErrNoTicket):
		default:
			t.Fatalf("counter %s: %v", counters[i], errs[i])
		}
	}
	if claimed != 1 {
		t.Fatalf("ticket claimed %d times", claimed)
	}
}

func TestCallNextVIPOrdering(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mk := func(id string, priority string, offset time.Duration) models.Ticket {
		ticket, _, err := s.CreateTicket(ctx, store.CreateTicketInput{
			RequestID: id,
			BranchID:  "b1",
			ServiceID: "svc-a",
			Priority:  priority,
			CreatedAt: base.Add(offset),
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		return ticket
	}

	t1 := mk("t1", models.PriorityNormal, 0)
	t2 := mk("t2", models.PriorityNormal, time.Minute)
	t3 := mk("t3", models.PriorityVIP, 2*time.Minute)

	var order []string
	for i := 0; i < 3; i++ {
		got, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c1"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		order = append(order, got.TicketID)
		if _, err := s.CompleteTicket(ctx, store.TicketActionInput{BranchID: "b1", TicketID: got.TicketID}); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	want := []string{t3.TicketID, t1.TicketID, t2.TicketID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("call order %v, want vip first then fifo", order)
		}
	}
}

func TestCallNextTimestampsMonotonic(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	checkin(t, s, "svc-a")

	ticket, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if ticket.CalledAt == nil || ticket.ServingStartedAt == nil {
		t.Fatalf("claim must stamp both call times: %+v", ticket)
	}
	if ticket.ServingStartedAt.Before(*ticket.CalledAt) {
		t.Fatal("serving started before call")
	}

	done, err := s.CompleteTicket(ctx, store.TicketActionInput{BranchID: "b1", TicketID: ticket.TicketID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil || done.CompletedAt.Before(*done.ServingStartedAt) {
		t.Fatalf("completed before serving: %+v", done)
	}
}

func TestCallNextCounterBusy(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	checkin(t, s, "svc-a")
	checkin(t, s, "svc-a")

	if _, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c1"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c1"}); !errors.Is(err, store.ErrCounterBusy) {
		t.Fatalf("busy counter: %v", err)
	}
}

func TestCallNextScopedToCounterServices(t *testing.T) {
	s := seedBranch(t)
	s.AddCounter(models.Counter{CounterID: "c3", BranchID: "b1", Number: 3, ServiceIDs: []string{"svc-b"}})
	ctx := context.Background()

	checkin(t, s, "svc-a")
	wantB := checkin(t, s, "svc-b")

	got, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c3"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got.TicketID != wantB.TicketID {
		t.Fatalf("assigned counter drew from another service: %s", got.TicketNumber)
	}

	if _, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c3", ServiceID: "svc-a"}); !errors.Is(err, store.ErrCounterMismatch) {
		t.Fatalf("out-of-assignment draw: %v", err)
	}
}

func TestCompleteIdempotentOnTerminal(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	checkin(t, s, "svc-a")

	ticket, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	first, err := s.CompleteTicket(ctx, store.TicketActionInput{BranchID: "b1", TicketID: ticket.TicketID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	again, err := s.CompleteTicket(ctx, store.TicketActionInput{BranchID: "b1", TicketID: ticket.TicketID})
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if !again.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatal("repeat complete moved completed_at")
	}

	if _, err := s.NoShowTicket(ctx, store.TicketActionInput{BranchID: "b1", TicketID: ticket.TicketID}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("no_show after complete: %v", err)
	}
}

func TestTransferKeepsSeniority(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	old, _, err := s.CreateTicket(ctx, store.CreateTicketInput{RequestID: "old", BranchID: "b1", ServiceID: "svc-a", CreatedAt: base})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.CreateTicket(ctx, store.CreateTicketInput{RequestID: "young", BranchID: "b1", ServiceID: "svc-b", CreatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	moved, err := s.TransferTicket(ctx, store.TicketActionInput{BranchID: "b1", TicketID: old.TicketID, ToServiceID: "svc-b"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if moved.ServiceID != "svc-b" || moved.Status != models.StatusWaiting {
		t.Fatalf("transfer result: %+v", moved)
	}
	if moved.TicketNumber == old.TicketNumber || moved.TicketNumber[0] != 'B' {
		t.Fatalf("transfer must renumber in target prefix: %s", moved.TicketNumber)
	}
	if !moved.CreatedAt.Equal(old.CreatedAt) {
		t.Fatal("transfer reset created_at")
	}

	head, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c1", ServiceID: "svc-b"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if head.TicketID != moved.TicketID {
		t.Fatal("transferred ticket lost its place in line")
	}
}

func TestTransferWhileServingReleasesCounter(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	checkin(t, s, "svc-a")

	ticket, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	moved, err := s.TransferTicket(ctx, store.TicketActionInput{BranchID: "b1", TicketID: ticket.TicketID, ToServiceID: "svc-b"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if moved.CounterID != nil || moved.CalledAt != nil || moved.ServingStartedAt != nil {
		t.Fatalf("transfer kept call state: %+v", moved)
	}
	if _, found, err := s.GetActiveTicket(ctx, "b1", "c1"); err != nil || found {
		t.Fatalf("counter still busy after transfer: found=%v err=%v", found, err)
	}
}

func TestBumpPriority(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	first, _, _ := s.CreateTicket(ctx, store.CreateTicketInput{RequestID: "a", BranchID: "b1", ServiceID: "svc-a", CreatedAt: base})
	second, _, _ := s.CreateTicket(ctx, store.CreateTicketInput{RequestID: "b", BranchID: "b1", ServiceID: "svc-a", CreatedAt: base.Add(time.Minute)})

	bumped, err := s.BumpPriority(ctx, store.TicketActionInput{BranchID: "b1", TicketID: second.TicketID})
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if bumped.Priority != models.PriorityVIP || bumped.PrioritizedAt == nil {
		t.Fatalf("bump result: %+v", bumped)
	}
	if !bumped.CreatedAt.Equal(second.CreatedAt) {
		t.Fatal("bump moved created_at")
	}
	if _, err := s.BumpPriority(ctx, store.TicketActionInput{BranchID: "b1", TicketID: second.TicketID}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("double bump: %v", err)
	}

	head, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if head.TicketID != second.TicketID {
		t.Fatalf("bumped ticket not called first, got %s want %s (other %s)", head.TicketID, second.TicketID, first.TicketID)
	}
}

func TestCloseQueueSweepsBranch(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		checkin(t, s, "svc-a")
	}
	for _, counterID := range []string{"c1", "c2"} {
		if _, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: counterID}); err != nil {
			t.Fatalf("call %s: %v", counterID, err)
		}
	}

	result, err := s.CloseQueue(ctx, "b1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result.Completed != 2 || result.Cancelled != 5 {
		t.Fatalf("close swept completed=%d cancelled=%d, want 2/5", result.Completed, result.Cancelled)
	}
	if result.Counters != 2 {
		t.Fatalf("counters closed=%d, want 2", result.Counters)
	}

	waiting, err := s.ListWaiting(ctx, "b1", "")
	if err != nil || len(waiting) != 0 {
		t.Fatalf("waiting after close: %d err=%v", len(waiting), err)
	}
	if _, _, err := s.CreateTicket(ctx, store.CreateTicketInput{BranchID: "b1", ServiceID: "svc-a"}); !errors.Is(err, store.ErrQueueClosed) {
		t.Fatalf("check-in after close: %v", err)
	}
}

func TestTicketPositionAndEstimate(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()

	var last models.Ticket
	for i := 0; i < 4; i++ {
		last = checkin(t, s, "svc-a")
	}

	pos, err := s.GetTicketPosition(ctx, "b1", last.TicketID)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Position != 4 {
		t.Fatalf("position=%d, want 4", pos.Position)
	}
	// Two open counters: ceil(4*10/2).
	if pos.EstimatedWait != 20 {
		t.Fatalf("estimated wait=%d, want 20", pos.EstimatedWait)
	}
}

func TestCreateTicketConcurrentSameRequestID(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	input := store.CreateTicketInput{RequestID: "req-race", BranchID: "b1", ServiceID: "svc-a"}

	type result struct {
		ticket  models.Ticket
		created bool
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, created, err := s.CreateTicket(ctx, input)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			results <- result{ticket, created}
		}()
	}
	wg.Wait()
	close(results)

	var createdCount int
	ids := map[string]bool{}
	for r := range results {
		if r.created {
			createdCount++
		}
		ids[r.ticket.TicketID] = true
	}
	if createdCount != 1 {
		t.Fatalf("created=%d, want exactly one winner", createdCount)
	}
	if len(ids) != 1 {
		t.Fatalf("race minted %d distinct tickets", len(ids))
	}

	events, err := s.ListOutboxEvents(ctx, time.Time{}, 100)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	var createdEvents int
	for _, event := range events {
		if event.Type == store.EventTicketCreated {
			createdEvents++
		}
	}
	if createdEvents != 1 {
		t.Fatalf("outbox has %d ticket.created events, want 1", createdEvents)
	}
}

func TestPauseEmitsQueueSnapshot(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()

	first := checkin(t, s, "svc-a")
	second := checkin(t, s, "svc-b")

	if _, err := s.PauseQueue(ctx, "b1"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	events, err := s.ListOutboxEvents(ctx, time.Time{}, 100)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	var snap store.QueueSnapshot
	var found bool
	for _, event := range events {
		if event.Type == store.EventQueueSnapshot {
			if err := json.Unmarshal(event.Payload, &snap); err != nil {
				t.Fatalf("snapshot payload: %v", err)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("pause emitted no queue.snapshot")
	}
	if snap.QueueStatus != models.QueuePaused {
		t.Fatalf("snapshot status=%s, want paused", snap.QueueStatus)
	}
	if len(snap.Tickets) != 2 || snap.Tickets[0].TicketID != first.TicketID || snap.Tickets[1].TicketID != second.TicketID {
		t.Fatalf("snapshot line out of order: %+v", snap.Tickets)
	}

	if _, err := s.CloseQueue(ctx, "b1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	events, err = s.ListOutboxEvents(ctx, time.Time{}, 100)
	if err != nil {
		t.Fatalf("outbox after close: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != store.EventQueueSnapshot {
		t.Fatalf("close's final event = %s, want queue.snapshot", last.Type)
	}
	if err := json.Unmarshal(last.Payload, &snap); err != nil {
		t.Fatalf("close snapshot payload: %v", err)
	}
	if snap.QueueStatus != models.QueueClosed || len(snap.Tickets) != 0 {
		t.Fatalf("close snapshot: %+v", snap)
	}
}

func TestTicketHistoryChainVerifies(t *testing.T) {
	s := seedBranch(t)
	ctx := context.Background()
	checkin(t, s, "svc-a")

	ticket, err := s.CallNext(ctx, store.CallNextInput{BranchID: "b1", CounterID: "c1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := s.CompleteTicket(ctx, store.TicketActionInput{BranchID: "b1", TicketID: ticket.TicketID}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := s.ListTicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("history rows=%d, want 3", len(events))
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		t.Fatalf("chain: %v", err)
	}
}
