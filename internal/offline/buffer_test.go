package offline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store/memstore"
)

type fakeLedger struct {
	createTicket func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error)
}

func (f *fakeLedger) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	return f.createTicket(ctx, input)
}

func openBuffer(t *testing.T) (*Buffer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkins.yaml")
	b, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return b, path
}

func queue(t *testing.T, b *Buffer, serviceID string) Record {
	t.Helper()
	record, err := b.QueueCheckin(store.CreateTicketInput{
		BranchID:      "b1",
		ServiceID:     serviceID,
		CheckinMethod: models.CheckinKiosk,
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	return record
}

func seedLedger(t *testing.T) *memstore.Store {
	t.Helper()
	ledger := memstore.New()
	ledger.AddBranch(models.Branch{BranchID: "b1", Name: "Lac 2"})
	ledger.AddService(models.Service{ServiceID: "svc-a", BranchID: "b1", Name: "Retrait", Prefix: "A"})
	return ledger
}

func TestQueueCheckinSurvivesRestart(t *testing.T) {
	b, path := openBuffer(t)
	first := queue(t, b, "svc-a")
	queue(t, b, "svc-a")

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Pending() != 2 {
		t.Fatalf("pending after restart=%d, want 2", reopened.Pending())
	}

	// The request id minted before the crash must survive with the record.
	again := queue(t, reopened, "svc-a")
	if again.LocalID <= first.LocalID {
		t.Fatalf("local id reused after restart: %d", again.LocalID)
	}
	if first.RequestID == "" {
		t.Fatal("record queued without a request id")
	}
}

func TestSyncPendingReplaysInCaptureOrder(t *testing.T) {
	b, _ := openBuffer(t)
	queue(t, b, "svc-a")
	queue(t, b, "svc-a")
	queue(t, b, "svc-a")

	ledger := seedLedger(t)
	report, err := b.SyncPending(context.Background(), ledger)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Synced != 3 || report.Remaining != 0 {
		t.Fatalf("report=%+v", report)
	}
	if b.Pending() != 0 {
		t.Fatalf("buffer not drained: %d", b.Pending())
	}

	waiting, err := ledger.ListWaiting(context.Background(), "b1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(waiting) != 3 || waiting[0].TicketNumber != "A-001" || waiting[2].TicketNumber != "A-003" {
		t.Fatalf("replay order broken: %+v", waiting)
	}
}

func TestSyncStopsAtFirstFailure(t *testing.T) {
	b, _ := openBuffer(t)
	queue(t, b, "svc-a")
	queue(t, b, "svc-a")
	queue(t, b, "svc-a")

	calls := 0
	ledger := &fakeLedger{createTicket: func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
		calls++
		if calls == 2 {
			return models.Ticket{}, false, errors.New("link dropped")
		}
		return models.Ticket{TicketID: input.RequestID}, true, nil
	}}

	report, err := b.SyncPending(context.Background(), ledger)
	if err == nil {
		t.Fatal("sync must surface the replay failure")
	}
	if report.Synced != 1 || report.Remaining != 2 {
		t.Fatalf("report=%+v", report)
	}
	if b.Pending() != 2 {
		t.Fatalf("failed records discarded: pending=%d", b.Pending())
	}
}

func TestSyncDropsRejectedRecords(t *testing.T) {
	b, _ := openBuffer(t)
	queue(t, b, "svc-a")
	queue(t, b, "svc-gone")
	queue(t, b, "svc-a")

	ledger := &fakeLedger{createTicket: func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
		if input.ServiceID == "svc-gone" {
			return models.Ticket{}, false, fmt.Errorf("service retired: %w", ErrRejected)
		}
		return models.Ticket{TicketID: input.RequestID}, true, nil
	}}

	report, err := b.SyncPending(context.Background(), ledger)
	if err != nil {
		t.Fatalf("a rejection must not fail the pass: %v", err)
	}
	if report.Synced != 2 || report.Dropped != 1 || report.Remaining != 0 {
		t.Fatalf("report=%+v", report)
	}
	if b.Pending() != 0 {
		t.Fatalf("rejected record still buffered: pending=%d", b.Pending())
	}
}

func TestSyncDeduplicatesAcceptedCheckin(t *testing.T) {
	b, _ := openBuffer(t)
	record := queue(t, b, "svc-a")

	// The ledger accepted this check-in just before the link dropped.
	ledger := seedLedger(t)
	if _, _, err := ledger.CreateTicket(context.Background(), store.CreateTicketInput{
		BranchID:  "b1",
		ServiceID: "svc-a",
		RequestID: record.RequestID,
	}); err != nil {
		t.Fatalf("seed ticket: %v", err)
	}

	report, err := b.SyncPending(context.Background(), ledger)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Synced != 1 || report.Remaining != 0 {
		t.Fatalf("report=%+v", report)
	}
	waiting, err := ledger.ListWaiting(context.Background(), "b1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(waiting) != 1 {
		t.Fatalf("replay duplicated the check-in: %d tickets", len(waiting))
	}
}
