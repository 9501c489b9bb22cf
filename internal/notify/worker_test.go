package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
)

type fakeLogStore struct {
	mu      sync.Mutex
	entries []models.NotificationLog
	has     func(ticketID, messageType string) (bool, error)
}

func (f *fakeLogStore) InsertNotification(ctx context.Context, log models.NotificationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, log)
	return nil
}

func (f *fakeLogStore) HasNotification(ctx context.Context, ticketID, messageType string) (bool, error) {
	if f.has != nil {
		return f.has(ticketID, messageType)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.entries {
		if entry.TicketID == ticketID && entry.MessageType == messageType {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLogStore) ListNotifications(ctx context.Context, ticketID string) ([]models.NotificationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.NotificationLog(nil), f.entries...), nil
}

type fakeProvider struct {
	name string
	err  error
	mu   sync.Mutex
	sent []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Send(ctx context.Context, message, recipient string) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, message)
	return nil
}

func runWorkerOnce(t *testing.T, w *Worker, queue *MemQueue, jobs ...models.NotificationJob) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, job := range jobs {
		if err := queue.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(queue.jobs) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
}

func TestWorkerFallbackWritesOneLogRow(t *testing.T) {
	logs := &fakeLogStore{}
	sms := &fakeProvider{name: "webhook"}
	queue := NewMemQueue(0)
	w := NewWorker(queue, logs, map[string]Provider{
		models.ChannelWhatsApp: &fakeProvider{name: "webhook", err: errors.New("wa down")},
		models.ChannelSMS:      sms,
	}, WorkerConfig{Concurrency: 1})

	runWorkerOnce(t, w, queue, models.NotificationJob{
		TicketID:    "t-1",
		MessageType: models.MessageYourTurn,
		Channel:     models.ChannelWhatsApp,
		Recipient:   "+21655123456",
		Language:    "fr",
		TemplateData: map[string]string{
			"ticket_number":  "A-007",
			"counter_number": "2",
		},
	})

	if len(logs.entries) != 1 {
		t.Fatalf("log rows=%d, want exactly 1", len(logs.entries))
	}
	entry := logs.entries[0]
	if entry.Channel != models.ChannelSMS || entry.Status != models.NotifySent {
		t.Fatalf("fallback entry: %+v", entry)
	}
	if len(sms.sent) != 1 {
		t.Fatalf("sms sends=%d, want 1", len(sms.sent))
	}
}

func TestWorkerAllChannelsFail(t *testing.T) {
	logs := &fakeLogStore{}
	queue := NewMemQueue(0)
	w := NewWorker(queue, logs, map[string]Provider{
		models.ChannelWhatsApp: &fakeProvider{name: "webhook", err: errors.New("wa down")},
		models.ChannelSMS:      &fakeProvider{name: "webhook", err: errors.New("sms down")},
	}, WorkerConfig{Concurrency: 1})

	runWorkerOnce(t, w, queue, models.NotificationJob{
		TicketID:    "t-2",
		MessageType: models.MessageConfirmation,
		Channel:     models.ChannelWhatsApp,
		Recipient:   "+21655123456",
	})

	if len(logs.entries) != 1 {
		t.Fatalf("log rows=%d, want exactly 1", len(logs.entries))
	}
	entry := logs.entries[0]
	if entry.Status != models.NotifyFailed || entry.Error != "sms down" {
		t.Fatalf("failed entry: %+v", entry)
	}
}

func TestWorkerSkipsJobsWithoutRecipient(t *testing.T) {
	logs := &fakeLogStore{}
	queue := NewMemQueue(0)
	w := NewWorker(queue, logs, map[string]Provider{
		models.ChannelSMS: &fakeProvider{name: "log"},
	}, WorkerConfig{Concurrency: 1})

	runWorkerOnce(t, w, queue,
		models.NotificationJob{TicketID: "t-3", Channel: models.ChannelSMS},
		models.NotificationJob{TicketID: "t-4", Channel: models.ChannelNone, Recipient: "+216"},
	)

	if len(logs.entries) != 0 {
		t.Fatalf("log rows=%d, want 0", len(logs.entries))
	}
}

func TestWorkerConcurrentDrain(t *testing.T) {
	logs := &fakeLogStore{}
	sms := &fakeProvider{name: "log"}
	queue := NewMemQueue(32)
	w := NewWorker(queue, logs, map[string]Provider{models.ChannelSMS: sms}, WorkerConfig{Concurrency: 5})

	var jobs []models.NotificationJob
	for i := 0; i < 20; i++ {
		jobs = append(jobs, models.NotificationJob{
			TicketID:     "t-many",
			MessageType:  models.MessageConfirmation,
			Channel:      models.ChannelSMS,
			Recipient:    "+21655123456",
			TemplateData: map[string]string{"ticket_number": "A-001"},
		})
	}
	runWorkerOnce(t, w, queue, jobs...)

	if len(logs.entries) != 20 {
		t.Fatalf("log rows=%d, want 20", len(logs.entries))
	}
}

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Ticket {{ticket_number}} au guichet {{counter_number}}", map[string]string{
		"ticket_number":  "A-001",
		"counter_number": "3",
	})
	if got != "Ticket A-001 au guichet 3" {
		t.Fatalf("unexpected render: %s", got)
	}
}

func TestRenderTemplateLeavesUnresolvedKeys(t *testing.T) {
	got := RenderTemplate("Ticket {{ticket_number}}, position {{position}}", map[string]string{
		"ticket_number": "B-004",
	})
	if got != "Ticket B-004, position {{position}}" {
		t.Fatalf("unresolved key must stay verbatim: %s", got)
	}
}

func TestChannelCascade(t *testing.T) {
	cases := []struct {
		preferred string
		want      []string
	}{
		{models.ChannelWhatsApp, []string{models.ChannelWhatsApp, models.ChannelSMS}},
		{models.ChannelSMS, []string{models.ChannelSMS}},
		{models.ChannelNone, nil},
		{"", nil},
	}
	for _, tt := range cases {
		got := channelCascade(tt.preferred)
		if len(got) != len(tt.want) {
			t.Fatalf("cascade(%q)=%v, want %v", tt.preferred, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("cascade(%q)=%v, want %v", tt.preferred, got, tt.want)
			}
		}
	}
}
