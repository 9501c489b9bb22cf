package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/logger"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

// channelCascade maps a preferred channel to the ordered list of channels
// to try. WhatsApp falls back to SMS; SMS has no fallback.
func channelCascade(preferred string) []string {
	switch preferred {
	case models.ChannelWhatsApp:
		return []string{models.ChannelWhatsApp, models.ChannelSMS}
	case models.ChannelSMS:
		return []string{models.ChannelSMS}
	}
	return nil
}

type WorkerConfig struct {
	Concurrency int
}

// Worker drains the notification queue with a bounded pool. Each job gets
// exactly one notification_log row recording the channel that actually
// carried it, or the failure after the whole cascade is exhausted.
type Worker struct {
	queue       Queue
	logs        store.NotificationLogStore
	providers   map[string]Provider
	concurrency int
	log         *zap.Logger
}

func NewWorker(queue Queue, logs store.NotificationLogStore, providers map[string]Provider, cfg WorkerConfig) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Worker{
		queue:       queue,
		logs:        logs,
		providers:   providers,
		concurrency: concurrency,
		log:         logger.WithComponent("notify-worker"),
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.queue.Subscribe(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				w.process(ctx, d)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) process(ctx context.Context, d Delivery) {
	job := d.Job
	if job.Recipient == "" || job.Channel == models.ChannelNone {
		d.Ack()
		return
	}

	message := RenderTemplate(templateFor(job.MessageType, job.Language), job.TemplateData)

	entry := models.NotificationLog{
		TicketID:    job.TicketID,
		MessageType: job.MessageType,
		Recipient:   job.Recipient,
		CreatedAt:   time.Now().UTC(),
	}

	var lastErr error
	for _, channel := range channelCascade(job.Channel) {
		provider, ok := w.providers[channel]
		if !ok {
			continue
		}
		if err := provider.Send(ctx, message, job.Recipient); err != nil {
			lastErr = err
			w.log.Warn("send failed, trying next channel",
				zap.String("ticket_id", job.TicketID),
				zap.String("channel", channel),
				zap.Error(err))
			continue
		}
		entry.Channel = channel
		entry.Provider = provider.Name()
		entry.Status = models.NotifySent
		if err := w.logs.InsertNotification(ctx, entry); err != nil {
			// The message went out; redelivering would send it twice.
			w.log.Error("notification log write failed", zap.String("ticket_id", job.TicketID), zap.Error(err))
		}
		d.Ack()
		return
	}

	entry.Channel = job.Channel
	entry.Status = models.NotifyFailed
	if lastErr != nil {
		entry.Error = lastErr.Error()
	} else {
		entry.Error = "no provider for channel"
	}
	if err := w.logs.InsertNotification(ctx, entry); err != nil {
		w.log.Error("notification log write failed", zap.String("ticket_id", job.TicketID), zap.Error(err))
	}
	w.log.Warn("notification failed on every channel",
		zap.String("ticket_id", job.TicketID),
		zap.String("preferred", job.Channel))
	d.Nack(false)
}
