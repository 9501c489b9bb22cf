package notify

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/logger"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

// Notifier turns ticket lifecycle changes into queued notification jobs.
// It runs inside the queue engine, after the ledger transaction commits.
type Notifier struct {
	queue    Queue
	logs     store.NotificationLogStore
	tickets  store.TicketStore
	language string
	log      *zap.Logger
}

func NewNotifier(queue Queue, logs store.NotificationLogStore, tickets store.TicketStore, language string) *Notifier {
	if language == "" {
		language = defaultLanguage
	}
	return &Notifier{
		queue:    queue,
		logs:     logs,
		tickets:  tickets,
		language: language,
		log:      logger.WithComponent("notify-triggers"),
	}
}

// TicketCreated sends the check-in confirmation.
func (n *Notifier) TicketCreated(ctx context.Context, ticket models.Ticket) {
	if !n.wantsNotification(ticket) {
		return
	}
	data := n.templateData(ctx, ticket)
	if pos, err := n.tickets.GetTicketPosition(ctx, ticket.BranchID, ticket.TicketID); err == nil {
		data["position"] = strconv.Itoa(pos.Position)
	}
	n.enqueue(ctx, ticket, models.MessageConfirmation, data)
}

// TicketCalled tells the customer which counter to walk to.
func (n *Notifier) TicketCalled(ctx context.Context, ticket models.Ticket) {
	if !n.wantsNotification(ticket) {
		return
	}
	n.enqueue(ctx, ticket, models.MessageYourTurn, n.templateData(ctx, ticket))
}

// QueueAdvanced re-reads the branch's waiting line and warns customers who
// crossed the branch's notify-at position. The notification log is the
// dedupe: one almost_turn per ticket, ever.
func (n *Notifier) QueueAdvanced(ctx context.Context, branchID string) {
	branch, err := n.tickets.GetBranch(ctx, branchID)
	if err != nil {
		n.log.Warn("branch lookup failed", zap.String("branch_id", branchID), zap.Error(err))
		return
	}
	threshold := branch.NotifyAtPosition
	if threshold <= 0 {
		return
	}

	waiting, err := n.tickets.ListWaiting(ctx, branchID, "")
	if err != nil {
		n.log.Warn("waiting list failed", zap.String("branch_id", branchID), zap.Error(err))
		return
	}
	for i, ticket := range waiting {
		position := i + 1
		if position > threshold {
			break
		}
		if !n.wantsNotification(ticket) {
			continue
		}
		already, err := n.logs.HasNotification(ctx, ticket.TicketID, models.MessageAlmostTurn)
		if err != nil {
			n.log.Warn("dedupe lookup failed", zap.String("ticket_id", ticket.TicketID), zap.Error(err))
			continue
		}
		if already {
			continue
		}
		data := n.templateData(ctx, ticket)
		data["position"] = strconv.Itoa(position)
		n.enqueue(ctx, ticket, models.MessageAlmostTurn, data)
	}
}

func (n *Notifier) wantsNotification(ticket models.Ticket) bool {
	return ticket.Phone != "" && ticket.NotifyChannel != models.ChannelNone && ticket.NotifyChannel != ""
}

func (n *Notifier) templateData(ctx context.Context, ticket models.Ticket) map[string]string {
	data := map[string]string{
		"ticket_number": ticket.TicketNumber,
	}
	if services, err := n.tickets.ListServices(ctx, ticket.BranchID); err == nil {
		for _, service := range services {
			if service.ServiceID == ticket.ServiceID {
				data["service_name"] = service.Name
				break
			}
		}
	}
	if ticket.CounterID != nil {
		if counters, err := n.tickets.ListCounters(ctx, ticket.BranchID); err == nil {
			for _, counter := range counters {
				if counter.CounterID == *ticket.CounterID {
					data["counter_number"] = strconv.Itoa(counter.Number)
					break
				}
			}
		}
	}
	return data
}

func (n *Notifier) enqueue(ctx context.Context, ticket models.Ticket, messageType string, data map[string]string) {
	job := models.NotificationJob{
		TicketID:     ticket.TicketID,
		MessageType:  messageType,
		Channel:      ticket.NotifyChannel,
		Recipient:    ticket.Phone,
		Language:     n.language,
		TemplateData: data,
	}
	if err := n.queue.Enqueue(ctx, job); err != nil {
		n.log.Error("enqueue failed",
			zap.String("ticket_id", ticket.TicketID),
			zap.String("message_type", messageType),
			zap.Error(err))
	}
}
