// Package mirror keeps a teller console's local copy of the queue. Reads
// are served from the mirror; mutations apply an optimistic local guess,
// then commit or roll back against the ticket ledger's answer. Push events
// keep the mirror in step with changes made elsewhere.
package mirror

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

// Ledger is the slice of the ticket store a session drives.
type Ledger interface {
	GetTellerView(ctx context.Context, branchID, counterID string) (models.TellerQueueView, error)
	CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error)
	CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
	NoShowTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
	TransferTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
}

// Session is one teller's mirror. Each console owns its own Session; there
// is no process-wide shared state.
type Session struct {
	mu     sync.Mutex
	ledger Ledger

	branchID  string
	counterID string
	userID    string

	view models.TellerQueueView
}

func NewSession(ledger Ledger, branchID, counterID, userID string) *Session {
	return &Session{
		ledger:    ledger,
		branchID:  branchID,
		counterID: counterID,
		userID:    userID,
	}
}

// Refresh replaces the mirror with the ledger's authoritative view.
func (s *Session) Refresh(ctx context.Context) error {
	view, err := s.ledger.GetTellerView(ctx, s.branchID, s.counterID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
	return nil
}

// View returns a copy of the mirror; callers can read it without racing
// mutations.
func (s *Session) View() models.TellerQueueView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneView(s.view)
}

// CallNext optimistically claims the head of the line (or of one service's
// line), then reconciles with whichever ticket the ledger actually
// assigned. On ErrNoTicket or any other error the mirror rolls back.
func (s *Session) CallNext(ctx context.Context, serviceID string) (models.Ticket, error) {
	s.mu.Lock()
	snapshot := cloneView(s.view)

	guess, ok := s.headLocked(serviceID)
	if ok {
		claimed := guess
		claimed.Status = models.StatusServing
		now := time.Now().UTC()
		claimed.CalledAt = &now
		claimed.ServingStartedAt = &now
		s.removeLocked(guess.TicketID)
		s.view.CurrentTicket = &claimed
	}
	s.mu.Unlock()

	ticket, err := s.ledger.CallNext(ctx, store.CallNextInput{
		BranchID:  s.branchID,
		CounterID: s.counterID,
		ServiceID: serviceID,
		UserID:    s.userID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.view = snapshot
		return models.Ticket{}, err
	}
	if !ok || ticket.TicketID != guess.TicketID {
		// Lost the race for the guessed ticket: the ledger handed us a
		// different one. Swap it in rather than refetching everything.
		s.view = snapshot
		s.removeLocked(ticket.TicketID)
		s.view.CurrentTicket = &ticket
	} else {
		s.view.CurrentTicket = &ticket
	}
	return ticket, nil
}

// Complete finishes the ticket at the window.
func (s *Session) Complete(ctx context.Context) (models.Ticket, error) {
	return s.finish(ctx, s.ledger.CompleteTicket)
}

// MarkNoShow records that the called customer never showed.
func (s *Session) MarkNoShow(ctx context.Context) (models.Ticket, error) {
	return s.finish(ctx, s.ledger.NoShowTicket)
}

func (s *Session) finish(ctx context.Context, op func(context.Context, store.TicketActionInput) (models.Ticket, error)) (models.Ticket, error) {
	s.mu.Lock()
	if s.view.CurrentTicket == nil {
		s.mu.Unlock()
		return models.Ticket{}, store.ErrNoTicket
	}
	snapshot := cloneView(s.view)
	ticketID := s.view.CurrentTicket.TicketID
	s.view.CurrentTicket = nil
	s.mu.Unlock()

	ticket, err := op(ctx, store.TicketActionInput{
		BranchID:  s.branchID,
		TicketID:  ticketID,
		CounterID: s.counterID,
		UserID:    s.userID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.view = snapshot
		return models.Ticket{}, err
	}
	return ticket, nil
}

// Transfer moves the current ticket to another service's line.
func (s *Session) Transfer(ctx context.Context, toServiceID string) (models.Ticket, error) {
	s.mu.Lock()
	if s.view.CurrentTicket == nil {
		s.mu.Unlock()
		return models.Ticket{}, store.ErrNoTicket
	}
	snapshot := cloneView(s.view)
	ticketID := s.view.CurrentTicket.TicketID
	s.view.CurrentTicket = nil
	s.mu.Unlock()

	ticket, err := s.ledger.TransferTicket(ctx, store.TicketActionInput{
		BranchID:    s.branchID,
		TicketID:    ticketID,
		CounterID:   s.counterID,
		UserID:      s.userID,
		ToServiceID: toServiceID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.view = snapshot
		return models.Ticket{}, err
	}
	if s.view.Counter.Serves(ticket.ServiceID) {
		s.insertLocked(ticket)
	}
	return ticket, nil
}

// ApplyEvent folds a pushed queue event into the mirror. A queue.snapshot
// replaces the waiting line wholesale; everything else is folded in
// incrementally.
func (s *Session) ApplyEvent(event store.OutboxEvent) {
	if event.Type == store.EventQueueSnapshot {
		var snap store.QueueSnapshot
		if err := json.Unmarshal(event.Payload, &snap); err != nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.view.GlobalQueue = nil
		s.view.ByService = map[string][]models.Ticket{}
		s.view.TotalWaiting = 0
		for _, ticket := range snap.Tickets {
			if ticket.Status == models.StatusWaiting && s.view.Counter.Serves(ticket.ServiceID) {
				s.insertLocked(ticket)
			}
		}
		return
	}

	var ticket models.Ticket
	if err := json.Unmarshal(event.Payload, &ticket); err != nil || ticket.TicketID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch event.Type {
	case store.EventTicketCreated:
		if s.view.Counter.Serves(ticket.ServiceID) {
			s.insertLocked(ticket)
		}
	case store.EventTicketCalled:
		s.removeLocked(ticket.TicketID)
		if ticket.CounterID != nil && *ticket.CounterID == s.counterID {
			s.view.CurrentTicket = &ticket
		}
	case store.EventTicketCompleted, store.EventTicketNoShow, store.EventTicketCancelled:
		s.removeLocked(ticket.TicketID)
		if s.view.CurrentTicket != nil && s.view.CurrentTicket.TicketID == ticket.TicketID {
			s.view.CurrentTicket = nil
		}
	case store.EventTicketTransferred, store.EventTicketPrioritized:
		s.removeLocked(ticket.TicketID)
		if s.view.CurrentTicket != nil && s.view.CurrentTicket.TicketID == ticket.TicketID {
			s.view.CurrentTicket = nil
		}
		if ticket.Status == models.StatusWaiting && s.view.Counter.Serves(ticket.ServiceID) {
			s.insertLocked(ticket)
		}
	}
}

// headLocked returns the mirror's best guess for the next ticket.
func (s *Session) headLocked(serviceID string) (models.Ticket, bool) {
	if serviceID != "" {
		line := s.view.ByService[serviceID]
		if len(line) == 0 {
			return models.Ticket{}, false
		}
		return line[0], true
	}
	if len(s.view.GlobalQueue) == 0 {
		return models.Ticket{}, false
	}
	return s.view.GlobalQueue[0], true
}

func (s *Session) removeLocked(ticketID string) {
	s.view.GlobalQueue = removeTicket(s.view.GlobalQueue, ticketID)
	for serviceID, line := range s.view.ByService {
		s.view.ByService[serviceID] = removeTicket(line, ticketID)
	}
	s.view.TotalWaiting = len(s.view.GlobalQueue)
}

func (s *Session) insertLocked(ticket models.Ticket) {
	s.removeLocked(ticket.TicketID)
	s.view.GlobalQueue = insertSorted(s.view.GlobalQueue, ticket)
	if s.view.ByService == nil {
		s.view.ByService = map[string][]models.Ticket{}
	}
	s.view.ByService[ticket.ServiceID] = insertSorted(s.view.ByService[ticket.ServiceID], ticket)
	s.view.TotalWaiting = len(s.view.GlobalQueue)
}

func removeTicket(line []models.Ticket, ticketID string) []models.Ticket {
	for i := range line {
		if line[i].TicketID == ticketID {
			return append(line[:i:i], line[i+1:]...)
		}
	}
	return line
}

func insertSorted(line []models.Ticket, ticket models.Ticket) []models.Ticket {
	for i := range line {
		if store.QueueLess(ticket, line[i]) {
			line = append(line[:i:i], append([]models.Ticket{ticket}, line[i:]...)...)
			return line
		}
	}
	return append(line, ticket)
}

func cloneView(view models.TellerQueueView) models.TellerQueueView {
	clone := view
	clone.GlobalQueue = append([]models.Ticket(nil), view.GlobalQueue...)
	if view.ByService != nil {
		clone.ByService = make(map[string][]models.Ticket, len(view.ByService))
		for serviceID, line := range view.ByService {
			clone.ByService[serviceID] = append([]models.Ticket(nil), line...)
		}
	}
	if view.CurrentTicket != nil {
		current := *view.CurrentTicket
		clone.CurrentTicket = &current
	}
	return clone
}
