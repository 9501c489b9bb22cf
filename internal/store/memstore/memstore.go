// Package memstore holds the ticket ledger in process memory. It backs the
// kiosk agent's local mode and the engine's concurrency tests; the postgres
// store is the production implementation of the same interface.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

type Store struct {
	mu        sync.Mutex
	branches  map[string]*models.Branch
	services  map[string]*models.Service
	counters  map[string]*models.Counter
	tickets   map[string]*models.Ticket
	byRequest map[string]string
	seq       map[string]int
	outbox    []store.OutboxEvent
	events    map[string][]store.TicketEvent

	// Now is overridable so tests can pin the clock.
	Now func() time.Time
}

func New() *Store {
	return &Store{
		branches:  map[string]*models.Branch{},
		services:  map[string]*models.Service{},
		counters:  map[string]*models.Counter{},
		tickets:   map[string]*models.Ticket{},
		byRequest: map[string]string{},
		seq:       map[string]int{},
		events:    map[string][]store.TicketEvent{},
		Now:       time.Now,
	}
}

func (s *Store) AddBranch(branch models.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if branch.QueueStatus == "" {
		branch.QueueStatus = models.QueueOpen
	}
	if branch.NotifyAtPosition == 0 {
		branch.NotifyAtPosition = 3
	}
	s.branches[branch.BranchID] = &branch
}

func (s *Store) AddService(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	service.Active = true
	if service.AvgServiceMins == 0 {
		service.AvgServiceMins = 10
	}
	s.services[service.ServiceID] = &service
}

func (s *Store) AddCounter(counter models.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter.Status == "" {
		counter.Status = models.CounterOpen
	}
	s.counters[counter.CounterID] = &counter
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if ticketID, ok := s.byRequest[input.RequestID]; ok {
			return *s.tickets[ticketID], false, nil
		}
	}

	branch, ok := s.branches[input.BranchID]
	if !ok {
		return models.Ticket{}, false, store.ErrBranchNotFound
	}
	switch branch.QueueStatus {
	case models.QueuePaused:
		return models.Ticket{}, false, store.ErrQueuePaused
	case models.QueueClosed:
		return models.Ticket{}, false, store.ErrQueueClosed
	}

	service, ok := s.services[input.ServiceID]
	if !ok || service.BranchID != input.BranchID || !service.Active {
		return models.Ticket{}, false, store.ErrServiceNotFound
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.Now()
	}
	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	ticket := models.Ticket{
		TicketID:      uuid.NewString(),
		TicketNumber:  s.nextNumber(input.BranchID, service.Prefix, createdAt),
		BranchID:      input.BranchID,
		ServiceID:     input.ServiceID,
		Status:        models.StatusWaiting,
		Priority:      priority,
		CreatedAt:     createdAt,
		RequestID:     input.RequestID,
		Phone:         input.Phone,
		NotifyChannel: resolveChannel(input.Phone, input.NotifyChannel),
		CheckinMethod: input.CheckinMethod,
	}

	s.tickets[ticket.TicketID] = &ticket
	if input.RequestID != "" {
		s.byRequest[input.RequestID] = ticket.TicketID
	}
	s.record(ticket, store.EventTicketCreated)
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, branchID, ticketID string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok || (branchID != "" && ticket.BranchID != branchID) {
		return models.Ticket{}, false, nil
	}
	return *ticket, true, nil
}

func (s *Store) ListWaiting(ctx context.Context, branchID, serviceID string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingLocked(branchID, serviceID, nil), nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[input.CounterID]
	if !ok || counter.BranchID != input.BranchID {
		return models.Ticket{}, store.ErrCounterNotFound
	}
	if counter.Status != models.CounterOpen {
		return models.Ticket{}, store.ErrCounterUnavailable
	}
	if counter.CurrentTicketID != nil {
		return models.Ticket{}, store.ErrCounterBusy
	}
	if input.ServiceID != "" && !counter.Serves(input.ServiceID) {
		return models.Ticket{}, store.ErrCounterMismatch
	}

	candidates := s.waitingLocked(input.BranchID, input.ServiceID, counter)
	if len(candidates) == 0 {
		return models.Ticket{}, store.ErrNoTicket
	}

	ticket := s.tickets[candidates[0].TicketID]
	now := input.CalledAt
	if now.IsZero() {
		now = s.Now()
	}
	ticket.Status = models.StatusServing
	ticket.CalledAt = &now
	ticket.ServingStartedAt = &now
	ticket.CounterID = &counter.CounterID
	if input.UserID != "" {
		user := input.UserID
		ticket.ServedBy = &user
	}
	counter.CurrentTicketID = &ticket.TicketID

	s.record(*ticket, store.EventTicketCalled)
	return *ticket, nil
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.finish(input, "complete", models.StatusCompleted, store.EventTicketCompleted)
}

func (s *Store) NoShowTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.finish(input, "no_show", models.StatusNoShow, store.EventTicketNoShow)
}

func (s *Store) finish(input store.TicketActionInput, action, toStatus, eventType string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := s.lookupLocked(input)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.Status == toStatus {
		return *ticket, nil
	}
	if !store.ValidTransition(action, ticket.Status) {
		return models.Ticket{}, store.ErrInvalidState
	}

	now := s.occurredAt(input)
	ticket.Status = toStatus
	ticket.CompletedAt = &now
	s.releaseCounterLocked(ticket)
	s.record(*ticket, eventType)
	return *ticket, nil
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := s.lookupLocked(input)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.Status == models.StatusCancelled {
		return *ticket, nil
	}
	if !store.ValidTransition("cancel", ticket.Status) {
		return models.Ticket{}, store.ErrInvalidState
	}

	now := s.occurredAt(input)
	ticket.Status = models.StatusCancelled
	ticket.CompletedAt = &now
	s.releaseCounterLocked(ticket)
	s.record(*ticket, store.EventTicketCancelled)
	return *ticket, nil
}

func (s *Store) TransferTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := s.lookupLocked(input)
	if err != nil {
		return models.Ticket{}, err
	}
	if !store.ValidTransition("transfer", ticket.Status) {
		return models.Ticket{}, store.ErrInvalidState
	}
	target, ok := s.services[input.ToServiceID]
	if !ok || target.BranchID != ticket.BranchID || !target.Active {
		return models.Ticket{}, store.ErrServiceNotFound
	}

	s.releaseCounterLocked(ticket)
	ticket.ServiceID = target.ServiceID
	ticket.TicketNumber = s.nextNumber(ticket.BranchID, target.Prefix, s.Now())
	ticket.Status = models.StatusWaiting
	ticket.CounterID = nil
	ticket.ServedBy = nil
	ticket.CalledAt = nil
	ticket.ServingStartedAt = nil
	// CreatedAt untouched: the customer keeps their place in line.

	s.record(*ticket, store.EventTicketTransferred)
	return *ticket, nil
}

func (s *Store) BumpPriority(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := s.lookupLocked(input)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.Priority == models.PriorityVIP {
		return models.Ticket{}, store.ErrInvalidState
	}
	if !store.ValidTransition("prioritize", ticket.Status) {
		return models.Ticket{}, store.ErrInvalidState
	}

	now := s.occurredAt(input)
	ticket.Priority = models.PriorityVIP
	ticket.PrioritizedAt = &now
	s.record(*ticket, store.EventTicketPrioritized)
	return *ticket, nil
}

func (s *Store) PauseQueue(ctx context.Context, branchID string) (models.Branch, error) {
	return s.setQueueStatus(branchID, models.QueueOpen, models.QueuePaused, store.EventQueuePaused)
}

func (s *Store) ResumeQueue(ctx context.Context, branchID string) (models.Branch, error) {
	return s.setQueueStatus(branchID, models.QueuePaused, models.QueueOpen, store.EventQueueResumed)
}

func (s *Store) setQueueStatus(branchID, from, to, eventType string) (models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[branchID]
	if !ok {
		return models.Branch{}, store.ErrBranchNotFound
	}
	if branch.QueueStatus != from {
		return models.Branch{}, store.ErrInvalidState
	}
	branch.QueueStatus = to
	s.emit(branchID, eventType, map[string]string{"branch_id": branchID, "queue_status": to})
	s.emit(branchID, store.EventQueueSnapshot, store.QueueSnapshot{
		BranchID:    branchID,
		QueueStatus: to,
		Tickets:     s.waitingLocked(branchID, "", nil),
	})
	return *branch, nil
}

func (s *Store) CloseQueue(ctx context.Context, branchID string) (models.CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[branchID]
	if !ok {
		return models.CloseResult{}, store.ErrBranchNotFound
	}
	if branch.QueueStatus == models.QueueClosed {
		return models.CloseResult{}, store.ErrQueueClosed
	}

	now := s.Now()
	var result models.CloseResult
	for _, ticket := range s.tickets {
		if ticket.BranchID != branchID {
			continue
		}
		switch ticket.Status {
		case models.StatusServing, models.StatusCalled:
			ticket.Status = models.StatusCompleted
			ticket.CompletedAt = &now
			s.record(*ticket, store.EventTicketCompleted)
			result.Completed++
		case models.StatusWaiting:
			ticket.Status = models.StatusCancelled
			ticket.CompletedAt = &now
			s.record(*ticket, store.EventTicketCancelled)
			result.Cancelled++
		}
	}
	for _, counter := range s.counters {
		if counter.BranchID != branchID {
			continue
		}
		counter.CurrentTicketID = nil
		if counter.Status != models.CounterClosed {
			counter.Status = models.CounterClosed
			result.Counters++
		}
	}
	branch.QueueStatus = models.QueueClosed
	s.emit(branchID, store.EventQueueClosed, result)
	s.emit(branchID, store.EventQueueSnapshot, store.QueueSnapshot{
		BranchID:    branchID,
		QueueStatus: models.QueueClosed,
	})
	return result, nil
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (models.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	branch, ok := s.branches[branchID]
	if !ok {
		return models.Branch{}, store.ErrBranchNotFound
	}
	return *branch, nil
}

func (s *Store) GetBranchQueueState(ctx context.Context, branchID string) (models.BranchQueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, ok := s.branches[branchID]
	if !ok {
		return models.BranchQueueState{}, store.ErrBranchNotFound
	}

	state := models.BranchQueueState{Branch: *branch, AsOf: s.Now()}

	openCounters := 0
	for _, counter := range s.counters {
		if counter.BranchID != branchID {
			continue
		}
		cs := models.CounterState{Counter: *counter}
		if counter.CurrentTicketID != nil {
			if current, ok := s.tickets[*counter.CurrentTicketID]; ok {
				t := *current
				cs.CurrentTicket = &t
			}
		}
		if counter.Status == models.CounterOpen {
			openCounters++
		}
		state.Counters = append(state.Counters, cs)
	}

	waiting := s.waitingLocked(branchID, "", nil)
	perService := map[string]int{}
	for i, ticket := range waiting {
		perService[ticket.ServiceID]++
		state.Waiting = append(state.Waiting, models.QueuedTicket{
			Ticket:        ticket,
			Position:      i + 1,
			EstimatedWait: estimatedWait(i+1, openCounters),
		})
	}

	for _, service := range s.services {
		if service.BranchID != branchID || !service.Active {
			continue
		}
		state.Services = append(state.Services, models.ServiceStats{
			Service:      *service,
			WaitingCount: perService[service.ServiceID],
		})
	}

	dayStart := time.Date(state.AsOf.Year(), state.AsOf.Month(), state.AsOf.Day(), 0, 0, 0, 0, state.AsOf.Location())
	for _, ticket := range s.tickets {
		if ticket.BranchID != branchID || ticket.CompletedAt == nil || ticket.CompletedAt.Before(dayStart) {
			continue
		}
		switch ticket.Status {
		case models.StatusCompleted:
			state.Today.Completed++
		case models.StatusNoShow:
			state.Today.NoShows++
		case models.StatusCancelled:
			state.Today.Cancelled++
		}
	}
	return state, nil
}

func (s *Store) GetTicketPosition(ctx context.Context, branchID, ticketID string) (models.TicketPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok || (branchID != "" && ticket.BranchID != branchID) {
		return models.TicketPosition{}, store.ErrTicketNotFound
	}
	pos := models.TicketPosition{TicketID: ticketID, Status: ticket.Status}
	if ticket.Status != models.StatusWaiting {
		return pos, nil
	}

	openCounters := 0
	for _, counter := range s.counters {
		if counter.BranchID == ticket.BranchID && counter.Status == models.CounterOpen {
			openCounters++
		}
	}
	for i, queued := range s.waitingLocked(ticket.BranchID, "", nil) {
		if queued.TicketID == ticketID {
			pos.Position = i + 1
			pos.EstimatedWait = estimatedWait(i+1, openCounters)
			break
		}
	}
	return pos, nil
}

func (s *Store) GetTellerView(ctx context.Context, branchID, counterID string) (models.TellerQueueView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[counterID]
	if !ok || counter.BranchID != branchID {
		return models.TellerQueueView{}, store.ErrCounterNotFound
	}

	view := models.TellerQueueView{Counter: *counter, ByService: map[string][]models.Ticket{}}
	if counter.CurrentTicketID != nil {
		if current, ok := s.tickets[*counter.CurrentTicketID]; ok {
			t := *current
			view.CurrentTicket = &t
		}
	}

	view.GlobalQueue = s.waitingLocked(branchID, "", counter)
	view.TotalWaiting = len(view.GlobalQueue)
	for _, ticket := range view.GlobalQueue {
		view.ByService[ticket.ServiceID] = append(view.ByService[ticket.ServiceID], ticket)
	}
	return view, nil
}

func (s *Store) GetActiveTicket(ctx context.Context, branchID, counterID string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok || counter.BranchID != branchID || counter.CurrentTicketID == nil {
		return models.Ticket{}, false, nil
	}
	ticket, ok := s.tickets[*counter.CurrentTicketID]
	if !ok {
		return models.Ticket{}, false, nil
	}
	return *ticket, true, nil
}

func (s *Store) ListCounters(ctx context.Context, branchID string) ([]models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counters []models.Counter
	for _, counter := range s.counters {
		if counter.BranchID == branchID {
			counters = append(counters, *counter)
		}
	}
	return counters, nil
}

func (s *Store) UpdateCounterStatus(ctx context.Context, branchID, counterID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case models.CounterOpen, models.CounterClosed, models.CounterOnBreak:
	default:
		return store.ErrInvalidState
	}
	counter, ok := s.counters[counterID]
	if !ok || counter.BranchID != branchID {
		return store.ErrCounterNotFound
	}
	if status != models.CounterOpen && counter.CurrentTicketID != nil {
		return store.ErrCounterBusy
	}
	counter.Status = status
	return nil
}

func (s *Store) ListServices(ctx context.Context, branchID string) ([]models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var services []models.Service
	for _, service := range s.services {
		if service.BranchID == branchID && service.Active {
			services = append(services, *service)
		}
	}
	return services, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if !event.CreatedAt.After(after) {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.TicketEvent(nil), s.events[ticketID]...), nil
}

func (s *Store) lookupLocked(input store.TicketActionInput) (*models.Ticket, error) {
	ticket, ok := s.tickets[input.TicketID]
	if !ok || (input.BranchID != "" && ticket.BranchID != input.BranchID) {
		return nil, store.ErrTicketNotFound
	}
	if input.CounterID != "" && ticket.CounterID != nil && *ticket.CounterID != input.CounterID {
		return nil, store.ErrCounterMismatch
	}
	return ticket, nil
}

func (s *Store) releaseCounterLocked(ticket *models.Ticket) {
	if ticket.CounterID == nil {
		return
	}
	if counter, ok := s.counters[*ticket.CounterID]; ok {
		if counter.CurrentTicketID != nil && *counter.CurrentTicketID == ticket.TicketID {
			counter.CurrentTicketID = nil
		}
	}
}

// waitingLocked returns the branch's waiting line in call order, optionally
// narrowed to one service and to what a counter is allowed to serve.
func (s *Store) waitingLocked(branchID, serviceID string, counter *models.Counter) []models.Ticket {
	var waiting []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.BranchID != branchID || ticket.Status != models.StatusWaiting {
			continue
		}
		if serviceID != "" && ticket.ServiceID != serviceID {
			continue
		}
		if counter != nil && !counter.Serves(ticket.ServiceID) {
			continue
		}
		waiting = append(waiting, *ticket)
	}
	store.SortQueue(waiting)
	return waiting
}

func (s *Store) nextNumber(branchID, prefix string, at time.Time) string {
	key := branchID + "|" + prefix + "|" + at.Format("2006-01-02")
	s.seq[key]++
	return fmt.Sprintf("%s-%03d", prefix, s.seq[key])
}

func (s *Store) occurredAt(input store.TicketActionInput) time.Time {
	if !input.OccurredAt.IsZero() {
		return input.OccurredAt
	}
	return s.Now()
}

func (s *Store) record(ticket models.Ticket, eventType string) {
	payload, _ := json.Marshal(ticket)
	seq := len(s.events[ticket.TicketID]) + 1
	prev := ""
	if seq > 1 {
		prev = s.events[ticket.TicketID][seq-2].Hash
	}
	now := s.Now()
	event := store.TicketEvent{
		TicketID:  ticket.TicketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: now,
		PrevHash:  prev,
	}
	event.Hash = store.ComputeTicketEventHash(prev, ticket.TicketID, eventType, payload, now, seq)
	s.events[ticket.TicketID] = append(s.events[ticket.TicketID], event)
	s.emit(ticket.BranchID, eventType, ticket)
}

func (s *Store) emit(branchID, eventType string, payload any) {
	raw, _ := json.Marshal(payload)
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		BranchID:  branchID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: s.Now(),
	})
}

func estimatedWait(position, openCounters int) int {
	if openCounters < 1 {
		openCounters = 1
	}
	return (position*10 + openCounters - 1) / openCounters
}

func resolveChannel(phone, requested string) string {
	if phone == "" {
		return models.ChannelNone
	}
	switch requested {
	case models.ChannelWhatsApp, models.ChannelSMS:
		return requested
	case models.ChannelNone:
		return models.ChannelNone
	}
	return models.ChannelSMS
}
