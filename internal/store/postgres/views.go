package postgres

import (
	"context"
	"time"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

func (s *Store) GetBranchQueueState(ctx context.Context, branchID string) (models.BranchQueueState, error) {
	branch, err := s.GetBranch(ctx, branchID)
	if err != nil {
		return models.BranchQueueState{}, err
	}

	state := models.BranchQueueState{Branch: branch, AsOf: time.Now().UTC()}

	counters, err := s.ListCounters(ctx, branchID)
	if err != nil {
		return models.BranchQueueState{}, err
	}
	openCounters := 0
	for _, counter := range counters {
		cs := models.CounterState{Counter: counter}
		if counter.CurrentTicketID != nil {
			if current, found, err := s.GetTicket(ctx, branchID, *counter.CurrentTicketID); err != nil {
				return models.BranchQueueState{}, err
			} else if found {
				cs.CurrentTicket = &current
			}
		}
		if counter.Status == models.CounterOpen {
			openCounters++
		}
		state.Counters = append(state.Counters, cs)
	}

	waiting, err := s.ListWaiting(ctx, branchID, "")
	if err != nil {
		return models.BranchQueueState{}, err
	}
	perService := map[string]int{}
	for i, ticket := range waiting {
		perService[ticket.ServiceID]++
		state.Waiting = append(state.Waiting, models.QueuedTicket{
			Ticket:        ticket,
			Position:      i + 1,
			EstimatedWait: estimatedWait(i+1, openCounters),
		})
	}

	services, err := s.ListServices(ctx, branchID)
	if err != nil {
		return models.BranchQueueState{}, err
	}
	for _, service := range services {
		state.Services = append(state.Services, models.ServiceStats{
			Service:      service,
			WaitingCount: perService[service.ServiceID],
		})
	}

	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'no_show'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM tickets
		WHERE branch_id = $1 AND completed_at >= date_trunc('day', now())
	`, branchID)
	if err := row.Scan(&state.Today.Completed, &state.Today.NoShows, &state.Today.Cancelled); err != nil {
		return models.BranchQueueState{}, err
	}
	return state, nil
}

func (s *Store) GetTicketPosition(ctx context.Context, branchID, ticketID string) (models.TicketPosition, error) {
	ticket, found, err := s.GetTicket(ctx, branchID, ticketID)
	if err != nil {
		return models.TicketPosition{}, err
	}
	if !found {
		return models.TicketPosition{}, store.ErrTicketNotFound
	}

	pos := models.TicketPosition{TicketID: ticketID, Status: ticket.Status}
	if ticket.Status != models.StatusWaiting {
		return pos, nil
	}

	var position, openCounters int
	row := s.pool.QueryRow(ctx, `
		WITH line AS (
			SELECT t.ticket_id, ROW_NUMBER() OVER (ORDER BY `+queueOrder+`) AS position
			FROM tickets t
			WHERE t.branch_id = $1 AND t.status = 'waiting'
		)
		SELECT
			(SELECT position FROM line WHERE ticket_id = $2),
			(SELECT COUNT(*) FROM counters WHERE branch_id = $1 AND status = 'open')
	`, branchID, ticketID)
	if err := row.Scan(&position, &openCounters); err != nil {
		return models.TicketPosition{}, err
	}
	pos.Position = position
	pos.EstimatedWait = estimatedWait(position, openCounters)
	return pos, nil
}

func (s *Store) GetTellerView(ctx context.Context, branchID, counterID string) (models.TellerQueueView, error) {
	counters, err := s.ListCounters(ctx, branchID)
	if err != nil {
		return models.TellerQueueView{}, err
	}
	var counter *models.Counter
	for i := range counters {
		if counters[i].CounterID == counterID {
			counter = &counters[i]
			break
		}
	}
	if counter == nil {
		return models.TellerQueueView{}, store.ErrCounterNotFound
	}

	view := models.TellerQueueView{Counter: *counter, ByService: map[string][]models.Ticket{}}
	if counter.CurrentTicketID != nil {
		if current, found, err := s.GetTicket(ctx, branchID, *counter.CurrentTicketID); err != nil {
			return models.TellerQueueView{}, err
		} else if found {
			view.CurrentTicket = &current
		}
	}

	waiting, err := s.ListWaiting(ctx, branchID, "")
	if err != nil {
		return models.TellerQueueView{}, err
	}
	for _, ticket := range waiting {
		if !counter.Serves(ticket.ServiceID) {
			continue
		}
		view.GlobalQueue = append(view.GlobalQueue, ticket)
		view.ByService[ticket.ServiceID] = append(view.ByService[ticket.ServiceID], ticket)
	}
	view.TotalWaiting = len(view.GlobalQueue)
	return view, nil
}

func estimatedWait(position, openCounters int) int {
	if openCounters < 1 {
		openCounters = 1
	}
	return (position*10 + openCounters - 1) / openCounters
}
