package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

// queueOrder is the single ordering key for the waiting line. A bumped
// ticket is keyed at its bump time; created_at stays the tiebreak.
const queueOrder = `
	CASE WHEN t.priority = 'vip' THEN 0 ELSE 1 END,
	COALESCE(t.prioritized_at, t.created_at) ASC,
	t.created_at ASC
`

const ticketColumns = `
	t.ticket_id, t.ticket_number, t.branch_id, t.service_id, t.status, t.priority,
	t.created_at, t.request_id, t.called_at, t.serving_started_at, t.completed_at,
	t.prioritized_at, t.counter_id, t.served_by, COALESCE(t.phone, ''),
	COALESCE(t.notify_channel, ''), COALESCE(t.checkin_method, '')
`

type Store struct {
	pool    *pgxpool.Pool
	numbers *NumberAllocator
}

// NewStore wires the ledger. rdb may be nil; ticket numbering then falls
// back to the ticket_sequences table.
func NewStore(pool *pgxpool.Pool, rdb *redis.Client) *Store {
	return &Store{pool: pool, numbers: NewNumberAllocator(rdb)}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, ferr := findTicketByRequestID(ctx, tx, input.RequestID)
		if ferr != nil {
			err = ferr
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
	}

	var queueStatus string
	row := tx.QueryRow(ctx, `SELECT queue_status FROM branches WHERE branch_id = $1`, input.BranchID)
	if err = row.Scan(&queueStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrBranchNotFound
		}
		return models.Ticket{}, false, err
	}
	switch queueStatus {
	case models.QueuePaused:
		err = store.ErrQueuePaused
		return models.Ticket{}, false, err
	case models.QueueClosed:
		err = store.ErrQueueClosed
		return models.Ticket{}, false, err
	}

	var prefix string
	row = tx.QueryRow(ctx, `
		SELECT prefix
		FROM services
		WHERE service_id = $1 AND branch_id = $2 AND active = TRUE
	`, input.ServiceID, input.BranchID)
	if err = row.Scan(&prefix); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrServiceNotFound
		}
		return models.Ticket{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	number, err := s.numbers.Next(ctx, tx, input.BranchID, prefix, createdAt)
	if err != nil {
		return models.Ticket{}, false, err
	}

	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	ticket := models.Ticket{
		TicketID:      uuid.NewString(),
		TicketNumber:  number,
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

	var insertedID string
	row = tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, ticket_number, branch_id, service_id,
			status, priority, created_at, phone, notify_channel, checkin_method
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING ticket_id
	`, ticket.TicketID, nullIfEmpty(ticket.RequestID), ticket.TicketNumber, ticket.BranchID, ticket.ServiceID,
		ticket.Status, ticket.Priority, ticket.CreatedAt, nullIfEmpty(ticket.Phone), ticket.NotifyChannel, nullIfEmpty(ticket.CheckinMethod))
	if err = row.Scan(&insertedID); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, err
		}
		// A concurrent check-in with the same request id won the insert.
		// Hand back its ticket instead of a row that was never written.
		existing, found, ferr := findTicketByRequestID(ctx, tx, input.RequestID)
		if ferr != nil {
			err = ferr
			return models.Ticket{}, false, err
		}
		if !found {
			err = fmt.Errorf("ticket insert conflicted but request %s has no row", input.RequestID)
			return models.Ticket{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	if err = insertTicketOutbox(ctx, tx, store.EventTicketCreated, ticket); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, branchID, ticketID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		WHERE t.ticket_id = $1 AND t.branch_id = $2
	`, ticketID, branchID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListWaiting(ctx context.Context, branchID, serviceID string) ([]models.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets t
		WHERE t.branch_id = $1 AND t.status = 'waiting'
	`
	args := []interface{}{branchID}
	if serviceID != "" {
		query += " AND t.service_id = $2"
		args = append(args, serviceID)
	}
	query += " ORDER BY " + queueOrder

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTickets(rows)
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, empty, ferr := findActionRequest(ctx, tx, "call_next", input.RequestID)
		if ferr != nil {
			err = ferr
			return models.Ticket{}, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, err
			}
			if empty {
				return models.Ticket{}, store.ErrNoTicket
			}
			return existing, nil
		}
	}

	var counterStatus string
	var currentTicket sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT status, current_ticket_id
		FROM counters
		WHERE counter_id = $1 AND branch_id = $2
		FOR UPDATE
	`, input.CounterID, input.BranchID)
	if err = row.Scan(&counterStatus, &currentTicket); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrCounterNotFound
		}
		return models.Ticket{}, err
	}
	if counterStatus != models.CounterOpen {
		err = store.ErrCounterUnavailable
		return models.Ticket{}, err
	}
	if currentTicket.Valid {
		err = store.ErrCounterBusy
		return models.Ticket{}, err
	}

	if input.ServiceID != "" {
		allowed, aerr := counterAllowsService(ctx, tx, input.CounterID, input.ServiceID)
		if aerr != nil {
			err = aerr
			return models.Ticket{}, err
		}
		if !allowed {
			err = store.ErrCounterMismatch
			return models.Ticket{}, err
		}
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	row = tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT t.ticket_id
			FROM tickets t
			WHERE t.branch_id = $1 AND t.status = 'waiting'
				AND ($2 = '' OR t.service_id = $2)
				AND (
					NOT EXISTS (SELECT 1 FROM counter_services cs WHERE cs.counter_id = $3)
					OR EXISTS (
						SELECT 1 FROM counter_services cs
						WHERE cs.counter_id = $3 AND cs.service_id = t.service_id
					)
				)
			ORDER BY `+queueOrder+`
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets t
		SET status = 'serving',
			called_at = $4,
			serving_started_at = $4,
			counter_id = $3,
			served_by = $5
		FROM next_ticket
		WHERE t.ticket_id = next_ticket.ticket_id
		RETURNING `+ticketColumns+`
	`, input.BranchID, input.ServiceID, input.CounterID, calledAt, nullIfEmpty(input.UserID))

	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if input.RequestID != "" {
				if err = insertActionRequest(ctx, tx, "call_next", input.RequestID, ""); err != nil {
					return models.Ticket{}, err
				}
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, err
			}
			return models.Ticket{}, store.ErrNoTicket
		}
		return models.Ticket{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE counters SET current_ticket_id = $1 WHERE counter_id = $2
	`, ticket.TicketID, input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}

	if input.RequestID != "" {
		if err = insertActionRequest(ctx, tx, "call_next", input.RequestID, ticket.TicketID); err != nil {
			return models.Ticket{}, err
		}
	}
	if err = insertTicketOutbox(ctx, tx, store.EventTicketCalled, ticket); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.finishTicket(ctx, input, "complete", models.StatusCompleted, store.EventTicketCompleted)
}

func (s *Store) NoShowTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.finishTicket(ctx, input, "no_show", models.StatusNoShow, store.EventTicketNoShow)
}

func (s *Store) finishTicket(ctx context.Context, input store.TicketActionInput, action, toStatus, eventType string) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, empty, ferr := findActionRequest(ctx, tx, action, input.RequestID)
		if ferr != nil {
			err = ferr
			return models.Ticket{}, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, err
			}
			if empty {
				return models.Ticket{}, store.ErrInvalidState
			}
			return existing, nil
		}
	}

	ticket, err := lockTicket(ctx, tx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.Status == toStatus {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, err
		}
		return ticket, nil
	}
	if !store.ValidTransition(action, ticket.Status) {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets t
		SET status = $2, completed_at = $3
		WHERE t.ticket_id = $1
		RETURNING `+ticketColumns+`
	`, ticket.TicketID, toStatus, occurredAt)
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, err
	}

	if err = releaseCounter(ctx, tx, ticket.TicketID); err != nil {
		return models.Ticket{}, err
	}
	if input.RequestID != "" {
		if err = insertActionRequest(ctx, tx, action, input.RequestID, ticket.TicketID); err != nil {
			return models.Ticket{}, err
		}
	}
	if err = insertTicketOutbox(ctx, tx, eventType, ticket); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err := lockTicket(ctx, tx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.Status == models.StatusCancelled {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, err
		}
		return ticket, nil
	}
	if !store.ValidTransition("cancel", ticket.Status) {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	row := tx.QueryRow(ctx, `
		UPDATE tickets t
		SET status = 'cancelled', completed_at = $2
		WHERE t.ticket_id = $1
		RETURNING `+ticketColumns+`
	`, ticket.TicketID, occurredAt)
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, err
	}

	if err = releaseCounter(ctx, tx, ticket.TicketID); err != nil {
		return models.Ticket{}, err
	}
	if err = insertTicketOutbox(ctx, tx, store.EventTicketCancelled, ticket); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) TransferTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err := lockTicket(ctx, tx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	if !store.ValidTransition("transfer", ticket.Status) {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}

	var prefix string
	row := tx.QueryRow(ctx, `
		SELECT prefix
		FROM services
		WHERE service_id = $1 AND branch_id = $2 AND active = TRUE
	`, input.ToServiceID, ticket.BranchID)
	if err = row.Scan(&prefix); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrServiceNotFound
		}
		return models.Ticket{}, err
	}

	number, err := s.numbers.Next(ctx, tx, ticket.BranchID, prefix, time.Now().UTC())
	if err != nil {
		return models.Ticket{}, err
	}
	if err = releaseCounter(ctx, tx, ticket.TicketID); err != nil {
		return models.Ticket{}, err
	}

	// created_at is deliberately untouched: a transfer keeps the
	// customer's seniority in the new line.
	row = tx.QueryRow(ctx, `
		UPDATE tickets t
		SET service_id = $2,
			ticket_number = $3,
			status = 'waiting',
			counter_id = NULL,
			served_by = NULL,
			called_at = NULL,
			serving_started_at = NULL
		WHERE t.ticket_id = $1
		RETURNING `+ticketColumns+`
	`, ticket.TicketID, input.ToServiceID, number)
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, err
	}

	if err = insertTicketOutbox(ctx, tx, store.EventTicketTransferred, ticket); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) BumpPriority(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err := lockTicket(ctx, tx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.Priority == models.PriorityVIP || !store.ValidTransition("prioritize", ticket.Status) {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	row := tx.QueryRow(ctx, `
		UPDATE tickets t
		SET priority = 'vip', prioritized_at = $2
		WHERE t.ticket_id = $1
		RETURNING `+ticketColumns+`
	`, ticket.TicketID, occurredAt)
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, err
	}

	if err = insertTicketOutbox(ctx, tx, store.EventTicketPrioritized, ticket); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) PauseQueue(ctx context.Context, branchID string) (models.Branch, error) {
	return s.setQueueStatus(ctx, branchID, models.QueueOpen, models.QueuePaused, store.EventQueuePaused)
}

func (s *Store) ResumeQueue(ctx context.Context, branchID string) (models.Branch, error) {
	return s.setQueueStatus(ctx, branchID, models.QueuePaused, models.QueueOpen, store.EventQueueResumed)
}

func (s *Store) setQueueStatus(ctx context.Context, branchID, from, to, eventType string) (models.Branch, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Branch{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var branch models.Branch
	row := tx.QueryRow(ctx, `
		UPDATE branches
		SET queue_status = $3
		WHERE branch_id = $1 AND queue_status = $2
		RETURNING branch_id, name, queue_status, notify_at_position
	`, branchID, from, to)
	if err = row.Scan(&branch.BranchID, &branch.Name, &branch.QueueStatus, &branch.NotifyAtPosition); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.GetBranch(ctx, branchID); gerr != nil {
				err = gerr
			} else {
				err = store.ErrInvalidState
			}
		}
		return models.Branch{}, err
	}

	if err = insertOutbox(ctx, tx, branchID, eventType, map[string]string{
		"branch_id":    branchID,
		"queue_status": to,
	}); err != nil {
		return models.Branch{}, err
	}

	var waiting []models.Ticket
	if waiting, err = listWaitingTx(ctx, tx, branchID); err != nil {
		return models.Branch{}, err
	}
	if err = insertOutbox(ctx, tx, branchID, store.EventQueueSnapshot, store.QueueSnapshot{
		BranchID:    branchID,
		QueueStatus: to,
		Tickets:     waiting,
	}); err != nil {
		return models.Branch{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) CloseQueue(ctx context.Context, branchID string) (models.CloseResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CloseResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var queueStatus string
	row := tx.QueryRow(ctx, `SELECT queue_status FROM branches WHERE branch_id = $1 FOR UPDATE`, branchID)
	if err = row.Scan(&queueStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrBranchNotFound
		}
		return models.CloseResult{}, err
	}
	if queueStatus == models.QueueClosed {
		err = store.ErrQueueClosed
		return models.CloseResult{}, err
	}

	now := time.Now().UTC()
	var result models.CloseResult

	tag, err := tx.Exec(ctx, `
		UPDATE tickets
		SET status = 'completed', completed_at = $2
		WHERE branch_id = $1 AND status IN ('serving', 'called')
	`, branchID, now)
	if err != nil {
		return models.CloseResult{}, err
	}
	result.Completed = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = 'cancelled', completed_at = $2
		WHERE branch_id = $1 AND status = 'waiting'
	`, branchID, now)
	if err != nil {
		return models.CloseResult{}, err
	}
	result.Cancelled = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `
		UPDATE counters
		SET status = 'closed', current_ticket_id = NULL
		WHERE branch_id = $1 AND status <> 'closed'
	`, branchID)
	if err != nil {
		return models.CloseResult{}, err
	}
	result.Counters = int(tag.RowsAffected())

	_, err = tx.Exec(ctx, `UPDATE branches SET queue_status = 'closed' WHERE branch_id = $1`, branchID)
	if err != nil {
		return models.CloseResult{}, err
	}

	if err = insertOutbox(ctx, tx, branchID, store.EventQueueClosed, result); err != nil {
		return models.CloseResult{}, err
	}
	// The sweep emptied the waiting line; the snapshot says so explicitly.
	if err = insertOutbox(ctx, tx, branchID, store.EventQueueSnapshot, store.QueueSnapshot{
		BranchID:    branchID,
		QueueStatus: models.QueueClosed,
	}); err != nil {
		return models.CloseResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.CloseResult{}, err
	}
	return result, nil
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (models.Branch, error) {
	var branch models.Branch
	row := s.pool.QueryRow(ctx, `
		SELECT branch_id, name, queue_status, notify_at_position
		FROM branches
		WHERE branch_id = $1
	`, branchID)
	if err := row.Scan(&branch.BranchID, &branch.Name, &branch.QueueStatus, &branch.NotifyAtPosition); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) GetActiveTicket(ctx context.Context, branchID, counterID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		JOIN counters c ON c.current_ticket_id = t.ticket_id
		WHERE c.counter_id = $1 AND c.branch_id = $2
	`, counterID, branchID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListCounters(ctx context.Context, branchID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, branch_id, number, COALESCE(label, ''), status, current_ticket_id, assigned_user_id
		FROM counters
		WHERE branch_id = $1
		ORDER BY number ASC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		var counter models.Counter
		var currentNull, userNull sql.NullString
		if err := rows.Scan(&counter.CounterID, &counter.BranchID, &counter.Number, &counter.Label, &counter.Status, &currentNull, &userNull); err != nil {
			return nil, err
		}
		counter.CurrentTicketID = nullStringPtr(currentNull)
		counter.AssignedUserID = nullStringPtr(userNull)
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range counters {
		serviceIDs, err := counterServiceIDs(ctx, s.pool, counters[i].CounterID)
		if err != nil {
			return nil, err
		}
		counters[i].ServiceIDs = serviceIDs
	}
	return counters, nil
}

func (s *Store) UpdateCounterStatus(ctx context.Context, branchID, counterID, status string) error {
	switch status {
	case models.CounterOpen, models.CounterClosed, models.CounterOnBreak:
	default:
		return store.ErrInvalidState
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE counters
		SET status = $1
		WHERE counter_id = $2 AND branch_id = $3
			AND ($1 = 'open' OR current_ticket_id IS NULL)
	`, status, counterID, branchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		row := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM counters WHERE counter_id = $1 AND branch_id = $2)
		`, counterID, branchID)
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrCounterNotFound
		}
		return store.ErrCounterBusy
	}
	return nil
}

func (s *Store) ListServices(ctx context.Context, branchID string) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, branch_id, name, prefix, avg_service_mins, active
		FROM services
		WHERE branch_id = $1 AND active = TRUE
		ORDER BY name ASC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ServiceID, &svc.BranchID, &svc.Name, &svc.Prefix, &svc.AvgServiceMins, &svc.Active); err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, branch_id, type, payload_json, created_at
		FROM outbox_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		query += " WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.BranchID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func lockTicket(ctx context.Context, tx pgx.Tx, input store.TicketActionInput) (models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		WHERE t.ticket_id = $1 AND t.branch_id = $2
		FOR UPDATE
	`, input.TicketID, input.BranchID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	if input.CounterID != "" && ticket.CounterID != nil && *ticket.CounterID != input.CounterID {
		return models.Ticket{}, store.ErrCounterMismatch
	}
	return ticket, nil
}

func releaseCounter(ctx context.Context, tx pgx.Tx, ticketID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE counters SET current_ticket_id = NULL WHERE current_ticket_id = $1
	`, ticketID)
	return err
}

func counterAllowsService(ctx context.Context, tx pgx.Tx, counterID, serviceID string) (bool, error) {
	var assigned int
	row := tx.QueryRow(ctx, `SELECT COUNT(*) FROM counter_services WHERE counter_id = $1`, counterID)
	if err := row.Scan(&assigned); err != nil {
		return false, err
	}
	if assigned == 0 {
		return true, nil
	}
	var allowed bool
	row = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM counter_services WHERE counter_id = $1 AND service_id = $2
		)
	`, counterID, serviceID)
	if err := row.Scan(&allowed); err != nil {
		return false, err
	}
	return allowed, nil
}

func counterServiceIDs(ctx context.Context, pool *pgxpool.Pool, counterID string) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT service_id FROM counter_services WHERE counter_id = $1 ORDER BY service_id
	`, counterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		WHERE t.request_id = $1
	`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_id
		FROM ticket_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}
	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}

	row = tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		WHERE t.ticket_id = $1
	`, ticketID.String)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, ticketID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_action_requests (request_id, action, ticket_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id, action) DO NOTHING
	`, requestID, action, nullIfEmpty(ticketID), time.Now().UTC())
	return err
}

func insertTicketOutbox(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return err
	}
	if err := insertOutboxRaw(ctx, tx, ticket.BranchID, eventType, payload); err != nil {
		return err
	}
	return insertTicketEvent(ctx, tx, ticket.TicketID, eventType, payload)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, branchID, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return insertOutboxRaw(ctx, tx, branchID, eventType, raw)
}

func insertOutboxRaw(ctx context.Context, tx pgx.Tx, branchID, eventType string, payload []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, branch_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), branchID, eventType, payload, time.Now().UTC())
	return err
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticketID, eventType string, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
		FOR UPDATE
	`, ticketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	createdAt := time.Now().UTC()
	hash := store.ComputeTicketEventHash(prev, ticketID, eventType, payload, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticketID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var requestIDNull sql.NullString
	var calledAtNull, servingAtNull, completedAtNull, prioritizedAtNull sql.NullTime
	var counterIDNull, servedByNull sql.NullString
	if err := row.Scan(
		&ticket.TicketID, &ticket.TicketNumber, &ticket.BranchID, &ticket.ServiceID, &ticket.Status, &ticket.Priority,
		&ticket.CreatedAt, &requestIDNull, &calledAtNull, &servingAtNull, &completedAtNull,
		&prioritizedAtNull, &counterIDNull, &servedByNull, &ticket.Phone,
		&ticket.NotifyChannel, &ticket.CheckinMethod,
	); err != nil {
		return models.Ticket{}, err
	}
	if requestIDNull.Valid {
		ticket.RequestID = requestIDNull.String
	}
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.ServingStartedAt = nullTimePtr(servingAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	ticket.PrioritizedAt = nullTimePtr(prioritizedAtNull)
	ticket.CounterID = nullStringPtr(counterIDNull)
	ticket.ServedBy = nullStringPtr(servedByNull)
	return ticket, nil
}

func listWaitingTx(ctx context.Context, tx pgx.Tx, branchID string) ([]models.Ticket, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		WHERE t.branch_id = $1 AND t.status = 'waiting'
		ORDER BY `+queueOrder, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTickets(rows)
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func resolveChannel(phone, requested string) string {
	if phone == "" {
		return models.ChannelNone
	}
	switch requested {
	case models.ChannelWhatsApp, models.ChannelSMS, models.ChannelNone:
		return requested
	}
	return models.ChannelSMS
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

var _ store.TicketStore = (*Store)(nil)

// Connect opens the pool and verifies the database is reachable.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
