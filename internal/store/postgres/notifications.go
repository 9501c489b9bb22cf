package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/store"
)

// NotificationStore is the delivery audit written by the notification
// worker. One row per job, carrying the channel that actually sent.
type NotificationStore struct {
	pool *pgxpool.Pool
}

func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

func (s *NotificationStore) InsertNotification(ctx context.Context, log models.NotificationLog) error {
	if log.LogID == "" {
		log.LogID = uuid.NewString()
	}
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_log (
			log_id, ticket_id, message_type, channel, recipient, provider, status, error, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, log.LogID, log.TicketID, log.MessageType, log.Channel, log.Recipient,
		nullIfEmpty(log.Provider), log.Status, nullIfEmpty(log.Error), createdAt)
	return err
}

func (s *NotificationStore) HasNotification(ctx context.Context, ticketID, messageType string) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_log
			WHERE ticket_id = $1 AND message_type = $2
		)
	`, ticketID, messageType)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *NotificationStore) ListNotifications(ctx context.Context, ticketID string) ([]models.NotificationLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT log_id, ticket_id, message_type, channel, recipient, COALESCE(provider, ''), status, COALESCE(error, ''), created_at
		FROM notification_log
		WHERE ticket_id = $1
		ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.NotificationLog
	for rows.Next() {
		var log models.NotificationLog
		if err := rows.Scan(&log.LogID, &log.TicketID, &log.MessageType, &log.Channel, &log.Recipient, &log.Provider, &log.Status, &log.Error, &log.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

var _ store.NotificationLogStore = (*NotificationStore)(nil)
