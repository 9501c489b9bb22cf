package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetOutboxOffset returns how far the named consumer has read the outbox.
// A consumer that never ran starts from the zero time.
func (s *Store) GetOutboxOffset(ctx context.Context, consumer string) (time.Time, error) {
	var value time.Time
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time
		FROM outbox_offsets
		WHERE consumer = $1
	`, consumer)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return value, nil
}

func (s *Store) UpdateOutboxOffset(ctx context.Context, consumer string, value time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_offsets (consumer, last_event_time)
		VALUES ($1, $2)
		ON CONFLICT (consumer) DO UPDATE SET last_event_time = EXCLUDED.last_event_time
	`, consumer, value)
	return err
}

// CleanupOutbox drops events older than the cutoff once every consumer has
// moved past them.
func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM outbox_events WHERE created_at < $1`, before)
	return err
}
