package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

const ticketNumberPad = 3

// NumberAllocator hands out per-branch, per-prefix daily ticket numbers.
// Redis carries the hot counter; the ticket_sequences table is both the
// seed after a Redis flush and the fallback when Redis is absent.
type NumberAllocator struct {
	rdb *redis.Client
}

func NewNumberAllocator(rdb *redis.Client) *NumberAllocator {
	return &NumberAllocator{rdb: rdb}
}

func (a *NumberAllocator) Next(ctx context.Context, tx pgx.Tx, branchID, prefix string, at time.Time) (string, error) {
	day := at.UTC().Format("2006-01-02")

	seq, err := nextSequence(ctx, tx, branchID, prefix, day)
	if err != nil {
		return "", err
	}

	if a.rdb != nil {
		key := fmt.Sprintf("blesaf:ticketseq:%s:%s:%s", branchID, prefix, day)
		// Seed with the number before the one the table just allocated, so
		// the INCR below lands on seq itself; a flushed Redis re-seeds from
		// the table and never replays numbers.
		if err := a.rdb.SetNX(ctx, key, seq-1, 24*time.Hour).Err(); err == nil {
			if n, err := a.rdb.Incr(ctx, key).Result(); err == nil && n > seq {
				// Another writer raced ahead in Redis; advance the table so
				// the fallback path stays monotonic.
				if err := bumpSequence(ctx, tx, branchID, prefix, day, n); err != nil {
					return "", err
				}
				seq = n
			}
		}
	}

	return fmt.Sprintf("%s-%0*d", prefix, ticketNumberPad, seq), nil
}

func nextSequence(ctx context.Context, tx pgx.Tx, branchID, prefix, day string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (branch_id, prefix, day, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (branch_id, prefix, day)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, branchID, prefix, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func bumpSequence(ctx context.Context, tx pgx.Tx, branchID, prefix, day string, to int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE ticket_sequences
		SET next_number = $4
		WHERE branch_id = $1 AND prefix = $2 AND day = $3 AND next_number < $4
	`, branchID, prefix, day, to)
	return err
}
