package notify

import (
	"context"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
)

// MemQueue is a channel-backed Queue for tests and single-process setups.
type MemQueue struct {
	jobs chan models.NotificationJob
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemQueue{jobs: make(chan models.NotificationJob, capacity)}
}

func (q *MemQueue) Enqueue(ctx context.Context, job models.NotificationJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-q.jobs:
				d := Delivery{
					Job:  job,
					Ack:  func() {},
					Nack: func(requeue bool) {},
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
