package notify

import (
	"context"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
)

// Delivery is one job handed to a worker. Ack removes it from the queue;
// Nack(true) leaves it for redelivery, Nack(false) discards it.
type Delivery struct {
	Job  models.NotificationJob
	Ack  func()
	Nack func(requeue bool)
}

// Queue carries notification jobs from the engine to the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, job models.NotificationJob) error
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}
