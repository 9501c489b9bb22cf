package store

import (
	"sort"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/models"
)

// queueKey is the moment a ticket earned its place in line. A priority bump
// re-keys the ticket at bump time, so earlier bumps outrank later ones while
// created_at stays untouched.
func queueKey(t models.Ticket) int64 {
	if t.PrioritizedAt != nil {
		return t.PrioritizedAt.UnixNano()
	}
	return t.CreatedAt.UnixNano()
}

// QueueLess orders the waiting line: vip before normal, then by queue key,
// then by creation time as a stable tiebreak.
func QueueLess(a, b models.Ticket) bool {
	if a.Priority != b.Priority {
		return a.Priority == models.PriorityVIP
	}
	ka, kb := queueKey(a), queueKey(b)
	if ka != kb {
		return ka < kb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func SortQueue(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return QueueLess(tickets[i], tickets[j])
	})
}
