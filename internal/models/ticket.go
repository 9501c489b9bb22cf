package models

import "time"

type Ticket struct {
	TicketID         string     `json:"ticket_id"`
	TicketNumber     string     `json:"ticket_number"`
	BranchID         string     `json:"branch_id,omitempty"`
	ServiceID        string     `json:"service_id,omitempty"`
	Status           string     `json:"status"`
	Priority         string     `json:"priority"`
	CreatedAt        time.Time  `json:"created_at"`
	RequestID        string     `json:"request_id"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	ServingStartedAt *time.Time `json:"serving_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	PrioritizedAt    *time.Time `json:"prioritized_at,omitempty"`
	CounterID        *string    `json:"counter_id,omitempty"`
	ServedBy         *string    `json:"served_by,omitempty"`
	Phone            string     `json:"phone,omitempty"`
	NotifyChannel    string     `json:"notify_channel,omitempty"`
	CheckinMethod    string     `json:"checkin_method,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusNoShow    = "no_show"
	StatusCancelled = "cancelled"
)

const (
	PriorityNormal = "normal"
	PriorityVIP    = "vip"
)

const (
	CheckinKiosk  = "kiosk"
	CheckinMobile = "mobile"
	CheckinStaff  = "staff"
)

// Terminal reports whether the ticket can no longer change status.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}
