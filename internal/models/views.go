package models

import "time"

// QueuedTicket is a waiting ticket annotated with its global position and
// the estimated wait derived from it.
type QueuedTicket struct {
	Ticket
	Position      int `json:"position"`
	EstimatedWait int `json:"estimated_wait_mins"`
}

type CounterState struct {
	Counter
	CurrentTicket *Ticket `json:"current_ticket,omitempty"`
}

type ServiceStats struct {
	Service
	WaitingCount int `json:"waiting_count"`
}

type DayStats struct {
	Completed int `json:"completed"`
	NoShows   int `json:"no_shows"`
	Cancelled int `json:"cancelled"`
}

// BranchQueueState is the display-board aggregate for one branch.
type BranchQueueState struct {
	Branch   Branch         `json:"branch"`
	Counters []CounterState `json:"counters"`
	Waiting  []QueuedTicket `json:"waiting"`
	Services []ServiceStats `json:"services"`
	Today    DayStats       `json:"today"`
	AsOf     time.Time      `json:"as_of"`
}

// TellerQueueView is the per-counter view a teller works from.
type TellerQueueView struct {
	Counter       Counter             `json:"counter"`
	CurrentTicket *Ticket             `json:"current_ticket,omitempty"`
	ByService     map[string][]Ticket `json:"by_service,omitempty"`
	GlobalQueue   []Ticket            `json:"global_queue"`
	TotalWaiting  int                 `json:"total_waiting"`
}

type TicketPosition struct {
	TicketID      string `json:"ticket_id"`
	Status        string `json:"status"`
	Position      int    `json:"position"`
	EstimatedWait int    `json:"estimated_wait_mins"`
}

// CloseResult reports what an end-of-day queue close did.
type CloseResult struct {
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Counters  int `json:"counters_closed"`
}
