package models

type Counter struct {
	CounterID       string   `json:"counter_id"`
	BranchID        string   `json:"branch_id"`
	Number          int      `json:"number"`
	Label           string   `json:"label,omitempty"`
	Status          string   `json:"status"`
	CurrentTicketID *string  `json:"current_ticket_id,omitempty"`
	AssignedUserID  *string  `json:"assigned_user_id,omitempty"`
	ServiceIDs      []string `json:"service_ids,omitempty"`
}

const (
	CounterOpen    = "open"
	CounterClosed  = "closed"
	CounterOnBreak = "on_break"
)

// Serves reports whether the counter handles the given service. A counter
// with no assignment rows serves every service in the branch.
func (c Counter) Serves(serviceID string) bool {
	if len(c.ServiceIDs) == 0 {
		return true
	}
	for _, id := range c.ServiceIDs {
		if id == serviceID {
			return true
		}
	}
	return false
}
