package models

type Branch struct {
	BranchID         string `json:"branch_id"`
	Name             string `json:"name"`
	QueueStatus      string `json:"queue_status"`
	NotifyAtPosition int    `json:"notify_at_position,omitempty"`
}

const (
	QueueOpen   = "open"
	QueuePaused = "paused"
	QueueClosed = "closed"
)

type Service struct {
	ServiceID      string `json:"service_id"`
	BranchID       string `json:"branch_id"`
	Name           string `json:"name"`
	Prefix         string `json:"prefix"`
	AvgServiceMins int    `json:"avg_service_mins"`
	Active         bool   `json:"active"`
}
