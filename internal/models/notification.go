package models

import "time"

const (
	MessageConfirmation = "confirmation"
	MessageAlmostTurn   = "almost_turn"
	MessageYourTurn     = "your_turn"
)

const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelNone     = "none"
)

// NotificationJob is one queued send request. Channel is the customer's
// preferred channel; the worker may fall back to another one.
type NotificationJob struct {
	JobID        string            `json:"job_id"`
	TicketID     string            `json:"ticket_id"`
	MessageType  string            `json:"message_type"`
	Channel      string            `json:"channel"`
	Recipient    string            `json:"recipient"`
	Language     string            `json:"language"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// NotificationLog records the single delivery outcome of a job, with the
// channel that actually carried the message.
type NotificationLog struct {
	LogID       string    `json:"log_id"`
	TicketID    string    `json:"ticket_id"`
	MessageType string    `json:"message_type"`
	Channel     string    `json:"channel"`
	Recipient   string    `json:"recipient"`
	Provider    string    `json:"provider,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	NotifySent   = "sent"
	NotifyFailed = "failed"
)
