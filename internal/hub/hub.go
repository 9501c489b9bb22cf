// Package hub fans queue events out to connected displays, teller consoles
// and customer sessions. Clients join logical rooms (branch:<id>,
// ticket:<id>) and receive every event routed to those rooms.
package hub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/rachedmaalej/BleSaf-Banking-v2-sub002/internal/logger"
)

type Client struct {
	ID    string
	Send  chan []byte
	rooms map[string]struct{}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *zap.Logger
}

// ControlMessage is what a client sends to join or leave a room.
type ControlMessage struct {
	Action   string `json:"action"`
	BranchID string `json:"branch_id,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
}

// Envelope is the wire shape of a pushed event.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func New() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     logger.WithComponent("hub"),
	}
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{
		ID:    id,
		Send:  make(chan []byte, buffer),
		rooms: make(map[string]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Join(client *Client, room string) {
	if room == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	client.rooms[room] = struct{}{}
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.rooms, room)
}

// Broadcast delivers payload to every client in any of the given rooms.
// A client with a full send buffer is skipped, not blocked on.
func (h *Hub) Broadcast(payload []byte, rooms ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !inAny(client, rooms) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.log.Warn("drop message for slow client", zap.String("client_id", client.ID))
		}
	}
}

func inAny(client *Client, rooms []string) bool {
	for _, room := range rooms {
		if _, ok := client.rooms[room]; ok {
			return true
		}
	}
	return false
}

func BranchRoom(branchID string) string { return "branch:" + branchID }
func TicketRoom(ticketID string) string { return "ticket:" + ticketID }

// ParseControl validates a join/leave message and returns the rooms it
// names.
func ParseControl(data []byte) (ControlMessage, []string, bool) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, nil, false
	}
	if msg.Action != "join" && msg.Action != "leave" {
		return ControlMessage{}, nil, false
	}
	var rooms []string
	if msg.BranchID != "" {
		rooms = append(rooms, BranchRoom(msg.BranchID))
	}
	if msg.TicketID != "" {
		rooms = append(rooms, TicketRoom(msg.TicketID))
	}
	if len(rooms) == 0 {
		return ControlMessage{}, nil, false
	}
	return msg, rooms, true
}
