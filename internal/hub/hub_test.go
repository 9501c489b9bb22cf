package hub

import "testing"

func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case payload := <-c.Send:
		return payload
	default:
		return nil
	}
}

func TestBroadcastRoomRouting(t *testing.T) {
	h := New()
	display := NewClient("display", 4)
	customer := NewClient("customer", 4)
	stranger := NewClient("stranger", 4)
	h.Register(display)
	h.Register(customer)
	h.Register(stranger)
	h.Join(display, BranchRoom("b1"))
	h.Join(customer, TicketRoom("t1"))
	h.Join(stranger, BranchRoom("b2"))

	h.Broadcast([]byte(`{"type":"ticket.called"}`), BranchRoom("b1"), TicketRoom("t1"))

	if recv(t, display) == nil {
		t.Fatal("branch room member missed the event")
	}
	if recv(t, customer) == nil {
		t.Fatal("ticket room member missed the event")
	}
	if recv(t, stranger) != nil {
		t.Fatal("other branch received the event")
	}
}

func TestBroadcastOncePerClient(t *testing.T) {
	h := New()
	client := NewClient("both", 4)
	h.Register(client)
	h.Join(client, BranchRoom("b1"))
	h.Join(client, TicketRoom("t1"))

	h.Broadcast([]byte("x"), BranchRoom("b1"), TicketRoom("t1"))

	if recv(t, client) == nil {
		t.Fatal("no delivery")
	}
	if recv(t, client) != nil {
		t.Fatal("client in two matching rooms got the event twice")
	}
}

func TestBroadcastSkipsSlowClient(t *testing.T) {
	h := New()
	slow := NewClient("slow", 1)
	h.Register(slow)
	h.Join(slow, BranchRoom("b1"))

	h.Broadcast([]byte("1"), BranchRoom("b1"))
	h.Broadcast([]byte("2"), BranchRoom("b1"))

	if got := recv(t, slow); string(got) != "1" {
		t.Fatalf("first message lost: %q", got)
	}
	if recv(t, slow) != nil {
		t.Fatal("overflow message was not dropped")
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := New()
	client := NewClient("c", 4)
	h.Register(client)
	h.Join(client, BranchRoom("b1"))
	h.Leave(client, BranchRoom("b1"))

	h.Broadcast([]byte("x"), BranchRoom("b1"))
	if recv(t, client) != nil {
		t.Fatal("left room still delivered")
	}
}

func TestParseControl(t *testing.T) {
	cases := []struct {
		raw   string
		valid bool
		rooms int
	}{
		{`{"action":"join","branch_id":"b1"}`, true, 1},
		{`{"action":"join","branch_id":"b1","ticket_id":"t1"}`, true, 2},
		{`{"action":"leave","ticket_id":"t1"}`, true, 1},
		{`{"action":"join"}`, false, 0},
		{`{"action":"subscribe","branch_id":"b1"}`, false, 0},
		{`not json`, false, 0},
	}
	for _, tt := range cases {
		_, rooms, ok := ParseControl([]byte(tt.raw))
		if ok != tt.valid || len(rooms) != tt.rooms {
			t.Fatalf("ParseControl(%s)=%v rooms=%d, want %v/%d", tt.raw, ok, len(rooms), tt.valid, tt.rooms)
		}
	}
}
