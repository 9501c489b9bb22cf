package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call_next", "waiting", true},
		{"call_next", "serving", false},
		{"call_next", "completed", false},
		{"complete", "serving", true},
		{"complete", "called", true},
		{"complete", "waiting", false},
		{"no_show", "serving", true},
		{"no_show", "waiting", false},
		{"cancel", "waiting", true},
		{"cancel", "serving", true},
		{"cancel", "completed", false},
		{"transfer", "waiting", true},
		{"transfer", "serving", true},
		{"transfer", "no_show", false},
		{"prioritize", "waiting", true},
		{"prioritize", "serving", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}
