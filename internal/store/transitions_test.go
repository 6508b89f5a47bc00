package store

import "testing"

func TestValidAppointmentTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"checkin", "confirmed", true},
		{"checkin", "checked_in", false},
		{"start", "checked_in", true},
		{"start", "confirmed", false},
		{"complete", "in_progress", true},
		{"complete", "checked_in", false},
		{"cancel", "confirmed", true},
		{"cancel", "checked_in", true},
		{"cancel", "in_progress", false},
		{"no_show", "confirmed", true},
		{"no_show", "checked_in", false},
		{"cancel", "cancelled", false},
		{"checkin", "no_show", false},
		{"start", "completed", false},
		{"skip", "confirmed", false},
		{"unknown", "confirmed", false},
	}

	for _, tt := range cases {
		if got := ValidAppointmentTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidAppointmentTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestValidQueueTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"start", "waiting", true},
		{"start", "skipped", true},
		{"start", "in_progress", false},
		{"complete", "in_progress", true},
		{"complete", "waiting", false},
		{"skip", "waiting", true},
		{"skip", "skipped", false},
		{"no_show", "waiting", true},
		{"no_show", "skipped", true},
		{"no_show", "completed", false},
		{"cancel", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidQueueTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidQueueTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTerminalStatusesHaveNoOutgoingTransition(t *testing.T) {
	for action := range appointmentTransitions {
		for _, terminal := range []string{"completed", "cancelled", "no_show"} {
			if ValidAppointmentTransition(action, terminal) {
				t.Fatalf("appointment action %q fires on terminal %q", action, terminal)
			}
		}
	}
	for action := range queueTransitions {
		for _, terminal := range []string{"completed", "no_show"} {
			if ValidQueueTransition(action, terminal) {
				t.Fatalf("queue action %q fires on terminal %q", action, terminal)
			}
		}
	}
}
