package core

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusUploading, true},
		{StatusUploading, StatusStored, true},
		{StatusStored, StatusParsing, true},
		{StatusParsing, StatusParsed, true},
		{StatusParsing, StatusFailed, true},
		{StatusUploading, StatusFailed, true},
		{StatusParsed, StatusDeleted, true},
		{StatusFailed, StatusDeleted, true},
		{StatusPending, StatusDeleted, true},
		{StatusUploading, StatusUploading, true},

		{StatusPending, StatusParsed, false},
		{StatusStored, StatusUploading, false},
		{StatusParsed, StatusFailed, false},
		{StatusFailed, StatusParsing, false},
		{StatusParsed, StatusParsed, false},
		{StatusDeleted, StatusDeleted, false},
		{StatusDeleted, StatusPending, false},
		{Status("bogus"), StatusPending, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:   false,
		StatusUploading: false,
		StatusStored:    false,
		StatusParsing:   false,
		StatusParsed:    true,
		StatusFailed:    true,
		StatusDeleted:   true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
		if !s.Valid() {
			t.Errorf("%s.Valid() = false", s)
		}
	}
}

func TestReceivePercent(t *testing.T) {
	tests := []struct {
		name     string
		current  int
		received int64
		total    int64
		want     int
	}{
		{"unknown total keeps current", 7, 5000, Unknown, 7},
		{"zero total keeps current", 0, 10, 0, 0},
		{"half received", 0, 50, 100, 25},
		{"all received stays below stored", 0, 100, 100, 49},
		{"more than declared is capped", 0, 500, 100, 49},
		{"never decreases", 30, 10, 100, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := receivePercent(tt.current, tt.received, tt.total); got != tt.want {
				t.Errorf("receivePercent() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParsePercent(t *testing.T) {
	tests := []struct {
		name    string
		current int
		done    int64
		total   int64
		want    int
	}{
		{"start of parse", 50, 0, 10, 50},
		{"halfway", 50, 5, 10, 74},
		{"all rows still below done", 50, 10, 10, 99},
		{"overshoot capped", 50, 20, 10, 99},
		{"unknown total", 50, 5, 0, 50},
		{"below band is lifted", 10, 0, 0, 50},
		{"never decreases", 90, 1, 10, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parsePercent(tt.current, tt.done, tt.total); got != tt.want {
				t.Errorf("parsePercent() = %d, want %d", got, tt.want)
			}
		})
	}
}
