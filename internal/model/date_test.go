package model

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    Date
		wantErr bool
	}{
		{"2025-11-03", Date("2025-11-03"), false},
		{"2025-1-3", "", true},
		{"not-a-date", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDateOf_TruncatesToUTC(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2025, 11, 3, 23, 30, 0, 0, loc)
	if got := DateOf(ts); got != Date("2025-11-04") {
		t.Errorf("DateOf = %q, want 2025-11-04", got)
	}
}

func TestDate_AddDays(t *testing.T) {
	d := Date("2025-02-28")
	if got := d.AddDays(1); got != Date("2025-03-01") {
		t.Errorf("AddDays(1) = %q, want 2025-03-01", got)
	}
	if got := d.AddDays(-28); got != Date("2025-01-31") {
		t.Errorf("AddDays(-28) = %q, want 2025-01-31", got)
	}
}

func TestDate_Before(t *testing.T) {
	if !Date("2025-01-01").Before("2025-01-02") {
		t.Error("expected 2025-01-01 before 2025-01-02")
	}
	if Date("2025-01-02").Before("2025-01-02") {
		t.Error("date should not be before itself")
	}
}

func TestDate_DaysSince(t *testing.T) {
	if got := Date("2025-01-11").DaysSince("2025-01-01"); got != 10 {
		t.Errorf("DaysSince = %d, want 10", got)
	}
	if got := Date("2024-12-31").DaysSince("2025-01-01"); got != -1 {
		t.Errorf("DaysSince = %d, want -1", got)
	}
}
