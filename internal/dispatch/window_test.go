package dispatch

import (
	"testing"
	"time"
)

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 14, hour, min, 0, 0, time.UTC)
}

func TestInWindowSameDay(t *testing.T) {
	t.Parallel()
	start, end := HHMM{Hour: 9}, HHMM{Hour: 17}
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "before open", now: at(8, 59), want: false},
		{name: "at open", now: at(9, 0), want: true},
		{name: "mid window", now: at(12, 30), want: true},
		{name: "last open minute", now: at(16, 59), want: true},
		{name: "end hour closes", now: at(17, 0), want: false},
		{name: "after close", now: at(18, 15), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := InWindow(tt.now, start, end); got != tt.want {
				t.Fatalf("InWindow(%v) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestInWindowOvernight(t *testing.T) {
	t.Parallel()
	start, end := HHMM{Hour: 22}, HHMM{Hour: 6}
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "evening before open", now: at(21, 59), want: false},
		{name: "at open", now: at(22, 0), want: true},
		{name: "before midnight", now: at(23, 30), want: true},
		{name: "after midnight", now: at(2, 0), want: true},
		{name: "last open minute", now: at(5, 59), want: true},
		{name: "end hour closes", now: at(6, 0), want: false},
		{name: "daytime closed", now: at(12, 0), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := InWindow(tt.now, start, end); got != tt.want {
				t.Fatalf("InWindow(%v) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
			}
		})
	}
}

// The end boundary is exclusive at hour granularity: end minutes are ignored
// once the current hour equals the end hour.
func TestInWindowEndHourTrumpsMinutes(t *testing.T) {
	t.Parallel()
	start, end := HHMM{Hour: 9}, HHMM{Hour: 14, Minute: 30}
	if InWindow(at(14, 15), start, end) {
		t.Fatal("14:15 should be closed for an end of 14:30 (end hour is exclusive)")
	}
	if !InWindow(at(13, 59), start, end) {
		t.Fatal("13:59 should be open for an end of 14:30")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	got, err := ParseHHMM(" 23:15 ")
	if err != nil {
		t.Fatalf("ParseHHMM error: %v", err)
	}
	if got.Hour != 23 || got.Minute != 15 {
		t.Fatalf("unexpected result: %v", got)
	}

	for _, bad := range []string{"24:00", "12:60", "9", "ab:cd", "12:3:4", ""} {
		if _, err := ParseHHMM(bad); err == nil {
			t.Fatalf("ParseHHMM(%q) expected error", bad)
		}
	}
}

func TestValidateWindow(t *testing.T) {
	t.Parallel()
	if err := ValidateWindow("09:00", "17:00"); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}
	if err := ValidateWindow("22:00", "06:00"); err != nil {
		t.Fatalf("overnight window rejected: %v", err)
	}
	if err := ValidateWindow("10:30", "10:30"); err == nil {
		t.Fatal("zero-width window accepted")
	}
	if err := ValidateWindow("hello", "17:00"); err == nil {
		t.Fatal("malformed start accepted")
	}
}

func TestHourBucketOrdering(t *testing.T) {
	t.Parallel()
	a := HourBucket(time.Date(2026, 3, 14, 9, 59, 0, 0, time.UTC))
	b := HourBucket(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	if a != "2026-03-14-09" {
		t.Fatalf("bucket = %q", a)
	}
	if !(a < b) {
		t.Fatalf("expected %q < %q", a, b)
	}
	// Same hour, different minutes: same bucket.
	if HourBucket(at(10, 1)) != HourBucket(at(10, 59)) {
		t.Fatal("minutes leaked into the bucket key")
	}
}
