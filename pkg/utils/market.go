package utils

import (
	"fmt"
	"time"
)

// Session describes a trading session window in a fixed timezone.
type Session struct {
	Location *time.Location
	Open     int // minutes from midnight
	Close    int
}

// NewSession builds a session from a timezone name and "HH:MM" bounds.
// An unknown timezone falls back to UTC.
func NewSession(tz, open, close string) (*Session, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("session open: %w", err)
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("session close: %w", err)
	}
	if c <= o {
		return nil, fmt.Errorf("session close %q must be after open %q", close, open)
	}
	return &Session{Location: loc, Open: o, Close: c}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return h*60 + m, nil
}

// IsTradingDay reports whether t falls on a weekday in the session timezone.
func (s *Session) IsTradingDay(t time.Time) bool {
	wd := t.In(s.Location).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsOpen reports whether t is a trading day inside the session window.
func (s *Session) IsOpen(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	local := t.In(s.Location)
	mins := local.Hour()*60 + local.Minute()
	return mins >= s.Open && mins < s.Close
}

// MinutesToClose returns minutes until the session close, negative after it.
func (s *Session) MinutesToClose(t time.Time) int {
	local := t.In(s.Location)
	mins := local.Hour()*60 + local.Minute()
	return s.Close - mins
}

// SameTradingDay reports whether a and b fall on the same calendar day in
// the session timezone. Used for "today" counters in risk checks.
func (s *Session) SameTradingDay(a, b time.Time) bool {
	la, lb := a.In(s.Location), b.In(s.Location)
	return la.Year() == lb.Year() && la.YearDay() == lb.YearDay()
}

// DayStart returns midnight of t's calendar day in the session timezone.
func (s *Session) DayStart(t time.Time) time.Time {
	local := t.In(s.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
}
