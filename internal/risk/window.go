package risk

import (
	"fmt"
	"time"
)

// Window is the trading session expressed as wall-clock minutes in a fixed
// time zone. Boundaries hold minute-of-day plus one so the zero value means
// unset, and an unset boundary disables its check. The zero Window is always
// open in UTC.
type Window struct {
	loc          *time.Location
	open         int
	close        int
	noEntryAfter int
	squareOff    int
}

// NewWindow parses HH:MM boundaries in the named time zone. Empty strings
// leave a boundary unset.
func NewWindow(tz, open, close, noEntryAfter, squareOff string) (Window, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("risk: load timezone %q: %w", tz, err)
		}
		loc = l
	}

	w := Window{loc: loc}
	var err error
	if w.open, err = parseClock(open); err != nil {
		return Window{}, err
	}
	if w.close, err = parseClock(close); err != nil {
		return Window{}, err
	}
	if w.noEntryAfter, err = parseClock(noEntryAfter); err != nil {
		return Window{}, err
	}
	if w.squareOff, err = parseClock(squareOff); err != nil {
		return Window{}, err
	}
	return w, nil
}

func parseClock(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("risk: parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute() + 1, nil
}

// Location returns the session time zone.
func (w Window) Location() *time.Location {
	if w.loc == nil {
		return time.UTC
	}
	return w.loc
}

func (w Window) minuteOfDay(t time.Time) int {
	lt := t.In(w.Location())
	return lt.Hour()*60 + lt.Minute() + 1
}

// TradeDate returns the session calendar date for t as YYYY-MM-DD.
func (w Window) TradeDate(t time.Time) string {
	return t.In(w.Location()).Format(time.DateOnly)
}

// InSession reports whether t falls inside [open, close).
func (w Window) InSession(t time.Time) bool {
	m := w.minuteOfDay(t)
	if w.open != 0 && m < w.open {
		return false
	}
	if w.close != 0 && m >= w.close {
		return false
	}
	return true
}

// PastEntryCutoff reports whether new entries are no longer accepted at t.
func (w Window) PastEntryCutoff(t time.Time) bool {
	return w.noEntryAfter != 0 && w.minuteOfDay(t) >= w.noEntryAfter
}

// PastSquareOff reports whether intraday positions must be closed at t.
func (w Window) PastSquareOff(t time.Time) bool {
	return w.squareOff != 0 && w.minuteOfDay(t) >= w.squareOff
}
