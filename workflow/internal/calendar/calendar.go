// Package calendar answers working-day questions in a fixed business
// location. Weekends and bank holidays are non-working days.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// ErrHolidaysUnavailable is returned when no holiday source could answer.
var ErrHolidaysUnavailable = errors.New("bank holidays unavailable")

// HolidaySet holds bank holiday dates keyed YYYY-MM-DD.
type HolidaySet map[string]struct{}

// NewHolidaySet builds a set from YYYY-MM-DD strings.
func NewHolidaySet(dates ...string) (HolidaySet, error) {
	set := make(HolidaySet, len(dates))
	for _, d := range dates {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", d, err)
		}
		set[d] = struct{}{}
	}
	return set, nil
}

// Contains reports whether the calendar date of t (in t's location) is a holiday.
func (s HolidaySet) Contains(t time.Time) bool {
	_, ok := s[t.Format(dateLayout)]
	return ok
}

// Merge returns the union of s and o.
func (s HolidaySet) Merge(o HolidaySet) HolidaySet {
	out := make(HolidaySet, len(s)+len(o))
	for d := range s {
		out[d] = struct{}{}
	}
	for d := range o {
		out[d] = struct{}{}
	}
	return out
}

// HolidayProvider supplies bank holidays. With refresh false an
// implementation must not make remote calls.
type HolidayProvider interface {
	Holidays(ctx context.Context, refresh bool) (HolidaySet, error)
}

// Static is a fixed holiday list.
type Static HolidaySet

func (s Static) Holidays(context.Context, bool) (HolidaySet, error) {
	return HolidaySet(s), nil
}

// Clock is a wall-clock time of day such as the 18:00 cutoff.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Calendar evaluates dates in a single location.
type Calendar struct {
	loc      *time.Location
	provider HolidayProvider
}

// New returns a Calendar for loc. A nil provider means no bank holidays.
func New(loc *time.Location, provider HolidayProvider) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if provider == nil {
		provider = Static{}
	}
	return &Calendar{loc: loc, provider: provider}
}

func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Date returns local midnight of t's calendar day.
func (c *Calendar) Date(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// SameDay reports whether a and b fall on the same local calendar day.
func (c *Calendar) SameDay(a, b time.Time) bool {
	return c.Date(a).Equal(c.Date(b))
}

// At returns clock on t's local calendar day. time.Date normalises
// wall-clock times that fall in a DST gap.
func (c *Calendar) At(t time.Time, clock Clock) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, clock.Hour, clock.Minute, 0, 0, c.loc)
}

// IsWeekend reports whether t falls on a local Saturday or Sunday.
func (c *Calendar) IsWeekend(t time.Time) bool {
	switch t.In(c.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	return false
}

// IsWorkingDay refreshes the holiday source and reports whether t's local
// day is a working day.
func (c *Calendar) IsWorkingDay(ctx context.Context, t time.Time) (bool, error) {
	holidays, err := c.provider.Holidays(ctx, true)
	if err != nil {
		return false, err
	}
	return c.isWorkingDay(t, holidays), nil
}

func (c *Calendar) isWorkingDay(t time.Time, holidays HolidaySet) bool {
	return !c.IsWeekend(t) && !holidays.Contains(t.In(c.loc))
}

// PreviousWorkingDay returns local midnight of the last working day strictly
// before t's day. It uses cached holidays only.
func (c *Calendar) PreviousWorkingDay(ctx context.Context, t time.Time) (time.Time, error) {
	holidays, err := c.provider.Holidays(ctx, false)
	if err != nil {
		return time.Time{}, err
	}
	day := c.Date(t).AddDate(0, 0, -1)
	for !c.isWorkingDay(day, holidays) {
		day = day.AddDate(0, 0, -1)
	}
	return day, nil
}

// WorkingDaysInRange counts working days after start's day up to and
// including end's day. It returns 0 when end is not after start. It uses
// cached holidays only.
func (c *Calendar) WorkingDaysInRange(ctx context.Context, start, end time.Time) (int, error) {
	from, to := c.Date(start), c.Date(end)
	if !to.After(from) {
		return 0, nil
	}
	holidays, err := c.provider.Holidays(ctx, false)
	if err != nil {
		return 0, err
	}
	n := 0
	for day := from.AddDate(0, 0, 1); !day.After(to); day = day.AddDate(0, 0, 1) {
		if c.isWorkingDay(day, holidays) {
			n++
		}
	}
	return n, nil
}
