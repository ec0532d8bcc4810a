package clock

import (
	"fmt"
	"time"

	_ "time/tzdata" // operating timezone must resolve on hosts without zoneinfo
)

// DefaultTimezone is the organization's operating timezone.
const DefaultTimezone = "America/Mexico_City"

// Clock allows injecting time in services.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem returns a clock backed by time.Now.
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

type fixedClock struct {
	now time.Time
}

// NewFixed returns a clock that always returns the same instant.
func NewFixed(t time.Time) Clock {
	return fixedClock{now: t}
}

func (f fixedClock) Now() time.Time {
	return f.now
}

// Window is a half-open admission interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// DayClock computes calendar-day boundaries in a single fixed timezone,
// independent of the server's local zone.
type DayClock struct {
	loc   *time.Location
	clock Clock
}

func NewDayClock(loc *time.Location, clk Clock) *DayClock {
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = NewSystem()
	}
	return &DayClock{loc: loc, clock: clk}
}

// LoadDayClock resolves an IANA timezone name into a DayClock.
func LoadDayClock(name string, clk Clock) (*DayClock, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return NewDayClock(loc, clk), nil
}

func (c *DayClock) Location() *time.Location {
	return c.loc
}

// NowLocal returns the current instant expressed in the operating timezone.
func (c *DayClock) NowLocal() time.Time {
	return c.clock.Now().In(c.loc)
}

// Local converts an instant to the operating timezone.
func (c *DayClock) Local(t time.Time) time.Time {
	return t.In(c.loc)
}

// FromNaive reinterprets a timestamp that was persisted without an offset.
// Its wall clock is taken as operating-timezone wall time, whatever
// location the driver attached to it.
func (c *DayClock) FromNaive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), c.loc)
}

// ParseLocal reads a zone-less timestamp in layout as operating-timezone
// wall time.
func (c *DayClock) ParseLocal(layout, value string) (time.Time, error) {
	t, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}, err
	}
	return c.FromNaive(t), nil
}

// SameCalendarDay reports whether two instants fall on the same local day.
// It agrees with comparing DayKey values, which is how stored admissions
// are matched.
func (c *DayClock) SameCalendarDay(a, b time.Time) bool {
	la, lb := a.In(c.loc), b.In(c.loc)
	ya, ma, da := la.Date()
	yb, mb, db := lb.Date()
	return ya == yb && ma == mb && da == db
}

// DayStart returns local midnight of the day containing t.
func (c *DayClock) DayStart(t time.Time) time.Time {
	l := t.In(c.loc)
	y, m, d := l.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// DayEnd returns the start of the following local day (exclusive bound).
func (c *DayClock) DayEnd(t time.Time) time.Time {
	return c.DayStart(t).AddDate(0, 0, 1)
}

// DayKey formats the local calendar day of t as YYYY-MM-DD.
func (c *DayClock) DayKey(t time.Time) string {
	return t.In(c.loc).Format(time.DateOnly)
}

// Window derives the admission window of an event. An explicit end date
// overrides the duration and its local day is admitted in full; otherwise
// the window spans durationDays calendar days from the local day of start.
func (c *DayClock) Window(start time.Time, durationDays int, explicitEnd *time.Time) Window {
	from := c.DayStart(start)
	if explicitEnd != nil && !explicitEnd.IsZero() {
		return Window{Start: from, End: c.DayEnd(*explicitEnd)}
	}
	if durationDays < 1 {
		durationDays = 1
	}
	return Window{Start: from, End: from.AddDate(0, 0, durationDays)}
}
