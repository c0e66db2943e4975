package conflict

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granular calendar date (visit dates, chunk keys)
// =============================================================================

const DateLayout = "2006-01-02"

// Date is a calendar day normalized to midnight UTC.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in UTC.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

func Today() Date { return DateOf(time.Now()) }

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Arithmetic
func (d Date) AddDays(n int) Date  { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) AddYears(n int) Date { return Date{Time: d.Time.AddDate(n, 0, 0)} }

func (d Date) IsZero() bool   { return d.Time.IsZero() }
func (d Date) String() string { return d.Time.Format(DateLayout) }

// At returns the instant on this date at the given wall-clock hour and minute (UTC).
func (d Date) At(hour, minute int) time.Time {
	return time.Date(d.Time.Year(), d.Time.Month(), d.Time.Day(), hour, minute, 0, 0, time.UTC)
}

// =============================================================================
// DATE RANGE - Inclusive planning window
// =============================================================================

// DateRange is the inclusive [Start, End] window a run plans over.
type DateRange struct {
	Start Date
	End   Date
}

// PlanningWindow is today minus lookbackYears through today plus lookforwardDays.
func PlanningWindow(today Date, lookbackYears, lookforwardDays int) DateRange {
	return DateRange{
		Start: today.AddYears(-lookbackYears),
		End:   today.AddDays(lookforwardDays),
	}
}

// Contains returns true if d is within [Start, End].
func (r DateRange) Contains(d Date) bool {
	return d.AfterOrEqual(r.Start) && d.BeforeOrEqual(r.End)
}

func (r DateRange) Valid() bool { return !r.End.Before(r.Start) }

func (r DateRange) String() string {
	return "[" + r.Start.String() + ", " + r.End.String() + "]"
}

// =============================================================================
// WINDOW - Scheduled or actual visit interval
// =============================================================================

// Window is a visit interval. It is populated only when both ends are set.
type Window struct {
	Start time.Time
	End   time.Time
}

func NewWindow(start, end time.Time) Window { return Window{Start: start, End: end} }

// Populated reports whether both ends are set.
func (w Window) Populated() bool { return !w.Start.IsZero() && !w.End.IsZero() }

// Partial reports whether exactly one end is set.
func (w Window) Partial() bool { return w.Start.IsZero() != w.End.IsZero() }

// Overlaps is strict-interval overlap: touching endpoints do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && w.End.After(o.Start)
}

// Same reports identical start and end.
func (w Window) Same(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

func (w Window) String() string {
	if !w.Populated() {
		return "-"
	}
	return w.Start.Format("15:04") + "-" + w.End.Format("15:04")
}
