package ptu

import (
	"fmt"
	"time"
)

// RangeError reports a PTU index outside 1..PtusPerDay
type RangeError struct {
	Date  Date
	Index int
	Max   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("ptu index %d out of range 1..%d for %s", e.Index, e.Max, e.Date)
}

// Model converts between dates, PTU indices and instants in one time zone.
// All day lengths come from the wall clock delta between two midnights, so
// daylight saving days have 23 or 25 hours.
type Model struct {
	Location    *time.Location
	PtuDuration int // minutes
}

// NewModel creates a Model, defaulting to UTC
func NewModel(loc *time.Location, ptuDuration int) Model {
	if loc == nil {
		loc = time.UTC
	}
	return Model{Location: loc, PtuDuration: ptuDuration}
}

// Today returns the current date in the model's time zone
func (m Model) Today(now time.Time) Date {
	return DateOf(now.In(m.Location))
}

// StartOfDay returns midnight at the start of d
func (m Model) StartOfDay(d Date) time.Time {
	return d.In(m.Location)
}

// EndOfDay returns midnight at the start of the next day
func (m Model) EndOfDay(d Date) time.Time {
	return m.StartOfDay(d.AddDays(1))
}

// MinutesOfDay returns the real number of minutes in d (1380, 1440 or 1500)
func (m Model) MinutesOfDay(d Date) int {
	return int(m.EndOfDay(d).Sub(m.StartOfDay(d)) / time.Minute)
}

// PtusPerDay returns the number of PTUs in d
func (m Model) PtusPerDay(d Date) int {
	return m.MinutesOfDay(d) / m.PtuDuration
}

// ElapsedMinutesSinceMidnight returns the real minutes between midnight and t
func (m Model) ElapsedMinutesSinceMidnight(t time.Time) int {
	local := t.In(m.Location)
	return int(local.Sub(m.StartOfDay(DateOf(local))) / time.Minute)
}

// PtuIndexOf returns the 1-based PTU index containing t, on t's local date
func (m Model) PtuIndexOf(t time.Time) int {
	return m.ElapsedMinutesSinceMidnight(t)/m.PtuDuration + 1
}

// PtuAt returns the date and PTU index containing t
func (m Model) PtuAt(t time.Time) (Date, int) {
	return DateOf(t.In(m.Location)), m.PtuIndexOf(t)
}

// PtuStart returns the instant PTU index of d starts
func (m Model) PtuStart(d Date, index int) (time.Time, error) {
	max := m.PtusPerDay(d)
	if index < 1 || index > max {
		return time.Time{}, &RangeError{Date: d, Index: index, Max: max}
	}
	return m.StartOfDay(d).Add(time.Duration((index-1)*m.PtuDuration) * time.Minute), nil
}

// PtuEnd returns the instant PTU index of d ends
func (m Model) PtuEnd(d Date, index int) (time.Time, error) {
	start, err := m.PtuStart(d, index)
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(time.Duration(m.PtuDuration) * time.Minute), nil
}
