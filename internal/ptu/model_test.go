package ptu

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amsterdam(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)
	return loc
}

func TestPtusPerDay(t *testing.T) {
	m := NewModel(amsterdam(t), 15)

	tests := []struct {
		name    string
		date    Date
		minutes int
		ptus    int
	}{
		{"regular day", NewDate(2024, time.June, 12), 1440, 96},
		{"spring forward", NewDate(2024, time.March, 31), 1380, 92},
		{"fall back", NewDate(2024, time.October, 27), 1500, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.minutes, m.MinutesOfDay(tt.date))
			assert.Equal(t, tt.ptus, m.PtusPerDay(tt.date))
		})
	}
}

func TestPtusTimesDurationOnlyDeviatesOnTransitionDays(t *testing.T) {
	loc := amsterdam(t)
	for _, dur := range []int{5, 15, 30, 60} {
		m := NewModel(loc, dur)
		for d := NewDate(2024, time.January, 1); d.Year == 2024; d = d.AddDays(1) {
			total := m.PtusPerDay(d) * dur
			transition := d == NewDate(2024, time.March, 31) || d == NewDate(2024, time.October, 27)
			if transition {
				assert.Contains(t, []int{1380, 1500}, total, "%s", d)
			} else {
				assert.Equal(t, 1440, total, "%s", d)
			}
		}
	}
}

func TestElapsedMinutesAndIndex(t *testing.T) {
	loc := amsterdam(t)
	m := NewModel(loc, 15)

	tests := []struct {
		name    string
		at      time.Time
		elapsed int
		index   int
	}{
		{"midnight", time.Date(2024, 6, 12, 0, 0, 0, 0, loc), 0, 1},
		{"first ptu end", time.Date(2024, 6, 12, 0, 14, 59, 0, loc), 14, 1},
		{"noon", time.Date(2024, 6, 12, 12, 0, 0, 0, loc), 720, 49},
		{"after spring forward", time.Date(2024, 3, 31, 3, 0, 0, 0, loc), 120, 9},
		{"second 02:30 on fall back", time.Date(2024, 10, 27, 1, 30, 0, 0, time.UTC), 210, 15},
		{"last ptu of regular day", time.Date(2024, 6, 12, 23, 59, 0, 0, loc), 1439, 96},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.elapsed, m.ElapsedMinutesSinceMidnight(tt.at))
			assert.Equal(t, tt.index, m.PtuIndexOf(tt.at))
		})
	}
}

func TestPtuStart(t *testing.T) {
	loc := amsterdam(t)
	m := NewModel(loc, 15)
	day := NewDate(2024, time.March, 31)

	start, err := m.PtuStart(day, 9)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 31, 3, 0, 0, 0, loc), start)

	end, err := m.PtuEnd(day, 92)
	require.NoError(t, err)
	assert.Equal(t, m.EndOfDay(day), end)

	_, err = m.PtuStart(day, 93)
	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, 92, rangeErr.Max)

	_, err = m.PtuStart(day, 0)
	assert.Error(t, err)
}

func TestStartAndEndOfDay(t *testing.T) {
	loc := amsterdam(t)
	m := NewModel(loc, 15)
	d := NewDate(2024, time.December, 31)

	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, loc), m.StartOfDay(d))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, loc), m.EndOfDay(d))
}
