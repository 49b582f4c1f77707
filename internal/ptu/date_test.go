package ptu

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, Date{2024, time.February, 29}, d)
	assert.Equal(t, "2024-02-29", d.String())

	for _, bad := range []string{"", "2023-02-29", "29-02-2024", "2024-13-01", "yesterday"} {
		_, err := ParseDate(bad)
		var parseErr *ParseError
		assert.True(t, errors.As(err, &parseErr), "input %q", bad)
	}
}

func TestDateArithmetic(t *testing.T) {
	d := NewDate(2024, time.February, 28)

	assert.Equal(t, NewDate(2024, time.February, 29), d.AddDays(1))
	assert.Equal(t, NewDate(2024, time.March, 1), d.AddDays(2))
	assert.Equal(t, NewDate(2024, time.January, 31), d.AddDays(-28))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.AddDays(1).After(d))
	assert.Equal(t, 0, d.Compare(NewDate(2024, time.February, 28)))
}

func TestMonthHelpers(t *testing.T) {
	first, last := NewDate(2024, time.March, 15).PreviousMonth()
	assert.Equal(t, NewDate(2024, time.February, 1), first)
	assert.Equal(t, NewDate(2024, time.February, 29), last)

	first, last = NewDate(2024, time.January, 5).PreviousMonth()
	assert.Equal(t, NewDate(2023, time.December, 1), first)
	assert.Equal(t, NewDate(2023, time.December, 31), last)

	assert.Len(t, first.Days(last), 31)
}

func TestDateJSON(t *testing.T) {
	type wrapper struct {
		Period Date `json:"period"`
	}
	b, err := json.Marshal(wrapper{Period: NewDate(2024, time.May, 1)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"period":"2024-05-01"}`, string(b))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"period":"2024-05-02"}`), &w))
	assert.Equal(t, NewDate(2024, time.May, 2), w.Period)
}
