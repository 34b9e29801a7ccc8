package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession("Asia/Kolkata", "09:15", "15:30")
	require.NoError(t, err)

	_, err = NewSession("Asia/Kolkata", "15:30", "09:15")
	assert.Error(t, err)

	_, err = NewSession("Asia/Kolkata", "bogus", "15:30")
	assert.Error(t, err)

	// Unknown timezones fall back to UTC rather than failing.
	s, err := NewSession("Nowhere/Special", "09:15", "15:30")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, s.Location)
}

func TestSessionWindow(t *testing.T) {
	s, err := NewSession("Asia/Kolkata", "09:15", "15:30")
	require.NoError(t, err)

	monday := func(h, m int) time.Time {
		return time.Date(2025, 9, 1, h, m, 0, 0, s.Location)
	}

	assert.False(t, s.IsOpen(monday(9, 14)))
	assert.True(t, s.IsOpen(monday(9, 15)))
	assert.True(t, s.IsOpen(monday(15, 29)))
	assert.False(t, s.IsOpen(monday(15, 30)))

	saturday := time.Date(2025, 9, 6, 11, 0, 0, 0, s.Location)
	assert.False(t, s.IsTradingDay(saturday))
	assert.False(t, s.IsOpen(saturday))

	assert.Equal(t, 20, s.MinutesToClose(monday(15, 10)))
	assert.Negative(t, s.MinutesToClose(monday(16, 0)))
}

func TestSessionDayBoundaries(t *testing.T) {
	s, err := NewSession("Asia/Kolkata", "09:15", "15:30")
	require.NoError(t, err)

	morning := time.Date(2025, 9, 1, 9, 30, 0, 0, s.Location)
	evening := time.Date(2025, 9, 1, 23, 0, 0, 0, s.Location)
	nextDay := time.Date(2025, 9, 2, 0, 30, 0, 0, s.Location)

	assert.True(t, s.SameTradingDay(morning, evening))
	assert.False(t, s.SameTradingDay(evening, nextDay))

	start := s.DayStart(evening)
	assert.Equal(t, 0, start.Hour())
	assert.Equal(t, 1, start.Day())
}
