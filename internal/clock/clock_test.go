package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOfDay(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	// 18:30 UTC is already the next calendar day in Jakarta.
	instant := time.Date(2024, 1, 5, 18, 30, 0, 0, time.UTC)
	start := StartOfDay(instant, jakarta)
	assert.Equal(t, time.Date(2024, 1, 6, 0, 0, 0, 0, jakarta), start)
}

func TestEndOfDayIsBeforeNextMidnight(t *testing.T) {
	instant := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)
	end := EndOfDay(instant, time.UTC)

	assert.True(t, end.After(time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)))
	assert.True(t, end.Before(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSameDay(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	a := time.Date(2024, 1, 5, 18, 30, 0, 0, time.UTC) // Jan 6 in Jakarta
	b := time.Date(2024, 1, 6, 2, 0, 0, 0, time.UTC)

	assert.True(t, SameDay(a, b, jakarta))
	assert.False(t, SameDay(a, b, time.UTC))
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFakeClock(start)

	assert.Equal(t, start, fake.Now())

	fake.Advance(48 * time.Hour)
	assert.Equal(t, start.Add(48*time.Hour), fake.Now())

	fake.Set(start)
	assert.Equal(t, start, fake.Now())
}
