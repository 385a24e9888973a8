package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		panic(err)
	}
	return t
}

func TestEnsureDueDisabled(t *testing.T) {
	def := Definition{Key: "late_fees", ScheduleType: ScheduleDaily, Enabled: false}
	err := EnsureDue(def, ts("2024-01-15T12:00:00Z"), time.UTC)
	assert.ErrorIs(t, err, ErrTaskDisabled)
}

func TestEnsureDueUnknownSchedule(t *testing.T) {
	def := Definition{Key: "late_fees", ScheduleType: "cron", Enabled: true}
	err := EnsureDue(def, ts("2024-01-15T12:00:00Z"), time.UTC)
	assert.ErrorIs(t, err, ErrUnknownSchedule)
}

func TestIntervalFirstRunIsDue(t *testing.T) {
	def := Definition{
		Key:             "apply_credits",
		ScheduleType:    ScheduleInterval,
		IntervalSeconds: 3600,
		Enabled:         true,
	}
	require.NoError(t, EnsureDue(def, ts("2024-01-15T12:00:00Z"), time.UTC))
}

func TestIntervalRespectsElapsed(t *testing.T) {
	last := ts("2024-01-15T12:00:00Z")
	def := Definition{
		Key:             "apply_credits",
		ScheduleType:    ScheduleInterval,
		IntervalSeconds: 3600,
		Enabled:         true,
		DateLastRun:     &last,
	}

	assert.ErrorIs(t, EnsureDue(def, ts("2024-01-15T12:59:59Z"), time.UTC), ErrNotDue)
	assert.NoError(t, EnsureDue(def, ts("2024-01-15T13:00:00Z"), time.UTC))
}

func TestIntervalWithoutSecondsIsMalformed(t *testing.T) {
	def := Definition{Key: "apply_credits", ScheduleType: ScheduleInterval, Enabled: true}
	assert.ErrorIs(t, EnsureDue(def, ts("2024-01-15T12:00:00Z"), time.UTC), ErrUnknownSchedule)
}

func TestDailyFiresAfterTimeOfDay(t *testing.T) {
	def := Definition{
		Key:          "suspend_overdue",
		ScheduleType: ScheduleDaily,
		TimeOfDay:    "02:00",
		Enabled:      true,
	}

	assert.ErrorIs(t, EnsureDue(def, ts("2024-01-15T01:59:00Z"), time.UTC), ErrNotDue)
	assert.NoError(t, EnsureDue(def, ts("2024-01-15T02:00:00Z"), time.UTC))
	assert.NoError(t, EnsureDue(def, ts("2024-01-15T23:00:00Z"), time.UTC))
}

func TestDailyRunsOncePerDay(t *testing.T) {
	last := ts("2024-01-15T02:00:05Z")
	def := Definition{
		Key:          "suspend_overdue",
		ScheduleType: ScheduleDaily,
		TimeOfDay:    "02:00",
		Enabled:      true,
		DateLastRun:  &last,
	}

	assert.ErrorIs(t, EnsureDue(def, ts("2024-01-15T18:00:00Z"), time.UTC), ErrNotDue)
	assert.NoError(t, EnsureDue(def, ts("2024-01-16T02:00:00Z"), time.UTC))
}

func TestDailyHonorsCompanyTimezone(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	def := Definition{
		Key:          "service_renewals",
		ScheduleType: ScheduleDaily,
		TimeOfDay:    "00:10",
		Enabled:      true,
	}

	// 16:50 UTC is 23:50 Jakarta, still the previous local day slot.
	last := ts("2024-01-14T17:15:00Z") // 00:15 Jan 15 Jakarta
	def.DateLastRun = &last
	assert.ErrorIs(t, EnsureDue(def, ts("2024-01-15T16:50:00Z"), jakarta), ErrNotDue)

	// 17:11 UTC is 00:11 Jan 16 Jakarta, a fresh local day past the slot.
	assert.NoError(t, EnsureDue(def, ts("2024-01-15T17:11:00Z"), jakarta))
}

func TestDailyMonthDayRestriction(t *testing.T) {
	def := Definition{
		Key:          "late_fees",
		ScheduleType: ScheduleDaily,
		TimeOfDay:    "01:00",
		MonthDays:    "1,15",
		Enabled:      true,
	}

	assert.NoError(t, EnsureDue(def, ts("2024-01-15T06:00:00Z"), time.UTC))
	assert.ErrorIs(t, EnsureDue(def, ts("2024-01-16T06:00:00Z"), time.UTC), ErrNotDue)
}

func TestDailyBadTimeOfDay(t *testing.T) {
	def := Definition{
		Key:          "late_fees",
		ScheduleType: ScheduleDaily,
		TimeOfDay:    "25:99",
		Enabled:      true,
	}
	assert.ErrorIs(t, EnsureDue(def, ts("2024-01-15T06:00:00Z"), time.UTC), ErrUnknownSchedule)
}
