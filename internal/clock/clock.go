// Package clock abstracts time so billing day-boundary rules are testable.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the current instant for every scheduling and due-date
// comparison in the engine.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystemClock returns the wall clock.
func NewSystemClock() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)

// StartOfDay truncates t to midnight in loc. Grace-period and reminder
// comparisons use this so a rule fires uniformly for a whole calendar day.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay returns the last instant of t's calendar day in loc. Suspension
// thresholds compare against this so a service due at any time during day N
// suspends on the same pass.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
