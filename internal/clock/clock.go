// Package clock owns the reference timezone used for all daily PnL
// bucketing. The tracker day is a fixed UTC-8 offset; DST is deliberately
// not applied, so a named zone must never be substituted here.
package clock

import "time"

// referenceZone is the fixed tracker timezone, UTC-8.
var referenceZone = time.FixedZone("UTC-8", -8*60*60)

// Clock computes day boundaries in the reference timezone.
type Clock struct {
	// now allows tests to pin the current instant.
	now func() time.Time
}

// New returns a Clock backed by the system time.
func New() *Clock {
	return &Clock{now: time.Now}
}

// NewFixed returns a Clock pinned to the given instant. Test helper.
func NewFixed(t time.Time) *Clock {
	return &Clock{now: func() time.Time { return t }}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	return c.now()
}

// Location returns the reference timezone.
func (c *Clock) Location() *time.Location {
	return referenceZone
}

// DayStart returns midnight of the reference-timezone day containing t.
func (c *Clock) DayStart(t time.Time) time.Time {
	local := t.In(referenceZone)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, referenceZone)
}

// DayEnd returns the last representable instant of the reference-timezone
// day containing t.
func (c *Clock) DayEnd(t time.Time) time.Time {
	return c.DayStart(t).Add(24*time.Hour - time.Nanosecond)
}

// WithinDay reports whether t falls inside the reference-timezone day
// containing ref, bounds inclusive.
func (c *Clock) WithinDay(t, ref time.Time) bool {
	start := c.DayStart(ref)
	end := c.DayEnd(ref)
	return !t.Before(start) && !t.After(end)
}

// DateString renders the reference-timezone date of t as YYYY-MM-DD.
// This is the pnl_records day key.
func (c *Clock) DateString(t time.Time) string {
	return t.In(referenceZone).Format("2006-01-02")
}
