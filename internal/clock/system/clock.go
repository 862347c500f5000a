// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Times are reported in its location, UTC
// unless built with In.
type Clock struct {
	loc *time.Location
}

// New returns a UTC clock.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// In returns a clock reporting times in loc.
func In(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	if c == nil || c.loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.loc)
}
