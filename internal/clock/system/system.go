// Package system provides the wall clock used for timestamps and file names.
package system

import "time"

// StampLayout formats timestamps embedded in partial-save file names.
const StampLayout = "20060102_150405"

// Clock implements scraper.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Stamp renders t in StampLayout using local time, matching what an operator
// sees on the machine running the scrape.
func Stamp(t time.Time) string {
	return t.Local().Format(StampLayout)
}
