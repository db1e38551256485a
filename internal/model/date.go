package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Date is a civil date in YYYY-MM-DD form. Slates, completeness records, and
// predictions are all keyed by civil date, never by timestamps, so that a
// record written in one timezone resolves to the same key everywhere.
type Date string

const dateLayout = "2006-01-02"

// ParseDate validates and returns a Date from its string form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return "", eris.Wrapf(err, "model: parse date %q", s)
	}
	return DateOf(t), nil
}

// DateOf truncates a timestamp to its UTC civil date.
func DateOf(t time.Time) Date {
	return Date(t.UTC().Format(dateLayout))
}

// Today returns the current UTC civil date.
func Today() Date {
	return DateOf(time.Now())
}

// Time returns midnight UTC of the date. Invalid dates return the zero time.
func (d Date) Time() time.Time {
	t, err := time.Parse(dateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays returns the date shifted by n days (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other. ISO dates order
// lexicographically, so plain string comparison is correct.
func (d Date) Before(other Date) bool {
	return string(d) < string(other)
}

// DaysSince returns the whole days elapsed from epoch to d. Negative if d is
// earlier than epoch.
func (d Date) DaysSince(epoch Date) int {
	return int(d.Time().Sub(epoch.Time()).Hours() / 24)
}

func (d Date) String() string {
	return string(d)
}
