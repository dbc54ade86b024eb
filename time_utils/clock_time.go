// Package timeutils has helpers for recurring clock-time periods, used to
// express tariff windows like "10pm to 6am on weekdays".
package timeutils

import "time"

// ClockTime represents a time of day without a date, in the kiosk's local time.
type ClockTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (c ClockTime) minuteOfDay() int {
	return c.Hour*60 + c.Minute
}

// IsWeekday returns true for Monday through Friday.
func IsWeekday(t time.Time) bool {
	day := t.Weekday()
	return day != time.Saturday && day != time.Sunday
}
