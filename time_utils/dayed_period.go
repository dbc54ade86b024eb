package timeutils

import "time"

// Days indicates which days of the week a period applies on.
type Days string

const (
	AllDays     Days = "all"
	WeekdayDays Days = "weekdays"
	WeekendDays Days = "weekends"
)

// DayedPeriod is a recurring period of the day on particular days, e.g.
// "4pm to 6pm on weekends". Start is inclusive, End exclusive. Periods do not
// cross midnight; an inverted period contains nothing.
type DayedPeriod struct {
	Start ClockTime `json:"start"`
	End   ClockTime `json:"end"`
	Days  Days      `json:"days"`
}

// Contains reports whether t falls inside the period, evaluated in t's own
// location.
func (d DayedPeriod) Contains(t time.Time) bool {
	if !d.isOnDay(t) {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= d.Start.minuteOfDay() && minute < d.End.minuteOfDay()
}

func (d DayedPeriod) isOnDay(t time.Time) bool {
	switch d.Days {
	case WeekdayDays:
		return IsWeekday(t)
	case WeekendDays:
		return !IsWeekday(t)
	default:
		// unspecified day sets apply every day
		return true
	}
}
