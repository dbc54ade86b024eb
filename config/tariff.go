package config

import (
	"time"

	timeutils "github.com/uxi-energy/attendantd/time_utils"
)

// OffPeakRate is a discounted per-kWh rate that applies during the given
// recurring periods.
type OffPeakRate struct {
	Rate    float64                 `json:"rate"`
	Periods []timeutils.DayedPeriod `json:"periods"`
}

// Tariff is the kiosk's energy tariff: a base per-kWh rate with optional
// off-peak overrides.
type Tariff struct {
	BaseRate float64       `json:"baseRate"`
	Currency string        `json:"currency"`
	OffPeak  []OffPeakRate `json:"offPeak"`
}

// PerKwh returns the rate applicable at the given time: the first matching
// off-peak rate wins, otherwise the base rate applies.
func (t *Tariff) PerKwh(at time.Time) float64 {
	for _, offPeak := range t.OffPeak {
		for _, period := range offPeak.Periods {
			if period.Contains(at) {
				return offPeak.Rate
			}
		}
	}
	return t.BaseRate
}
