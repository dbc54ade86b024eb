package pricing

import "math"

// Result holds the priced outcome of handing a charged battery to a customer.
// It is embedded into the payment report that goes out over MQTT; it is never
// persisted on its own.
type Result struct {
	EnergyDiffKwh  float64
	Cost           float64
	Rate           float64
	CurrencySymbol string
}

// Quote computes the billable energy delta and cost of a swap.
//
// All energy inputs are in Wh. `oldWh` is zero for first-time customers with
// no battery to hand back. Any unused quota (quotaTotalWh - quotaUsedWh)
// offsets the delta before conversion. The delta is floored at zero so a
// customer is never charged for negative energy, and rounding is applied
// exactly once, at the final cost, so repeated calls with the same inputs
// yield identical results.
func Quote(newWh, oldWh, ratePerKwh, quotaTotalWh, quotaUsedWh float64, currencySymbol string) Result {
	quotaRemainingWh := quotaTotalWh - quotaUsedWh
	if quotaRemainingWh < 0 {
		quotaRemainingWh = 0
	}

	diffWh := newWh - oldWh - quotaRemainingWh
	if diffWh < 0 {
		diffWh = 0
	}
	diffKwh := diffWh / 1000.0

	return Result{
		EnergyDiffKwh:  diffKwh,
		Cost:           math.Round(diffKwh * ratePerKwh),
		Rate:           ratePerKwh,
		CurrencySymbol: currencySymbol,
	}
}
