package mqttlink

import (
	"fmt"
	"time"
)

const (
	requestTopicPrefix  = "emit/uxi/attendant/plan"
	responseTopicPrefix = "echo/abs/attendant/plan"

	actionPaymentAndService = "payment_and_service"
)

// PaymentAndServiceTopics returns the request/response topic pair for
// reporting a completed swap against a subscription code.
func PaymentAndServiceTopics(subscriptionCode string) (request, response string) {
	request = fmt.Sprintf("%s/%s/%s", requestTopicPrefix, subscriptionCode, actionPaymentAndService)
	response = fmt.Sprintf("%s/%s/%s", responseTopicPrefix, subscriptionCode, actionPaymentAndService)
	return request, response
}

// Actor identifies who is reporting the operation.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ServiceData describes the physical swap being reported.
type ServiceData struct {
	BatteryID       string  `json:"battery_id"`
	ActualBatteryID string  `json:"actual_battery_id,omitempty"`
	OldBatteryID    string  `json:"old_battery_id,omitempty"`
	EnergyWh        float64 `json:"energy_wh"`
	OldEnergyWh     float64 `json:"old_energy_wh"`
	ChargePercent   int     `json:"charge_percent"`
}

// PaymentData describes the billed amount for the swap. It is omitted when
// the quota fully covered the energy delta.
type PaymentData struct {
	EnergyKwh float64 `json:"energy_kwh"`
	Cost      float64 `json:"cost"`
	Rate      float64 `json:"rate"`
	Currency  string  `json:"currency"`
}

// PaymentAndServicePayload builds the request body. The correlation ID is
// injected later by PublishAndAwait.
func PaymentAndServicePayload(planID string, actor Actor, service ServiceData, payment *PaymentData) map[string]any {
	data := map[string]any{
		"action":       actionPaymentAndService,
		"service_data": service,
	}
	if payment != nil {
		data["payment_data"] = payment
	}
	return map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"plan_id":   planID,
		"actor":     actor,
		"data":      data,
	}
}
