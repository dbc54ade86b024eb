package fleet

import (
	"time"

	"github.com/google/uuid"

	"github.com/uxi-energy/attendantd/repository"
)

// supabaseSwapEvent holds the json encoding schema for a swap event in supabase.
type supabaseSwapEvent struct {
	ID         uuid.UUID `json:"id"`
	Time       time.Time `json:"time"`
	KioskID    uuid.UUID `json:"kiosk_id"`
	Kind       string    `json:"kind"`
	BatteryID  string    `json:"battery_id,omitempty"`
	EnergyWh   float64   `json:"energy_wh"`
	Cost       float64   `json:"cost"`
	Outcome    string    `json:"outcome,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
}

func convertEvents(events []repository.StoredSwapEvent) []supabaseSwapEvent {
	var converted []supabaseSwapEvent
	for _, event := range events {
		converted = append(converted, supabaseSwapEvent{
			ID:         event.Event.ID,
			Time:       event.Event.Time,
			KioskID:    event.Event.KioskID,
			Kind:       string(event.Event.Kind),
			BatteryID:  event.Event.BatteryID,
			EnergyWh:   event.Event.EnergyWh,
			Cost:       event.Event.Cost,
			Outcome:    event.Event.Outcome,
			DurationMs: event.Event.DurationMs,
			Detail:     event.Event.Detail,
		})
	}
	return converted
}
