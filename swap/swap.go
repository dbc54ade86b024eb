package swap

import (
	"time"

	"github.com/google/uuid"
)

// shortIDLength is how many trailing characters of a battery serial are shown
// to the attendant on the terminal.
const shortIDLength = 6

// ReadingTag distinguishes which side of a swap a battery reading belongs to.
type ReadingTag string

const (
	// TagAssign marks the battery being bound to the customer's account.
	TagAssign ReadingTag = "assign"
	// TagSwapOld marks the depleted battery handed back mid-subscription.
	TagSwapOld ReadingTag = "swap_old"
)

// BatteryReading holds the identity and energy data read from a battery over BLE.
// Immutable once produced; the session payload tracks whether it is still
// pending attendant confirmation or has been assigned.
type BatteryReading struct {
	ID              string  // full battery serial, as decoded from the QR code
	ShortID         string  // trailing characters of the serial, for display
	ActualBatteryID string  // alternate identifier reported by device telemetry, when present
	EnergyWh        float64 // derived from remaining capacity x pack voltage
	ChargePercent   int
	MACAddress      string
}

// NewBatteryReading builds a reading for the given serial, deriving the short
// display form.
func NewBatteryReading(id, macAddress string, energyWh float64, chargePercent int) BatteryReading {
	return BatteryReading{
		ID:            id,
		ShortID:       ShortID(id),
		EnergyWh:      energyWh,
		ChargePercent: chargePercent,
		MACAddress:    macAddress,
	}
}

// ShortID returns the display form of a battery serial.
func ShortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[len(id)-shortIDLength:]
}

// Device is one BLE device seen during a scan window.
type Device struct {
	MACAddress     string
	DisplayName    string
	SignalStrength int
}

// EventKind classifies a fleet telemetry event.
type EventKind string

const (
	EventScan    EventKind = "scan"
	EventBind    EventKind = "bind"
	EventPayment EventKind = "payment"
	EventFailure EventKind = "failure"
)

// Event holds one operational data point from the kiosk, uploaded to the
// fleet platform.
type Event struct {
	ID         uuid.UUID
	Time       time.Time
	KioskID    uuid.UUID
	Kind       EventKind
	BatteryID  string
	EnergyWh   float64
	Cost       float64
	Outcome    string
	DurationMs int64
	Detail     string
}
