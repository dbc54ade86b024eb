package ble

// ServiceUUID identifies the battery telemetry service on the pack's BMS.
const ServiceUUID = "0000ff00-0000-1000-8000-00805f9b34fb"

// Characteristic describes one readable value in the battery's proprietary
// characteristic layout.
type Characteristic struct {
	UUID     string
	Name     string
	Required bool
}

var (
	// CharRemainingCapacity is the pack's remaining charge in mAh.
	CharRemainingCapacity = Characteristic{
		UUID:     "0000ff01-0000-1000-8000-00805f9b34fb",
		Name:     "Remaining Capacity",
		Required: true,
	}

	// CharPackVoltage is the pack voltage in mV.
	CharPackVoltage = Characteristic{
		UUID:     "0000ff02-0000-1000-8000-00805f9b34fb",
		Name:     "Pack Voltage",
		Required: true,
	}

	// CharFullChargeCapacity is the learned full-charge capacity in mAh.
	CharFullChargeCapacity = Characteristic{
		UUID:     "0000ff03-0000-1000-8000-00805f9b34fb",
		Name:     "Full Charge Capacity",
		Required: false,
	}

	// CharRelativeStateOfCharge is the BMS's own charge percentage, used only
	// when the full-charge capacity is unavailable.
	CharRelativeStateOfCharge = Characteristic{
		UUID:     "0000ff04-0000-1000-8000-00805f9b34fb",
		Name:     "Relative State Of Charge",
		Required: false,
	}
)

// ReadOrder is the fixed sequence the reader walks. Reads are strictly
// sequential; the native BLE stack only supports one outstanding operation.
var ReadOrder = []Characteristic{
	CharRemainingCapacity,
	CharPackVoltage,
	CharFullChargeCapacity,
	CharRelativeStateOfCharge,
}
