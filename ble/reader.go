package ble

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"
)

const (
	// readTimeout bounds one characteristic read.
	readTimeout = 5 * time.Second
	// interReadDelay gives the native BLE stack breathing room between reads.
	interReadDelay = 150 * time.Millisecond
)

// CharacteristicReader reads a single characteristic from a connected device.
// Implemented by the bridge.
type CharacteristicReader interface {
	ReadBleCharacteristic(ctx context.Context, serviceUUID, characteristicUUID, macAddress string) (map[string]any, error)
}

// Result holds the energy values derived from one full pass over the
// characteristic layout.
type Result struct {
	EnergyWh      float64 // remaining capacity x pack voltage
	FullEnergyWh  float64 // zero when the full-charge capacity was unavailable
	ChargePercent int
}

// Reader walks the battery's characteristic layout and derives energy and
// charge percent.
//
// Reads are strictly sequential with a small delay between them: read N+1 is
// only issued after read N's response (or timeout) has arrived. A failed
// required characteristic aborts the whole pass; a failed optional one is
// logged and skipped.
type Reader struct {
	chars  CharacteristicReader
	logger *slog.Logger
}

func NewReader(chars CharacteristicReader) *Reader {
	return &Reader{
		chars:  chars,
		logger: slog.Default().With("component", "ble_reader"),
	}
}

// ReadEnergy performs one pass over ReadOrder for the device at macAddress.
// No partial result is ever returned: on error the Result is zero.
func (r *Reader) ReadEnergy(ctx context.Context, macAddress string) (Result, error) {
	values := make(map[string]float64, len(ReadOrder))

	for i, char := range ReadOrder {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(interReadDelay):
			}
		}

		value, err := r.readOne(ctx, char, macAddress)
		if err != nil {
			if char.Required {
				return Result{}, fmt.Errorf("required characteristic %s: %w", char.Name, err)
			}
			r.logger.Warn("optional characteristic unavailable, skipping",
				"characteristic", char.Name, "mac", macAddress, "error", err)
			continue
		}
		values[char.UUID] = value
	}

	return derive(values), nil
}

func (r *Reader) readOne(ctx context.Context, char Characteristic, macAddress string) (float64, error) {
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	resp, err := r.chars.ReadBleCharacteristic(readCtx, ServiceUUID, char.UUID, macAddress)
	if err != nil {
		return 0, err
	}
	value, err := parseNumeric(resp["respData"])
	if err != nil {
		return 0, fmt.Errorf("parse value: %w", err)
	}
	return value, nil
}

// derive computes energy figures from the raw characteristic values.
// Remaining capacity is in mAh and pack voltage in mV, so Wh = mAh x mV / 1e6.
func derive(values map[string]float64) Result {
	remainingCapacity := values[CharRemainingCapacity.UUID]
	packVoltage := values[CharPackVoltage.UUID]

	result := Result{
		EnergyWh: remainingCapacity * packVoltage / 1_000_000,
	}

	if fullCapacity, ok := values[CharFullChargeCapacity.UUID]; ok && fullCapacity > 0 {
		result.FullEnergyWh = fullCapacity * packVoltage / 1_000_000
		result.ChargePercent = clampPercent(int(math.Round(remainingCapacity / fullCapacity * 100)))
	} else if soc, ok := values[CharRelativeStateOfCharge.UUID]; ok {
		result.ChargePercent = clampPercent(int(soc))
	}

	return result
}

// parseNumeric accepts the value shapes the native layer is known to send:
// an object with a `value` field, a plain number, or a numeric string.
func parseNumeric(v any) (float64, error) {
	switch value := v.(type) {
	case map[string]any:
		inner, ok := value["value"]
		if !ok {
			return 0, fmt.Errorf("object has no value field")
		}
		return parseNumeric(inner)
	case float64:
		if !isFinite(value) {
			return 0, fmt.Errorf("non-finite number")
		}
		return value, nil
	case int:
		return float64(value), nil
	case string:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric string %q", value)
		}
		if !isFinite(parsed) {
			return 0, fmt.Errorf("non-finite number %q", value)
		}
		return parsed, nil
	case nil:
		return 0, fmt.Errorf("missing value")
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
