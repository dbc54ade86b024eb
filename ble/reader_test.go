package ble

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChars serves canned values per characteristic UUID and records the
// order and overlap of reads.
type fakeChars struct {
	values      map[string]any   // UUID -> respData value
	errs        map[string]error // UUID -> forced error
	order       []string
	outstanding atomic.Int32
	overlapped  atomic.Bool
}

func (f *fakeChars) ReadBleCharacteristic(ctx context.Context, serviceUUID, charUUID, mac string) (map[string]any, error) {
	if f.outstanding.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.outstanding.Add(-1)

	f.order = append(f.order, charUUID)
	if err, ok := f.errs[charUUID]; ok {
		return nil, err
	}
	v, ok := f.values[charUUID]
	if !ok {
		return nil, fmt.Errorf("no such characteristic")
	}
	return map[string]any{"respData": v}, nil
}

func TestReadEnergy_DerivesEnergyAndChargePercent(t *testing.T) {
	chars := &fakeChars{values: map[string]any{
		CharRemainingCapacity.UUID:     4500.0,
		CharPackVoltage.UUID:           3700.0,
		CharFullChargeCapacity.UUID:    5000.0,
		CharRelativeStateOfCharge.UUID: 12.0, // must be ignored when full capacity is known
	}}
	reader := NewReader(chars)

	result, err := reader.ReadEnergy(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	// 4500 mAh * 3700 mV / 1e6 = 16.65 Wh
	assert.InDelta(t, 16.65, result.EnergyWh, 1e-9)
	// round(4500/5000 * 100) = 90
	assert.Equal(t, 90, result.ChargePercent)
	assert.InDelta(t, 18.5, result.FullEnergyWh, 1e-9)
}

func TestReadEnergy_ReadsAreSequential(t *testing.T) {
	chars := &fakeChars{values: map[string]any{
		CharRemainingCapacity.UUID:     4500.0,
		CharPackVoltage.UUID:           3700.0,
		CharFullChargeCapacity.UUID:    5000.0,
		CharRelativeStateOfCharge.UUID: 90.0,
	}}
	reader := NewReader(chars)

	_, err := reader.ReadEnergy(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	assert.False(t, chars.overlapped.Load(), "two reads were outstanding at once")
	assert.Equal(t, []string{
		CharRemainingCapacity.UUID,
		CharPackVoltage.UUID,
		CharFullChargeCapacity.UUID,
		CharRelativeStateOfCharge.UUID,
	}, chars.order)
}

func TestReadEnergy_RequiredFailureAbortsWithNoPartialResult(t *testing.T) {
	chars := &fakeChars{
		values: map[string]any{CharRemainingCapacity.UUID: 4500.0},
		errs:   map[string]error{CharPackVoltage.UUID: fmt.Errorf("gatt timeout")},
	}
	reader := NewReader(chars)

	result, err := reader.ReadEnergy(context.Background(), "AA:BB:CC:DD:EE:FF")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Pack Voltage")
	assert.Equal(t, Result{}, result)
	// the pass stops at the failed required read
	assert.Equal(t, []string{CharRemainingCapacity.UUID, CharPackVoltage.UUID}, chars.order)
}

func TestReadEnergy_OptionalFailuresFallBackToDefaults(t *testing.T) {
	chars := &fakeChars{
		values: map[string]any{
			CharRemainingCapacity.UUID: 4500.0,
			CharPackVoltage.UUID:       3700.0,
		},
		errs: map[string]error{
			CharFullChargeCapacity.UUID:    fmt.Errorf("gatt timeout"),
			CharRelativeStateOfCharge.UUID: fmt.Errorf("gatt timeout"),
		},
	}
	reader := NewReader(chars)

	result, err := reader.ReadEnergy(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	assert.InDelta(t, 16.65, result.EnergyWh, 1e-9)
	assert.Equal(t, 0, result.ChargePercent)
	assert.Equal(t, 0.0, result.FullEnergyWh)
}

func TestReadEnergy_RelativeSocUsedWhenFullCapacityMissing(t *testing.T) {
	chars := &fakeChars{
		values: map[string]any{
			CharRemainingCapacity.UUID:     4500.0,
			CharPackVoltage.UUID:           3700.0,
			CharRelativeStateOfCharge.UUID: 130.0, // BMS quirk, must clamp to 100
		},
		errs: map[string]error{CharFullChargeCapacity.UUID: fmt.Errorf("not supported")},
	}
	reader := NewReader(chars)

	result, err := reader.ReadEnergy(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	assert.Equal(t, 100, result.ChargePercent)
}

func TestReadEnergy_DefensiveValueShapes(t *testing.T) {
	// object with value field, numeric string, plain number
	chars := &fakeChars{values: map[string]any{
		CharRemainingCapacity.UUID:     map[string]any{"value": "4500"},
		CharPackVoltage.UUID:           "3700",
		CharFullChargeCapacity.UUID:    5000.0,
		CharRelativeStateOfCharge.UUID: 90.0,
	}}
	reader := NewReader(chars)

	result, err := reader.ReadEnergy(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	assert.InDelta(t, 16.65, result.EnergyWh, 1e-9)
}

func TestReadEnergy_NonNumericRequiredValueFails(t *testing.T) {
	chars := &fakeChars{values: map[string]any{
		CharRemainingCapacity.UUID: "garbage",
	}}
	reader := NewReader(chars)

	_, err := reader.ReadEnergy(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Remaining Capacity")
}
