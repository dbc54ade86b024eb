package scanbind

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uxi-energy/attendantd/ble"
	"github.com/uxi-energy/attendantd/swap"
)

// fakeCommander records native commands and acks them immediately.
type fakeCommander struct {
	mu          sync.Mutex
	startScans  int
	stopScans   int
	connects    []string
	inits       []string
	disconnects []string

	initData map[string]any // served by InitServiceBleData
	initErr  error
}

func (f *fakeCommander) StartBleScan(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startScans++
	return nil
}

func (f *fakeCommander) StopBleScan(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopScans++
	return nil
}

func (f *fakeCommander) ConnBleByMacAddress(ctx context.Context, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, mac)
	return nil
}

func (f *fakeCommander) InitServiceBleData(ctx context.Context, mac string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, mac)
	return f.initData, f.initErr
}

func (f *fakeCommander) DisconnectBle(ctx context.Context, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, mac)
	return nil
}

func (f *fakeCommander) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeCommander) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

func (f *fakeCommander) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inits)
}

// fakeReader serves a canned energy result, optionally blocking until
// released or cancelled.
type fakeReader struct {
	result  ble.Result
	err     error
	block   chan struct{} // when non-nil, ReadEnergy waits for close or ctx
	started chan struct{} // closed when ReadEnergy was entered
}

func (f *fakeReader) ReadEnergy(ctx context.Context, mac string) (ble.Result, error) {
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ble.Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return ble.Result{}, f.err
	}
	return f.result, nil
}

func testTimings() Timings {
	return Timings{
		ScannerOpen:       time.Second,
		MatchWindow:       30 * time.Millisecond,
		Connect:           time.Second,
		ReadPhase:         time.Second,
		ConnectRetryDelay: 5 * time.Millisecond,
		CommandAck:        time.Second,
	}
}

func startMachine(t *testing.T, cmds Commander, reader EnergyReader) *Machine {
	t.Helper()
	m := New(cmds, reader)
	m.timings = testTimings()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m
}

func waitForConnects(t *testing.T, cmds *fakeCommander, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for cmds.connectCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d connect attempts, got %d", n, cmds.connectCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitForDisconnects(t *testing.T, cmds *fakeCommander, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for cmds.disconnectCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d disconnects, got %d", n, cmds.disconnectCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestScanToBind_EndToEnd(t *testing.T) {
	cmds := &fakeCommander{}
	reader := &fakeReader{result: ble.Result{EnergyWh: 16.65, ChargePercent: 90}}
	m := startMachine(t, cmds, reader)

	require.NoError(t, m.Start(swap.TagAssign))

	// a prior scan detected the hinted device
	m.HandleBleData(map[string]any{
		"macAddress": "aa:bb:cc:dd:ee:ff", "displayName": "UXI-T0099", "rssi": -61.0,
	})
	m.DeliverQR("BATT-0099;AA:BB:CC:DD:EE:FF")

	waitForConnects(t, cmds, 1)
	m.HandleConnectSuccess()

	select {
	case result := <-m.Results:
		require.NoError(t, result.Err)
		assert.Equal(t, swap.TagAssign, result.Tag)
		assert.Equal(t, "BATT-0099", result.Reading.ID)
		assert.Equal(t, "T-0099", result.Reading.ShortID)
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", result.Reading.MACAddress)
		assert.InDelta(t, 16.65, result.Reading.EnergyWh, 1e-9)
		assert.Equal(t, 90, result.Reading.ChargePercent)
	case <-time.After(2 * time.Second):
		t.Fatal("no result emitted")
	}

	// service data initialised exactly once, device released, scan state reset
	assert.Equal(t, 1, cmds.initCount())
	waitForDisconnects(t, cmds, 1)
	assert.Equal(t, 1, cmds.disconnectCount())
	assert.Equal(t, StateIdle, m.Snapshot().State)
}

func TestServiceDataInit_SeedsReportedIdentifier(t *testing.T) {
	cmds := &fakeCommander{initData: map[string]any{"batteryId": "FACT-0042"}}
	reader := &fakeReader{result: ble.Result{EnergyWh: 12.3, ChargePercent: 70}}
	m := startMachine(t, cmds, reader)

	require.NoError(t, m.Start(swap.TagAssign))
	m.HandleBleData(map[string]any{"macAddress": "AA:BB:CC:DD:EE:FF", "displayName": "UXI-T0042"})
	m.DeliverQR("BATT-0042;AA:BB:CC:DD:EE:FF")
	waitForConnects(t, cmds, 1)
	m.HandleConnectSuccess()

	select {
	case result := <-m.Results:
		require.NoError(t, result.Err)
		assert.Equal(t, "BATT-0042", result.Reading.ID)
		assert.Equal(t, "FACT-0042", result.Reading.ActualBatteryID)
	case <-time.After(2 * time.Second):
		t.Fatal("no result emitted")
	}
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, cmds.inits)
}

func TestServiceDataInitFailure_FailsLikeAReadFailure(t *testing.T) {
	cmds := &fakeCommander{initErr: fmt.Errorf("gatt timeout")}
	m := startMachine(t, cmds, &fakeReader{result: ble.Result{EnergyWh: 12.3}})

	require.NoError(t, m.Start(swap.TagAssign))
	m.HandleBleData(map[string]any{"macAddress": "AA:BB:CC:DD:EE:FF", "displayName": "UXI-T0042"})
	m.DeliverQR("BATT-0042;AA:BB:CC:DD:EE:FF")
	waitForConnects(t, cmds, 1)
	m.HandleConnectSuccess()

	select {
	case result := <-m.Results:
		require.Error(t, result.Err)
		assert.Contains(t, result.Err.Error(), "init service data")
		assert.False(t, result.RequiresReset)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal result")
	}
	waitForDisconnects(t, cmds, 1)
	assert.Equal(t, 1, cmds.disconnectCount())
}

func TestScanToBind_RetryBoundThenTerminalFailure(t *testing.T) {
	cmds := &fakeCommander{}
	m := startMachine(t, cmds, &fakeReader{})

	require.NoError(t, m.Start(swap.TagAssign))
	m.HandleBleData(map[string]any{"macAddress": "AA:BB:CC:DD:EE:FF", "displayName": "UXI-T0042"})
	m.DeliverQR("BATT-0042;AA:BB:CC:DD:EE:FF")
	waitForConnects(t, cmds, 1)

	// 4 consecutive connect failures: the initial attempt plus exactly 3 retries
	for i := 0; i < 4; i++ {
		waitForConnects(t, cmds, i+1)
		m.HandleConnectFail(133, "gatt error")
	}

	select {
	case result := <-m.Results:
		require.Error(t, result.Err)
		assert.False(t, result.RequiresReset)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal result")
	}

	assert.Equal(t, 4, cmds.connectCount())
	snap := m.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.True(t, snap.ConnectionFailed)
}

func TestScanToBind_RadioStuckSurfacedDistinctly(t *testing.T) {
	cmds := &fakeCommander{}
	m := startMachine(t, cmds, &fakeReader{})

	require.NoError(t, m.Start(swap.TagAssign))
	m.DeliverQR("BATT-0042;AA:BB:CC:DD:EE:FF")
	// no detected device: match window elapses, then a direct connect
	waitForConnects(t, cmds, 1)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cmds.connects[0])

	m.HandleConnectFail(respCodeRadioStuck, "bluetooth stack error")

	select {
	case result := <-m.Results:
		require.Error(t, result.Err)
		assert.True(t, result.RequiresReset)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal result")
	}
	assert.True(t, m.Snapshot().RequiresReset)
	// a radio-stuck failure burns no retries
	assert.Equal(t, 1, cmds.connectCount())
}

func TestCancel_DuringReadIsRefusedWithoutForce(t *testing.T) {
	cmds := &fakeCommander{}
	reader := &fakeReader{block: make(chan struct{}), started: make(chan struct{})}
	started := reader.started
	m := startMachine(t, cmds, reader)

	require.NoError(t, m.Start(swap.TagAssign))
	m.HandleBleData(map[string]any{"macAddress": "AA:BB:CC:DD:EE:FF", "displayName": "UXI-T0042"})
	m.DeliverQR("BATT-0042;AA:BB:CC:DD:EE:FF")
	waitForConnects(t, cmds, 1)
	m.HandleConnectSuccess()
	<-started

	err := m.Cancel(false)
	assert.ErrorIs(t, err, ErrBusyReading)
	assert.Equal(t, StateReading, m.Snapshot().State) // state unchanged

	require.NoError(t, m.Cancel(true))
	assert.Equal(t, StateIdle, m.Snapshot().State)
	waitForDisconnects(t, cmds, 1)
	assert.Equal(t, 1, cmds.disconnectCount())
}

func TestCancel_WhenIdleIsNoOp(t *testing.T) {
	m := startMachine(t, &fakeCommander{}, &fakeReader{})
	assert.NoError(t, m.Cancel(false))
}

func TestStart_WhileInFlightIsRejected(t *testing.T) {
	cmds := &fakeCommander{}
	m := startMachine(t, cmds, &fakeReader{})

	require.NoError(t, m.Start(swap.TagAssign))
	assert.ErrorIs(t, m.Start(swap.TagSwapOld), ErrOperationInProgress)
}

func TestDetectedDevices_DedupByMACMostRecentWins(t *testing.T) {
	cmds := &fakeCommander{}
	m := startMachine(t, cmds, &fakeReader{})

	require.NoError(t, m.Start(swap.TagAssign))
	m.HandleBleData(map[string]any{"macAddress": "AA:BB:CC:DD:EE:FF", "displayName": "old", "rssi": -80.0})
	m.HandleBleData(map[string]any{"macAddress": "AA:BB:CC:DD:EE:FF", "displayName": "new", "rssi": -60.0})

	snap := m.Snapshot()
	require.Len(t, snap.DetectedDevices, 1)
	assert.Equal(t, "new", snap.DetectedDevices[0].DisplayName)
	assert.Equal(t, -60, snap.DetectedDevices[0].SignalStrength)
}

func TestReadFailure_DisconnectsAndFails(t *testing.T) {
	cmds := &fakeCommander{}
	reader := &fakeReader{err: fmt.Errorf("required characteristic Pack Voltage: gatt timeout")}
	m := startMachine(t, cmds, reader)

	require.NoError(t, m.Start(swap.TagSwapOld))
	m.HandleBleData(map[string]any{"macAddress": "AA:BB:CC:DD:EE:FF", "displayName": "UXI-T0042"})
	m.DeliverQR("BATT-0042;AA:BB:CC:DD:EE:FF")
	waitForConnects(t, cmds, 1)
	m.HandleConnectSuccess()

	select {
	case result := <-m.Results:
		require.Error(t, result.Err)
		assert.Contains(t, result.Err.Error(), "Pack Voltage")
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal result")
	}
	waitForDisconnects(t, cmds, 1)
	assert.Equal(t, 1, cmds.disconnectCount())
}

func TestStaleWatchdog_DoesNotTouchNewOperation(t *testing.T) {
	cmds := &fakeCommander{}
	m := startMachine(t, cmds, &fakeReader{})

	require.NoError(t, m.Start(swap.TagAssign))
	require.NoError(t, m.Cancel(false))
	require.NoError(t, m.Start(swap.TagAssign))

	// a watchdog from the first (cancelled) operation fires late
	m.events <- watchdogFired{seq: 1, phase: StateScanning}

	assert.Equal(t, StateScanning, m.Snapshot().State)
}

func TestQR_DecodesSerialAndHint(t *testing.T) {
	id, mac, err := DecodeQR("BATT-0099;aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, "BATT-0099", id)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", mac)

	id, mac, err = DecodeQR("BATT-0099")
	require.NoError(t, err)
	assert.Equal(t, "BATT-0099", id)
	assert.Empty(t, mac)

	_, _, err = DecodeQR("BATT-0099;garbage")
	assert.Error(t, err)

	_, _, err = DecodeQR("   ")
	assert.Error(t, err)
}
