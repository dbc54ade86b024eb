package scanbind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uxi-energy/attendantd/ble"
	"github.com/uxi-energy/attendantd/bridge"
	"github.com/uxi-energy/attendantd/swap"
)

const maxConnectRetries = 3

// Timings bounds each phase of an operation. The zero value is never used;
// DefaultTimings matches the native stack's observed behaviour.
type Timings struct {
	ScannerOpen       time.Duration // waiting for a QR result while scanning
	MatchWindow       time.Duration // waiting for the hinted device to appear in the scan
	Connect           time.Duration // one connection attempt
	ReadPhase         time.Duration // the whole energy read pass
	ConnectRetryDelay time.Duration
	CommandAck        time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		ScannerOpen:       60 * time.Second,
		MatchWindow:       4 * time.Second,
		Connect:           15 * time.Second,
		ReadPhase:         20 * time.Second,
		ConnectRetryDelay: 2 * time.Second,
		CommandAck:        10 * time.Second,
	}
}

// respCodeRadioStuck is the native error class meaning the Bluetooth radio
// itself is wedged and only a radio toggle recovers it.
const respCodeRadioStuck = 257

// ErrBusyReading is returned by Cancel when an energy read is in progress on
// an established connection. Disconnecting mid-read can leave the physical
// battery session unrecoverable, so the caller must pass force to override.
var ErrBusyReading = errors.New("scanbind: energy read in progress, please wait")

// ErrOperationInProgress is returned by Start while a previous operation is
// still live.
var ErrOperationInProgress = errors.New("scanbind: operation already in progress")

// Commander is the subset of native bridge commands the machine drives. The
// lifecycle commands are idempotent from our perspective: stopping a scan that
// is not running, or disconnecting an unconnected device, are safe no-ops.
type Commander interface {
	StartBleScan(ctx context.Context) error
	StopBleScan(ctx context.Context) error
	ConnBleByMacAddress(ctx context.Context, macAddress string) error
	InitServiceBleData(ctx context.Context, macAddress string) (map[string]any, error)
	DisconnectBle(ctx context.Context, macAddress string) error
}

// EnergyReader performs the characteristic read pass once a device is
// connected.
type EnergyReader interface {
	ReadEnergy(ctx context.Context, macAddress string) (ble.Result, error)
}

// Result is the terminal outcome of one scan-to-bind operation.
type Result struct {
	Tag           swap.ReadingTag
	Reading       swap.BatteryReading
	Err           error
	RequiresReset bool
	Duration      time.Duration
}

// Snapshot is a read-only copy of the in-flight operation's state.
type Snapshot struct {
	State              State
	BatteryID          string
	ConnectedDeviceMac string
	DetectedDevices    []swap.Device
	ConnectionProgress int
	Error              string
	ConnectionFailed   bool
	RequiresReset      bool
}

// op is the record for one in-flight operation. It is owned exclusively by
// the run loop; every watchdog and retry timer is tied to its seq so a stale
// timer can never fire against a newer operation.
type op struct {
	seq       uint64
	tag       swap.ReadingTag
	state     State
	startedAt time.Time

	batteryID string
	macHint   string
	mac       string

	detected map[string]swap.Device

	progress         int
	retries          int
	connected        bool
	errMsg           string
	connectionFailed bool
	requiresReset    bool
	actualBatteryID  string

	watchdog   *time.Timer
	retryTimer *time.Timer
	readCancel context.CancelFunc
}

// internal events, all delivered through the single events channel so the
// run loop is the only writer of operation state
type (
	startReq struct {
		tag   swap.ReadingTag
		reply chan error
	}
	cancelReq struct {
		force bool
		reply chan error
	}
	snapshotReq struct{ reply chan Snapshot }

	qrScanned      struct{ text string }
	deviceDetected struct{ device swap.Device }
	connectOK      struct{}
	connectFail    struct {
		code int
		desc string
	}
	serviceData struct{ data map[string]any }

	watchdogFired struct {
		seq   uint64
		phase State
	}
	retryDue struct{ seq uint64 }
	readDone struct {
		seq    uint64
		result ble.Result
		err    error
	}
	commandFailed struct {
		seq     uint64
		command string
		err     error
	}
)

// Machine orchestrates the scan-to-bind workflow:
// idle -> scanning -> matching -> connecting -> reading -> success | failed.
//
// It owns all BLE lifecycle state. Native pushes are fed in via the Handle*
// methods, terminal outcomes come out on Results.
type Machine struct {
	Results chan Result

	cmds    Commander
	reader  EnergyReader
	timings Timings
	logger  *slog.Logger

	events chan any
	runCtx context.Context

	seq uint64
	op  *op
}

func New(cmds Commander, reader EnergyReader) *Machine {
	return &Machine{
		Results: make(chan Result, 8),
		cmds:    cmds,
		reader:  reader,
		timings: DefaultTimings(),
		logger:  slog.Default().With("component", "scanbind"),
		events:  make(chan any, 32),
	}
}

// SetTimings overrides the phase timeouts. Call before Run.
func (m *Machine) SetTimings(t Timings) {
	m.timings = t
}

// Run loops forever processing events. It is the single writer of all
// operation state.
func (m *Machine) Run(ctx context.Context) error {
	m.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// Start begins a new operation: issues the native scan command and starts
// accumulating detected devices. The tag distinguishes the battery being
// assigned from the depleted one handed back.
func (m *Machine) Start(tag swap.ReadingTag) error {
	reply := make(chan error, 1)
	m.events <- startReq{tag: tag, reply: reply}
	return <-reply
}

// Cancel aborts the in-flight operation. A cancel during an active energy
// read on an established connection is refused with ErrBusyReading unless
// force is set. Cancelling when idle is a no-op.
func (m *Machine) Cancel(force bool) error {
	reply := make(chan error, 1)
	m.events <- cancelReq{force: force, reply: reply}
	return <-reply
}

// Snapshot returns a copy of the current operation state.
func (m *Machine) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	m.events <- snapshotReq{reply: reply}
	return <-reply
}

// DeliverQR feeds a decoded QR payload into the machine.
func (m *Machine) DeliverQR(text string) { m.events <- qrScanned{text: text} }

// HandleConnectSuccess feeds the native connect-success push.
func (m *Machine) HandleConnectSuccess() { m.events <- connectOK{} }

// HandleConnectFail feeds the native connect-fail push.
func (m *Machine) HandleConnectFail(code int, desc string) {
	m.events <- connectFail{code: code, desc: desc}
}

// HandleBleData feeds the native bleDataCallBack push. During the scan phase
// it carries detected-device entries; during the read phase it may carry the
// battery's self-reported identifier.
func (m *Machine) HandleBleData(data map[string]any) { m.events <- serviceData{data: data} }

func (m *Machine) handle(ev any) {
	switch e := ev.(type) {
	case startReq:
		e.reply <- m.handleStart(e.tag)
	case cancelReq:
		e.reply <- m.handleCancel(e.force)
	case snapshotReq:
		e.reply <- m.snapshot()
	case qrScanned:
		m.handleQR(e.text)
	case deviceDetected:
		m.handleDevice(e.device)
	case connectOK:
		m.handleConnectOK()
	case connectFail:
		m.handleConnectFail(e.code, e.desc)
	case serviceData:
		m.handleServiceData(e.data)
	case watchdogFired:
		m.handleWatchdog(e)
	case retryDue:
		m.handleRetryDue(e.seq)
	case readDone:
		m.handleReadDone(e)
	case commandFailed:
		m.handleCommandFailed(e)
	}
}

func (m *Machine) handleStart(tag swap.ReadingTag) error {
	if m.op != nil && !m.op.state.terminal() {
		return ErrOperationInProgress
	}

	m.seq++
	m.op = &op{
		seq:       m.seq,
		tag:       tag,
		state:     StateScanning,
		startedAt: time.Now(),
		detected:  make(map[string]swap.Device),
	}
	m.logger.Info("scan started", "seq", m.op.seq, "tag", tag)

	m.issueCommand(m.op.seq, "startBleScan", func(ctx context.Context) error {
		return m.cmds.StartBleScan(ctx)
	})
	m.armWatchdog(StateScanning, m.timings.ScannerOpen)
	return nil
}

func (m *Machine) handleQR(text string) {
	if m.op == nil || (m.op.state != StateScanning && m.op.state != StateMatching) {
		m.logger.Debug("ignoring QR outside scan phase")
		return
	}

	batteryID, macHint, err := DecodeQR(text)
	if err != nil {
		m.fail(fmt.Sprintf("unreadable battery label: %v", err), false)
		return
	}

	m.op.batteryID = batteryID
	m.op.macHint = macHint
	m.op.state = StateMatching
	m.logger.Info("QR decoded", "battery_id", batteryID, "mac_hint", macHint)

	if device, ok := m.op.detected[macHint]; ok && macHint != "" {
		m.connect(device.MACAddress)
		return
	}
	if device, ok := m.matchByName(batteryID); ok {
		m.connect(device.MACAddress)
		return
	}

	// the hinted device has not shown up yet: give the scan window a moment
	m.armWatchdog(StateMatching, m.timings.MatchWindow)
}

func (m *Machine) handleDevice(device swap.Device) {
	if m.op == nil {
		return
	}
	switch m.op.state {
	case StateScanning, StateMatching:
	default:
		return
	}

	// dedup by MAC, most recent entry wins
	m.op.detected[device.MACAddress] = device

	if m.op.state == StateMatching {
		if device.MACAddress == m.op.macHint {
			m.connect(device.MACAddress)
			return
		}
		if matched, ok := m.matchByName(m.op.batteryID); ok {
			m.connect(matched.MACAddress)
		}
	}
}

// matchByName finds a detected device advertising the battery's short serial.
func (m *Machine) matchByName(batteryID string) (swap.Device, bool) {
	short := swap.ShortID(batteryID)
	for _, device := range m.op.detected {
		if short != "" && strings.Contains(device.DisplayName, short) {
			return device, true
		}
	}
	return swap.Device{}, false
}

func (m *Machine) connect(mac string) {
	m.op.mac = mac
	m.op.state = StateConnecting
	m.op.progress = 10
	m.logger.Info("connecting", "mac", mac, "attempt", m.op.retries+1)

	// the device scan has served its purpose; stopping is a safe no-op if it
	// already ended
	m.issueCommand(m.op.seq, "stopBleScan", func(ctx context.Context) error {
		return m.cmds.StopBleScan(ctx)
	})
	m.issueCommand(m.op.seq, "connBleByMacAddress", func(ctx context.Context) error {
		return m.cmds.ConnBleByMacAddress(ctx, mac)
	})
	m.armWatchdog(StateConnecting, m.timings.Connect)
}

func (m *Machine) handleConnectOK() {
	if m.op == nil || m.op.state != StateConnecting {
		return
	}
	m.stopWatchdog()
	m.op.connected = true
	m.op.progress = 60
	m.op.state = StateReading
	m.logger.Info("connected, reading energy", "mac", m.op.mac)

	m.armWatchdog(StateReading, m.timings.ReadPhase)

	readCtx, cancel := context.WithCancel(m.runCtx)
	m.op.readCancel = cancel
	seq, mac := m.op.seq, m.op.mac
	go func() {
		// the service data must be initialised before characteristic reads
		// are accepted; its response may already carry the battery's
		// self-reported identifier
		data, err := m.cmds.InitServiceBleData(readCtx, mac)
		if err != nil {
			m.events <- readDone{seq: seq, err: fmt.Errorf("init service data: %w", err)}
			return
		}
		if data != nil {
			m.events <- serviceData{data: data}
		}
		result, err := m.reader.ReadEnergy(readCtx, mac)
		m.events <- readDone{seq: seq, result: result, err: err}
	}()
}

func (m *Machine) handleConnectFail(code int, desc string) {
	if m.op == nil || m.op.state != StateConnecting {
		return
	}

	if radioStuck(code, desc) {
		m.logger.Error("radio stuck, reset required", "code", code, "desc", desc)
		m.fail("Bluetooth radio unresponsive, toggle Bluetooth and retry", true)
		return
	}

	if m.op.retries < maxConnectRetries {
		m.op.retries++
		m.logger.Warn("connect failed, retrying",
			"mac", m.op.mac, "retry", m.op.retries, "code", code, "desc", desc)
		m.stopWatchdog()
		m.scheduleRetry()
		return
	}

	m.op.connectionFailed = true
	m.fail(fmt.Sprintf("could not connect to battery after %d attempts", maxConnectRetries+1), false)
}

func (m *Machine) scheduleRetry() {
	seq := m.op.seq
	if m.op.retryTimer != nil {
		m.op.retryTimer.Stop()
	}
	m.op.retryTimer = time.AfterFunc(m.timings.ConnectRetryDelay, func() {
		m.events <- retryDue{seq: seq}
	})
}

func (m *Machine) handleRetryDue(seq uint64) {
	if m.op == nil || m.op.seq != seq || m.op.state != StateConnecting {
		return
	}
	mac := m.op.mac
	m.issueCommand(seq, "connBleByMacAddress", func(ctx context.Context) error {
		return m.cmds.ConnBleByMacAddress(ctx, mac)
	})
	m.armWatchdog(StateConnecting, m.timings.Connect)
}

func (m *Machine) handleServiceData(data map[string]any) {
	if m.op == nil {
		return
	}

	switch m.op.state {
	case StateScanning, StateMatching:
		device, ok := deviceFromServiceData(data)
		if ok {
			m.handleDevice(device)
		}
	case StateReading:
		if id, ok := data["batteryId"].(string); ok && id != "" {
			m.op.actualBatteryID = id
		}
	}
}

func (m *Machine) handleReadDone(e readDone) {
	if m.op == nil || m.op.seq != e.seq || m.op.state != StateReading {
		return
	}
	m.stopWatchdog()

	if e.err != nil {
		m.disconnect()
		m.fail(fmt.Sprintf("energy read failed: %v", e.err), false)
		return
	}

	reading := swap.NewBatteryReading(m.op.batteryID, m.op.mac, e.result.EnergyWh, e.result.ChargePercent)
	reading.ActualBatteryID = m.op.actualBatteryID

	m.op.progress = 100
	m.op.state = StateSuccess
	m.logger.Info("battery read complete",
		"battery_id", reading.ID, "energy_wh", reading.EnergyWh, "charge_percent", reading.ChargePercent)

	m.disconnect()
	m.Results <- Result{
		Tag:      m.op.tag,
		Reading:  reading,
		Duration: time.Since(m.op.startedAt),
	}
	m.op = nil // scan state resets on success
}

func (m *Machine) handleWatchdog(e watchdogFired) {
	if m.op == nil || m.op.seq != e.seq || m.op.state != e.phase {
		// watchdog from a finished phase or an older operation
		return
	}

	switch e.phase {
	case StateScanning:
		m.issueCommand(e.seq, "stopBleScan", func(ctx context.Context) error {
			return m.cmds.StopBleScan(ctx)
		})
		m.fail("no battery label scanned", false)
	case StateMatching:
		if m.op.macHint != "" {
			// device never appeared in the scan: direct connect on the
			// QR-supplied address
			m.logger.Info("device not seen in scan, connecting directly", "mac_hint", m.op.macHint)
			m.connect(m.op.macHint)
			return
		}
		m.fail("battery not found nearby", false)
	case StateConnecting:
		// no success or failure push arrived at all; treat as one failed
		// attempt so the retry budget applies
		m.handleConnectFail(0, "connection attempt timed out")
	case StateReading:
		if m.op.readCancel != nil {
			m.op.readCancel()
		}
		m.disconnect()
		m.fail("energy read timed out", false)
	}
}

func (m *Machine) handleCancel(force bool) error {
	if m.op == nil {
		return nil // cancel when idle is a no-op
	}

	if m.op.state == StateReading && m.op.connected && !force {
		return ErrBusyReading
	}

	m.logger.Info("operation cancelled", "state", m.op.state.String(), "force", force)
	m.teardown()
	return nil
}

func (m *Machine) handleCommandFailed(e commandFailed) {
	if m.op == nil || m.op.seq != e.seq || m.op.state.terminal() {
		return
	}

	if errors.Is(e.err, bridge.ErrUnavailable) {
		// precondition failure: nothing native will ever call back
		m.fail("native bridge unavailable", false)
		return
	}

	switch e.command {
	case "connBleByMacAddress":
		m.handleConnectFail(0, e.err.Error())
	case "startBleScan":
		m.fail(fmt.Sprintf("could not start scan: %v", e.err), false)
	default:
		m.logger.Warn("native command failed", "command", e.command, "error", e.err)
	}
}

// fail ends the operation in StateFailed and emits the outcome. The failed
// record is kept until the next Start or Cancel so the terminal can show it.
func (m *Machine) fail(msg string, requiresReset bool) {
	m.stopWatchdog()
	if m.op.retryTimer != nil {
		m.op.retryTimer.Stop()
	}
	m.op.state = StateFailed
	m.op.errMsg = msg
	m.op.requiresReset = requiresReset
	m.logger.Warn("operation failed", "error", msg, "requires_reset", requiresReset)

	m.Results <- Result{
		Tag:           m.op.tag,
		Err:           errors.New(msg),
		RequiresReset: requiresReset,
		Duration:      time.Since(m.op.startedAt),
	}
}

// teardown clears all timers and in-flight native state. Stop and disconnect
// are safe no-ops when nothing is running.
func (m *Machine) teardown() {
	if m.op == nil {
		return
	}
	m.stopWatchdog()
	if m.op.retryTimer != nil {
		m.op.retryTimer.Stop()
	}
	if m.op.readCancel != nil {
		m.op.readCancel()
	}
	seq := m.op.seq
	m.issueCommand(seq, "stopBleScan", func(ctx context.Context) error {
		return m.cmds.StopBleScan(ctx)
	})
	m.disconnect()
	m.op = nil
}

func (m *Machine) disconnect() {
	if m.op == nil || m.op.mac == "" {
		return
	}
	mac := m.op.mac
	m.issueCommand(m.op.seq, "disconnectBle", func(ctx context.Context) error {
		return m.cmds.DisconnectBle(ctx, mac)
	})
}

// issueCommand runs a native command off the loop goroutine so a slow
// callback cannot stall event processing. Failures come back as events tagged
// with the operation they belong to.
func (m *Machine) issueCommand(seq uint64, name string, call func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timings.CommandAck)
		defer cancel()
		if err := call(ctx); err != nil {
			m.events <- commandFailed{seq: seq, command: name, err: err}
		}
	}()
}

// armWatchdog replaces the operation's watchdog with one for the given phase.
// The fired event carries the operation seq, so a timer that outlives its
// operation is ignored.
func (m *Machine) armWatchdog(phase State, d time.Duration) {
	m.stopWatchdog()
	seq := m.op.seq
	m.op.watchdog = time.AfterFunc(d, func() {
		m.events <- watchdogFired{seq: seq, phase: phase}
	})
}

func (m *Machine) stopWatchdog() {
	if m.op != nil && m.op.watchdog != nil {
		m.op.watchdog.Stop()
		m.op.watchdog = nil
	}
}

func (m *Machine) snapshot() Snapshot {
	if m.op == nil {
		return Snapshot{State: StateIdle}
	}
	devices := make([]swap.Device, 0, len(m.op.detected))
	for _, d := range m.op.detected {
		devices = append(devices, d)
	}
	return Snapshot{
		State:              m.op.state,
		BatteryID:          m.op.batteryID,
		ConnectedDeviceMac: m.op.mac,
		DetectedDevices:    devices,
		ConnectionProgress: m.op.progress,
		Error:              m.op.errMsg,
		ConnectionFailed:   m.op.connectionFailed,
		RequiresReset:      m.op.requiresReset,
	}
}

// deviceFromServiceData extracts a detected-device entry from a
// bleDataCallBack payload. Field names vary across native builds.
func deviceFromServiceData(data map[string]any) (swap.Device, bool) {
	mac, ok := data["macAddress"].(string)
	if !ok || mac == "" {
		return swap.Device{}, false
	}
	device := swap.Device{MACAddress: strings.ToUpper(mac)}
	if name, ok := data["displayName"].(string); ok {
		device.DisplayName = name
	} else if name, ok := data["name"].(string); ok {
		device.DisplayName = name
	}
	if rssi, ok := data["rssi"].(float64); ok {
		device.SignalStrength = int(rssi)
	}
	return device, true
}

func radioStuck(code int, desc string) bool {
	if code == respCodeRadioStuck {
		return true
	}
	desc = strings.ToLower(desc)
	return strings.Contains(desc, "radio") || strings.Contains(desc, "stack error")
}
