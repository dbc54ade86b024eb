// Package attendant is the orchestrator: it owns the workflow session, routes
// QR results to whichever call site armed the scanner, drives the scan-to-bind
// machine, and turns a completed battery read into a priced, reported swap.
package attendant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uxi-energy/attendantd/bridge"
	"github.com/uxi-energy/attendantd/mqttlink"
	"github.com/uxi-energy/attendantd/odoo"
	"github.com/uxi-energy/attendantd/pricing"
	"github.com/uxi-energy/attendantd/scanbind"
	"github.com/uxi-energy/attendantd/session"
	"github.com/uxi-energy/attendantd/swap"
)

// Backend is the slice of the odoo client the workflow drives.
type Backend interface {
	RegisterCustomer(ctx context.Context, reg odoo.CustomerRegistration) (odoo.RegistrationResult, error)
	PurchaseSubscription(ctx context.Context, req odoo.PurchaseRequest) (odoo.PurchaseResult, error)
	ConfirmPayment(ctx context.Context, orderID, receiptRef string) (odoo.PaymentStatus, error)
}

// Reporter publishes a swap report and awaits the correlated response.
type Reporter interface {
	PublishAndAwait(ctx context.Context, requestTopic, responseTopic string, payload map[string]any, correlationID string, timeout time.Duration) (mqttlink.Outcome, error)
}

// QRScanner arms the native QR scanner; the result arrives as a push.
type QRScanner interface {
	StartQrCodeScan(ctx context.Context, timeoutHintSecs int) error
}

// PushRegistrar registers handlers for native push events.
type PushRegistrar interface {
	OnPush(event string, handler bridge.PushHandler)
}

// RateSource yields the per-kWh rate applicable at a given time, for
// time-of-day tariffs.
type RateSource interface {
	PerKwh(at time.Time) float64
}

// Config carries the kiosk's identity and commercial settings.
type Config struct {
	KioskID       uuid.UUID
	ActorID       string // operator identity reported to the plan service
	RatePerKwh    float64
	Rates         RateSource // optional, overrides RatePerKwh when set
	Currency      string
	ReportTimeout time.Duration
	ScanTimeout   time.Duration // how long an armed scan waits for a QR result
}

// planSelection holds the selected plan's quota, needed later for pricing.
type planSelection struct {
	planID       string
	quotaTotalWh float64
	quotaUsedWh  float64
}

// Attendant drives one customer workflow at a time.
type Attendant struct {
	// PaymentScans and VehicleScans deliver routed QR results to the
	// screens that asked for them.
	PaymentScans chan string
	VehicleScans chan string

	config   Config
	machine  *scanbind.Machine
	scanner  QRScanner
	backend  Backend
	reporter Reporter
	events   chan<- swap.Event
	logger   *slog.Logger

	mu          sync.Mutex
	armed       ScanType
	armSeq      uint64
	armTimer    *time.Timer
	sess        *session.Session
	plan        planSelection
	oldReading  *swap.BatteryReading
	lastFailure *Failure
}

func New(config Config, machine *scanbind.Machine, scanner QRScanner, backend Backend, reporter Reporter, events chan<- swap.Event) *Attendant {
	if config.ReportTimeout <= 0 {
		config.ReportTimeout = mqttlink.DefaultTimeout
	}
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = scanbind.DefaultTimings().ScannerOpen
	}
	return &Attendant{
		PaymentScans: make(chan string, 1),
		VehicleScans: make(chan string, 1),
		config:       config,
		machine:      machine,
		scanner:      scanner,
		backend:      backend,
		reporter:     reporter,
		events:       events,
		logger:       slog.Default().With("component", "attendant"),
	}
}

// WirePushes routes the native push events to their consumers. Call once
// before Run.
func (a *Attendant) WirePushes(b PushRegistrar) {
	b.OnPush(bridge.PushQrCodeResult, a.onQRResult)
	b.OnPush(bridge.PushBleConnectOK, func(json.RawMessage) { a.machine.HandleConnectSuccess() })
	b.OnPush(bridge.PushBleConnectFail, a.onConnectFail)
	b.OnPush(bridge.PushBleData, a.onBleData)
}

// Run consumes machine results until the context is cancelled.
func (a *Attendant) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-a.machine.Results:
			a.handleResult(result)
		}
	}
}

// BeginSession starts a fresh workflow.
func (a *Attendant) BeginSession(flow session.Flow, remote, local session.Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sess = session.New(flow, remote, local)
	a.oldReading = nil
	a.plan = planSelection{}
}

// ResumeSession restores a persisted workflow. Restoration replaces state
// only; nothing that produced the snapshot runs again.
func (a *Attendant) ResumeSession(ctx context.Context, store session.Store, orderID string) error {
	sess, err := session.Restore(ctx, store, orderID)
	if err != nil {
		return a.fail(classify(err))
	}
	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()
	return nil
}

// Session exposes the current workflow for the UI surface to read.
func (a *Attendant) Session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

// LastFailure returns the most recent converted failure, for display.
func (a *Attendant) LastFailure() *Failure {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFailure
}

func (a *Attendant) fail(f *Failure) error {
	a.mu.Lock()
	a.lastFailure = f
	a.mu.Unlock()
	a.logger.Warn("workflow failure", "class", f.Class.String(), "reason", f.Reason)
	return f
}

// RegisterCustomer creates the customer on the backend and opens the package
// selection step.
func (a *Attendant) RegisterCustomer(ctx context.Context, info session.CustomerInfo) error {
	result, err := a.backend.RegisterCustomer(ctx, odoo.CustomerRegistration{
		Name:     info.Name,
		Phone:    info.Phone,
		Email:    info.Email,
		IDNumber: info.IDNumber,
	})
	if err != nil {
		return a.fail(classify(err))
	}
	sess := a.Session()
	sess.Payload.Customer = info
	sess.Payload.PartnerID = result.PartnerID
	sess.Payload.RegistrationID = result.RegistrationID
	return sess.AdvanceTo(ctx, session.StepPackage)
}

func (a *Attendant) SelectPackage(ctx context.Context, packageID string) error {
	sess := a.Session()
	sess.Payload.PackageID = packageID
	return sess.AdvanceTo(ctx, session.StepPlan)
}

// SelectPlan records the plan and its quota; the quota offsets the billed
// energy at swap time.
func (a *Attendant) SelectPlan(ctx context.Context, planID string, quotaTotalWh, quotaUsedWh float64) error {
	a.mu.Lock()
	a.plan = planSelection{planID: planID, quotaTotalWh: quotaTotalWh, quotaUsedWh: quotaUsedWh}
	a.mu.Unlock()
	sess := a.Session()
	sess.Payload.PlanID = planID
	return sess.AdvanceTo(ctx, session.StepPreview)
}

// Purchase buys the subscription, which creates the backend order the rest of
// the workflow is keyed by.
func (a *Attendant) Purchase(ctx context.Context, products []odoo.ProductLine) error {
	sess := a.Session()
	result, err := a.backend.PurchaseSubscription(ctx, odoo.PurchaseRequest{
		PartnerID: sess.Payload.PartnerID,
		PackageID: sess.Payload.PackageID,
		PlanID:    sess.Payload.PlanID,
		Products:  products,
	})
	if err != nil {
		return a.fail(classify(err))
	}
	sess.Payload.SubscriptionCode = result.SubscriptionCode
	if err := sess.BindOrder(ctx, result.OrderID); err != nil {
		return a.fail(classify(err))
	}
	return sess.AdvanceTo(ctx, session.StepPayment)
}

// ConfirmPayment records a receipt against the order. An incomplete payment
// updates the session but blocks advancement.
func (a *Attendant) ConfirmPayment(ctx context.Context, receiptRef string) error {
	sess := a.Session()
	if sess.OrderID() == "" {
		return a.fail(newFailure(FailurePrecondition, nil, "no order to confirm payment for"))
	}
	status, err := a.backend.ConfirmPayment(ctx, sess.OrderID(), receiptRef)
	if err != nil {
		return a.fail(classify(err))
	}
	err = sess.SetPayment(ctx, session.PaymentState{
		Paid:       status.Paid,
		Expected:   status.Expected,
		Remaining:  status.Remaining,
		Incomplete: status.Incomplete(),
	})
	if err != nil {
		return a.fail(classify(err))
	}
	if status.Incomplete() {
		return a.fail(newFailure(FailureBusiness, nil,
			fmt.Sprintf("payment incomplete: paid %.2f of %.2f, remaining %.2f", status.Paid, status.Expected, status.Remaining)))
	}
	next, ok := sess.Next()
	if !ok {
		return a.fail(newFailure(FailurePrecondition, nil, "flow has no step after payment"))
	}
	return sess.AdvanceTo(ctx, next)
}

// ArmBatteryScan starts the scan-to-bind operation and opens the QR scanner
// for the battery serial.
func (a *Attendant) ArmBatteryScan(ctx context.Context, tag swap.ReadingTag) error {
	a.mu.Lock()
	if err := a.armScanType(ScanBattery); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	if err := a.machine.Start(tag); err != nil {
		a.clearArmed()
		return a.fail(classify(err))
	}
	if err := a.scanner.StartQrCodeScan(ctx, int(a.config.ScanTimeout/time.Second)); err != nil {
		a.clearArmed()
		a.machine.Cancel(true)
		return a.fail(classify(err))
	}
	return nil
}

// ArmPaymentScan opens the QR scanner for a payment receipt reference.
func (a *Attendant) ArmPaymentScan(ctx context.Context) error {
	return a.armSimpleScan(ctx, ScanPayment)
}

// ArmVehicleScan opens the QR scanner for a vehicle identifier.
func (a *Attendant) ArmVehicleScan(ctx context.Context) error {
	return a.armSimpleScan(ctx, ScanVehicle)
}

func (a *Attendant) armSimpleScan(ctx context.Context, t ScanType) error {
	a.mu.Lock()
	if err := a.armScanType(t); err != nil {
		a.mu.Unlock()
		return err
	}
	seq := a.armSeq
	a.mu.Unlock()
	if err := a.scanner.StartQrCodeScan(ctx, int(a.config.ScanTimeout/time.Second)); err != nil {
		a.clearArmed()
		return a.fail(classify(err))
	}
	a.startArmWatchdog(seq, t)
	return nil
}

// CancelScan aborts whatever scan is armed. A battery scan that is mid-read
// refuses to cancel unless forced.
func (a *Attendant) CancelScan(force bool) error {
	a.mu.Lock()
	armed := a.armed
	a.mu.Unlock()
	if armed == ScanBattery {
		if err := a.machine.Cancel(force); err != nil {
			return err
		}
	}
	a.clearArmed()
	return nil
}

func (a *Attendant) clearArmed() {
	a.mu.Lock()
	a.armed = ""
	a.stopArmWatchdog()
	a.mu.Unlock()
}

// onQRResult routes a QR push to whichever call site armed the scanner. The
// armed flag is consumed before routing so a duplicate push finds it empty.
func (a *Attendant) onQRResult(data json.RawMessage) {
	var result struct {
		RespData struct {
			Value string `json:"value"`
		} `json:"respData"`
	}
	if err := bridge.DecodeInto(data, &result); err != nil {
		a.logger.Warn("discarding unparseable qr push", "error", err)
		return
	}
	a.mu.Lock()
	armed := a.consumeScanType()
	a.mu.Unlock()

	switch armed {
	case ScanBattery:
		a.machine.DeliverQR(result.RespData.Value)
	case ScanPayment:
		select {
		case a.PaymentScans <- result.RespData.Value:
		default:
			a.logger.Warn("dropping payment scan, consumer not ready")
		}
	case ScanVehicle:
		select {
		case a.VehicleScans <- result.RespData.Value:
		default:
			a.logger.Warn("dropping vehicle scan, consumer not ready")
		}
	default:
		a.logger.Warn("discarding qr result, no scan armed")
	}
}

func (a *Attendant) onConnectFail(data json.RawMessage) {
	var fail struct {
		RespCode int    `json:"respCode"`
		RespDesc string `json:"respDesc"`
	}
	if err := bridge.DecodeInto(data, &fail); err != nil {
		a.logger.Warn("discarding unparseable connect-fail push", "error", err)
		return
	}
	a.machine.HandleConnectFail(fail.RespCode, fail.RespDesc)
}

func (a *Attendant) onBleData(data json.RawMessage) {
	m, err := bridge.Decode(data)
	if err != nil {
		a.logger.Warn("discarding unparseable ble push", "error", err)
		return
	}
	a.machine.HandleBleData(m)
}

// handleResult processes a finished scan-to-bind operation.
func (a *Attendant) handleResult(result scanbind.Result) {
	a.clearArmed()

	if result.Err != nil {
		class := FailureTransient
		if result.RequiresReset {
			class = FailureRadioStuck
		}
		a.fail(newFailure(class, result.Err, ""))
		a.emitEvent(swap.Event{
			ID:         uuid.New(),
			Time:       time.Now().UTC(),
			KioskID:    a.config.KioskID,
			Kind:       swap.EventFailure,
			Outcome:    class.String(),
			DurationMs: result.Duration.Milliseconds(),
			Detail:     result.Err.Error(),
		})
		return
	}

	switch result.Tag {
	case swap.TagSwapOld:
		a.mu.Lock()
		reading := result.Reading
		a.oldReading = &reading
		a.mu.Unlock()
	default:
		if sess := a.Session(); sess != nil {
			sess.RecordPendingBattery(result.Reading)
		}
	}

	a.emitEvent(swap.Event{
		ID:         uuid.New(),
		Time:       time.Now().UTC(),
		KioskID:    a.config.KioskID,
		Kind:       swap.EventScan,
		BatteryID:  result.Reading.ID,
		EnergyWh:   result.Reading.EnergyWh,
		Outcome:    "success",
		DurationMs: result.Duration.Milliseconds(),
	})
	a.logger.Info("battery read complete", "battery", result.Reading.ShortID,
		"energy_wh", result.Reading.EnergyWh, "charge_percent", result.Reading.ChargePercent)
}

// CompleteSwap confirms the pending battery, prices the swap and reports it
// to the plan service, then closes the workflow.
func (a *Attendant) CompleteSwap(ctx context.Context) error {
	sess := a.Session()
	code := sess.Payload.SubscriptionCode
	if code == "" {
		return a.fail(newFailure(FailurePrecondition, nil, "no subscription code"))
	}
	if sess.Payload.PendingBattery == nil {
		return a.fail(newFailure(FailurePrecondition, nil, "no battery has been read"))
	}
	if err := sess.ConfirmBattery(ctx); err != nil {
		return a.fail(classify(err))
	}
	battery := sess.Payload.AssignedBattery

	a.mu.Lock()
	plan := a.plan
	var oldWh float64
	var oldID string
	if a.oldReading != nil {
		oldWh = a.oldReading.EnergyWh
		oldID = a.oldReading.ID
	}
	a.mu.Unlock()

	rate := a.config.RatePerKwh
	if a.config.Rates != nil {
		rate = a.config.Rates.PerKwh(time.Now())
	}
	quote := pricing.Quote(battery.EnergyWh, oldWh, rate,
		plan.quotaTotalWh, plan.quotaUsedWh, a.config.Currency)

	service := mqttlink.ServiceData{
		BatteryID:       battery.ID,
		ActualBatteryID: battery.ActualBatteryID,
		OldBatteryID:    oldID,
		EnergyWh:        battery.EnergyWh,
		OldEnergyWh:     oldWh,
		ChargePercent:   battery.ChargePercent,
	}
	var payment *mqttlink.PaymentData
	if quote.Cost > 0 {
		payment = &mqttlink.PaymentData{
			EnergyKwh: quote.EnergyDiffKwh,
			Cost:      quote.Cost,
			Rate:      quote.Rate,
			Currency:  quote.CurrencySymbol,
		}
	}
	payload := mqttlink.PaymentAndServicePayload(plan.planID, mqttlink.Actor{Type: "attendant", ID: a.config.ActorID}, service, payment)
	request, response := mqttlink.PaymentAndServiceTopics(code)

	outcome, err := a.reporter.PublishAndAwait(ctx, request, response, payload, uuid.NewString(), a.config.ReportTimeout)
	if err != nil {
		return a.fail(classify(err))
	}
	if !outcome.OK() {
		return a.fail(newFailure(FailureBusiness, nil,
			fmt.Sprintf("swap rejected: %s (%s)", outcome.Reason, outcome.Signal)))
	}
	if outcome.Status == mqttlink.StatusAlreadyRecorded {
		a.logger.Info("swap already recorded by the plan service", "battery", battery.ShortID)
	}

	sess.Payload.ConfirmedSubscriptionCode = code
	if err := sess.AdvanceTo(ctx, session.StepSuccess); err != nil {
		return a.fail(classify(err))
	}

	a.emitEvent(swap.Event{
		ID:        uuid.New(),
		Time:      time.Now().UTC(),
		KioskID:   a.config.KioskID,
		Kind:      swap.EventBind,
		BatteryID: battery.ID,
		EnergyWh:  battery.EnergyWh,
		Cost:      quote.Cost,
		Outcome:   outcome.Status.String(),
	})
	if payment != nil {
		a.emitEvent(swap.Event{
			ID:        uuid.New(),
			Time:      time.Now().UTC(),
			KioskID:   a.config.KioskID,
			Kind:      swap.EventPayment,
			BatteryID: battery.ID,
			EnergyWh:  battery.EnergyWh,
			Cost:      quote.Cost,
			Outcome:   outcome.Status.String(),
		})
	}
	return nil
}

// emitEvent hands an event to the fleet uploader without ever blocking the
// workflow on a slow disk.
func (a *Attendant) emitEvent(event swap.Event) {
	if a.events == nil {
		return
	}
	select {
	case a.events <- event:
	default:
		a.logger.Warn("fleet event buffer full, dropping event", "kind", event.Kind)
	}
}
