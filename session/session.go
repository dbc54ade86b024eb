package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/uxi-energy/attendantd/swap"
)

var (
	ErrUnknownStep = errors.New("session: step not part of this flow")

	// ErrStepSkipped means a forward jump past the high-water mark.
	ErrStepSkipped = errors.New("session: cannot skip ahead of the furthest reached step")

	// ErrSuccessNavigation means a timeline jump to the terminal step, which
	// is only permitted in read-only review.
	ErrSuccessNavigation = errors.New("session: direct navigation to the terminal step requires read-only mode")

	ErrNoBattery = errors.New("session: no pending battery to confirm")
)

// Store persists session snapshots keyed by an order ID. Update must upsert:
// a snapshot for an unknown key creates it.
type Store interface {
	Create(ctx context.Context, orderID string, snap Snapshot) error
	Update(ctx context.Context, orderID string, snap Snapshot) error
	Fetch(ctx context.Context, orderID string) (Snapshot, error)
	Complete(ctx context.Context, orderID string) error
}

// CustomerInfo is the registration form data carried through the workflow.
type CustomerInfo struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email,omitempty"`
	IDNumber string `json:"idNumber,omitempty"`
}

// PaymentState mirrors the backend's view of the order's payment.
type PaymentState struct {
	Paid       float64 `json:"paid"`
	Expected   float64 `json:"expected"`
	Remaining  float64 `json:"remaining"`
	Incomplete bool    `json:"incomplete"`
}

// Payload aggregates everything the workflow has produced so far. It is what
// gets serialized to the session store on every transition.
type Payload struct {
	Customer                  CustomerInfo         `json:"customer"`
	PartnerID                 int                  `json:"partnerId,omitempty"`
	RegistrationID            string               `json:"registrationId,omitempty"`
	PackageID                 string               `json:"packageId,omitempty"`
	PlanID                    string               `json:"planId,omitempty"`
	SubscriptionCode          string               `json:"subscriptionCode,omitempty"`
	ConfirmedSubscriptionCode string               `json:"confirmedSubscriptionCode,omitempty"`
	VehicleID                 string               `json:"vehicleId,omitempty"`
	Payment                   PaymentState         `json:"payment"`
	PendingBattery            *swap.BatteryReading `json:"pendingBattery,omitempty"`
	AssignedBattery           *swap.BatteryReading `json:"assignedBattery,omitempty"`
}

// Snapshot is the persisted form of a session. Steps are stored as flow
// indices so the snapshot is self-describing across flow variants.
type Snapshot struct {
	Flow           Flow    `json:"flow"`
	CurrentStep    int     `json:"currentStep"`
	MaxStepReached int     `json:"maxStepReached"`
	Completed      bool    `json:"completed"`
	Payload        Payload `json:"payload"`
}

// Session is the workflow state machine. It is single-owner, single-writer:
// only the orchestrator goroutine calls its methods, consumers read the
// snapshots it persists.
type Session struct {
	flow        Flow
	current     int
	maxReached  int
	readOnly    bool
	completed   bool
	transitions int

	orderID  string
	draftKey string
	remote   Store
	local    Store
	logger   *slog.Logger

	Payload Payload
}

// New starts a fresh session at the flow's first step. Until BindOrder is
// called, snapshots go to the local store under a draft key; there is no
// backend order to key them by yet.
func New(flow Flow, remote, local Store) *Session {
	return &Session{
		flow:     flow,
		remote:   remote,
		local:    local,
		draftKey: "draft-" + uuid.NewString(),
		logger:   slog.Default().With("component", "session"),
	}
}

// Restore rebuilds a session from its persisted snapshot. Restoration only
// replaces state: none of the side effects that produced the snapshot (the
// purchase, the payment, the swap report) are replayed.
func Restore(ctx context.Context, store Store, orderID string) (*Session, error) {
	snap, err := store.Fetch(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch session %s: %w", orderID, err)
	}
	if len(snap.Flow) == 0 {
		return nil, fmt.Errorf("session %s: snapshot has no flow", orderID)
	}
	return &Session{
		flow:        snap.Flow,
		current:     snap.CurrentStep,
		maxReached:  snap.MaxStepReached,
		completed:   snap.Completed,
		readOnly:    snap.Completed,
		transitions: 1,
		orderID:     orderID,
		remote:      store,
		logger:      slog.Default().With("component", "session"),
		Payload:     snap.Payload,
	}, nil
}

func (s *Session) Current() Step      { return s.flow[s.current] }
func (s *Session) MaxReached() Step   { return s.flow[s.maxReached] }
func (s *Session) Completed() bool    { return s.completed }
func (s *Session) OrderID() string    { return s.orderID }
func (s *Session) ReadOnly() bool     { return s.readOnly }
func (s *Session) SetReadOnly(v bool) { s.readOnly = v }

// Next returns the step after the current one, if any.
func (s *Session) Next() (Step, bool) {
	if s.current+1 >= len(s.flow) {
		return 0, false
	}
	return s.flow[s.current+1], true
}

// BindOrder attaches the session to a backend order once the purchase has
// created one. The current snapshot is pushed to the backend store; later
// saves go there instead of the local draft.
func (s *Session) BindOrder(ctx context.Context, orderID string) error {
	s.orderID = orderID
	if err := s.remote.Create(ctx, orderID, s.snapshot()); err != nil {
		return fmt.Errorf("create session %s: %w", orderID, err)
	}
	if s.local != nil {
		// the draft served its purpose
		if err := s.local.Complete(ctx, s.draftKey); err != nil {
			s.logger.Warn("could not retire draft session", "key", s.draftKey, "error", err)
		}
	}
	return nil
}

// AdvanceTo moves the workflow to the given step. Forward movement is one
// step at a time past the high-water mark; any already-reached step can be
// revisited without lowering the mark, except the terminal step, which can
// only be revisited in read-only mode. Every transition but the very first
// persists a snapshot; reaching the terminal step additionally marks the
// session complete.
func (s *Session) AdvanceTo(ctx context.Context, step Step) error {
	idx, ok := s.flow.index(step)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
	if s.readOnly {
		s.current = idx
		return nil
	}
	if idx > s.maxReached+1 {
		return fmt.Errorf("%w: %s (furthest %s)", ErrStepSkipped, step, s.flow[s.maxReached])
	}
	terminal := idx == len(s.flow)-1
	if terminal && idx <= s.maxReached {
		return ErrSuccessNavigation
	}

	first := s.transitions == 0
	s.transitions++
	s.current = idx
	if idx > s.maxReached {
		s.maxReached = idx
	}

	if terminal {
		s.completed = true
		if err := s.save(ctx); err != nil {
			return err
		}
		if s.orderID != "" {
			if err := s.remote.Complete(ctx, s.orderID); err != nil {
				return fmt.Errorf("complete session %s: %w", s.orderID, err)
			}
		}
		s.logger.Info("session complete", "order", s.orderID)
		return nil
	}
	if first {
		return nil
	}
	return s.save(ctx)
}

// SetPayment records the backend's payment amounts. A change of the
// incomplete flag is persisted immediately, even without a step transition,
// so a half-paid order survives a restart.
func (s *Session) SetPayment(ctx context.Context, p PaymentState) error {
	changed := p.Incomplete != s.Payload.Payment.Incomplete
	s.Payload.Payment = p
	if changed && !s.readOnly {
		return s.save(ctx)
	}
	return nil
}

// RecordPendingBattery holds a scanned reading until the user confirms it.
func (s *Session) RecordPendingBattery(r swap.BatteryReading) {
	s.Payload.PendingBattery = &r
}

// ConfirmBattery promotes the pending reading to assigned.
func (s *Session) ConfirmBattery(ctx context.Context) error {
	if s.Payload.PendingBattery == nil {
		return ErrNoBattery
	}
	s.Payload.AssignedBattery = s.Payload.PendingBattery
	s.Payload.PendingBattery = nil
	return s.save(ctx)
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		Flow:           s.flow,
		CurrentStep:    s.current,
		MaxStepReached: s.maxReached,
		Completed:      s.completed,
		Payload:        s.Payload,
	}
}

func (s *Session) save(ctx context.Context) error {
	snap := s.snapshot()
	if s.orderID != "" {
		if err := s.remote.Update(ctx, s.orderID, snap); err != nil {
			return fmt.Errorf("update session %s: %w", s.orderID, err)
		}
		return nil
	}
	if s.local != nil {
		if err := s.local.Update(ctx, s.draftKey, snap); err != nil {
			return fmt.Errorf("update draft session: %w", err)
		}
		return nil
	}
	s.logger.Debug("no store bound, snapshot not persisted")
	return nil
}
