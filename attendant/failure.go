package attendant

import (
	"errors"
	"fmt"

	"github.com/uxi-energy/attendantd/bridge"
	"github.com/uxi-energy/attendantd/mqttlink"
	"github.com/uxi-energy/attendantd/odoo"
)

// FailureClass drives what the terminal tells the attendant to do next.
type FailureClass int

const (
	// FailurePrecondition is non-retryable: something required is missing
	// (bridge absent, no order, no subscription code).
	FailurePrecondition FailureClass = iota
	// FailureTransient went away on its own before, so retrying is the advice.
	FailureTransient
	// FailureBusiness is a backend refusal that needs a corrective action
	// (top up, re-enter a receipt), not a retry.
	FailureBusiness
	// FailureRadioStuck needs the Bluetooth radio toggled before anything
	// else will work.
	FailureRadioStuck
)

func (c FailureClass) String() string {
	switch c {
	case FailurePrecondition:
		return "precondition"
	case FailureTransient:
		return "transient"
	case FailureBusiness:
		return "business"
	case FailureRadioStuck:
		return "radio_stuck"
	default:
		return "unknown"
	}
}

// Failure is the typed outcome every asynchronous error is converted into at
// the orchestrator boundary. Nothing below this layer decides user-visible
// messaging.
type Failure struct {
	Class  FailureClass
	Reason string
	cause  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Class, f.Reason)
}

func (f *Failure) Unwrap() error { return f.cause }

func newFailure(class FailureClass, cause error, reason string) *Failure {
	if reason == "" && cause != nil {
		reason = cause.Error()
	}
	return &Failure{Class: class, Reason: reason, cause: cause}
}

// classify converts an error from any collaborator into a Failure.
func classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, bridge.ErrUnavailable) {
		return newFailure(FailurePrecondition, err, "native bridge unavailable")
	}
	var apiErr *odoo.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 500 {
			return newFailure(FailureTransient, err, "")
		}
		return newFailure(FailureBusiness, err, apiErr.Message)
	}
	if errors.Is(err, mqttlink.ErrTimeout) {
		return newFailure(FailureTransient, err, "no response from the plan service")
	}
	return newFailure(FailureTransient, err, "")
}
