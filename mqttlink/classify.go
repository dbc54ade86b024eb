package mqttlink

import (
	"github.com/mitchellh/mapstructure"
)

// Status is the resolved outcome of a reported operation.
type Status int

const (
	StatusFailed Status = iota
	StatusSuccess
	StatusAlreadyRecorded
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusSuccess:
		return "success"
	case StatusAlreadyRecorded:
		return "already_recorded"
	default:
		return "unknown"
	}
}

// Error signals always mean failure, whatever any success flag says: a
// response can assert success at the envelope level while a signal reports
// the real refusal.
var errorSignals = map[string]struct{}{
	"completion_failed": {},
	"quota_exhausted":   {},
	"rejected":          {},
	"top_up_required":   {},
	"mismatch":          {},
	"validation_failed": {},
	"payment_failed":    {},
	"rate_limited":      {},
	"security_alert":    {},
}

var successSignals = map[string]struct{}{
	"service_completed": {},
	"asset_allocated":   {},
	"asset_returned":    {},
}

// signalIdempotent means the backend had already recorded this operation.
// It is kept distinct from a plain success so callers can skip re-applying
// side effects.
const signalIdempotent = "idempotent_operation"

// Outcome is the classification of one response payload.
type Outcome struct {
	Status Status
	Signal string // the signal that decided the outcome, empty on bare-flag fallback
	Reason string
	Raw    map[string]any
}

// OK reports whether the operation took effect, now or previously.
func (o Outcome) OK() bool {
	return o.Status != StatusFailed
}

// responseEnvelope is the shape the backend replies with. Signals and reason
// may live at the top level or inside data depending on the backend version.
type responseEnvelope struct {
	Success bool     `json:"success"`
	Signals []string `json:"signals"`
	Reason  string   `json:"reason"`
	Data    struct {
		Signals []string `json:"signals"`
		Reason  string   `json:"reason"`
	} `json:"data"`
}

// Classify resolves a decoded response into an Outcome. Precedence: error
// signals, then the idempotent marker, then success signals, then the bare
// success flag. Anything else is a failure.
func Classify(m map[string]any) Outcome {
	var resp responseEnvelope
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &resp,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err == nil {
		// a shape mismatch leaves resp zero-valued, which classifies as failed
		_ = decoder.Decode(m)
	}

	signals := make([]string, 0, len(resp.Signals)+len(resp.Data.Signals))
	signals = append(signals, resp.Signals...)
	signals = append(signals, resp.Data.Signals...)

	reason := resp.Reason
	if reason == "" {
		reason = resp.Data.Reason
	}

	for _, s := range signals {
		if _, ok := errorSignals[s]; ok {
			return Outcome{Status: StatusFailed, Signal: s, Reason: reason, Raw: m}
		}
	}
	for _, s := range signals {
		if s == signalIdempotent {
			return Outcome{Status: StatusAlreadyRecorded, Signal: s, Reason: reason, Raw: m}
		}
	}
	for _, s := range signals {
		if _, ok := successSignals[s]; ok {
			return Outcome{Status: StatusSuccess, Signal: s, Reason: reason, Raw: m}
		}
	}
	if resp.Success {
		return Outcome{Status: StatusSuccess, Reason: reason, Raw: m}
	}
	if reason == "" {
		reason = "no recognised signal in response"
	}
	return Outcome{Status: StatusFailed, Reason: reason, Raw: m}
}
