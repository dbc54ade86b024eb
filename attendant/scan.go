package attendant

import (
	"errors"
	"fmt"
	"time"
)

// ScanType says which call site the next QR result belongs to. Only one type
// may be armed at a time; the armed flag is cleared the moment a result is
// consumed so a stale or duplicate push cannot be misrouted.
type ScanType string

const (
	ScanBattery ScanType = "battery"
	ScanPayment ScanType = "payment"
	ScanVehicle ScanType = "vehicle"
)

// ErrScanBusy means a scan of another type is still outstanding.
var ErrScanBusy = errors.New("attendant: a scan is already armed")

// armScanType atomically claims the armed slot. Callers hold a.mu.
func (a *Attendant) armScanType(t ScanType) error {
	if a.armed != "" {
		return ErrScanBusy
	}
	a.armed = t
	a.armSeq++
	return nil
}

// consumeScanType clears the armed slot and returns what was armed. Callers
// hold a.mu.
func (a *Attendant) consumeScanType() ScanType {
	t := a.armed
	a.armed = ""
	a.stopArmWatchdog()
	return t
}

// stopArmWatchdog clears the pending expiry timer. Callers hold a.mu.
func (a *Attendant) stopArmWatchdog() {
	if a.armTimer != nil {
		a.armTimer.Stop()
		a.armTimer = nil
	}
}

// startArmWatchdog frees the armed slot if no QR result ever arrives, so an
// abandoned scanner cannot block every other scan type. Battery scans are
// excluded here: the scan-to-bind machine runs its own scanner-open watchdog
// and its terminal result clears the slot. The seq guard keeps a timer that
// fires late from touching a newer arm.
func (a *Attendant) startArmWatchdog(seq uint64, t ScanType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.armed != t || a.armSeq != seq {
		// already consumed or re-armed
		return
	}
	a.armTimer = time.AfterFunc(a.config.ScanTimeout, func() {
		a.mu.Lock()
		if a.armSeq != seq || a.armed == "" {
			a.mu.Unlock()
			return
		}
		expired := a.armed
		a.armed = ""
		a.armTimer = nil
		a.mu.Unlock()
		a.fail(newFailure(FailureTransient, nil, fmt.Sprintf("%s scan timed out with no result", expired)))
	})
}
