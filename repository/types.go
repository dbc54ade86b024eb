package repository

import (
	"time"

	"github.com/uxi-energy/attendantd/swap"
)

// StoredSwapEvent represents a swap event that is persisted to the SQLite database, and includes a count of upload attempts.
type StoredSwapEvent struct {
	swap.Event
	UploadAttemptCount uint
}

func newStoredSwapEvent(event swap.Event) StoredSwapEvent {
	return StoredSwapEvent{
		Event:              event,
		UploadAttemptCount: 0,
	}
}

// StoredSession is a pre-order workflow session draft, kept locally until the
// backend has created an order to key the session by.
type StoredSession struct {
	Key       string `gorm:"primaryKey"`
	Snapshot  []byte
	UpdatedAt time.Time
}
