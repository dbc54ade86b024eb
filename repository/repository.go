package repository

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/uxi-energy/attendantd/swap"
)

// ErrNotFound means the requested draft session does not exist locally.
var ErrNotFound = errors.New("repository: not found")

// Repository stores swap events and draft sessions to the local file system
// (sqlite). Events sit here until the fleet uploader has shipped them; drafts
// exist only for the window before the backend has created an order.
type Repository struct {
	db *gorm.DB
}

func New(path string) (*Repository, error) {

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Migrate the schema
	err = db.AutoMigrate(&StoredSwapEvent{}, &StoredSession{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db: db,
	}, nil
}

func (r *Repository) AddEvent(event swap.Event) error {
	result := r.db.Create(newStoredSwapEvent(event))
	return result.Error
}

func (r *Repository) DeleteEvents(events interface{}) error {
	result := r.db.Delete(&events)
	return result.Error
}

// GetEvents returns up to limit stored events. When fresh is true only events
// that have never failed an upload are returned, otherwise only events with
// at least one failed attempt.
func (r *Repository) GetEvents(limit int, fresh bool) ([]StoredSwapEvent, error) {
	var events []StoredSwapEvent

	query := r.db.Limit(limit).Order("upload_attempt_count asc, time desc")
	if fresh {
		query = query.Where("upload_attempt_count = ?", 0)
	} else {
		query = query.Where("upload_attempt_count > ?", 0)
	}
	result := query.Find(&events)
	if result.Error != nil {
		return nil, result.Error
	}
	return events, nil
}

func (r *Repository) IncrementUploadAttemptCount(events interface{}) error {
	result := r.db.Model(events).UpdateColumn("upload_attempt_count", gorm.Expr("upload_attempt_count + ?", 1))
	return result.Error
}

// SaveDraft upserts a draft session snapshot under the given key.
func (r *Repository) SaveDraft(key string, snapshot []byte) error {
	result := r.db.Save(&StoredSession{Key: key, Snapshot: snapshot})
	return result.Error
}

func (r *Repository) GetDraft(key string) (StoredSession, error) {
	var draft StoredSession
	result := r.db.First(&draft, "key = ?", key)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return StoredSession{}, fmt.Errorf("%w: draft %s", ErrNotFound, key)
	}
	if result.Error != nil {
		return StoredSession{}, result.Error
	}
	return draft, nil
}

// DeleteDraft removes a draft once the backend owns the session.
func (r *Repository) DeleteDraft(key string) error {
	result := r.db.Delete(&StoredSession{}, "key = ?", key)
	return result.Error
}
