// Package fleet streams kiosk operational events to the fleet data platform.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uxi-energy/attendantd/repository"
	"github.com/uxi-energy/attendantd/supabase"
	"github.com/uxi-energy/attendantd/swap"
)

// uploadChunkLimit defines how many events we upload in one supabase HTTP request.
const uploadChunkLimit = 100

const eventsTable = "swap_events"

// Fleet handles the streaming of swap events to Supabase. Put new events onto
// the Events channel; they are buffered on disk in a SQLite database before
// being uploaded, so a flaky uplink never loses a data point.
type Fleet struct {
	Events chan swap.Event

	repository *repository.Repository
	supaClient *supabase.Client
	logger     *slog.Logger
}

func New(supabaseURL, supabaseKey, schema string, repo *repository.Repository) *Fleet {
	return &Fleet{
		Events:     make(chan swap.Event, 25), // a small buffer to allow SQLite to catch up in case the disk is slow
		repository: repo,
		supaClient: supabase.New(supabaseURL, supabaseKey, schema),
		logger:     slog.Default().With("host", supabaseURL),
	}
}

// Run loops forever storing incoming events and periodically attempting
// uploads. Exits when the context is cancelled.
func (f *Fleet) Run(ctx context.Context, uploadInterval time.Duration) {

	uploadTicker := time.NewTicker(uploadInterval)
	defer uploadTicker.Stop()

	f.logger.Info("Starting fleet uploader", "upload_interval", uploadInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-f.Events:
			if err := f.repository.AddEvent(event); err != nil {
				f.logger.Error("failed to persist swap event", "error", err)
			}

		case <-uploadTicker.C:
			f.attemptUpload()
		}
	}
}

// attemptUpload ships buffered events to Supabase, new events first, then
// events that have already failed an upload at least once.
func (f *Fleet) attemptUpload() {

	fresh, err := f.repository.GetEvents(uploadChunkLimit, true)
	if err != nil {
		f.logger.Error("failed to query fresh swap events", "error", err)
	} else if len(fresh) > 0 {
		if err := f.handleEvents(fresh); err != nil {
			f.logger.Error("failed to upload fresh swap events", "error", err)
		}
	}

	retries, err := f.repository.GetEvents(uploadChunkLimit, false)
	if err != nil {
		f.logger.Error("failed to query retried swap events", "error", err)
	} else if len(retries) > 0 {
		if err := f.handleEvents(retries); err != nil {
			f.logger.Error("failed to upload retried swap events", "error", err)
		}
	}
}

// handleEvents attempts to upload the given events. If successful the events
// are deleted from the buffer, otherwise their upload attempt count is
// incremented and they stay for another time.
func (f *Fleet) handleEvents(events []repository.StoredSwapEvent) error {

	uploadErr := f.supaClient.Insert(eventsTable, convertEvents(events))
	if uploadErr != nil {
		if err := f.repository.IncrementUploadAttemptCount(events); err != nil {
			return fmt.Errorf("upload failed: %w: increment upload attempt count: %w", uploadErr, err)
		}
		return fmt.Errorf("upload failed: %w", uploadErr)
	}

	if err := f.repository.DeleteEvents(events); err != nil {
		return fmt.Errorf("delete uploaded events: %w", err)
	}

	f.logger.Info("Uploaded swap events", "db_table", eventsTable, "db_records", len(events))
	return nil
}
