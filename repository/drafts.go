package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uxi-energy/attendantd/session"
)

// DraftStore adapts the local repository to the session store interface, for
// the window before a backend order exists.
type DraftStore struct {
	repo *Repository
}

func NewDraftStore(repo *Repository) *DraftStore {
	return &DraftStore{repo: repo}
}

func (d *DraftStore) Create(_ context.Context, key string, snap session.Snapshot) error {
	return d.save(key, snap)
}

func (d *DraftStore) Update(_ context.Context, key string, snap session.Snapshot) error {
	return d.save(key, snap)
}

func (d *DraftStore) save(key string, snap session.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	return d.repo.SaveDraft(key, raw)
}

func (d *DraftStore) Fetch(_ context.Context, key string) (session.Snapshot, error) {
	draft, err := d.repo.GetDraft(key)
	if err != nil {
		return session.Snapshot{}, err
	}
	var snap session.Snapshot
	if err := json.Unmarshal(draft.Snapshot, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("unmarshal draft %s: %w", key, err)
	}
	return snap, nil
}

// Complete deletes the draft: once the workflow is done with it there is
// nothing worth keeping locally.
func (d *DraftStore) Complete(_ context.Context, key string) error {
	return d.repo.DeleteDraft(key)
}
