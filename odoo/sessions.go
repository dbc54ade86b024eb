package odoo

import (
	"context"
	"net/http"

	"github.com/uxi-energy/attendantd/session"
)

// SessionStore persists workflow sessions on the backend, keyed by order ID.
// It satisfies session.Store.
type SessionStore struct {
	client *Client
}

func NewSessionStore(client *Client) *SessionStore {
	return &SessionStore{client: client}
}

func (s *SessionStore) Create(ctx context.Context, orderID string, snap session.Snapshot) error {
	body := map[string]any{"order_id": orderID, "snapshot": snap}
	return s.client.call(ctx, http.MethodPost, "/api/attendant/sessions", body, nil)
}

func (s *SessionStore) Update(ctx context.Context, orderID string, snap session.Snapshot) error {
	return s.client.call(ctx, http.MethodPut, "/api/attendant/sessions/"+orderID, snap, nil)
}

func (s *SessionStore) Fetch(ctx context.Context, orderID string) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := s.client.call(ctx, http.MethodGet, "/api/attendant/sessions/"+orderID, nil, &snap); err != nil {
		return session.Snapshot{}, err
	}
	return snap, nil
}

func (s *SessionStore) Complete(ctx context.Context, orderID string) error {
	return s.client.call(ctx, http.MethodPost, "/api/attendant/sessions/"+orderID+"/complete", nil, nil)
}
