// Package odoo is the client for the backend that owns customers, orders and
// payments. Only the endpoints the kiosk workflow depends on are covered.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// APIError is a non-2xx or success=false reply from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("odoo: %s (http %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("odoo: http %d", e.Status)
}

// Client handles the backend REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default().With("host", baseURL),
	}
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call sends one JSON request and unmarshals the data envelope into out.
// A nil body sends no payload; a nil out discards the data.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode}
		}
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data %s: %w", path, err)
		}
	}
	return nil
}

// CustomerRegistration is the form data submitted for a new customer.
type CustomerRegistration struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email,omitempty"`
	IDNumber string `json:"id_number,omitempty"`
}

// RegistrationResult identifies the created customer.
type RegistrationResult struct {
	PartnerID      int    `json:"partner_id"`
	RegistrationID string `json:"registration_id"`
}

func (c *Client) RegisterCustomer(ctx context.Context, reg CustomerRegistration) (RegistrationResult, error) {
	var result RegistrationResult
	if err := c.call(ctx, http.MethodPost, "/api/attendant/customers", reg, &result); err != nil {
		return RegistrationResult{}, err
	}
	c.logger.Info("customer registered", "partner_id", result.PartnerID)
	return result, nil
}

// ProductLine is one product of a multi-product purchase.
type ProductLine struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
}

// PurchaseRequest buys a subscription package for a registered customer.
type PurchaseRequest struct {
	PartnerID int           `json:"partner_id"`
	PackageID string        `json:"package_id"`
	PlanID    string        `json:"plan_id"`
	Products  []ProductLine `json:"products,omitempty"`
}

// PurchaseResult carries the identifiers the rest of the workflow is keyed by.
type PurchaseResult struct {
	SubscriptionCode string  `json:"subscription_code"`
	OrderID          string  `json:"order_id"`
	Amount           float64 `json:"amount"`
}

func (c *Client) PurchaseSubscription(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	var result PurchaseResult
	if err := c.call(ctx, http.MethodPost, "/api/attendant/subscriptions", req, &result); err != nil {
		return PurchaseResult{}, err
	}
	c.logger.Info("subscription purchased", "order", result.OrderID, "code", result.SubscriptionCode)
	return result, nil
}

// PaymentStatus is the backend's view of an order's payment after a manual
// confirmation.
type PaymentStatus struct {
	Paid      float64 `json:"paid"`
	Expected  float64 `json:"expected"`
	Remaining float64 `json:"remaining"`
}

// Incomplete reports whether the order still has an outstanding amount.
func (p PaymentStatus) Incomplete() bool {
	return p.Remaining > 0
}

// ConfirmPayment records a manual payment receipt against the order and
// returns the resulting amounts.
func (c *Client) ConfirmPayment(ctx context.Context, orderID, receiptRef string) (PaymentStatus, error) {
	var status PaymentStatus
	body := map[string]string{"receipt_ref": receiptRef}
	path := "/api/attendant/orders/" + orderID + "/confirm-payment"
	if err := c.call(ctx, http.MethodPost, path, body, &status); err != nil {
		return PaymentStatus{}, err
	}
	c.logger.Info("payment confirmed", "order", orderID,
		"paid", status.Paid, "expected", status.Expected, "remaining", status.Remaining)
	return status, nil
}
