package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"clinic-registration/internal/domain"
	"clinic-registration/internal/domain/model"
	"clinic-registration/internal/domain/ports/adapter"
)

var _ adapter.RegistrationBackend = (*HTTPBackend)(nil)

// HTTPBackend calls the remote registration functions over HTTP. A non-2xx
// response with a structured payload becomes *domain.RemoteError; transport
// failures surface as wrapped url errors so the classifier can tell the two
// apart.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPBackend(baseURL, apiKey string, timeout time.Duration) (*HTTPBackend, error) {
	if baseURL == "" {
		return nil, errors.New("backend base url empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// errorBody is the remote functions' failure payload shape.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (b *HTTPBackend) call(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &domain.RemoteError{Op: op, Status: resp.StatusCode, Code: eb.Code, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return nil
}

func (b *HTTPBackend) CreateOrder(ctx context.Context, userID string, amount int64, currency string) (*adapter.OrderDetails, error) {
	req := struct {
		UserID   string `json:"user_id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}{userID, amount, currency}

	var details adapter.OrderDetails
	if err := b.call(ctx, "create-registration-order", http.MethodPost, "/functions/v1/create-registration-order", req, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (b *HTTPBackend) Complete(ctx context.Context, userID, paymentID, orderID, signature string) (*adapter.CompletionResult, error) {
	req := struct {
		UserID    string `json:"user_id"`
		PaymentID string `json:"payment_id"`
		OrderID   string `json:"order_id"`
		Signature string `json:"signature,omitempty"`
	}{userID, paymentID, orderID, signature}

	var res adapter.CompletionResult
	if err := b.call(ctx, "complete-registration", http.MethodPost, "/functions/v1/complete-registration", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (b *HTTPBackend) GetStatus(ctx context.Context, userID string) (*model.StatusSnapshot, error) {
	path := "/functions/v1/registration-status?user_id=" + url.QueryEscape(userID)
	var snap model.StatusSnapshot
	if err := b.call(ctx, "registration-status", http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (b *HTTPBackend) TriggerTasks(ctx context.Context, userID string) (*adapter.TriggerResult, error) {
	req := struct {
		UserID string `json:"user_id"`
	}{userID}

	var res adapter.TriggerResult
	if err := b.call(ctx, "process-registration-tasks", http.MethodPost, "/functions/v1/process-registration-tasks", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
