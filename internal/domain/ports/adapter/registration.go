package adapter

import (
	"context"

	"clinic-registration/internal/domain/model"
)

// OrderPrefill carries checkout prefill details for the payment widget.
type OrderPrefill struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Contact string `json:"contact"`
}

// OrderDetails is the result of creating a payment order with the provider.
type OrderDetails struct {
	OrderID  string       `json:"order_id"`
	KeyID    string       `json:"razorpay_key_id"`
	Amount   int64        `json:"amount"`
	Currency string       `json:"currency"`
	Prefill  OrderPrefill `json:"prefill"`
}

// CompletionResult is returned by the remote completion call; the tasks are
// the freshly created provisioning ledger entries.
type CompletionResult struct {
	Tasks []model.RegistrationTask `json:"tasks"`
}

// TriggerResult acknowledges a manual task re-processing request.
type TriggerResult struct {
	Message string `json:"message"`
}

// RegistrationBackend is the port to the remote registration functions. All
// methods must be called with an authenticated user id. GetStatus is
// idempotent and side-effect-free; TriggerTasks is idempotent. Failures are
// either transport errors (wrapped net/url errors) or *domain.RemoteError.
type RegistrationBackend interface {
	CreateOrder(ctx context.Context, userID string, amount int64, currency string) (*OrderDetails, error)
	Complete(ctx context.Context, userID, paymentID, orderID, signature string) (*CompletionResult, error)
	GetStatus(ctx context.Context, userID string) (*model.StatusSnapshot, error)
	TriggerTasks(ctx context.Context, userID string) (*TriggerResult, error)
}
