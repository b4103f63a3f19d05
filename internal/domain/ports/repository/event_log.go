package repository

import (
	"context"
	"time"
)

// RegistrationEvent is one append-only audit record of the orchestration
// flow. The remote task ledger keeps no history; this does.
type RegistrationEvent struct {
	ID        string
	UserID    string
	Kind      string // order_created | completion_submitted | tasks_retriggered | circuit_breaker_reset | fully_registered
	Detail    string
	CreatedAt time.Time
}

// RegistrationEventRepository persists audit events. Append must be safe to
// call from polling callbacks; failures are logged, never surfaced to users.
type RegistrationEventRepository interface {
	Append(ctx context.Context, ev *RegistrationEvent) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*RegistrationEvent, error)
}
