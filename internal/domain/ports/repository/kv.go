package repository

import (
	"context"
)

// KeyValueStore is the durable backing for registration flow state. The
// production implementation is redis; tests use an in-memory map. Get must
// return domain.ErrNotFound for missing keys so callers can distinguish an
// absent key from an empty value.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, keys ...string) error
	// Incr atomically increments an integer-encoded key and returns the new
	// value; a missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Set-membership operations back the index of in-flight registrations
	// that the periodic validator walks.
	AddToSet(ctx context.Context, key string, members ...string) error
	RemoveFromSet(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}
