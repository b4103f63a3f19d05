//go:build !integration

package usecase

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clinic-registration/internal/domain"
	"clinic-registration/internal/domain/model"
	"clinic-registration/internal/domain/ports/adapter"
	"clinic-registration/internal/domain/ports/repository"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// newTestExecutor returns a retry executor whose backoff delays are no-ops.
func newTestExecutor() *RetryExecutor {
	e := NewRetryExecutor(newTestLogger())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

// memKVStore is a small in-memory KeyValueStore used by unit tests.
type memKVStore struct {
	mu   sync.RWMutex
	data map[string]string
	sets map[string]map[string]struct{}

	setErr error // used by tests to simulate storage failures
}

func newMemKVStore() *memKVStore {
	return &memKVStore{
		data: make(map[string]string),
		sets: make(map[string]map[string]struct{}),
	}
}

func (m *memKVStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m *memKVStore) Set(ctx context.Context, key, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKVStore) Remove(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memKVStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.ParseInt(m.data[key], 10, 64)
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *memKVStore) AddToSet(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *memKVStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range members {
		delete(m.sets[key], mem)
	}
	return nil
}

func (m *memKVStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	return out, nil
}

// mockBackend implements the registration backend port with per-method
// function hooks and call counters.
type mockBackend struct {
	mu sync.Mutex

	CreateOrderFunc  func(ctx context.Context, userID string, amount int64, currency string) (*adapter.OrderDetails, error)
	CompleteFunc     func(ctx context.Context, userID, paymentID, orderID, signature string) (*adapter.CompletionResult, error)
	GetStatusFunc    func(ctx context.Context, userID string) (*model.StatusSnapshot, error)
	TriggerTasksFunc func(ctx context.Context, userID string) (*adapter.TriggerResult, error)

	createOrderCalls int
	completeCalls    int
	statusCalls      int
	triggerCalls     int
}

var _ adapter.RegistrationBackend = (*mockBackend)(nil)

func (m *mockBackend) CreateOrder(ctx context.Context, userID string, amount int64, currency string) (*adapter.OrderDetails, error) {
	m.mu.Lock()
	m.createOrderCalls++
	m.mu.Unlock()
	if m.CreateOrderFunc != nil {
		return m.CreateOrderFunc(ctx, userID, amount, currency)
	}
	return &adapter.OrderDetails{OrderID: "order-1", KeyID: "key-1", Amount: amount, Currency: currency}, nil
}

func (m *mockBackend) Complete(ctx context.Context, userID, paymentID, orderID, signature string) (*adapter.CompletionResult, error) {
	m.mu.Lock()
	m.completeCalls++
	m.mu.Unlock()
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, userID, paymentID, orderID, signature)
	}
	return &adapter.CompletionResult{}, nil
}

func (m *mockBackend) GetStatus(ctx context.Context, userID string) (*model.StatusSnapshot, error) {
	m.mu.Lock()
	m.statusCalls++
	m.mu.Unlock()
	if m.GetStatusFunc != nil {
		return m.GetStatusFunc(ctx, userID)
	}
	return &model.StatusSnapshot{Status: model.StatusPaymentPending}, nil
}

func (m *mockBackend) TriggerTasks(ctx context.Context, userID string) (*adapter.TriggerResult, error) {
	m.mu.Lock()
	m.triggerCalls++
	m.mu.Unlock()
	if m.TriggerTasksFunc != nil {
		return m.TriggerTasksFunc(ctx, userID)
	}
	return &adapter.TriggerResult{Message: "processing triggered"}, nil
}

func (m *mockBackend) calls() (create, complete, status, trigger int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createOrderCalls, m.completeCalls, m.statusCalls, m.triggerCalls
}

// memEventRepo collects audit events in memory.
type memEventRepo struct {
	mu     sync.Mutex
	events []*repository.RegistrationEvent
}

func (m *memEventRepo) Append(ctx context.Context, ev *repository.RegistrationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memEventRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*repository.RegistrationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.RegistrationEvent
	for _, ev := range m.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memEventRepo) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Kind)
	}
	return out
}
