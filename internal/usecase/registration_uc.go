package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"clinic-registration/internal/domain"
	"clinic-registration/internal/domain/model"
	"clinic-registration/internal/domain/ports/adapter"
	"clinic-registration/internal/domain/ports/repository"
	"clinic-registration/internal/infra/logging"
	"clinic-registration/internal/infra/metrics"
	"clinic-registration/internal/infra/scheduler"
)

// Compile-time check
var _ RegistrationUseCase = (*registrationUC)(nil)

// RegistrationUseCase drives a user from account creation through payment
// and server-side provisioning to fully registered. It owns the polling
// sessions and reconciles the persisted flow state against remote snapshots
// at well-defined checkpoints only.
type RegistrationUseCase interface {
	// CreateOrder asks the remote system for a payment order. It requires an
	// authenticated user and never mutates the registration step on failure.
	CreateOrder(ctx context.Context, userID string, amount int64, currency string) (*adapter.OrderDetails, error)
	// CompleteRegistration optimistically marks payment complete before the
	// remote call returns, then submits the completion and starts polling
	// the provisioning tasks.
	CompleteRegistration(ctx context.Context, userID, paymentID, orderID, signature string) error
	// FetchRegistrationStatus is a cache-checked read of the remote status.
	FetchRegistrationStatus(ctx context.Context, userID string) (*model.StatusSnapshot, error)
	// TriggerTaskProcessing manually re-invokes server-side task execution,
	// then re-fetches a fresh snapshot.
	TriggerTaskProcessing(ctx context.Context, userID string) (*adapter.TriggerResult, error)

	StartPolling(userID string)
	StopPolling(userID string)
	IsPolling(userID string) bool
	PollingState(userID string) scheduler.State
	PollingError(userID string) string
	Progress(userID string) *model.StatusSnapshot

	// Shutdown stops every active polling session; safe to call once during
	// process teardown.
	Shutdown()
}

// RegistrationOptions tunes the orchestrator's retry budgets and polling.
type RegistrationOptions struct {
	RetryBaseDelay  time.Duration
	OrderRetries    int
	StatusRetries   int
	CompleteRetries int
	Polling         scheduler.Config
	// OnComplete is invoked after terminal reconciliation; navigation and
	// user notification are the collaborator's concern, not this core's.
	OnComplete func(userID string)
}

func (o RegistrationOptions) withDefaults() RegistrationOptions {
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.OrderRetries <= 0 {
		o.OrderRetries = 2
	}
	if o.StatusRetries <= 0 {
		o.StatusRetries = 2
	}
	// Completion is the most consequential operation and gets the most
	// retries.
	if o.CompleteRetries <= 0 {
		o.CompleteRetries = 3
	}
	return o
}

type registrationUC struct {
	backend adapter.RegistrationBackend
	store   *StateStore
	cache   *StatusCache
	events  repository.RegistrationEventRepository // optional, nil disables auditing
	exec    *RetryExecutor
	opts    RegistrationOptions
	log     *zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*scheduler.Session
	progress map[string]*model.StatusSnapshot
	orders   map[string]string // userID -> last created order id
}

func NewRegistrationUseCase(
	backend adapter.RegistrationBackend,
	store *StateStore,
	cache *StatusCache,
	events repository.RegistrationEventRepository,
	exec *RetryExecutor,
	opts RegistrationOptions,
	logger *zerolog.Logger,
) *registrationUC {
	return &registrationUC{
		backend:  backend,
		store:    store,
		cache:    cache,
		events:   events,
		exec:     exec,
		opts:     opts.withDefaults(),
		log:      logger,
		sessions: make(map[string]*scheduler.Session),
		progress: make(map[string]*model.StatusSnapshot),
		orders:   make(map[string]string),
	}
}

func (u *registrationUC) appendEvent(ctx context.Context, userID, kind, detail string) {
	if u.events == nil {
		return
	}
	ev := &repository.RegistrationEvent{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := u.events.Append(ctx, ev); err != nil {
		u.log.Warn().Err(err).Str("user_id", userID).Str("kind", kind).Msg("audit event append failed")
	}
}

// record adds a classified failure to the user's consecutive-error counter
// and reports whether the circuit breaker tripped and reset the flow.
func (u *registrationUC) record(ctx context.Context, userID string, err error) bool {
	tripped, rerr := u.store.RecordError(ctx, userID, FriendlyMessage(err))
	if rerr != nil {
		logging.With(ctx, u.log).Error().Err(rerr).Str("user_id", userID).Msg("recording error failed")
	}
	if tripped {
		u.cache.Invalidate(userID)
		u.appendEvent(ctx, userID, "circuit_breaker_reset", FriendlyMessage(err))
	}
	return tripped
}

// clearFailures resets the error counter after a successful remote
// operation; only an uninterrupted run of failures may trip the breaker.
func (u *registrationUC) clearFailures(ctx context.Context, userID string) {
	if err := u.store.ResetErrors(ctx, userID); err != nil {
		logging.With(ctx, u.log).Warn().Err(err).Str("user_id", userID).Msg("resetting error counter failed")
	}
}

// fail records the classified failure against the user's error counter and
// returns it. The counter feeds the circuit breaker.
func (u *registrationUC) fail(ctx context.Context, userID string, err error) error {
	if userID != "" {
		u.record(ctx, userID, err)
	}
	return err
}

func (u *registrationUC) CreateOrder(ctx context.Context, userID string, amount int64, currency string) (*adapter.OrderDetails, error) {
	defer logging.TraceDuration(u.log, "RegistrationUC.CreateOrder")()
	if userID == "" {
		return nil, &ErrorRecord{Kind: ErrorKindValidation, Message: FriendlyMessage(domain.ErrUnauthenticated), Err: domain.ErrUnauthenticated}
	}
	if amount <= 0 || currency == "" {
		err := fmt.Errorf("order amount/currency: %w", domain.ErrInvalidArgument)
		return nil, u.fail(ctx, userID, &ErrorRecord{Kind: ErrorKindValidation, Message: FriendlyMessage(err), Err: err})
	}

	var details *adapter.OrderDetails
	err := u.exec.Execute(ctx, "create-order", RetryPolicy{MaxRetries: u.opts.OrderRetries, BaseDelay: u.opts.RetryBaseDelay}, func(ctx context.Context) error {
		var opErr error
		details, opErr = u.backend.CreateOrder(ctx, userID, amount, currency)
		return opErr
	})
	if err != nil {
		return nil, u.fail(ctx, userID, err)
	}
	u.clearFailures(ctx, userID)

	u.mu.Lock()
	u.orders[userID] = details.OrderID
	u.mu.Unlock()

	// Payment is now awaiting capture; the next status read must observe it.
	if _, err := u.store.UpdatePayment(ctx, userID, false, true); err != nil {
		u.log.Error().Err(err).Str("user_id", userID).Msg("marking payment pending failed")
	}
	u.cache.Invalidate(userID)
	u.appendEvent(ctx, userID, "order_created", details.OrderID)
	logging.With(ctx, u.log).Info().Str("user_id", userID).Str("order_id", details.OrderID).Int64("amount", amount).Msg("payment order created")
	return details, nil
}

func (u *registrationUC) CompleteRegistration(ctx context.Context, userID, paymentID, orderID, signature string) error {
	defer logging.TraceDuration(u.log, "RegistrationUC.CompleteRegistration")()
	if userID == "" {
		return &ErrorRecord{Kind: ErrorKindValidation, Message: FriendlyMessage(domain.ErrUnauthenticated), Err: domain.ErrUnauthenticated}
	}
	if paymentID == "" || orderID == "" {
		err := fmt.Errorf("payment/order id: %w", domain.ErrInvalidArgument)
		return u.fail(ctx, userID, &ErrorRecord{Kind: ErrorKindValidation, Message: FriendlyMessage(err), Err: err})
	}

	// Completion belongs to the paid flow; everyone else finishes at the
	// processing step without a remote submission.
	st, err := u.store.Get(ctx, userID)
	if err != nil {
		return u.fail(ctx, userID, err)
	}
	if st.Role != model.RolePatient {
		err := fmt.Errorf("completion requires the patient flow: %w", domain.ErrInvalidArgument)
		return u.fail(ctx, userID, &ErrorRecord{Kind: ErrorKindValidation, Message: FriendlyMessage(err), Err: err})
	}

	// Optimistic: the payment is captured by the provider before this call,
	// so mark it complete (advancing a patient to step 3) before the remote
	// completion settles. A slow network must not bounce the user back to
	// the payment screen.
	if ok, err := u.store.UpdatePayment(ctx, userID, true, false); err != nil {
		return u.fail(ctx, userID, err)
	} else if !ok {
		err := fmt.Errorf("payment flags rejected: %w", domain.ErrPaymentConflict)
		return u.fail(ctx, userID, &ErrorRecord{Kind: ErrorKindValidation, Message: FriendlyMessage(err), Err: err})
	}
	u.cache.Invalidate(userID)

	err = u.exec.Execute(ctx, "complete-registration", RetryPolicy{MaxRetries: u.opts.CompleteRetries, BaseDelay: u.opts.RetryBaseDelay}, func(ctx context.Context) error {
		_, opErr := u.backend.Complete(ctx, userID, paymentID, orderID, signature)
		return opErr
	})
	if err != nil {
		// Deliberate asymmetry: the payment itself is irreversible and stays
		// marked complete; only task processing is in question. The user
		// recovers via TriggerTaskProcessing or the circuit breaker.
		return u.fail(ctx, userID, err)
	}
	u.clearFailures(ctx, userID)

	u.cache.Invalidate(userID)
	u.appendEvent(ctx, userID, "completion_submitted", orderID)
	logging.With(ctx, u.log).Info().Str("user_id", userID).Str("order_id", orderID).Msg("registration completion submitted, polling tasks")
	u.StartPolling(userID)
	return nil
}

func (u *registrationUC) FetchRegistrationStatus(ctx context.Context, userID string) (*model.StatusSnapshot, error) {
	if userID == "" {
		return nil, &ErrorRecord{Kind: ErrorKindValidation, Message: FriendlyMessage(domain.ErrUnauthenticated), Err: domain.ErrUnauthenticated}
	}
	if snap := u.cache.Get(userID); snap != nil {
		return snap, nil
	}
	return u.fetchFresh(ctx, userID)
}

// fetchFresh bypasses the cache; poll ticks use it directly since their
// purpose is to observe change.
func (u *registrationUC) fetchFresh(ctx context.Context, userID string) (*model.StatusSnapshot, error) {
	var snap *model.StatusSnapshot
	err := u.exec.Execute(ctx, "fetch-status", RetryPolicy{MaxRetries: u.opts.StatusRetries, BaseDelay: u.opts.RetryBaseDelay}, func(ctx context.Context) error {
		var opErr error
		snap, opErr = u.backend.GetStatus(ctx, userID)
		return opErr
	})
	if err != nil {
		return nil, u.fail(ctx, userID, err)
	}
	u.clearFailures(ctx, userID)
	u.cache.Set(userID, snap)
	u.mu.Lock()
	u.progress[userID] = snap
	u.mu.Unlock()
	return snap, nil
}

func (u *registrationUC) TriggerTaskProcessing(ctx context.Context, userID string) (*adapter.TriggerResult, error) {
	if userID == "" {
		return nil, &ErrorRecord{Kind: ErrorKindValidation, Message: FriendlyMessage(domain.ErrUnauthenticated), Err: domain.ErrUnauthenticated}
	}
	var res *adapter.TriggerResult
	err := u.exec.Execute(ctx, "trigger-tasks", RetryPolicy{MaxRetries: u.opts.StatusRetries, BaseDelay: u.opts.RetryBaseDelay}, func(ctx context.Context) error {
		var opErr error
		res, opErr = u.backend.TriggerTasks(ctx, userID)
		return opErr
	})
	if err != nil {
		return nil, u.fail(ctx, userID, err)
	}
	u.clearFailures(ctx, userID)
	u.cache.Invalidate(userID)
	u.appendEvent(ctx, userID, "tasks_retriggered", res.Message)
	if _, err := u.fetchFresh(ctx, userID); err != nil {
		u.log.Warn().Err(err).Str("user_id", userID).Msg("post-trigger status refresh failed")
	}
	return res, nil
}

// probe is one poll tick: a fresh status fetch plus terminal reconciliation.
// The retry budget stays with the session's backoff, not the executor, so a
// failed tick grows the interval instead of burning inline retries. Each
// failed tick still counts against the circuit breaker; a trip resets the
// flow and ends the session, since the state it watched no longer exists.
func (u *registrationUC) probe(userID string) scheduler.Probe {
	return func(ctx context.Context) (bool, error) {
		snap, err := u.backend.GetStatus(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation, not a backend failure.
				return false, nil
			}
			if u.record(ctx, userID, err) {
				return false, err
			}
			return true, err
		}
		u.clearFailures(ctx, userID)
		u.cache.Set(userID, snap)
		u.mu.Lock()
		u.progress[userID] = snap
		u.mu.Unlock()

		if !snap.Terminal() {
			return true, nil
		}
		u.reconcileTerminal(ctx, userID)
		return false, nil
	}
}

// reconcileTerminal clears the persisted state once the remote ledger shows
// the registration finished, then signals the collaborator layer.
func (u *registrationUC) reconcileTerminal(ctx context.Context, userID string) {
	st, err := u.store.Get(ctx, userID)
	if err != nil {
		u.log.Error().Err(err).Str("user_id", userID).Msg("terminal reconciliation read failed")
	}
	if _, err := u.store.Clear(ctx, userID); err != nil {
		u.log.Error().Err(err).Str("user_id", userID).Msg("terminal state clear failed")
		return
	}
	u.cache.Invalidate(userID)
	metrics.IncRegistrationCompleted(string(st.Role))
	u.appendEvent(ctx, userID, "fully_registered", "")
	u.log.Info().Str("user_id", userID).Str("role", string(st.Role)).Msg("registration fully completed")
	if u.opts.OnComplete != nil {
		u.opts.OnComplete(userID)
	}
}

func (u *registrationUC) StartPolling(userID string) {
	u.mu.Lock()
	sess, ok := u.sessions[userID]
	if !ok {
		cfg := u.opts.Polling
		// The duration ceiling is a surfaced failure like any other and
		// counts against the breaker.
		cfg.OnTimeout = func(err error) {
			u.record(context.Background(), userID, err)
		}
		sess = scheduler.NewSession(cfg, u.probe(userID), u.log)
		u.sessions[userID] = sess
	}
	u.mu.Unlock()
	// Starting an already-active session is a no-op inside the session.
	sess.Start(context.Background())
}

func (u *registrationUC) StopPolling(userID string) {
	u.mu.Lock()
	sess := u.sessions[userID]
	u.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

func (u *registrationUC) IsPolling(userID string) bool {
	u.mu.Lock()
	sess := u.sessions[userID]
	u.mu.Unlock()
	return sess != nil && sess.IsActive()
}

func (u *registrationUC) PollingState(userID string) scheduler.State {
	u.mu.Lock()
	sess := u.sessions[userID]
	u.mu.Unlock()
	if sess == nil {
		return scheduler.State{}
	}
	return sess.State()
}

func (u *registrationUC) PollingError(userID string) string {
	u.mu.Lock()
	sess := u.sessions[userID]
	u.mu.Unlock()
	if sess == nil || sess.Err() == nil {
		return ""
	}
	return FriendlyMessage(sess.Err())
}

func (u *registrationUC) Progress(userID string) *model.StatusSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.progress[userID]
}

func (u *registrationUC) Shutdown() {
	u.mu.Lock()
	sessions := make([]*scheduler.Session, 0, len(u.sessions))
	for _, s := range u.sessions {
		sessions = append(sessions, s)
	}
	u.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}
