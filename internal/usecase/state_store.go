package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"clinic-registration/internal/domain"
	"clinic-registration/internal/domain/model"
	"clinic-registration/internal/domain/ports/repository"
	"clinic-registration/internal/infra/metrics"
)

// Logical keys of the persisted registration state. They are removable as a
// set on Clear and are scoped per user by the key builder.
const (
	kvKeyStep            = "registration_step"
	kvKeyRole            = "registration_user_role"
	kvKeyPaymentComplete = "registration_payment_complete"
	kvKeyPaymentPending  = "registration_payment_pending"
	kvKeyLastValidation  = "registration_last_validation"
	kvKeyErrorCount      = "registration_error_count"
	kvKeyLastError       = "registration_last_error"
	kvKeyLastErrorTime   = "registration_last_error_time"

	// kvActiveIndex holds the ids of users with an in-flight registration;
	// the periodic validator walks it.
	kvActiveIndex = "registration_active_users"
)

var stateKeys = []string{
	kvKeyStep, kvKeyRole, kvKeyPaymentComplete, kvKeyPaymentPending,
	kvKeyLastValidation, kvKeyErrorCount, kvKeyLastError, kvKeyLastErrorTime,
}

// DefaultMaxErrorCount is the circuit-breaker threshold: after this many
// recorded failures the whole flow is reset to a known-good starting state.
const DefaultMaxErrorCount = 3

// ValidationResult reports the outcome of an invariant check.
type ValidationResult struct {
	IsValid   bool
	Issues    []string
	Corrected bool
}

// stepGuard decides whether a transition is legal given the current state.
// The user id is non-empty for every authenticated caller.
type stepGuard func(userID string, st model.RegistrationState) bool

// stepTransitions is the single source of truth for legal step transitions.
// Transitions to StepForm are always permitted (resets) and are handled
// before the table is consulted.
var stepTransitions = map[model.Step]map[model.Step]stepGuard{
	model.StepForm: {
		model.StepPaymentOrProcessing: func(userID string, st model.RegistrationState) bool {
			return userID != "" && st.Role != ""
		},
	},
	model.StepPaymentOrProcessing: {
		model.StepProvisioning: func(userID string, st model.RegistrationState) bool {
			return st.Role == model.RolePatient && st.PaymentComplete
		},
		// Non-patients skip payment and finish here.
		model.StepDone: func(userID string, st model.RegistrationState) bool {
			return userID != "" && st.Role != "" && st.Role != model.RolePatient
		},
	},
	model.StepProvisioning: {
		model.StepDone: func(userID string, st model.RegistrationState) bool {
			return userID != "" && st.Role != ""
		},
	},
}

// StateStore is the durable registration state layer. All reads and writes
// go through the injected KeyValueStore; concurrent sessions share the same
// backing keys with last-write-wins semantics, reconciled by the periodic
// validator.
type StateStore struct {
	kv        repository.KeyValueStore
	maxErrors int
	log       *zerolog.Logger
	now       func() time.Time
}

func NewStateStore(kv repository.KeyValueStore, maxErrors int, logger *zerolog.Logger) *StateStore {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrorCount
	}
	return &StateStore{kv: kv, maxErrors: maxErrors, log: logger, now: time.Now}
}

func (s *StateStore) key(userID, field string) string {
	return fmt.Sprintf("user:%s:%s", userID, field)
}

func (s *StateStore) getStr(ctx context.Context, userID, field string) (string, bool, error) {
	v, err := s.kv.Get(ctx, s.key(userID, field))
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Get loads the persisted state. Missing keys yield the default state
// (step 1, no role): terminal success is represented by absence.
func (s *StateStore) Get(ctx context.Context, userID string) (model.RegistrationState, error) {
	st := model.DefaultState()

	if v, ok, err := s.getStr(ctx, userID, kvKeyStep); err != nil {
		return st, err
	} else if ok {
		if n, aerr := strconv.Atoi(v); aerr == nil {
			st.Step = model.Step(n)
		}
	}
	if v, ok, err := s.getStr(ctx, userID, kvKeyRole); err != nil {
		return st, err
	} else if ok {
		st.Role = model.Role(v)
	}
	if v, ok, err := s.getStr(ctx, userID, kvKeyPaymentComplete); err != nil {
		return st, err
	} else if ok {
		st.PaymentComplete = v == "true"
	}
	if v, ok, err := s.getStr(ctx, userID, kvKeyPaymentPending); err != nil {
		return st, err
	} else if ok {
		st.PaymentPending = v == "true"
	}
	if v, ok, err := s.getStr(ctx, userID, kvKeyErrorCount); err != nil {
		return st, err
	} else if ok {
		if n, aerr := strconv.Atoi(v); aerr == nil {
			st.ErrorCount = n
		}
	}
	if v, ok, err := s.getStr(ctx, userID, kvKeyLastError); err != nil {
		return st, err
	} else if ok {
		st.LastError = v
	}
	if v, ok, err := s.getStr(ctx, userID, kvKeyLastErrorTime); err != nil {
		return st, err
	} else if ok {
		if t, perr := time.Parse(time.RFC3339, v); perr == nil {
			st.LastErrorTime = t
		}
	}
	if v, ok, err := s.getStr(ctx, userID, kvKeyLastValidation); err != nil {
		return st, err
	} else if ok {
		if t, perr := time.Parse(time.RFC3339, v); perr == nil {
			st.LastValidation = t
		}
	}
	return st, nil
}

// UpdateStep moves the flow to target. Transitions not present in the table
// are rejected (false, nil) unless the target is StepForm (always allowed,
// used for resets) or skipValidation is set by an internal caller that has
// already satisfied the guard. A StepDone target clears all persisted state.
func (s *StateStore) UpdateStep(ctx context.Context, userID string, target model.Step, skipValidation bool) (bool, error) {
	st, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}

	if target != model.StepForm && !skipValidation {
		guards, ok := stepTransitions[st.Step]
		if !ok {
			return false, nil
		}
		guard, ok := guards[target]
		if !ok || !guard(userID, st) {
			s.log.Warn().Str("user_id", userID).
				Int("from", int(st.Step)).Int("to", int(target)).
				Msg("rejected step transition")
			return false, nil
		}
	}

	if target == model.StepDone {
		ok, err := s.Clear(ctx, userID)
		return ok, err
	}

	if err := s.kv.Set(ctx, s.key(userID, kvKeyStep), strconv.Itoa(int(target))); err != nil {
		return false, err
	}
	if err := s.kv.AddToSet(ctx, kvActiveIndex, userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("active index update failed")
	}
	metrics.IncStepTransition(int(st.Step), int(target))
	return true, nil
}

// UpdateRole records the chosen role and auto-advances a step-1 flow to
// step 2, since the guard (authenticated user + known role) now holds.
func (s *StateStore) UpdateRole(ctx context.Context, userID string, role model.Role) (bool, error) {
	if userID == "" || !model.KnownRole(role) {
		return false, nil
	}
	st, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if err := s.kv.Set(ctx, s.key(userID, kvKeyRole), string(role)); err != nil {
		return false, err
	}
	if st.Step == model.StepForm {
		return s.UpdateStep(ctx, userID, model.StepPaymentOrProcessing, true)
	}
	return true, nil
}

// UpdatePayment sets the payment flags. (true, true) is rejected outright
// without mutating. Completing payment for a patient at step 2 auto-advances
// to step 3.
func (s *StateStore) UpdatePayment(ctx context.Context, userID string, complete, pending bool) (bool, error) {
	if complete && pending {
		s.log.Warn().Str("user_id", userID).Msg("rejected conflicting payment flags")
		return false, nil
	}
	st, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if err := s.kv.Set(ctx, s.key(userID, kvKeyPaymentComplete), strconv.FormatBool(complete)); err != nil {
		return false, err
	}
	if err := s.kv.Set(ctx, s.key(userID, kvKeyPaymentPending), strconv.FormatBool(pending)); err != nil {
		return false, err
	}
	if complete && st.Role == model.RolePatient && st.Step == model.StepPaymentOrProcessing {
		return s.UpdateStep(ctx, userID, model.StepProvisioning, true)
	}
	return true, nil
}

// RecordError increments the consecutive-failure counter and stores the
// message and timestamp; ResetErrors interrupts the run. Reaching the
// threshold trips the circuit breaker: all state is cleared so the user
// restarts from a known-good point instead of looping. The first return
// reports whether the breaker tripped.
func (s *StateStore) RecordError(ctx context.Context, userID, message string) (bool, error) {
	n, err := s.kv.Incr(ctx, s.key(userID, kvKeyErrorCount))
	if err != nil {
		return false, err
	}
	if err := s.kv.Set(ctx, s.key(userID, kvKeyLastError), message); err != nil {
		return false, err
	}
	if err := s.kv.Set(ctx, s.key(userID, kvKeyLastErrorTime), s.now().UTC().Format(time.RFC3339)); err != nil {
		return false, err
	}
	s.log.Warn().Str("user_id", userID).Int64("error_count", n).Str("error", message).Msg("registration error recorded")
	if n >= int64(s.maxErrors) {
		metrics.IncCircuitBreakerTrip()
		s.log.Warn().Str("user_id", userID).Msg("error threshold reached, resetting registration state")
		_, err := s.Clear(ctx, userID)
		return true, err
	}
	return false, nil
}

// ResetErrors clears the failure counter and the stored failure details.
// Success paths call it so only an uninterrupted run of consecutive failures
// can trip the breaker.
func (s *StateStore) ResetErrors(ctx context.Context, userID string) error {
	return s.kv.Remove(ctx,
		s.key(userID, kvKeyErrorCount),
		s.key(userID, kvKeyLastError),
		s.key(userID, kvKeyLastErrorTime),
	)
}

// Clear removes every persisted key for the user and drops them from the
// active index. Used for terminal completion, resets, and the breaker.
func (s *StateStore) Clear(ctx context.Context, userID string) (bool, error) {
	keys := make([]string, 0, len(stateKeys))
	for _, f := range stateKeys {
		keys = append(keys, s.key(userID, f))
	}
	if err := s.kv.Remove(ctx, keys...); err != nil {
		return false, err
	}
	if err := s.kv.RemoveFromSet(ctx, kvActiveIndex, userID); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("active index removal failed")
	}
	return true, nil
}

// ValidateAndCorrect re-checks the invariants and persists any downgrade
// corrections. It records the validation time even when nothing was wrong.
func (s *StateStore) ValidateAndCorrect(ctx context.Context, userID string) (ValidationResult, error) {
	st, err := s.Get(ctx, userID)
	if err != nil {
		return ValidationResult{}, err
	}
	corrected, issues := model.Correct(st)
	res := ValidationResult{IsValid: len(issues) == 0, Issues: issues, Corrected: len(issues) > 0}

	if res.Corrected {
		s.log.Warn().Str("user_id", userID).Strs("issues", issues).Msg("correcting registration state drift")
		if err := s.kv.Set(ctx, s.key(userID, kvKeyStep), strconv.Itoa(int(corrected.Step))); err != nil {
			return res, err
		}
		if err := s.kv.Set(ctx, s.key(userID, kvKeyRole), string(corrected.Role)); err != nil {
			return res, err
		}
		if err := s.kv.Set(ctx, s.key(userID, kvKeyPaymentComplete), strconv.FormatBool(corrected.PaymentComplete)); err != nil {
			return res, err
		}
		if err := s.kv.Set(ctx, s.key(userID, kvKeyPaymentPending), strconv.FormatBool(corrected.PaymentPending)); err != nil {
			return res, err
		}
		if err := s.kv.Set(ctx, s.key(userID, kvKeyErrorCount), strconv.Itoa(corrected.ErrorCount)); err != nil {
			return res, err
		}
		metrics.IncStateCorrection()
	}
	if err := s.kv.Set(ctx, s.key(userID, kvKeyLastValidation), s.now().UTC().Format(time.RFC3339)); err != nil {
		return res, err
	}
	return res, nil
}

// ActiveUsers lists the users with an in-flight registration; the periodic
// validator iterates them.
func (s *StateStore) ActiveUsers(ctx context.Context) ([]string, error) {
	return s.kv.SetMembers(ctx, kvActiveIndex)
}
