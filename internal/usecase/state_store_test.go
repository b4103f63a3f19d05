//go:build !integration

package usecase

import (
	"context"
	"testing"

	"clinic-registration/internal/domain/model"
)

func newTestStore() (*StateStore, *memKVStore) {
	kv := newMemKVStore()
	return NewStateStore(kv, DefaultMaxErrorCount, newTestLogger()), kv
}

func TestStateStore_Get(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	st, err := store.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Step != model.StepForm || st.Role != "" {
		t.Fatalf("expected default state, got %+v", st)
	}
}

func TestStateStore_UpdateRole(t *testing.T) {
	ctx := context.Background()

	t.Run("doctor role auto-advances to step 2", func(t *testing.T) {
		store, _ := newTestStore()
		ok, err := store.UpdateRole(ctx, "user-1", model.RoleDoctor)
		if err != nil || !ok {
			t.Fatalf("expected role update to succeed, ok=%v err=%v", ok, err)
		}
		st, _ := store.Get(ctx, "user-1")
		if st.Step != model.StepPaymentOrProcessing {
			t.Fatalf("expected auto-advance to step 2, got %d", st.Step)
		}
		if st.Role != model.RoleDoctor {
			t.Fatalf("expected doctor role, got %q", st.Role)
		}
	})

	t.Run("unknown role rejected", func(t *testing.T) {
		store, _ := newTestStore()
		ok, err := store.UpdateRole(ctx, "user-1", model.Role("janitor"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected rejection")
		}
	})
}

func TestStateStore_UpdateStep(t *testing.T) {
	ctx := context.Background()

	t.Run("form to payment requires role", func(t *testing.T) {
		store, _ := newTestStore()
		ok, err := store.UpdateStep(ctx, "user-1", model.StepPaymentOrProcessing, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected rejection without a role")
		}
	})

	t.Run("payment to provisioning requires paid patient", func(t *testing.T) {
		store, _ := newTestStore()
		if _, err := store.UpdateRole(ctx, "user-1", model.RolePatient); err != nil {
			t.Fatal(err)
		}
		ok, _ := store.UpdateStep(ctx, "user-1", model.StepProvisioning, false)
		if ok {
			t.Fatal("expected rejection before payment")
		}
	})

	t.Run("non-patient finishes at step 2", func(t *testing.T) {
		store, _ := newTestStore()
		if _, err := store.UpdateRole(ctx, "user-1", model.RoleNutritionist); err != nil {
			t.Fatal(err)
		}
		ok, err := store.UpdateStep(ctx, "user-1", model.StepDone, false)
		if err != nil || !ok {
			t.Fatalf("expected terminal transition, ok=%v err=%v", ok, err)
		}
		st, _ := store.Get(ctx, "user-1")
		if st.Step != model.StepForm || st.Role != "" {
			t.Fatalf("expected cleared state after completion, got %+v", st)
		}
	})

	t.Run("patient cannot finish from step 2", func(t *testing.T) {
		store, _ := newTestStore()
		if _, err := store.UpdateRole(ctx, "user-1", model.RolePatient); err != nil {
			t.Fatal(err)
		}
		ok, _ := store.UpdateStep(ctx, "user-1", model.StepDone, false)
		if ok {
			t.Fatal("patients must pass through payment and provisioning")
		}
	})

	t.Run("reset to step 1 always allowed", func(t *testing.T) {
		store, _ := newTestStore()
		if _, err := store.UpdateRole(ctx, "user-1", model.RolePatient); err != nil {
			t.Fatal(err)
		}
		ok, err := store.UpdateStep(ctx, "user-1", model.StepForm, false)
		if err != nil || !ok {
			t.Fatalf("expected reset to be allowed, ok=%v err=%v", ok, err)
		}
	})
}

func TestStateStore_UpdatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects conflicting flags without mutating", func(t *testing.T) {
		store, _ := newTestStore()
		if _, err := store.UpdateRole(ctx, "user-1", model.RolePatient); err != nil {
			t.Fatal(err)
		}
		ok, err := store.UpdatePayment(ctx, "user-1", true, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatal("expected rejection of (true, true)")
		}
		st, _ := store.Get(ctx, "user-1")
		if st.PaymentComplete || st.PaymentPending {
			t.Fatalf("state mutated on rejected update: %+v", st)
		}
	})

	t.Run("completed payment advances patient to step 3", func(t *testing.T) {
		store, _ := newTestStore()
		if _, err := store.UpdateRole(ctx, "user-1", model.RolePatient); err != nil {
			t.Fatal(err)
		}
		ok, err := store.UpdatePayment(ctx, "user-1", true, false)
		if err != nil || !ok {
			t.Fatalf("expected success, ok=%v err=%v", ok, err)
		}
		st, _ := store.Get(ctx, "user-1")
		if st.Step != model.StepProvisioning {
			t.Fatalf("expected step 3, got %d", st.Step)
		}
		if !st.PaymentComplete || st.PaymentPending {
			t.Fatalf("unexpected payment flags: %+v", st)
		}
	})

	t.Run("completed payment does not advance non-patients", func(t *testing.T) {
		store, _ := newTestStore()
		if _, err := store.UpdateRole(ctx, "user-1", model.RoleDoctor); err != nil {
			t.Fatal(err)
		}
		if _, err := store.UpdatePayment(ctx, "user-1", true, false); err != nil {
			t.Fatal(err)
		}
		st, _ := store.Get(ctx, "user-1")
		if st.Step != model.StepPaymentOrProcessing {
			t.Fatalf("doctor should stay at step 2, got %d", st.Step)
		}
	})
}

func TestStateStore_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if _, err := store.UpdateRole(ctx, "user-1", model.RolePatient); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < DefaultMaxErrorCount-1; i++ {
		tripped, err := store.RecordError(ctx, "user-1", "transient failure")
		if err != nil {
			t.Fatal(err)
		}
		if tripped {
			t.Fatalf("breaker tripped after %d errors", i+1)
		}
	}
	st, _ := store.Get(ctx, "user-1")
	if st.ErrorCount != DefaultMaxErrorCount-1 {
		t.Fatalf("expected %d recorded errors, got %d", DefaultMaxErrorCount-1, st.ErrorCount)
	}
	if st.LastError != "transient failure" {
		t.Fatalf("expected last error to be stored, got %q", st.LastError)
	}

	// The final error trips the breaker: full reset to the default state.
	tripped, err := store.RecordError(ctx, "user-1", "one too many")
	if err != nil {
		t.Fatal(err)
	}
	if !tripped {
		t.Fatal("expected the breaker to trip at the threshold")
	}
	st, _ = store.Get(ctx, "user-1")
	if st.Step != model.StepForm || st.Role != "" || st.ErrorCount != 0 {
		t.Fatalf("expected default state after breaker trip, got %+v", st)
	}
}

func TestStateStore_ResetErrors(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if _, err := store.UpdateRole(ctx, "user-1", model.RolePatient); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.RecordError(ctx, "user-1", "transient failure"); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.ResetErrors(ctx, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, _ := store.Get(ctx, "user-1")
	if st.ErrorCount != 0 || st.LastError != "" {
		t.Fatalf("expected a cleared failure run, got %+v", st)
	}
	if st.Role != model.RolePatient {
		t.Fatalf("reset must not touch the flow itself, got %+v", st)
	}

	// A later failure starts counting from one again.
	tripped, err := store.RecordError(ctx, "user-1", "fresh failure")
	if err != nil {
		t.Fatal(err)
	}
	if tripped {
		t.Fatal("a fresh run must not trip the breaker")
	}
	st, _ = store.Get(ctx, "user-1")
	if st.ErrorCount != 1 {
		t.Fatalf("expected a restarted counter, got %d", st.ErrorCount)
	}
}

func TestStateStore_ValidateAndCorrect(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore()

	// Simulate drift from a partial write: provisioning step with no role.
	if err := kv.Set(ctx, store.key("user-1", kvKeyStep), "3"); err != nil {
		t.Fatal(err)
	}

	res, err := store.ValidateAndCorrect(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsValid || !res.Corrected {
		t.Fatalf("expected a corrected invalid state, got %+v", res)
	}
	st, _ := store.Get(ctx, "user-1")
	if st.Step != model.StepForm {
		t.Fatalf("expected downgrade to step 1, got %d", st.Step)
	}
	if st.LastValidation.IsZero() {
		t.Fatal("expected validation timestamp to be recorded")
	}

	t.Run("valid state records timestamp only", func(t *testing.T) {
		res, err := store.ValidateAndCorrect(ctx, "user-1")
		if err != nil {
			t.Fatal(err)
		}
		if !res.IsValid || res.Corrected {
			t.Fatalf("expected clean validation, got %+v", res)
		}
	})
}

func TestStateStore_ActiveUsers(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	if _, err := store.UpdateRole(ctx, "user-1", model.RolePatient); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateRole(ctx, "user-2", model.RoleDoctor); err != nil {
		t.Fatal(err)
	}
	users, err := store.ActiveUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 active users, got %v", users)
	}

	if _, err := store.Clear(ctx, "user-1"); err != nil {
		t.Fatal(err)
	}
	users, _ = store.ActiveUsers(ctx)
	if len(users) != 1 || users[0] != "user-2" {
		t.Fatalf("expected only user-2 to remain, got %v", users)
	}
}
