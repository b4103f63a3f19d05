//go:build !integration

package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"clinic-registration/internal/domain"
)

func testLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// fakeClock drives a session without wall-clock delays: every sleep advances
// the clock by the requested duration and records it.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func waitInactive(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !s.IsActive() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not finish in time")
}

func TestSession_StopsWhenTargetReached(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	s := NewSession(Config{InitialInterval: time.Second, MaxInterval: 5 * time.Second}, func(ctx context.Context) (bool, error) {
		calls++
		return calls < 3, nil
	}, testLogger())
	s.SetClock(clock.now, clock.sleep)

	s.Start(context.Background())
	waitInactive(t, s)

	if calls != 3 {
		t.Fatalf("expected 3 probes, got %d", calls)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
}

func TestSession_BackoffMonotonicAndCapped(t *testing.T) {
	clock := newFakeClock()
	probeErr := errors.New("status fetch failed")
	s := NewSession(Config{
		InitialInterval:   time.Second,
		MaxInterval:       2 * time.Second,
		BackoffMultiplier: 3,
		MaxDuration:       10 * time.Second,
	}, func(ctx context.Context) (bool, error) {
		return true, probeErr
	}, testLogger())
	s.SetClock(clock.now, clock.sleep)

	s.Start(context.Background())
	waitInactive(t, s)

	sleeps := clock.recorded()
	if len(sleeps) == 0 {
		t.Fatal("expected at least one tick")
	}
	for i, d := range sleeps {
		if d > 2*time.Second {
			t.Fatalf("interval %d exceeds cap: %v", i, d)
		}
		if i > 0 && d < sleeps[i-1] {
			t.Fatalf("interval shrank without a success: %v then %v", sleeps[i-1], d)
		}
	}
	if sleeps[0] != time.Second {
		t.Fatalf("first tick should use the initial interval, got %v", sleeps[0])
	}
}

func TestSession_MaxDurationSurfacesTimeout(t *testing.T) {
	clock := newFakeClock()
	timedOut := make(chan error, 1)
	s := NewSession(Config{
		InitialInterval:   3 * time.Second,
		MaxInterval:       30 * time.Second,
		BackoffMultiplier: 1.5,
		MaxDuration:       10 * time.Second,
		OnTimeout:         func(err error) { timedOut <- err },
	}, func(ctx context.Context) (bool, error) {
		// Target state never reached.
		return true, nil
	}, testLogger())
	s.SetClock(clock.now, clock.sleep)

	s.Start(context.Background())
	waitInactive(t, s)

	if !errors.Is(s.Err(), domain.ErrPollingTimeout) {
		t.Fatalf("expected polling timeout, got %v", s.Err())
	}
	if s.IsActive() {
		t.Fatal("session must not keep polling past max duration")
	}
	select {
	case err := <-timedOut:
		if !errors.Is(err, domain.ErrPollingTimeout) {
			t.Fatalf("unexpected callback error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the timeout callback to fire")
	}
}

func TestSession_ProbeCanEndWithError(t *testing.T) {
	clock := newFakeClock()
	probeErr := errors.New("flow was reset")
	calls := 0
	s := NewSession(Config{InitialInterval: time.Second}, func(ctx context.Context) (bool, error) {
		calls++
		return false, probeErr
	}, testLogger())
	s.SetClock(clock.now, clock.sleep)

	s.Start(context.Background())
	waitInactive(t, s)

	if calls != 1 {
		t.Fatalf("expected a single probe, got %d", calls)
	}
	if !errors.Is(s.Err(), probeErr) {
		t.Fatalf("expected the probe error to surface, got %v", s.Err())
	}
}

func TestSession_SuccessResetsInterval(t *testing.T) {
	clock := newFakeClock()
	probeErr := errors.New("status fetch failed")
	calls := 0
	// err, success, err, done. With SuccessResetInterval the tick after the
	// success drops back to the initial interval.
	s := NewSession(Config{
		InitialInterval:      time.Second,
		MaxInterval:          10 * time.Second,
		BackoffMultiplier:    2,
		MaxDuration:          time.Minute,
		SuccessResetInterval: true,
	}, func(ctx context.Context) (bool, error) {
		calls++
		switch calls {
		case 1, 3:
			return true, probeErr
		case 2:
			return true, nil
		default:
			return false, nil
		}
	}, testLogger())
	s.SetClock(clock.now, clock.sleep)

	s.Start(context.Background())
	waitInactive(t, s)

	want := []time.Duration{time.Second, 2 * time.Second, time.Second}
	sleeps := clock.recorded()
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d ticks, got %v", len(want), sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("tick %d: want %v, got %v", i, want[i], sleeps[i])
		}
	}
}

func TestSession_StopIsSafeAndIdempotent(t *testing.T) {
	t.Run("stop before start", func(t *testing.T) {
		s := NewSession(Config{}, func(ctx context.Context) (bool, error) { return true, nil }, testLogger())
		s.Stop()
	})

	t.Run("stop cancels a running session", func(t *testing.T) {
		started := make(chan struct{})
		var once sync.Once
		s := NewSession(Config{InitialInterval: time.Second}, func(ctx context.Context) (bool, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return true, ctx.Err()
		}, testLogger())

		s.Start(context.Background())
		<-started
		s.Stop()
		s.Stop()

		if s.IsActive() {
			t.Fatal("expected inactive session after stop")
		}
		if err := s.Err(); err != nil {
			t.Fatalf("cancellation must not surface as a polling error, got %v", err)
		}
	})
}

func TestSession_StartWhileActiveIsNoop(t *testing.T) {
	started := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	s := NewSession(Config{InitialInterval: time.Second}, func(ctx context.Context) (bool, error) {
		mu.Lock()
		calls++
		if calls == 1 {
			close(started)
		}
		mu.Unlock()
		<-ctx.Done()
		return true, ctx.Err()
	}, testLogger())

	s.Start(context.Background())
	<-started
	s.Start(context.Background())
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("second start must not spawn a second loop, got %d probes", calls)
	}
}
