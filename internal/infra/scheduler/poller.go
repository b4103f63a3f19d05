package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clinic-registration/internal/domain"
	"clinic-registration/internal/infra/metrics"
)

// Probe is one async status check. It returns whether polling should
// continue (target state not yet reached) and any fetch error. An error with
// continue=true grows the interval; continue=false ends the session, with
// the error (if any) surfaced through Err.
type Probe func(ctx context.Context) (continuePolling bool, err error)

// Config tunes an adaptive polling session.
type Config struct {
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
	MaxDuration       time.Duration
	// SuccessResetInterval drops the interval back to InitialInterval after
	// a successful (but still incomplete) probe instead of compounding.
	SuccessResetInterval bool
	// OnTimeout is invoked once, after the session is marked inactive, when
	// the duration ceiling aborts it. Stop and probe-initiated ends do not
	// trigger it.
	OnTimeout func(err error)
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 3 * time.Second
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1.5
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 10 * time.Minute
	}
	return c
}

// State is a read-only observability snapshot of a session.
type State struct {
	AttemptCount    int
	CurrentInterval time.Duration
	StartedAt       time.Time
	Active          bool
}

// Session runs a single logical polling timer: one probe at a time, strictly
// sequential, a new tick scheduled only after the previous probe settles.
// Slow probes therefore self-throttle instead of stacking.
type Session struct {
	cfg   Config
	probe Probe
	log   *zerolog.Logger

	mu         sync.Mutex
	state      State
	lastErr    error
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}

	// now and sleep are swapped out by tests so a fake clock can drive the
	// loop without wall-clock delays.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSession(cfg Config, probe Probe, logger *zerolog.Logger) *Session {
	return &Session{
		cfg:   cfg.withDefaults(),
		probe: probe,
		log:   logger,
		now:   time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Start begins polling in a background goroutine, invoking the probe
// immediately. Starting an active session is a no-op.
func (s *Session) Start(parent context.Context) {
	s.mu.Lock()
	if s.state.Active {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.generation++
	gen := s.generation
	s.state = State{
		CurrentInterval: s.cfg.InitialInterval,
		StartedAt:       s.now(),
		Active:          true,
	}
	s.lastErr = nil
	done := s.done
	s.mu.Unlock()

	metrics.AddPollingSessions(1)
	go s.loop(ctx, gen, done)
}

func (s *Session) loop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		startedAt := s.state.StartedAt
		interval := s.state.CurrentInterval
		s.mu.Unlock()

		// Cooperative timeout, checked at tick boundaries only.
		if s.now().Sub(startedAt) > s.cfg.MaxDuration {
			s.finish(gen, domain.ErrPollingTimeout)
			s.log.Warn().Dur("max_duration", s.cfg.MaxDuration).Msg("polling hit max duration")
			if s.cfg.OnTimeout != nil {
				s.cfg.OnTimeout(domain.ErrPollingTimeout)
			}
			return
		}

		cont, err := s.probe(ctx)
		if ctx.Err() != nil {
			// Cancelled mid-probe; the stale result must not mutate state.
			s.finish(gen, nil)
			return
		}
		metrics.IncPollTick(err == nil)

		if !cont {
			s.finish(gen, err)
			if err == nil {
				s.log.Debug().Msg("polling target state reached")
			} else {
				s.log.Warn().Err(err).Msg("polling ended by probe")
			}
			return
		}

		next := interval
		if err == nil && s.cfg.SuccessResetInterval {
			next = s.cfg.InitialInterval
		} else {
			next = time.Duration(float64(interval) * s.cfg.BackoffMultiplier)
			if next > s.cfg.MaxInterval {
				next = s.cfg.MaxInterval
			}
		}

		s.mu.Lock()
		if s.generation == gen {
			s.state.AttemptCount++
			s.state.CurrentInterval = next
			if err != nil {
				s.lastErr = err
			}
		}
		s.mu.Unlock()

		if err != nil {
			s.log.Warn().Err(err).Dur("next_interval", next).Msg("poll probe failed")
		}
		if s.sleep(ctx, interval) != nil {
			s.finish(gen, nil)
			return
		}
	}
}

// finish marks the session inactive, guarding against a stale generation
// overwriting a restarted session.
func (s *Session) finish(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	s.state.Active = false
	if err != nil {
		s.lastErr = err
	}
	metrics.AddPollingSessions(-1)
}

// Stop cancels the session and waits for the loop to exit. It is safe to
// call at any time, including from teardown paths, and is idempotent; no
// already-scheduled tick can mutate state afterwards.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	s.state.Active = false
	s.mu.Unlock()
}

// IsActive reports whether the loop is running.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active
}

// State returns the current observability snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last probe or timeout error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetClock overrides the session's time source and delay function. Tests use
// it to drive the loop deterministically.
func (s *Session) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	s.now = now
	s.sleep = sleep
}
