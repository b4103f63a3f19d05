package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"clinic-registration/internal/usecase"
)

// StateValidator periodically re-runs invariant validation over every
// in-flight registration. It catches drift the flow itself never triggers:
// manual storage edits, partial writes from a crashed session, or two
// concurrent sessions racing last-write-wins.
type StateValidator struct {
	store    *usecase.StateStore
	interval time.Duration
	log      *zerolog.Logger
}

func NewStateValidator(store *usecase.StateStore, interval time.Duration, logger *zerolog.Logger) *StateValidator {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StateValidator{store: store, interval: interval, log: logger}
}

// Start runs the validation loop until ctx is cancelled.
func (w *StateValidator) Start(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	w.log.Info().Dur("interval", w.interval).Msg("state validator started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("state validator stopping")
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *StateValidator) tick(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	users, err := w.store.ActiveUsers(runCtx)
	if err != nil {
		w.log.Warn().Err(err).Msg("state validator: listing active users failed")
		return
	}
	for _, uid := range users {
		res, err := w.store.ValidateAndCorrect(runCtx, uid)
		if err != nil {
			w.log.Warn().Err(err).Str("user_id", uid).Msg("state validator: validation failed")
			continue
		}
		if res.Corrected {
			w.log.Warn().Str("user_id", uid).Strs("issues", res.Issues).Msg("state validator: corrected drift")
		}
	}
}
