package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"clinic-registration/internal/domain"
	"clinic-registration/internal/domain/ports/repository"
)

var _ repository.RegistrationEventRepository = (*eventRepo)(nil)

// eventRepo is the append-only audit log of registration lifecycle events.
//
// Schema:
//
//	CREATE TABLE registration_events (
//	  id         TEXT PRIMARY KEY,
//	  user_id    TEXT NOT NULL,
//	  kind       TEXT NOT NULL,
//	  detail     TEXT NOT NULL DEFAULT '',
//	  created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX registration_events_user_idx ON registration_events (user_id, created_at DESC);
type eventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *eventRepo {
	return &eventRepo{pool: pool}
}

func (r *eventRepo) Append(ctx context.Context, ev *repository.RegistrationEvent) error {
	const q = `
INSERT INTO registration_events (id, user_id, kind, detail, created_at)
VALUES ($1, $2, $3, $4, $5)`

	_, err := r.pool.Exec(ctx, q, ev.ID, ev.UserID, ev.Kind, ev.Detail, ev.CreatedAt)
	if err != nil {
		// A replayed event id means the write already happened; appends must
		// stay idempotent for retried checkpoints.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *eventRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*repository.RegistrationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, user_id, kind, detail, created_at
FROM registration_events
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`

	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, domain.ErrOperationFailed
	}
	defer rows.Close()

	var out []*repository.RegistrationEvent
	for rows.Next() {
		ev := &repository.RegistrationEvent{}
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Kind, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, domain.ErrOperationFailed
		}
		out = append(out, ev)
	}
	if rows.Err() != nil {
		return nil, domain.ErrOperationFailed
	}
	return out, nil
}
