package broadcasts

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// CompletionTracker accumulates how many recipients of a broadcast have been
// batched so far, in an expiring counter, and flips the broadcast to sent once
// the total covers the authoritative recipient count. It is a reporting
// signal, deliberately eventually-consistent; delivery never depends on it.

// incrementCompletion is a single-statement increment-and-expire: concurrent
// batch workers all add their share without a read-modify-write race.
const incrementCompletion = `
INSERT INTO broadcast_completion (broadcast_id, count, expires_on)
VALUES ($1, $2, $3)
ON CONFLICT (broadcast_id) DO UPDATE
SET count = broadcast_completion.count + EXCLUDED.count, expires_on = EXCLUDED.expires_on
RETURNING count
`

const deleteExpiredCompletion = `
DELETE FROM broadcast_completion WHERE expires_on < now()
`

type statusUpdater interface {
	UpdateStatus(ctx context.Context, id string, status Status) error
}

type CompletionTracker struct {
	pool   *pgxpool.Pool
	repo   statusUpdater
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCompletionTracker(pool *pgxpool.Pool, repo statusUpdater, ttl time.Duration, logger zerolog.Logger) *CompletionTracker {
	return &CompletionTracker{pool: pool, repo: repo, ttl: ttl, logger: logger}
}

// RecordBatch adds a batch's recipient share and marks the broadcast sent
// when the accumulated total reaches its recipient count.
func (t *CompletionTracker) RecordBatch(ctx context.Context, b *Broadcast, batched int) error {
	if batched <= 0 {
		return nil
	}
	expires := time.Now().UTC().Add(t.ttl)

	var total int
	if err := t.pool.QueryRow(ctx, incrementCompletion, b.ID, batched, expires).Scan(&total); err != nil {
		return fmt.Errorf("increment completion: %w", err)
	}

	if total >= b.RecipientCount {
		if err := t.repo.UpdateStatus(ctx, b.ID, StatusSent); err != nil {
			return err
		}
		b.Status = StatusSent
		t.logger.Info().Str("broadcast_id", b.ID).Int("recipients", total).Msg("broadcast fully batched")
	}
	return nil
}

// Cleanup drops counters past their TTL. A counter lost to expiry before its
// broadcast finished just means the status stays queued, which is accurate.
func (t *CompletionTracker) Cleanup(ctx context.Context) (int, error) {
	tag, err := t.pool.Exec(ctx, deleteExpiredCompletion)
	if err != nil {
		return 0, fmt.Errorf("delete expired completion: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
