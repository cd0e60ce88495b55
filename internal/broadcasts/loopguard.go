package broadcasts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoopGuard protects large groups from accidental duplicate bulk sends: the
// same text to the same group inside the window aborts the second broadcast.

// claimGuard is an atomic check-and-mark. The insert either takes the slot,
// refreshes an expired one, or returns no row when a live marker already
// exists. Two near-simultaneous sends can never both observe "not yet sent".
const claimGuard = `
INSERT INTO broadcast_guards (group_id, text_hash, expires_on)
VALUES ($1, $2, $3)
ON CONFLICT (group_id, text_hash) DO UPDATE
SET expires_on = EXCLUDED.expires_on
WHERE broadcast_guards.expires_on < now()
RETURNING group_id
`

const deleteExpiredGuards = `
DELETE FROM broadcast_guards WHERE expires_on < now()
`

type LoopGuard struct {
	pool   *pgxpool.Pool
	window time.Duration
}

func NewLoopGuard(pool *pgxpool.Pool, window time.Duration) *LoopGuard {
	return &LoopGuard{pool: pool, window: window}
}

// CheckAndMark claims the (group, text) slot. Returns true when a live marker
// was already present, meaning this send is a duplicate.
func (g *LoopGuard) CheckAndMark(ctx context.Context, groupID, text string) (bool, error) {
	hash := sha256.Sum256([]byte(text))
	expires := time.Now().UTC().Add(g.window)

	var claimed string
	err := g.pool.QueryRow(ctx, claimGuard, groupID, hex.EncodeToString(hash[:]), expires).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim broadcast guard: %w", err)
	}
	return false, nil
}

func (g *LoopGuard) Cleanup(ctx context.Context) (int, error) {
	tag, err := g.pool.Exec(ctx, deleteExpiredGuards)
	if err != nil {
		return 0, fmt.Errorf("delete expired guards: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
