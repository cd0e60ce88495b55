// Package credits bills message sends against an org's topups. The send path
// calls Decrement exactly once per message row it creates, never for messages
// it drops, so the ledger and the msgs table always agree.
package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoCredit = errors.New("org has no remaining credit")

// Service is the billing contract the materializer depends on.
type Service interface {
	// Decrement uses one credit, returning the topup it was drawn from and how
	// many credits that topup has left.
	Decrement(ctx context.Context, orgID string) (topupID string, remaining int64, err error)
}

// decrementTopup charges the soonest-expiring topup with room left. The
// subquery plus FOR UPDATE SKIP LOCKED makes concurrent workers pick
// different rows instead of serializing on one.
const decrementTopup = `
UPDATE topups SET used = used + 1
WHERE id = (
SELECT id FROM topups
WHERE org_id = $1 AND used < credits AND expires_on > now()
ORDER BY expires_on
FOR UPDATE SKIP LOCKED
LIMIT 1
)
RETURNING id, credits - used
`

type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

func (l *Ledger) Decrement(ctx context.Context, orgID string) (string, int64, error) {
	var topupID string
	var remaining int64
	err := l.pool.QueryRow(ctx, decrementTopup, orgID).Scan(&topupID, &remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, ErrNoCredit
	}
	if err != nil {
		return "", 0, fmt.Errorf("decrement topup: %w", err)
	}
	return topupID, remaining, nil
}
