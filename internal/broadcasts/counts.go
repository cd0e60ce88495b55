package broadcasts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MsgCounts tracks how many messages each broadcast actually produced, as an
// append-only delta log. The count can't be derived from recipient_count:
// duplicate and unreachable URNs silently produce fewer messages than asked.

const insertMsgCountDelta = `
INSERT INTO broadcast_msg_counts (broadcast_id, count) VALUES ($1, $2)
`

const selectMsgCount = `
SELECT COALESCE(SUM(count), 0) FROM broadcast_msg_counts WHERE broadcast_id = $1
`

// squashMsgCounts merges all delta rows for a broadcast into one. The CTE
// makes the delete and re-insert a single atomic statement, so deltas written
// concurrently are either squashed or left for the next pass, never lost.
const squashMsgCounts = `
WITH deleted AS (
DELETE FROM broadcast_msg_counts WHERE broadcast_id = $1 RETURNING count
)
INSERT INTO broadcast_msg_counts (broadcast_id, count)
SELECT $1, COALESCE(SUM(count), 0) FROM deleted
`

const selectSquashCandidates = `
SELECT broadcast_id FROM broadcast_msg_counts
GROUP BY broadcast_id HAVING COUNT(*) > 1
LIMIT $1
`

type MsgCounts struct {
	pool *pgxpool.Pool
}

func NewMsgCounts(pool *pgxpool.Pool) *MsgCounts {
	return &MsgCounts{pool: pool}
}

func (c *MsgCounts) Increment(ctx context.Context, broadcastID string, delta int) error {
	if delta == 0 {
		return nil
	}
	if _, err := c.pool.Exec(ctx, insertMsgCountDelta, broadcastID, delta); err != nil {
		return fmt.Errorf("insert msg count delta: %w", err)
	}
	return nil
}

func (c *MsgCounts) Get(ctx context.Context, broadcastID string) (int, error) {
	var count int
	if err := c.pool.QueryRow(ctx, selectMsgCount, broadcastID).Scan(&count); err != nil {
		return 0, fmt.Errorf("select msg count: %w", err)
	}
	return count, nil
}

// Squash compacts up to limit broadcasts with more than one delta row. Meant
// to run periodically; skipping a run only costs table size, not correctness.
func (c *MsgCounts) Squash(ctx context.Context, limit int) (int, error) {
	rows, err := c.pool.Query(ctx, selectSquashCandidates, limit)
	if err != nil {
		return 0, fmt.Errorf("select squash candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := c.pool.Exec(ctx, squashMsgCounts, id); err != nil {
			return 0, fmt.Errorf("squash msg counts: %w", err)
		}
	}
	return len(ids), nil
}
