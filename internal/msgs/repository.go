package msgs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("msg not found")

const insertMsg = `
INSERT INTO msgs (
id, org_id, broadcast_id, contact_id, contact_urn_id, channel_id, direction,
text, attachments, status, visibility, msg_type, high_priority, error_count,
next_attempt, external_id, response_to_id, metadata, sent_on, queued_on,
created_on, modified_on
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
`

const selectMsg = `
SELECT id, org_id, broadcast_id, contact_id, contact_urn_id, channel_id, direction,
text, attachments, status, visibility, msg_type, high_priority, error_count,
next_attempt, external_id, response_to_id, metadata, sent_on, queued_on,
created_on, modified_on
FROM msgs WHERE id = $1
`

const selectMsgByExternal = `
SELECT id, org_id, broadcast_id, contact_id, contact_urn_id, channel_id, direction,
text, attachments, status, visibility, msg_type, high_priority, error_count,
next_attempt, external_id, response_to_id, metadata, sent_on, queued_on,
created_on, modified_on
FROM msgs WHERE channel_id = $1 AND external_id = $2
`

const markQueued = `
UPDATE msgs SET status = 'Q', queued_on = $2, modified_on = now()
WHERE id = ANY($1)
`

const markWired = `
UPDATE msgs SET status = 'W', sent_on = $2, modified_on = now()
WHERE id = ANY($1)
`

const updateStatus = `
UPDATE msgs SET
status = $2,
error_count = $3,
next_attempt = $4,
external_id = COALESCE($5, external_id),
sent_on = COALESCE($6, sent_on),
modified_on = now()
WHERE id = $1
`

const selectRecentSameCount = `
SELECT COUNT(*) FROM msgs
WHERE contact_urn_id = $1 AND channel_id = $2 AND direction = 'O'
AND text = $3 AND attachments IS NOT DISTINCT FROM $4 AND created_on > $5
`

const selectIncomingDup = `
SELECT id, org_id, broadcast_id, contact_id, contact_urn_id, channel_id, direction,
text, attachments, status, visibility, msg_type, high_priority, error_count,
next_attempt, external_id, response_to_id, metadata, sent_on, queued_on,
created_on, modified_on
FROM msgs
WHERE org_id = $1 AND contact_id = $2 AND direction = 'I' AND text = $3 AND sent_on = $4
`

const selectByBroadcast = `
SELECT id, org_id, broadcast_id, contact_id, contact_urn_id, channel_id, direction,
text, attachments, status, visibility, msg_type, high_priority, error_count,
next_attempt, external_id, response_to_id, metadata, sent_on, queued_on,
created_on, modified_on
FROM msgs
WHERE broadcast_id = $1 AND visibility != 'D'
`

const releaseByBroadcast = `
UPDATE msgs SET visibility = 'D', modified_on = now()
WHERE broadcast_id = $1 AND visibility != 'D'
`

const updateVisibility = `
UPDATE msgs SET visibility = $2, modified_on = now()
WHERE id = $1
`

const deleteMsg = `
DELETE FROM msgs WHERE id = $1
`

const insertLabelDelta = `
INSERT INTO msg_label_counts (org_id, label, count) VALUES ($1, $2, $3)
`

const selectLabelCount = `
SELECT COALESCE(SUM(count), 0) FROM msg_label_counts WHERE org_id = $1 AND label = $2
`

const squashLabelCounts = `
WITH deleted AS (
DELETE FROM msg_label_counts WHERE org_id = $1 AND label = $2 RETURNING count
)
INSERT INTO msg_label_counts (org_id, label, count)
SELECT $1, $2, COALESCE(SUM(count), 0) FROM deleted
`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertMsgs writes a batch of rows in one round trip. The send path always
// accumulates a whole batch before touching the table.
func (r *Repository) InsertMsgs(ctx context.Context, batch []*Msg) error {
	if len(batch) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, m := range batch {
		metadata, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		b.Queue(insertMsg,
			m.ID, m.OrgID, m.BroadcastID, m.ContactID, m.ContactURNID, m.ChannelID,
			string(m.Direction), m.Text, m.Attachments, string(m.Status),
			string(m.Visibility), string(m.MsgType), m.HighPriority, m.ErrorCount,
			m.NextAttempt, m.ExternalID, m.ResponseToID, metadata, m.SentOn,
			m.QueuedOn, m.CreatedOn, m.ModifiedOn,
		)
	}
	results := r.pool.SendBatch(ctx, b)
	defer results.Close()
	for range batch {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert msgs: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetMsg(ctx context.Context, id string) (*Msg, error) {
	m, err := scanMsg(r.pool.QueryRow(ctx, selectMsg, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (r *Repository) GetByExternalID(ctx context.Context, channelID, externalID string) (*Msg, error) {
	m, err := scanMsg(r.pool.QueryRow(ctx, selectMsgByExternal, channelID, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// MarkQueued and MarkWired update whole batches in place, never loading rows.

func (r *Repository) MarkQueued(ctx context.Context, ids []string, queuedOn time.Time) error {
	_, err := r.pool.Exec(ctx, markQueued, ids, queuedOn)
	return err
}

func (r *Repository) MarkWired(ctx context.Context, ids []string, wiredOn time.Time) error {
	_, err := r.pool.Exec(ctx, markWired, ids, wiredOn)
	return err
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status Status, errorCount int, nextAttempt *time.Time, externalID *string, sentOn *time.Time) error {
	_, err := r.pool.Exec(ctx, updateStatus, id, string(status), errorCount, nextAttempt, externalID, sentOn)
	return err
}

// CountRecentSame counts outgoing messages with identical text and attachments
// to the same URN over the same channel since the given time. Feeds the loop
// detector; the same caption on different attachments is a different message.
func (r *Repository) CountRecentSame(ctx context.Context, urnID, channelID, text string, attachments []string, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, selectRecentSameCount, urnID, channelID, text, attachments, since).Scan(&count)
	return count, err
}

func (r *Repository) FindIncoming(ctx context.Context, orgID, contactID, text string, sentOn time.Time) (*Msg, error) {
	m, err := scanMsg(r.pool.QueryRow(ctx, selectIncomingDup, orgID, contactID, text, sentOn))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// GetByBroadcast loads a broadcast's still-visible messages.
func (r *Repository) GetByBroadcast(ctx context.Context, broadcastID string) ([]*Msg, error) {
	rows, err := r.pool.Query(ctx, selectByBroadcast, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("select msgs by broadcast: %w", err)
	}
	defer rows.Close()

	var out []*Msg
	for rows.Next() {
		m, err := scanMsg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) ReleaseByBroadcast(ctx context.Context, broadcastID string) (int, error) {
	tag, err := r.pool.Exec(ctx, releaseByBroadcast, broadcastID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) UpdateVisibility(ctx context.Context, id string, visibility Visibility) error {
	_, err := r.pool.Exec(ctx, updateVisibility, id, string(visibility))
	return err
}

func (r *Repository) DeleteMsg(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, deleteMsg, id)
	return err
}

func (r *Repository) InsertLabelDeltas(ctx context.Context, deltas []LabelDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, d := range deltas {
		b.Queue(insertLabelDelta, d.OrgID, string(d.Label), d.Count)
	}
	results := r.pool.SendBatch(ctx, b)
	defer results.Close()
	for range deltas {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert label delta: %w", err)
		}
	}
	return nil
}

func (r *Repository) LabelCount(ctx context.Context, orgID string, label SystemLabel) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, selectLabelCount, orgID, string(label)).Scan(&count)
	return count, err
}

// SquashLabelCounts collapses accumulated deltas into one row per label. The
// delete and insert are a single statement so no delta is ever dropped.
func (r *Repository) SquashLabelCounts(ctx context.Context, orgID string, label SystemLabel) error {
	_, err := r.pool.Exec(ctx, squashLabelCounts, orgID, string(label))
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMsg(row scannable) (*Msg, error) {
	m := &Msg{}
	var direction, status, visibility, msgType string
	var metadata []byte
	err := row.Scan(
		&m.ID, &m.OrgID, &m.BroadcastID, &m.ContactID, &m.ContactURNID, &m.ChannelID,
		&direction, &m.Text, &m.Attachments, &status, &visibility, &msgType,
		&m.HighPriority, &m.ErrorCount, &m.NextAttempt, &m.ExternalID,
		&m.ResponseToID, &metadata, &m.SentOn, &m.QueuedOn, &m.CreatedOn, &m.ModifiedOn,
	)
	if err != nil {
		return nil, err
	}
	m.Direction = Direction(direction)
	m.Status = Status(status)
	m.Visibility = Visibility(visibility)
	m.MsgType = Type(msgType)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return m, nil
}
