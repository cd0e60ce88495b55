package broadcasts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("broadcast not found")

const insertBroadcast = `
INSERT INTO broadcasts (
id, org_id, text, base_language, media, quick_replies, recipient_count,
status, channel_id, parent_id, response_to_id, send_all, is_active, created_on, modified_on
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,TRUE,$13,$14)
`

const selectBroadcast = `
SELECT id, org_id, text, base_language, media, quick_replies, recipient_count,
status, channel_id, parent_id, response_to_id, send_all, is_active, created_on, modified_on
FROM broadcasts
WHERE id = $1 AND is_active = TRUE
`

const updateBroadcastStatus = `
UPDATE broadcasts SET status = $2, modified_on = now() WHERE id = $1
`

const updateRecipientCount = `
UPDATE broadcasts SET recipient_count = $2, modified_on = now() WHERE id = $1
`

const releaseBroadcast = `
UPDATE broadcasts SET is_active = FALSE, modified_on = now() WHERE id = $1
`

const insertGroupRef = `INSERT INTO broadcast_groups (broadcast_id, group_id) VALUES ($1, $2)`
const insertContactRef = `INSERT INTO broadcast_contacts (broadcast_id, contact_id) VALUES ($1, $2)`
const insertURNRef = `INSERT INTO broadcast_urns (broadcast_id, contact_urn_id) VALUES ($1, $2)`

const selectGroupRefs = `SELECT group_id FROM broadcast_groups WHERE broadcast_id = $1`
const selectContactRefs = `SELECT contact_id FROM broadcast_contacts WHERE broadcast_id = $1`
const selectURNRefs = `SELECT contact_urn_id FROM broadcast_urns WHERE broadcast_id = $1`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert persists the broadcast and its recipient references in one
// transaction, so a broadcast is never visible half-attached.
func (r *Repository) Insert(ctx context.Context, b *Broadcast) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	b.CreatedOn = now
	b.ModifiedOn = now
	if b.Status == "" {
		b.Status = StatusInitializing
	}
	b.IsActive = true

	text, media, quickReplies, err := marshalTranslations(b)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, insertBroadcast,
		b.ID, b.OrgID, text, b.BaseLanguage, media, quickReplies, b.RecipientCount,
		string(b.Status), b.ChannelID, b.ParentID, b.ResponseToID, b.SendAll, b.CreatedOn, b.ModifiedOn,
	)
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}

	batch := &pgx.Batch{}
	for _, id := range b.GroupIDs {
		batch.Queue(insertGroupRef, b.ID, id)
	}
	for _, id := range b.ContactIDs {
		batch.Queue(insertContactRef, b.ID, id)
	}
	for _, id := range b.URNIDs {
		batch.Queue(insertURNRef, b.ID, id)
	}
	if batch.Len() > 0 {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("insert recipient refs: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (*Broadcast, error) {
	b := &Broadcast{}
	var status string
	var text, media, quickReplies []byte
	err := r.pool.QueryRow(ctx, selectBroadcast, id).Scan(
		&b.ID, &b.OrgID, &text, &b.BaseLanguage, &media, &quickReplies,
		&b.RecipientCount, &status, &b.ChannelID, &b.ParentID, &b.ResponseToID,
		&b.SendAll, &b.IsActive, &b.CreatedOn, &b.ModifiedOn,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select broadcast: %w", err)
	}
	b.Status = Status(status)
	if err := unmarshalTranslations(b, text, media, quickReplies); err != nil {
		return nil, err
	}

	for _, ref := range []struct {
		query string
		dest  *[]string
	}{
		{selectGroupRefs, &b.GroupIDs},
		{selectContactRefs, &b.ContactIDs},
		{selectURNRefs, &b.URNIDs},
	} {
		ids, err := r.selectIDs(ctx, ref.query, id)
		if err != nil {
			return nil, err
		}
		*ref.dest = ids
	}
	return b, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status Status) error {
	_, err := r.pool.Exec(ctx, updateBroadcastStatus, id, string(status))
	return err
}

func (r *Repository) SetRecipientCount(ctx context.Context, id string, count int) error {
	_, err := r.pool.Exec(ctx, updateRecipientCount, id, count)
	return err
}

// Release soft-deletes the broadcast. Its messages are released separately;
// anything already dispatched cannot be recalled.
func (r *Repository) Release(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, releaseBroadcast, id)
	return err
}

// CloneFromTemplate builds a fresh broadcast from a scheduled template,
// copying text and recipients and pointing back via parent_id. The clone is
// what actually sends; the template is never re-sent itself.
func (r *Repository) CloneFromTemplate(ctx context.Context, template *Broadcast) (*Broadcast, error) {
	clone := &Broadcast{
		OrgID:        template.OrgID,
		Text:         template.Text,
		BaseLanguage: template.BaseLanguage,
		Media:        template.Media,
		QuickReplies: template.QuickReplies,
		GroupIDs:     template.GroupIDs,
		ContactIDs:   template.ContactIDs,
		URNIDs:       template.URNIDs,
		ChannelID:    template.ChannelID,
		ParentID:     &template.ID,
		SendAll:      template.SendAll,
		Status:       StatusInitializing,
	}
	if err := r.Insert(ctx, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

func (r *Repository) selectIDs(ctx context.Context, query, broadcastID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("select recipient refs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalTranslations(b *Broadcast) (text, media, quickReplies []byte, err error) {
	if text, err = json.Marshal(b.Text); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal text: %w", err)
	}
	if media, err = json.Marshal(b.Media); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal media: %w", err)
	}
	if quickReplies, err = json.Marshal(b.QuickReplies); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal quick replies: %w", err)
	}
	return text, media, quickReplies, nil
}

func unmarshalTranslations(b *Broadcast, text, media, quickReplies []byte) error {
	if err := json.Unmarshal(text, &b.Text); err != nil {
		return fmt.Errorf("unmarshal text: %w", err)
	}
	if len(media) > 0 {
		if err := json.Unmarshal(media, &b.Media); err != nil {
			return fmt.Errorf("unmarshal media: %w", err)
		}
	}
	if len(quickReplies) > 0 {
		if err := json.Unmarshal(quickReplies, &b.QuickReplies); err != nil {
			return fmt.Errorf("unmarshal quick replies: %w", err)
		}
	}
	return nil
}
