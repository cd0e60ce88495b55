package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/example/broadcast-service/internal/msgs"
)

// courierMsg is the wire shape the courier consumes. Attachments keep the
// "content_type:url" form they were stored with.
type courierMsg struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	ContactID    string         `json:"contact_id"`
	ContactURNID *string        `json:"contact_urn_id,omitempty"`
	ChannelID    string         `json:"channel_id"`
	Text         string         `json:"text"`
	Attachments  []string       `json:"attachments,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	HighPriority bool           `json:"high_priority"`
	CreatedOn    time.Time      `json:"created_on"`
}

type courierBatch struct {
	ChannelID    string       `json:"channel_id"`
	HighPriority bool         `json:"high_priority"`
	Msgs         []courierMsg `json:"msgs"`
}

// KafkaCourierQueue pushes message groups onto the courier topic. Keys are
// channel+contact so a conversation's messages share a partition and arrive
// in the order they were dispatched.
type KafkaCourierQueue struct {
	Writer *kafka.Writer
}

func (q *KafkaCourierQueue) Push(ctx context.Context, channelID string, batch []*msgs.Msg, highPriority bool) error {
	if len(batch) == 0 {
		return nil
	}
	wire := courierBatch{ChannelID: channelID, HighPriority: highPriority}
	for _, m := range batch {
		cm := courierMsg{
			ID:           m.ID,
			OrgID:        m.OrgID,
			ContactID:    m.ContactID,
			ContactURNID: m.ContactURNID,
			ChannelID:    channelID,
			Text:         m.Text,
			Attachments:  m.Attachments,
			Metadata:     m.Metadata,
			HighPriority: m.HighPriority,
			CreatedOn:    m.CreatedOn,
		}
		wire.Msgs = append(wire.Msgs, cm)
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal courier batch: %w", err)
	}
	return q.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channelID + "|" + batch[0].ContactID),
		Value: payload,
	})
}

const insertOutbox = `
INSERT INTO courier_outbox (msg_id, channel_id, high_priority, created_on)
VALUES ($1, $2, $3, now())
`

// LegacyOutbox queues messages for channels without courier support. Rows sit
// in courier_outbox until the channel's polling worker claims them, so the
// messages themselves stay in queued status here.
type LegacyOutbox struct {
	Pool *pgxpool.Pool
}

func (o *LegacyOutbox) Push(ctx context.Context, channelID string, batch []*msgs.Msg, highPriority bool) error {
	if len(batch) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, m := range batch {
		b.Queue(insertOutbox, m.ID, channelID, highPriority)
	}
	results := o.Pool.SendBatch(ctx, b)
	defer results.Close()
	for range batch {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert outbox row: %w", err)
		}
	}
	return nil
}
