package statusevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/broadcast-service/internal/contacts"
	"github.com/example/broadcast-service/internal/msgs"
	"github.com/example/broadcast-service/internal/urns"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_events_processed_total",
		Help: "Courier events applied to messages",
	}, []string{"type"})
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "status_events_dropped_total",
		Help: "Courier events dropped without effect",
	}, []string{"reason"})
)

type msgLoader interface {
	GetMsg(ctx context.Context, id string) (*msgs.Msg, error)
	GetByExternalID(ctx context.Context, channelID, externalID string) (*msgs.Msg, error)
}

type transitioner interface {
	MarkSent(ctx context.Context, m *msgs.Msg, externalID string, sentOn time.Time) error
	MarkDelivered(ctx context.Context, m *msgs.Msg) error
	MarkErrored(ctx context.Context, m *msgs.Msg) error
	MarkFailed(ctx context.Context, m *msgs.Msg) error
	CreateIncoming(ctx context.Context, orgID, contactID string, contactURNID, channelID *string, text string, sentOn time.Time) (*msgs.Msg, error)
}

type contactResolver interface {
	GetOrCreateByURN(ctx context.Context, orgID string, urn urns.URN) (*contacts.Contact, *contacts.ContactURN, error)
}

// Consumer reads courier events off the status topic and applies them. Events
// referencing unknown messages or illegal transitions are dropped and
// committed; infrastructure errors leave the event uncommitted for redelivery.
type Consumer struct {
	ReaderFactory func() *kafka.Reader
	Msgs          msgLoader
	Service       transitioner
	Contacts      contactResolver
	Logger        zerolog.Logger
}

func (c *Consumer) Run(ctx context.Context) error {
	if c.ReaderFactory == nil {
		return errors.New("status consumer requires a reader factory")
	}
	reader := c.ReaderFactory()
	defer reader.Close()
	tracer := otel.Tracer("status-worker")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			c.Logger.Error().Err(err).Msg("failed to decode status event")
			eventsDropped.WithLabelValues("bad_payload").Inc()
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "apply_event")
		span.SetAttributes(
			attribute.String("event.type", ev.Type),
			attribute.String("channel.id", ev.ChannelID),
		)

		if err := c.apply(spanCtx, ev); err != nil {
			span.RecordError(err)
			span.End()
			c.Logger.Error().Err(err).Str("type", ev.Type).Msg("status event failed")
			return err
		}

		span.End()
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (c *Consumer) apply(ctx context.Context, ev Event) error {
	if ev.Type == TypeReceived {
		return c.applyReceived(ctx, ev)
	}

	m, err := c.lookup(ctx, ev)
	if err != nil {
		if errors.Is(err, msgs.ErrNotFound) {
			eventsDropped.WithLabelValues("unknown_msg").Inc()
			c.Logger.Warn().Str("msg_id", ev.MsgID).Str("external_id", ev.ExternalID).Msg("event for unknown message")
			return nil
		}
		return err
	}

	switch ev.Type {
	case TypeSent:
		err = c.Service.MarkSent(ctx, m, ev.ExternalID, ev.OccurredOn)
	case TypeDelivered:
		err = c.Service.MarkDelivered(ctx, m)
	case TypeErrored:
		err = c.Service.MarkErrored(ctx, m)
	case TypeFailed:
		err = c.Service.MarkFailed(ctx, m)
	default:
		eventsDropped.WithLabelValues("unknown_type").Inc()
		c.Logger.Warn().Str("type", ev.Type).Msg("unknown event type")
		return nil
	}

	if err != nil {
		// a late callback for an already settled message is not an error
		if errors.Is(err, msgs.ErrInvalidTransition) {
			eventsDropped.WithLabelValues("stale").Inc()
			c.Logger.Debug().Str("msg_id", m.ID).Str("type", ev.Type).Msg("dropping stale delivery report")
			return nil
		}
		return err
	}
	eventsProcessed.WithLabelValues(ev.Type).Inc()
	return nil
}

// lookup finds the message an event refers to, by internal id when the courier
// echoed one back, else by the provider's external id scoped to the channel.
func (c *Consumer) lookup(ctx context.Context, ev Event) (*msgs.Msg, error) {
	if ev.MsgID != "" {
		return c.Msgs.GetMsg(ctx, ev.MsgID)
	}
	if ev.ExternalID != "" {
		return c.Msgs.GetByExternalID(ctx, ev.ChannelID, ev.ExternalID)
	}
	return nil, msgs.ErrNotFound
}

func (c *Consumer) applyReceived(ctx context.Context, ev Event) error {
	urn, err := urns.Parse(ev.URN)
	if err != nil {
		eventsDropped.WithLabelValues("bad_urn").Inc()
		c.Logger.Warn().Str("urn", ev.URN).Msg("inbound message with unparseable urn")
		return nil
	}

	contact, contactURN, err := c.Contacts.GetOrCreateByURN(ctx, ev.OrgID, urn)
	if err != nil {
		return err
	}

	channelID := ev.ChannelID
	_, err = c.Service.CreateIncoming(ctx, ev.OrgID, contact.ID, &contactURN.ID, &channelID, ev.Text, ev.OccurredOn)
	if err != nil {
		return err
	}
	eventsProcessed.WithLabelValues(TypeReceived).Inc()
	return nil
}
