package broadcasts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/orgs"
)

// KafkaBatchQueue publishes batch jobs keyed by broadcast id, so one
// broadcast's batches land on one partition and stay roughly ordered.
type KafkaBatchQueue struct {
	Writer *kafka.Writer
}

func (q *KafkaBatchQueue) Publish(ctx context.Context, job BatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal batch job: %w", err)
	}
	return q.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.BroadcastID),
		Value: payload,
	})
}

type broadcastLoader interface {
	Get(ctx context.Context, id string) (*Broadcast, error)
}

type orgLoader interface {
	Get(ctx context.Context, id string) (*orgs.Org, error)
}

type channelLister interface {
	ListActive(ctx context.Context, orgID string) ([]*channels.Channel, error)
}

// Worker consumes batch jobs and materializes them. Each batch independently
// bumps the broadcast's message count by what it actually produced and
// reports its recipient share to the completion tracker.
type Worker struct {
	ReaderFactory func() *kafka.Reader
	Broadcasts    broadcastLoader
	Orgs          orgLoader
	Channels      channelLister
	Mat           Materializer
	Tracker       completionTracker
	Counts        msgCounter
	Logger        zerolog.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	if w.ReaderFactory == nil {
		return errors.New("batch worker requires a reader factory")
	}
	reader := w.ReaderFactory()
	defer reader.Close()
	tracer := otel.Tracer("batch-worker")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		var job BatchJob
		if err := json.Unmarshal(m.Value, &job); err != nil {
			w.Logger.Error().Err(err).Msg("failed to decode batch job")
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "send_batch")
		span.SetAttributes(
			attribute.String("broadcast.id", job.BroadcastID),
			attribute.Int("batch.size", len(job.URNIDs)),
		)

		if err := w.process(spanCtx, job); err != nil {
			span.RecordError(err)
			span.End()
			w.Logger.Error().Err(err).Str("broadcast_id", job.BroadcastID).Msg("batch send failed")
			// leave the job uncommitted so it is retried
			return err
		}

		span.End()
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (w *Worker) process(ctx context.Context, job BatchJob) error {
	bcast, err := w.Broadcasts.Get(ctx, job.BroadcastID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// released between fan-out and pickup; nothing to send
			w.Logger.Warn().Str("broadcast_id", job.BroadcastID).Msg("broadcast gone, skipping batch")
			return nil
		}
		return err
	}

	org, err := w.Orgs.Get(ctx, job.OrgID)
	if err != nil {
		return err
	}
	chs, err := w.Channels.ListActive(ctx, job.OrgID)
	if err != nil {
		return err
	}

	created, err := w.Mat.SendBatch(ctx, org, chs, bcast, job.URNIDs, SendOptions{
		TriggerSend:  true,
		HighPriority: job.HighPriority,
		ResponseToID: job.ResponseToID,
	})
	if err != nil {
		return err
	}

	if err := w.Counts.Increment(ctx, bcast.ID, len(created)); err != nil {
		return err
	}
	return w.Tracker.RecordBatch(ctx, bcast, len(job.URNIDs))
}
