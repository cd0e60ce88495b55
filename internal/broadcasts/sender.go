package broadcasts

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/contacts"
	"github.com/example/broadcast-service/internal/msgs"
	"github.com/example/broadcast-service/internal/orgs"
)

var (
	batchesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_batches_scheduled_total",
		Help: "Asynchronous batch jobs published",
	})
	broadcastsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcasts_failed_total",
		Help: "Broadcasts marked failed before sending",
	}, []string{"reason"})
)

// BatchJob is one unit of asynchronous send work: a slice of the broadcast's
// URN set plus the shared send parameters.
type BatchJob struct {
	BroadcastID  string   `json:"broadcast_id"`
	OrgID        string   `json:"org_id"`
	URNIDs       []string `json:"urn_ids"`
	HighPriority bool     `json:"high_priority"`
	ResponseToID *string  `json:"response_to_id,omitempty"`
}

// BatchQueue publishes batch jobs for the batch workers.
type BatchQueue interface {
	Publish(ctx context.Context, job BatchJob) error
}

// SendOptions are the per-batch send parameters stamped onto every message
// the batch creates.
type SendOptions struct {
	TriggerSend  bool
	HighPriority bool
	ResponseToID *string
}

// Materializer turns a batch of URN ids into message rows; implemented by the
// materializer package.
type Materializer interface {
	SendBatch(ctx context.Context, org *orgs.Org, chs []*channels.Channel, bcast *Broadcast, urnIDs []string, opts SendOptions) ([]*msgs.Msg, error)
}

type broadcastStore interface {
	UpdateStatus(ctx context.Context, id string, status Status) error
	SetRecipientCount(ctx context.Context, id string, count int) error
}

type loopGuard interface {
	CheckAndMark(ctx context.Context, groupID, text string) (bool, error)
}

type completionTracker interface {
	RecordBatch(ctx context.Context, b *Broadcast, batched int) error
}

type msgCounter interface {
	Increment(ctx context.Context, broadcastID string, delta int) error
}

// Sender runs a broadcast's send: resolves the authoritative URN set, applies
// the loop guard, then either materializes in place or fans out batch jobs.
type Sender struct {
	repo          broadcastStore
	builder       *Builder
	store         contactStore
	guard         loopGuard
	mat           Materializer
	queue         BatchQueue
	tracker       completionTracker
	counts        msgCounter
	batchSize     int
	loopGroupSize int
	logger        zerolog.Logger
}

func NewSender(
	repo broadcastStore,
	builder *Builder,
	store contactStore,
	guard loopGuard,
	mat Materializer,
	queue BatchQueue,
	tracker completionTracker,
	counts msgCounter,
	batchSize, loopGroupSize int,
	logger zerolog.Logger,
) *Sender {
	return &Sender{
		repo: repo, builder: builder, store: store, guard: guard, mat: mat,
		queue: queue, tracker: tracker, counts: counts,
		batchSize: batchSize, loopGroupSize: loopGroupSize, logger: logger,
	}
}

// Send is invoked once per broadcast. After it returns the broadcast's status
// field is the caller's source of truth: failed means the loop guard tripped
// or nothing was addressable, sent arrives later via the completion tracker.
func (s *Sender) Send(ctx context.Context, org *orgs.Org, chs []*channels.Channel, bcast *Broadcast) error {
	if bcast.Status == StatusSent || bcast.Status == StatusFailed {
		return ErrAlreadySent
	}
	if err := bcast.Validate(); err != nil {
		return err
	}

	if err := s.checkLoopGuard(ctx, bcast); err != nil {
		return err
	}

	schemes := channels.SendableSchemes(s.sendChannels(chs, bcast), channels.RoleSend)
	urnSet, err := s.builder.BuildURNSet(ctx, bcast, schemes)
	if err != nil {
		return err
	}

	// the estimate becomes authoritative here
	bcast.RecipientCount = len(urnSet)
	if err := s.repo.SetRecipientCount(ctx, bcast.ID, len(urnSet)); err != nil {
		return err
	}

	if len(urnSet) == 0 {
		broadcastsFailed.WithLabelValues("unreachable").Inc()
		bcast.Status = StatusFailed
		return s.repo.UpdateStatus(ctx, bcast.ID, StatusFailed)
	}

	bcast.Status = StatusQueued
	if err := s.repo.UpdateStatus(ctx, bcast.ID, StatusQueued); err != nil {
		return err
	}

	urnIDs := make([]string, len(urnSet))
	for i, u := range urnSet {
		urnIDs[i] = u.ID
	}

	// replies to an inbound message jump the delivery queues
	opts := SendOptions{
		TriggerSend:  true,
		HighPriority: bcast.ResponseToID != nil,
		ResponseToID: bcast.ResponseToID,
	}

	if len(urnIDs) <= s.batchSize {
		created, err := s.mat.SendBatch(ctx, org, chs, bcast, urnIDs, opts)
		if err != nil {
			return err
		}
		if err := s.counts.Increment(ctx, bcast.ID, len(created)); err != nil {
			return err
		}
		return s.tracker.RecordBatch(ctx, bcast, len(urnIDs))
	}

	for start := 0; start < len(urnIDs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(urnIDs) {
			end = len(urnIDs)
		}
		job := BatchJob{
			BroadcastID:  bcast.ID,
			OrgID:        bcast.OrgID,
			URNIDs:       urnIDs[start:end],
			HighPriority: opts.HighPriority,
			ResponseToID: opts.ResponseToID,
		}
		if err := s.publish(ctx, job); err != nil {
			return err
		}
		batchesScheduled.Inc()
	}
	s.logger.Info().Str("broadcast_id", bcast.ID).Int("recipients", len(urnIDs)).Msg("broadcast fanned out to batches")
	return nil
}

func (s *Sender) checkLoopGuard(ctx context.Context, bcast *Broadcast) error {
	baseText := bcast.Text[bcast.BaseLanguage]
	for _, groupID := range bcast.GroupIDs {
		count, err := s.store.GroupMemberCount(ctx, groupID)
		if err != nil {
			return err
		}
		if count <= s.loopGroupSize {
			continue
		}
		tripped, err := s.guard.CheckAndMark(ctx, groupID, baseText)
		if err != nil {
			return err
		}
		if tripped {
			broadcastsFailed.WithLabelValues("duplicate").Inc()
			bcast.Status = StatusFailed
			if err := s.repo.UpdateStatus(ctx, bcast.ID, StatusFailed); err != nil {
				return err
			}
			return ErrDuplicateBroadcast
		}
	}
	return nil
}

func (s *Sender) publish(ctx context.Context, job BatchJob) error {
	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		return s.queue.Publish(ctx, job)
	}, backoff.WithContext(op, ctx))
}

func (s *Sender) sendChannels(chs []*channels.Channel, bcast *Broadcast) []*channels.Channel {
	if bcast.ChannelID == nil {
		return chs
	}
	for _, ch := range chs {
		if ch.ID == *bcast.ChannelID {
			return []*channels.Channel{ch}
		}
	}
	return chs
}

var _ contactStore = (*contacts.Repository)(nil)
