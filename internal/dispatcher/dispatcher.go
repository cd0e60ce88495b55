// Package dispatcher routes finalized message rows onto delivery queues:
// courier-served channels get a push-style queue, everything else lands in
// the legacy polling outbox. Pure routing, no retry logic; retries belong to
// the delivery worker reporting back status events.
package dispatcher

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/msgs"
)

var (
	queuePushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_queue_pushes_total",
		Help: "Groups pushed to delivery queues",
	}, []string{"queue"})
)

// Queue is a push-only delivery queue keyed by channel.
type Queue interface {
	Push(ctx context.Context, channelID string, batch []*msgs.Msg, highPriority bool) error
}

type wireMarker interface {
	MarkWired(ctx context.Context, batch []*msgs.Msg) error
}

type Dispatcher struct {
	Courier    Queue
	Legacy     Queue
	Msgs       wireMarker
	RatePerSec int
	Logger     zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// group is a contiguous run of messages to one contact over one channel,
// pushed as a unit to preserve conversational ordering without any global
// sequencing.
type group struct {
	channelID    string
	contactID    string
	msgs         []*msgs.Msg
	highPriority bool
}

// SendMessages partitions batch into per-(contact, channel) runs and pushes
// each onto the queue its channel is served by. Messages handed to the
// courier are marked wired; outbox rows stay queued until the polling worker
// claims them.
func (d *Dispatcher) SendMessages(ctx context.Context, chs []*channels.Channel, batch []*msgs.Msg) error {
	if len(batch) == 0 {
		return nil
	}
	byID := make(map[string]*channels.Channel, len(chs))
	for _, ch := range chs {
		byID[ch.ID] = ch
	}

	for _, g := range groupMsgs(batch) {
		ch, ok := byID[g.channelID]
		if !ok {
			d.Logger.Error().Str("channel_id", g.channelID).Msg("message references unknown channel, skipping group")
			continue
		}

		if err := d.wait(ctx, g.channelID); err != nil {
			return err
		}

		if ch.CourierEnabled {
			if err := d.Courier.Push(ctx, g.channelID, g.msgs, g.highPriority); err != nil {
				return err
			}
			queuePushes.WithLabelValues("courier").Inc()
			if err := d.Msgs.MarkWired(ctx, g.msgs); err != nil {
				return err
			}
		} else {
			if err := d.Legacy.Push(ctx, g.channelID, g.msgs, g.highPriority); err != nil {
				return err
			}
			queuePushes.WithLabelValues("legacy").Inc()
		}
	}
	return nil
}

// groupMsgs splits a batch into contiguous (contact, channel) runs, keeping
// input order. A run is high priority when any message in it asked for it.
func groupMsgs(batch []*msgs.Msg) []group {
	var groups []group

	for _, m := range batch {
		channelID := ""
		if m.ChannelID != nil {
			channelID = *m.ChannelID
		}
		if len(groups) == 0 || groups[len(groups)-1].channelID != channelID || groups[len(groups)-1].contactID != m.ContactID {
			groups = append(groups, group{channelID: channelID, contactID: m.ContactID})
		}
		cur := &groups[len(groups)-1]
		cur.msgs = append(cur.msgs, m)
		if m.HighPriority {
			cur.highPriority = true
		}
	}
	return groups
}

// wait applies the per-channel rate limit so one huge broadcast cannot starve
// a channel's conversational traffic.
func (d *Dispatcher) wait(ctx context.Context, channelID string) error {
	if d.RatePerSec <= 0 {
		return nil
	}
	d.mu.Lock()
	if d.limiters == nil {
		d.limiters = make(map[string]*rate.Limiter)
	}
	limiter, ok := d.limiters[channelID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.RatePerSec), d.RatePerSec)
		d.limiters[channelID] = limiter
	}
	d.mu.Unlock()
	return limiter.Wait(ctx)
}
