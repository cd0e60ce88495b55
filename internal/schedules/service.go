package schedules

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/example/broadcast-service/internal/broadcasts"
	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/orgs"
)

var (
	schedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedules_fired_total",
		Help: "Schedule firings by outcome",
	}, []string{"outcome"})
)

type scheduleStore interface {
	Due(ctx context.Context, now time.Time) ([]*Schedule, error)
	MarkFired(ctx context.Context, id string, firedOn, nextFire time.Time) error
	Deactivate(ctx context.Context, id string) error
}

type broadcastStore interface {
	Get(ctx context.Context, id string) (*broadcasts.Broadcast, error)
	CloneFromTemplate(ctx context.Context, template *broadcasts.Broadcast) (*broadcasts.Broadcast, error)
}

type broadcastSender interface {
	Send(ctx context.Context, org *orgs.Org, chs []*channels.Channel, bcast *broadcasts.Broadcast) error
}

type orgLoader interface {
	Get(ctx context.Context, id string) (*orgs.Org, error)
}

type channelLister interface {
	ListActive(ctx context.Context, orgID string) ([]*channels.Channel, error)
}

// Service sweeps for due schedules on a fixed interval and fires each one:
// clone the template broadcast, send the clone, advance next_fire. A schedule
// pointing at a released template is deactivated rather than retried forever.
type Service struct {
	store    scheduleStore
	bcasts   broadcastStore
	sender   broadcastSender
	orgs     orgLoader
	channels channelLister
	logger   zerolog.Logger

	cron *cron.Cron
}

func NewService(
	store scheduleStore,
	bcasts broadcastStore,
	sender broadcastSender,
	orgLoader orgLoader,
	channelLister channelLister,
	logger zerolog.Logger,
) *Service {
	return &Service{
		store: store, bcasts: bcasts, sender: sender,
		orgs: orgLoader, channels: channelLister, logger: logger,
	}
}

// Start begins the sweep loop. Stop with Stop; firings already running are
// allowed to finish.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc("@every 1m", func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("schedule sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Msg("schedule service started")
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep fires every due schedule once. One schedule failing does not block the
// rest of the sweep.
func (s *Service) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		return err
	}

	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			schedulesFired.WithLabelValues("error").Inc()
			s.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("schedule firing failed")
			continue
		}
		schedulesFired.WithLabelValues("ok").Inc()
	}
	return nil
}

func (s *Service) fire(ctx context.Context, sched *Schedule, now time.Time) error {
	template, err := s.bcasts.Get(ctx, sched.BroadcastID)
	if err != nil {
		if errors.Is(err, broadcasts.ErrNotFound) {
			s.logger.Warn().Str("schedule_id", sched.ID).Msg("template broadcast gone, deactivating schedule")
			return s.store.Deactivate(ctx, sched.ID)
		}
		return err
	}

	clone, err := s.bcasts.CloneFromTemplate(ctx, template)
	if err != nil {
		return err
	}

	org, err := s.orgs.Get(ctx, sched.OrgID)
	if err != nil {
		return err
	}
	chs, err := s.channels.ListActive(ctx, sched.OrgID)
	if err != nil {
		return err
	}

	if err := s.sender.Send(ctx, org, chs, clone); err != nil {
		// duplicate guard trips are a normal outcome for recurring sends
		if !errors.Is(err, broadcasts.ErrDuplicateBroadcast) {
			return err
		}
		s.logger.Warn().Str("schedule_id", sched.ID).Str("broadcast_id", clone.ID).Msg("scheduled send hit the duplicate guard")
	}

	next, err := sched.NextAfter(now)
	if err != nil {
		return err
	}
	return s.store.MarkFired(ctx, sched.ID, now, next)
}
