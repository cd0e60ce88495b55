package msgs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "msgs_status_transitions_total",
		Help: "Message status transitions applied",
	}, []string{"to"})
	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "msgs_send_errors_total",
		Help: "Delivery errors reported by the courier",
	})
)

// ErrInvalidTransition is returned when a status change is not legal from the
// message's current state, e.g. anything out of failed except an explicit
// resend.
var ErrInvalidTransition = errors.New("invalid status transition")

// retryBackoff spaces retry attempts: 5 minutes times the error count.
const retryBackoff = 5 * time.Minute

// Store is the persistence the service needs; *Repository satisfies it.
type Store interface {
	InsertMsgs(ctx context.Context, batch []*Msg) error
	GetMsg(ctx context.Context, id string) (*Msg, error)
	MarkQueued(ctx context.Context, ids []string, queuedOn time.Time) error
	MarkWired(ctx context.Context, ids []string, wiredOn time.Time) error
	UpdateStatus(ctx context.Context, id string, status Status, errorCount int, nextAttempt *time.Time, externalID *string, sentOn *time.Time) error
	FindIncoming(ctx context.Context, orgID, contactID, text string, sentOn time.Time) (*Msg, error)
	GetByBroadcast(ctx context.Context, broadcastID string) ([]*Msg, error)
	ReleaseByBroadcast(ctx context.Context, broadcastID string) (int, error)
	UpdateVisibility(ctx context.Context, id string, visibility Visibility) error
	DeleteMsg(ctx context.Context, id string) error
	InsertLabelDeltas(ctx context.Context, deltas []LabelDelta) error
}

// Handler gets a chance at each accepted incoming message; returning true
// stops the chain. The set is fixed at startup, there is no global registry.
type Handler interface {
	Name() string
	Handle(ctx context.Context, m *Msg) (bool, error)
}

type Service struct {
	store         Store
	handlers      []Handler
	maxErrorCount int
	logger        zerolog.Logger
}

func NewService(store Store, handlers []Handler, maxErrorCount int, logger zerolog.Logger) *Service {
	return &Service{store: store, handlers: handlers, maxErrorCount: maxErrorCount, logger: logger}
}

// InsertBatch persists a batch of freshly materialized messages and records
// their label counts.
func (s *Service) InsertBatch(ctx context.Context, batch []*Msg) error {
	if err := s.store.InsertMsgs(ctx, batch); err != nil {
		return err
	}
	var deltas []LabelDelta
	for _, m := range batch {
		if label := SystemLabelFor(m); label != "" {
			deltas = append(deltas, LabelDelta{OrgID: m.OrgID, Label: label, Count: 1})
		}
	}
	return s.store.InsertLabelDeltas(ctx, deltas)
}

// MarkQueued flips a batch to queued without loading rows.
func (s *Service) MarkQueued(ctx context.Context, batch []*Msg) error {
	now := time.Now().UTC()
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	if err := s.store.MarkQueued(ctx, ids, now); err != nil {
		return err
	}
	var deltas []LabelDelta
	for _, m := range batch {
		from := SystemLabelFor(m)
		m.Status = StatusQueued
		m.QueuedOn = &now
		deltas = append(deltas, labelTransition(m.OrgID, from, SystemLabelFor(m))...)
	}
	statusTransitions.WithLabelValues(string(StatusQueued)).Add(float64(len(batch)))
	return s.store.InsertLabelDeltas(ctx, deltas)
}

// MarkWired records a batch as handed to the courier.
func (s *Service) MarkWired(ctx context.Context, batch []*Msg) error {
	now := time.Now().UTC()
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	if err := s.store.MarkWired(ctx, ids, now); err != nil {
		return err
	}
	var deltas []LabelDelta
	for _, m := range batch {
		from := SystemLabelFor(m)
		m.Status = StatusWired
		m.SentOn = &now
		deltas = append(deltas, labelTransition(m.OrgID, from, SystemLabelFor(m))...)
	}
	statusTransitions.WithLabelValues(string(StatusWired)).Add(float64(len(batch)))
	return s.store.InsertLabelDeltas(ctx, deltas)
}

// MarkSent records provider acceptance, keeping the provider's message id for
// later delivery reports.
func (s *Service) MarkSent(ctx context.Context, m *Msg, externalID string, sentOn time.Time) error {
	if isTerminal(m.Status) {
		return fmt.Errorf("%w: %s -> sent", ErrInvalidTransition, m.Status)
	}
	return s.transition(ctx, m, StatusSent, m.ErrorCount, nil, &externalID, &sentOn)
}

func (s *Service) MarkDelivered(ctx context.Context, m *Msg) error {
	if isTerminal(m.Status) {
		return fmt.Errorf("%w: %s -> delivered", ErrInvalidTransition, m.Status)
	}
	return s.transition(ctx, m, StatusDelivered, m.ErrorCount, nil, nil, nil)
}

// MarkErrored bumps the error count and schedules a retry with a linearly
// growing delay; at the retry ceiling the message fails for good.
func (s *Service) MarkErrored(ctx context.Context, m *Msg) error {
	if isTerminal(m.Status) {
		return fmt.Errorf("%w: %s -> errored", ErrInvalidTransition, m.Status)
	}
	sendErrors.Inc()

	errorCount := m.ErrorCount + 1
	if errorCount >= s.maxErrorCount {
		return s.transition(ctx, m, StatusFailed, errorCount, nil, nil, nil)
	}
	next := time.Now().UTC().Add(retryBackoff * time.Duration(errorCount))
	return s.transition(ctx, m, StatusErrored, errorCount, &next, nil, nil)
}

// MarkFailed fails a message outright, for fatal provider rejections.
func (s *Service) MarkFailed(ctx context.Context, m *Msg) error {
	if isTerminal(m.Status) {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, m.Status)
	}
	sendErrors.Inc()
	return s.transition(ctx, m, StatusFailed, m.ErrorCount, nil, nil, nil)
}

// Resend retires m and returns a fresh pending clone; the clone is the only
// legal way out of failed.
func (s *Service) Resend(ctx context.Context, m *Msg) (*Msg, error) {
	now := time.Now().UTC()
	clone := &Msg{
		ID:           uuid.NewString(),
		OrgID:        m.OrgID,
		BroadcastID:  m.BroadcastID,
		ContactID:    m.ContactID,
		ContactURNID: m.ContactURNID,
		ChannelID:    m.ChannelID,
		Direction:    DirectionOut,
		Text:         m.Text,
		Attachments:  m.Attachments,
		Status:       StatusPending,
		Visibility:   VisibilityVisible,
		MsgType:      m.MsgType,
		HighPriority: m.HighPriority,
		Metadata:     m.Metadata,
		CreatedOn:    now,
		ModifiedOn:   now,
	}
	if err := s.InsertBatch(ctx, []*Msg{clone}); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, m, StatusResent, m.ErrorCount, nil, nil, nil); err != nil {
		return nil, err
	}
	return clone, nil
}

// CreateIncoming records an inbound message, deduplicating on (org, contact,
// text, sent_on), then runs it through the handler chain. Duplicate requests
// return the existing row and skip the handlers.
func (s *Service) CreateIncoming(ctx context.Context, orgID, contactID string, contactURNID, channelID *string, text string, sentOn time.Time) (*Msg, error) {
	existing, err := s.store.FindIncoming(ctx, orgID, contactID, text, sentOn)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	m := &Msg{
		ID:           uuid.NewString(),
		OrgID:        orgID,
		ContactID:    contactID,
		ContactURNID: contactURNID,
		ChannelID:    channelID,
		Direction:    DirectionIn,
		Text:         text,
		Status:       StatusPending,
		Visibility:   VisibilityVisible,
		MsgType:      TypeInbox,
		SentOn:       &sentOn,
		CreatedOn:    now,
		ModifiedOn:   now,
	}
	if err := s.InsertBatch(ctx, []*Msg{m}); err != nil {
		return nil, err
	}

	for _, h := range s.handlers {
		handled, err := h.Handle(ctx, m)
		if err != nil {
			s.logger.Error().Err(err).Str("handler", h.Name()).Str("msg_id", m.ID).Msg("incoming handler failed")
			continue
		}
		if handled {
			if err := s.store.UpdateStatus(ctx, m.ID, StatusHandled, 0, nil, nil, nil); err != nil {
				return nil, err
			}
			m.Status = StatusHandled
			break
		}
	}
	return m, nil
}

// ReleaseByBroadcast soft-deletes a broadcast's messages and settles their
// label counts. Messages already handed to the courier cannot be recalled.
func (s *Service) ReleaseByBroadcast(ctx context.Context, broadcastID string) (int, error) {
	released, err := s.store.GetByBroadcast(ctx, broadcastID)
	if err != nil {
		return 0, err
	}
	var deltas []LabelDelta
	for _, m := range released {
		if label := SystemLabelFor(m); label != "" {
			deltas = append(deltas, LabelDelta{OrgID: m.OrgID, Label: label, Count: -1})
		}
	}
	if _, err := s.store.ReleaseByBroadcast(ctx, broadcastID); err != nil {
		return 0, err
	}
	for _, m := range released {
		m.Visibility = VisibilityDeleted
	}
	return len(released), s.store.InsertLabelDeltas(ctx, deltas)
}

// Release soft-deletes a single message; the row stays for audit but drops out
// of every label count.
func (s *Service) Release(ctx context.Context, m *Msg) error {
	if m.Visibility == VisibilityDeleted {
		return nil
	}
	from := SystemLabelFor(m)
	if err := s.store.UpdateVisibility(ctx, m.ID, VisibilityDeleted); err != nil {
		return err
	}
	m.Visibility = VisibilityDeleted
	return s.store.InsertLabelDeltas(ctx, labelTransition(m.OrgID, from, ""))
}

// Delete removes the row outright, for purges where even the soft-deleted
// record must not remain.
func (s *Service) Delete(ctx context.Context, m *Msg) error {
	from := SystemLabelFor(m)
	if err := s.store.DeleteMsg(ctx, m.ID); err != nil {
		return err
	}
	return s.store.InsertLabelDeltas(ctx, labelTransition(m.OrgID, from, ""))
}

func (s *Service) transition(ctx context.Context, m *Msg, to Status, errorCount int, nextAttempt *time.Time, externalID *string, sentOn *time.Time) error {
	from := SystemLabelFor(m)
	if err := s.store.UpdateStatus(ctx, m.ID, to, errorCount, nextAttempt, externalID, sentOn); err != nil {
		return err
	}
	m.Status = to
	m.ErrorCount = errorCount
	m.NextAttempt = nextAttempt
	if externalID != nil {
		m.ExternalID = externalID
	}
	if sentOn != nil {
		m.SentOn = sentOn
	}
	statusTransitions.WithLabelValues(string(to)).Inc()
	return s.store.InsertLabelDeltas(ctx, labelTransition(m.OrgID, from, SystemLabelFor(m)))
}

func isTerminal(status Status) bool {
	return status == StatusFailed || status == StatusResent
}
