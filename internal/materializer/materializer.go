// Package materializer turns a batch of resolved URNs into message rows:
// per-recipient rendering, loop detection, credit accounting and bulk insert.
package materializer

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/broadcast-service/internal/broadcasts"
	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/contacts"
	"github.com/example/broadcast-service/internal/credits"
	"github.com/example/broadcast-service/internal/msgs"
	"github.com/example/broadcast-service/internal/orgs"
	"github.com/example/broadcast-service/internal/templates"
)

var (
	msgsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "materializer_msgs_created_total",
		Help: "Message rows created by batch sends",
	})
	msgsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "materializer_msgs_skipped_total",
		Help: "Recipients skipped during materialization",
	}, []string{"reason"})
)

type contactStore interface {
	GetURNsByID(ctx context.Context, orgID string, ids []string) ([]*contacts.ContactURN, error)
	GetContactsWithURNs(ctx context.Context, orgID string, ids []string) ([]*contacts.Contact, error)
}

type msgStore interface {
	CountRecentSame(ctx context.Context, urnID, channelID, text string, attachments []string, since time.Time) (int, error)
}

type msgService interface {
	InsertBatch(ctx context.Context, batch []*msgs.Msg) error
	MarkQueued(ctx context.Context, batch []*msgs.Msg) error
}

// Dispatcher hands finalized rows to the delivery queues.
type Dispatcher interface {
	SendMessages(ctx context.Context, chs []*channels.Channel, batch []*msgs.Msg) error
}

// Config carries the guard thresholds; see the config package for defaults.
type Config struct {
	MaxTextLen          int
	SpamThreshold       int
	SpamWindow          time.Duration
	ShortCodeSpamWindow time.Duration
}

type Materializer struct {
	contacts   contactStore
	recentMsgs msgStore
	service    msgService
	credits    credits.Service
	dispatcher Dispatcher
	cfg        Config
	logger     zerolog.Logger
}

func New(
	contactStore contactStore,
	recentMsgs msgStore,
	service msgService,
	creditService credits.Service,
	dispatcher Dispatcher,
	cfg Config,
	logger zerolog.Logger,
) *Materializer {
	return &Materializer{
		contacts: contactStore, recentMsgs: recentMsgs, service: service,
		credits: creditService, dispatcher: dispatcher, cfg: cfg, logger: logger,
	}
}

// SendBatch materializes one batch of a broadcast. Unreachable or loop-dropped
// recipients are skipped, so the returned slice can be shorter than urnIDs.
// A credit failure stops the batch but the rows already paid for are kept:
// one decrement always equals one row.
func (m *Materializer) SendBatch(
	ctx context.Context,
	org *orgs.Org,
	chs []*channels.Channel,
	bcast *broadcasts.Broadcast,
	urnIDs []string,
	opts broadcasts.SendOptions,
) ([]*msgs.Msg, error) {
	batchURNs, contactsByID, err := m.load(ctx, bcast.OrgID, urnIDs)
	if err != nil {
		return nil, err
	}

	sendChs := m.sendChannels(chs, bcast)
	now := time.Now().UTC()

	var batch []*msgs.Msg
	var creditErr error
	seen := make(map[string]bool, len(batchURNs))

	for _, urn := range batchURNs {
		if seen[urn.ID] {
			continue
		}
		seen[urn.ID] = true

		contact, ok := contactsByID[urn.ContactID]
		if !ok {
			msgsSkipped.WithLabelValues("no_contact").Inc()
			continue
		}

		channel := channels.ForURN(sendChs, urn.URN, channels.RoleSend)
		if channel == nil {
			msgsSkipped.WithLabelValues("unreachable").Inc()
			continue
		}

		text, attachments, quickReplies := m.render(org, bcast, contact)

		looped, err := m.isLoop(ctx, urn, channel.ID, text, attachments)
		if err != nil {
			return nil, err
		}
		if looped {
			msgsSkipped.WithLabelValues("loop").Inc()
			m.logger.Warn().Str("urn", urn.URN.String()).Msg("identical send repeated, dropping message")
			continue
		}

		if !contact.IsTest {
			if _, _, err := m.credits.Decrement(ctx, org.ID); err != nil {
				// stop here; rows already accumulated were each paid for
				creditErr = err
				break
			}
		}

		msg := &msgs.Msg{
			ID:           uuid.NewString(),
			OrgID:        bcast.OrgID,
			BroadcastID:  &bcast.ID,
			ContactID:    contact.ID,
			ContactURNID: &urn.ID,
			ChannelID:    &channel.ID,
			Direction:    msgs.DirectionOut,
			Text:         text,
			Attachments:  attachments,
			Status:       msgs.StatusPending,
			Visibility:   msgs.VisibilityVisible,
			MsgType:      msgs.TypeInbox,
			HighPriority: opts.HighPriority,
			ResponseToID: opts.ResponseToID,
			CreatedOn:    now,
			ModifiedOn:   now,
		}
		if len(quickReplies) > 0 {
			msg.Metadata = map[string]any{"quick_replies": quickReplies}
		}
		batch = append(batch, msg)
	}

	if err := m.service.InsertBatch(ctx, batch); err != nil {
		return nil, err
	}
	msgsCreated.Add(float64(len(batch)))

	if creditErr != nil {
		return batch, creditErr
	}

	if opts.TriggerSend && len(batch) > 0 {
		if err := m.service.MarkQueued(ctx, batch); err != nil {
			return batch, err
		}
		if err := m.dispatcher.SendMessages(ctx, sendChs, batch); err != nil {
			return batch, err
		}
	}
	return batch, nil
}

// load fetches the batch's URNs and bulk-loads their owning contacts, two
// queries regardless of batch size.
func (m *Materializer) load(ctx context.Context, orgID string, urnIDs []string) ([]*contacts.ContactURN, map[string]*contacts.Contact, error) {
	batchURNs, err := m.contacts.GetURNsByID(ctx, orgID, urnIDs)
	if err != nil {
		return nil, nil, err
	}

	contactIDs := make([]string, 0, len(batchURNs))
	seen := make(map[string]bool)
	for _, u := range batchURNs {
		if !seen[u.ContactID] {
			seen[u.ContactID] = true
			contactIDs = append(contactIDs, u.ContactID)
		}
	}

	loaded, err := m.contacts.GetContactsWithURNs(ctx, orgID, contactIDs)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]*contacts.Contact, len(loaded))
	for _, c := range loaded {
		byID[c.ID] = c
	}
	return batchURNs, byID, nil
}

// render resolves the language chain and substitutes template expressions for
// one recipient.
func (m *Materializer) render(org *orgs.Org, bcast *broadcasts.Broadcast, contact *contacts.Contact) (string, []string, []string) {
	contactLang := ""
	if org.SupportsLanguage(contact.Language) {
		contactLang = contact.Language
	}

	text := bcast.TextFor(contactLang, org.PrimaryLanguage)
	media := bcast.MediaFor(contactLang, org.PrimaryLanguage)
	quickReplies := bcast.QuickRepliesFor(contactLang, org.PrimaryLanguage)

	evalCtx := contextFor(contact)
	rendered, _ := templates.Evaluate(text, evalCtx)
	rendered = truncate(rendered, m.cfg.MaxTextLen)

	var attachments []string
	for _, item := range media {
		renderedItem, _ := templates.Evaluate(item, evalCtx)
		attachments = append(attachments, renderedItem)
	}
	return rendered, attachments, quickReplies
}

// isLoop applies the repeated-send heuristic: the same text and attachments
// to the same URN and channel too many times inside the window means an
// automated loop. Short codes get a day-long window since ping-pong loops
// with them build up slowly.
func (m *Materializer) isLoop(ctx context.Context, urn *contacts.ContactURN, channelID, text string, attachments []string) (bool, error) {
	window := m.cfg.SpamWindow
	if urn.URN.IsShortCode() {
		window = m.cfg.ShortCodeSpamWindow
	}
	count, err := m.recentMsgs.CountRecentSame(ctx, urn.ID, channelID, text, attachments, time.Now().UTC().Add(-window))
	if err != nil {
		return false, err
	}
	return count >= m.cfg.SpamThreshold, nil
}

func (m *Materializer) sendChannels(chs []*channels.Channel, bcast *broadcasts.Broadcast) []*channels.Channel {
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

func contextFor(contact *contacts.Contact) map[string]any {
	name := contact.Name
	display := name
	if display == "" && len(contact.URNs) > 0 {
		display = contact.URNs[0].URN.Path()
	}
	contactCtx := map[string]any{
		"__default__": display,
		"name":        name,
		"uuid":        contact.ID,
	}
	if name != "" {
		contactCtx["first_name"] = strings.SplitN(name, " ", 2)[0]
	}
	for _, u := range contact.URNs {
		scheme := u.URN.Scheme()
		if _, ok := contactCtx[scheme]; !ok {
			contactCtx[scheme] = u.URN.Path()
		}
	}
	return map[string]any{"contact": contactCtx}
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
