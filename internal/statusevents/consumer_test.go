package statusevents

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/broadcast-service/internal/contacts"
	"github.com/example/broadcast-service/internal/msgs"
	"github.com/example/broadcast-service/internal/urns"
)

type fakeLoader struct {
	byID       map[string]*msgs.Msg
	byExternal map[string]*msgs.Msg
}

func (f *fakeLoader) GetMsg(ctx context.Context, id string) (*msgs.Msg, error) {
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return nil, msgs.ErrNotFound
}

func (f *fakeLoader) GetByExternalID(ctx context.Context, channelID, externalID string) (*msgs.Msg, error) {
	if m, ok := f.byExternal[channelID+"|"+externalID]; ok {
		return m, nil
	}
	return nil, msgs.ErrNotFound
}

type fakeService struct {
	calls    []string
	incoming []string
	errs     map[string]error
}

func (f *fakeService) record(op string, m *msgs.Msg) error {
	f.calls = append(f.calls, op+":"+m.ID)
	if f.errs != nil {
		return f.errs[op]
	}
	return nil
}

func (f *fakeService) MarkSent(ctx context.Context, m *msgs.Msg, externalID string, sentOn time.Time) error {
	return f.record("sent", m)
}
func (f *fakeService) MarkDelivered(ctx context.Context, m *msgs.Msg) error {
	return f.record("delivered", m)
}
func (f *fakeService) MarkErrored(ctx context.Context, m *msgs.Msg) error {
	return f.record("errored", m)
}
func (f *fakeService) MarkFailed(ctx context.Context, m *msgs.Msg) error {
	return f.record("failed", m)
}

func (f *fakeService) CreateIncoming(ctx context.Context, orgID, contactID string, contactURNID, channelID *string, text string, sentOn time.Time) (*msgs.Msg, error) {
	f.incoming = append(f.incoming, contactID+":"+text)
	return &msgs.Msg{ID: "new", ContactID: contactID, Text: text}, nil
}

type fakeResolver struct {
	contact *contacts.Contact
	urn     *contacts.ContactURN
}

func (f *fakeResolver) GetOrCreateByURN(ctx context.Context, orgID string, urn urns.URN) (*contacts.Contact, *contacts.ContactURN, error) {
	return f.contact, f.urn, nil
}

func newConsumer(loader *fakeLoader, svc *fakeService, res *fakeResolver) *Consumer {
	return &Consumer{Msgs: loader, Service: svc, Contacts: res, Logger: zerolog.Nop()}
}

func TestApplyByMsgID(t *testing.T) {
	m := &msgs.Msg{ID: "m1", Status: msgs.StatusWired}
	svc := &fakeService{}
	c := newConsumer(&fakeLoader{byID: map[string]*msgs.Msg{"m1": m}}, svc, nil)

	ev := Event{Type: TypeDelivered, MsgID: "m1", ChannelID: "ch1", OccurredOn: time.Now()}
	if err := c.apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(svc.calls) != 1 || svc.calls[0] != "delivered:m1" {
		t.Fatalf("expected delivered:m1, got %v", svc.calls)
	}
}

func TestApplyByExternalID(t *testing.T) {
	m := &msgs.Msg{ID: "m2", Status: msgs.StatusWired}
	svc := &fakeService{}
	c := newConsumer(&fakeLoader{byExternal: map[string]*msgs.Msg{"ch1|ext9": m}}, svc, nil)

	ev := Event{Type: TypeSent, ExternalID: "ext9", ChannelID: "ch1", OccurredOn: time.Now()}
	if err := c.apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(svc.calls) != 1 || svc.calls[0] != "sent:m2" {
		t.Fatalf("expected sent:m2, got %v", svc.calls)
	}
}

func TestApplyUnknownMsgDropped(t *testing.T) {
	svc := &fakeService{}
	c := newConsumer(&fakeLoader{}, svc, nil)

	ev := Event{Type: TypeDelivered, MsgID: "nope", ChannelID: "ch1"}
	if err := c.apply(context.Background(), ev); err != nil {
		t.Fatalf("unknown message should be dropped, not errored: %v", err)
	}
	if len(svc.calls) != 0 {
		t.Fatalf("no transition should be applied, got %v", svc.calls)
	}
}

func TestApplyStaleTransitionDropped(t *testing.T) {
	m := &msgs.Msg{ID: "m3", Status: msgs.StatusFailed}
	svc := &fakeService{errs: map[string]error{"delivered": msgs.ErrInvalidTransition}}
	c := newConsumer(&fakeLoader{byID: map[string]*msgs.Msg{"m3": m}}, svc, nil)

	ev := Event{Type: TypeDelivered, MsgID: "m3", ChannelID: "ch1"}
	if err := c.apply(context.Background(), ev); err != nil {
		t.Fatalf("stale report should be dropped, not errored: %v", err)
	}
}

func TestApplyReceivedCreatesIncoming(t *testing.T) {
	urn, err := urns.Parse("tel:+250788123123")
	if err != nil {
		t.Fatalf("parse urn: %v", err)
	}
	res := &fakeResolver{
		contact: &contacts.Contact{ID: "c1"},
		urn:     &contacts.ContactURN{ID: "u1", ContactID: "c1", URN: urn},
	}
	svc := &fakeService{}
	c := newConsumer(&fakeLoader{}, svc, res)

	ev := Event{Type: TypeReceived, OrgID: "o1", ChannelID: "ch1", URN: "tel:+250788123123", Text: "hi", OccurredOn: time.Now()}
	if err := c.apply(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(svc.incoming) != 1 || svc.incoming[0] != "c1:hi" {
		t.Fatalf("expected incoming c1:hi, got %v", svc.incoming)
	}
}
