package schedules

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/broadcast-service/internal/broadcasts"
	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/orgs"
)

type fakeScheduleStore struct {
	due         []*Schedule
	fired       map[string]time.Time
	deactivated []string
}

func (f *fakeScheduleStore) Due(ctx context.Context, now time.Time) ([]*Schedule, error) {
	return f.due, nil
}

func (f *fakeScheduleStore) MarkFired(ctx context.Context, id string, firedOn, nextFire time.Time) error {
	if f.fired == nil {
		f.fired = map[string]time.Time{}
	}
	f.fired[id] = nextFire
	return nil
}

func (f *fakeScheduleStore) Deactivate(ctx context.Context, id string) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

type fakeBroadcastStore struct {
	templates map[string]*broadcasts.Broadcast
	cloned    []*broadcasts.Broadcast
}

func (f *fakeBroadcastStore) Get(ctx context.Context, id string) (*broadcasts.Broadcast, error) {
	if b, ok := f.templates[id]; ok {
		return b, nil
	}
	return nil, broadcasts.ErrNotFound
}

func (f *fakeBroadcastStore) CloneFromTemplate(ctx context.Context, template *broadcasts.Broadcast) (*broadcasts.Broadcast, error) {
	clone := *template
	clone.ID = "clone-" + template.ID
	clone.ParentID = &template.ID
	f.cloned = append(f.cloned, &clone)
	return &clone, nil
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, org *orgs.Org, chs []*channels.Channel, bcast *broadcasts.Broadcast) error {
	f.sent = append(f.sent, bcast.ID)
	return f.err
}

type fakeOrgs struct{}

func (f *fakeOrgs) Get(ctx context.Context, id string) (*orgs.Org, error) {
	return &orgs.Org{ID: id}, nil
}

type fakeChannels struct{}

func (f *fakeChannels) ListActive(ctx context.Context, orgID string) ([]*channels.Channel, error) {
	return nil, nil
}

func template(id string) *broadcasts.Broadcast {
	return &broadcasts.Broadcast{
		ID: id, OrgID: "o1", BaseLanguage: "eng",
		Text:     broadcasts.Translations{"eng": "reminder"},
		GroupIDs: []string{"g1"},
	}
}

func TestSweepFiresClone(t *testing.T) {
	store := &fakeScheduleStore{due: []*Schedule{
		{ID: "s1", OrgID: "o1", BroadcastID: "b1", CronExpr: "0 9 * * *"},
	}}
	bcasts := &fakeBroadcastStore{templates: map[string]*broadcasts.Broadcast{"b1": template("b1")}}
	sender := &fakeSender{}
	svc := NewService(store, bcasts, sender, &fakeOrgs{}, &fakeChannels{}, zerolog.Nop())

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(bcasts.cloned) != 1 {
		t.Fatalf("expected one clone, got %d", len(bcasts.cloned))
	}
	if bcasts.cloned[0].ParentID == nil || *bcasts.cloned[0].ParentID != "b1" {
		t.Fatalf("clone should point at its template")
	}
	// the clone is what sends, never the template
	if len(sender.sent) != 1 || sender.sent[0] != "clone-b1" {
		t.Fatalf("expected clone-b1 sent, got %v", sender.sent)
	}
	if _, ok := store.fired["s1"]; !ok {
		t.Fatalf("schedule should advance after firing")
	}
}

func TestSweepDeactivatesOrphanedSchedule(t *testing.T) {
	store := &fakeScheduleStore{due: []*Schedule{
		{ID: "s1", OrgID: "o1", BroadcastID: "gone", CronExpr: "0 9 * * *"},
	}}
	bcasts := &fakeBroadcastStore{templates: map[string]*broadcasts.Broadcast{}}
	svc := NewService(store, bcasts, &fakeSender{}, &fakeOrgs{}, &fakeChannels{}, zerolog.Nop())

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(store.deactivated) != 1 || store.deactivated[0] != "s1" {
		t.Fatalf("orphaned schedule should be deactivated, got %v", store.deactivated)
	}
}

func TestSweepAdvancesPastDuplicateGuard(t *testing.T) {
	store := &fakeScheduleStore{due: []*Schedule{
		{ID: "s1", OrgID: "o1", BroadcastID: "b1", CronExpr: "0 9 * * *"},
	}}
	bcasts := &fakeBroadcastStore{templates: map[string]*broadcasts.Broadcast{"b1": template("b1")}}
	sender := &fakeSender{err: broadcasts.ErrDuplicateBroadcast}
	svc := NewService(store, bcasts, sender, &fakeOrgs{}, &fakeChannels{}, zerolog.Nop())

	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// a tripped guard must not wedge the schedule
	if _, ok := store.fired["s1"]; !ok {
		t.Fatalf("schedule should still advance after a duplicate guard trip")
	}
}

func TestNextAfter(t *testing.T) {
	s := &Schedule{CronExpr: "0 9 * * *"}
	at := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	next, err := s.NextAfter(at)
	if err != nil {
		t.Fatalf("next after: %v", err)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}
