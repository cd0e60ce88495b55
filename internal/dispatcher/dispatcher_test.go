package dispatcher

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/msgs"
)

type fakeQueue struct {
	pushes []pushCall
}

type pushCall struct {
	channelID    string
	ids          []string
	highPriority bool
}

func (q *fakeQueue) Push(ctx context.Context, channelID string, batch []*msgs.Msg, highPriority bool) error {
	call := pushCall{channelID: channelID, highPriority: highPriority}
	for _, m := range batch {
		call.ids = append(call.ids, m.ID)
	}
	q.pushes = append(q.pushes, call)
	return nil
}

type fakeMarker struct {
	wired []string
}

func (f *fakeMarker) MarkWired(ctx context.Context, batch []*msgs.Msg) error {
	for _, m := range batch {
		f.wired = append(f.wired, m.ID)
	}
	return nil
}

func msg(id, contactID, channelID string, high bool) *msgs.Msg {
	return &msgs.Msg{ID: id, ContactID: contactID, ChannelID: &channelID, HighPriority: high}
}

func TestGroupMsgsContiguousRuns(t *testing.T) {
	chA, chB := "cha", "chb"
	batch := []*msgs.Msg{
		msg("m1", "c1", chA, false),
		msg("m2", "c1", chA, true),
		msg("m3", "c2", chA, false),
		msg("m4", "c1", chB, false),
		msg("m5", "c1", chA, false),
	}

	groups := groupMsgs(batch)
	if len(groups) != 4 {
		t.Fatalf("expected 4 groups, got %d", len(groups))
	}
	if len(groups[0].msgs) != 2 || groups[0].msgs[0].ID != "m1" || groups[0].msgs[1].ID != "m2" {
		t.Fatalf("first group should hold m1 and m2, got %+v", groups[0])
	}
	if !groups[0].highPriority {
		t.Fatalf("group with a high priority message should be high priority")
	}
	if groups[1].highPriority || groups[2].highPriority || groups[3].highPriority {
		t.Fatalf("groups without high priority messages should not be high priority")
	}
	// c1 on chA reappearing after other traffic is a new run, not a merge
	if groups[3].msgs[0].ID != "m5" {
		t.Fatalf("expected final group to hold m5, got %+v", groups[3])
	}
}

func TestSendMessagesRoutesByChannel(t *testing.T) {
	courierCh := "ch-courier"
	legacyCh := "ch-legacy"
	chs := []*channels.Channel{
		{ID: courierCh, CourierEnabled: true, IsActive: true},
		{ID: legacyCh, CourierEnabled: false, IsActive: true},
	}

	courier := &fakeQueue{}
	legacy := &fakeQueue{}
	marker := &fakeMarker{}
	d := &Dispatcher{Courier: courier, Legacy: legacy, Msgs: marker, Logger: zerolog.Nop()}

	batch := []*msgs.Msg{
		msg("m1", "c1", courierCh, false),
		msg("m2", "c1", courierCh, false),
		msg("m3", "c2", legacyCh, false),
	}
	if err := d.SendMessages(context.Background(), chs, batch); err != nil {
		t.Fatalf("SendMessages: %v", err)
	}

	if len(courier.pushes) != 1 || len(courier.pushes[0].ids) != 2 {
		t.Fatalf("expected one courier push of two msgs, got %+v", courier.pushes)
	}
	if len(legacy.pushes) != 1 || legacy.pushes[0].ids[0] != "m3" {
		t.Fatalf("expected m3 on the legacy queue, got %+v", legacy.pushes)
	}
	// only the courier handoff marks messages wired; outbox rows stay queued
	if len(marker.wired) != 2 {
		t.Fatalf("expected 2 wired msgs, got %v", marker.wired)
	}
}

func TestSendMessagesSkipsUnknownChannel(t *testing.T) {
	courier := &fakeQueue{}
	legacy := &fakeQueue{}
	d := &Dispatcher{Courier: courier, Legacy: legacy, Msgs: &fakeMarker{}, Logger: zerolog.Nop()}

	batch := []*msgs.Msg{msg("m1", "c1", "gone", false)}
	if err := d.SendMessages(context.Background(), nil, batch); err != nil {
		t.Fatalf("SendMessages: %v", err)
	}
	if len(courier.pushes) != 0 || len(legacy.pushes) != 0 {
		t.Fatalf("unknown channel group should be dropped")
	}
}
