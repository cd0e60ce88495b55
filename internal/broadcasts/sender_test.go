package broadcasts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/contacts"
	"github.com/example/broadcast-service/internal/msgs"
	"github.com/example/broadcast-service/internal/orgs"
	"github.com/example/broadcast-service/internal/urns"
)

type fakeContactStore struct {
	contacts map[string]*contacts.Contact
	urns     map[string]*contacts.ContactURN
	groups   map[string][]string
}

func (f *fakeContactStore) GetContactsWithURNs(ctx context.Context, orgID string, ids []string) ([]*contacts.Contact, error) {
	var out []*contacts.Contact
	for _, id := range ids {
		if c, ok := f.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeContactStore) GetURNsByID(ctx context.Context, orgID string, ids []string) ([]*contacts.ContactURN, error) {
	var out []*contacts.ContactURN
	for _, id := range ids {
		if u, ok := f.urns[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeContactStore) GroupMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	return f.groups[groupID], nil
}

func (f *fakeContactStore) GroupMemberCount(ctx context.Context, groupID string) (int, error) {
	return len(f.groups[groupID]), nil
}

type fakeBroadcastStore struct {
	statuses        map[string]Status
	recipientCounts map[string]int
}

func (f *fakeBroadcastStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if f.statuses == nil {
		f.statuses = map[string]Status{}
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeBroadcastStore) SetRecipientCount(ctx context.Context, id string, count int) error {
	if f.recipientCounts == nil {
		f.recipientCounts = map[string]int{}
	}
	f.recipientCounts[id] = count
	return nil
}

type fakeGuard struct {
	tripped bool
	checked []string
}

func (f *fakeGuard) CheckAndMark(ctx context.Context, groupID, text string) (bool, error) {
	f.checked = append(f.checked, groupID)
	return f.tripped, nil
}

type fakeMaterializer struct {
	batches [][]string
	opts    []SendOptions
}

func (f *fakeMaterializer) SendBatch(ctx context.Context, org *orgs.Org, chs []*channels.Channel, bcast *Broadcast, urnIDs []string, opts SendOptions) ([]*msgs.Msg, error) {
	f.batches = append(f.batches, urnIDs)
	f.opts = append(f.opts, opts)
	created := make([]*msgs.Msg, len(urnIDs))
	for i := range urnIDs {
		created[i] = &msgs.Msg{ID: fmt.Sprintf("m%d", i)}
	}
	return created, nil
}

type fakeBatchQueue struct {
	jobs []BatchJob
}

func (f *fakeBatchQueue) Publish(ctx context.Context, job BatchJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeTracker struct {
	recorded []int
}

func (f *fakeTracker) RecordBatch(ctx context.Context, b *Broadcast, batched int) error {
	f.recorded = append(f.recorded, batched)
	return nil
}

type fakeCounter struct {
	total int
}

func (f *fakeCounter) Increment(ctx context.Context, broadcastID string, delta int) error {
	f.total += delta
	return nil
}

type senderEnv struct {
	store   *fakeContactStore
	repo    *fakeBroadcastStore
	guard   *fakeGuard
	mat     *fakeMaterializer
	queue   *fakeBatchQueue
	tracker *fakeTracker
	counts  *fakeCounter
	sender  *Sender
}

func newSenderEnv(t *testing.T, store *fakeContactStore, batchSize int) *senderEnv {
	t.Helper()
	env := &senderEnv{
		store:   store,
		repo:    &fakeBroadcastStore{},
		guard:   &fakeGuard{},
		mat:     &fakeMaterializer{},
		queue:   &fakeBatchQueue{},
		tracker: &fakeTracker{},
		counts:  &fakeCounter{},
	}
	env.sender = NewSender(
		env.repo, NewBuilder(store), store, env.guard, env.mat, env.queue,
		env.tracker, env.counts, batchSize, 30, zerolog.Nop(),
	)
	return env
}

func telContact(id, path string) (*contacts.Contact, *contacts.ContactURN) {
	urn, _ := urns.Parse("tel:" + path)
	cu := &contacts.ContactURN{ID: "u-" + id, ContactID: id, URN: urn, Priority: 50}
	return &contacts.Contact{ID: id, IsActive: true, URNs: []*contacts.ContactURN{cu}}, cu
}

func telChannels() []*channels.Channel {
	return []*channels.Channel{
		{ID: "ch1", Schemes: []string{"tel"}, Roles: "SR", CourierEnabled: true, IsActive: true},
	}
}

func storeWithGroup(groupID string, n int) *fakeContactStore {
	store := &fakeContactStore{
		contacts: map[string]*contacts.Contact{},
		urns:     map[string]*contacts.ContactURN{},
		groups:   map[string][]string{},
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%d", i)
		c, u := telContact(id, fmt.Sprintf("+25078800%04d", i))
		store.contacts[id] = c
		store.urns[u.ID] = u
		store.groups[groupID] = append(store.groups[groupID], id)
	}
	return store
}

func testBroadcast(groupIDs ...string) *Broadcast {
	return &Broadcast{
		ID: "b1", OrgID: "o1", BaseLanguage: "eng",
		Text:     Translations{"eng": "hello"},
		GroupIDs: groupIDs,
	}
}

func TestSendSmallBroadcastIsSynchronous(t *testing.T) {
	store := storeWithGroup("g1", 5)
	env := newSenderEnv(t, store, 500)
	bcast := testBroadcast("g1")

	if err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, telChannels(), bcast); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(env.mat.batches) != 1 || len(env.mat.batches[0]) != 5 {
		t.Fatalf("expected one in-place batch of 5, got %v", env.mat.batches)
	}
	if len(env.queue.jobs) != 0 {
		t.Fatalf("small broadcast should not fan out, got %d jobs", len(env.queue.jobs))
	}
	if env.repo.recipientCounts["b1"] != 5 {
		t.Fatalf("authoritative recipient count should be 5, got %d", env.repo.recipientCounts["b1"])
	}
	if env.counts.total != 5 {
		t.Fatalf("msg count should reflect created rows, got %d", env.counts.total)
	}
	if env.tracker.recorded[0] != 5 {
		t.Fatalf("tracker should see the whole batch, got %v", env.tracker.recorded)
	}
	if bcast.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", bcast.Status)
	}
}

func TestSendRefusesTerminalBroadcast(t *testing.T) {
	tests := []struct {
		name   string
		status Status
	}{
		{"already sent", StatusSent},
		{"already failed", StatusFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := storeWithGroup("g1", 3)
			env := newSenderEnv(t, store, 500)
			bcast := testBroadcast("g1")
			bcast.Status = tc.status

			err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, telChannels(), bcast)
			if !errors.Is(err, ErrAlreadySent) {
				t.Fatalf("expected ErrAlreadySent, got %v", err)
			}
			if len(env.mat.batches) != 0 || len(env.queue.jobs) != 0 {
				t.Fatalf("a terminal broadcast must not produce messages")
			}
			if bcast.Status != tc.status {
				t.Fatalf("status must not move, got %s", bcast.Status)
			}
		})
	}
}

func TestSendReplyIsHighPriority(t *testing.T) {
	responseTo := "in1"

	// small enough to materialize in place
	store := storeWithGroup("g1", 2)
	env := newSenderEnv(t, store, 500)
	bcast := testBroadcast("g1")
	bcast.ResponseToID = &responseTo

	if err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, telChannels(), bcast); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(env.mat.opts) != 1 || !env.mat.opts[0].HighPriority {
		t.Fatalf("reply batch should be high priority, got %+v", env.mat.opts)
	}
	if env.mat.opts[0].ResponseToID == nil || *env.mat.opts[0].ResponseToID != responseTo {
		t.Fatalf("response_to should reach the batch, got %+v", env.mat.opts[0].ResponseToID)
	}

	// large enough to fan out; the jobs carry the same parameters
	store = storeWithGroup("g1", 600)
	env = newSenderEnv(t, store, 500)
	bcast = testBroadcast("g1")
	bcast.ResponseToID = &responseTo

	if err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, telChannels(), bcast); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, job := range env.queue.jobs {
		if !job.HighPriority || job.ResponseToID == nil || *job.ResponseToID != responseTo {
			t.Fatalf("batch job should carry priority and response_to, got %+v", job)
		}
	}
}

func TestSendLargeBroadcastFansOut(t *testing.T) {
	store := storeWithGroup("g1", 1202)
	env := newSenderEnv(t, store, 500)
	bcast := testBroadcast("g1")

	if err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, telChannels(), bcast); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(env.mat.batches) != 0 {
		t.Fatalf("large broadcast should not materialize in place")
	}
	if len(env.queue.jobs) != 3 {
		t.Fatalf("expected 3 batch jobs, got %d", len(env.queue.jobs))
	}
	sizes := []int{len(env.queue.jobs[0].URNIDs), len(env.queue.jobs[1].URNIDs), len(env.queue.jobs[2].URNIDs)}
	if sizes[0] != 500 || sizes[1] != 500 || sizes[2] != 202 {
		t.Fatalf("expected batch sizes 500/500/202, got %v", sizes)
	}
	if env.repo.recipientCounts["b1"] != 1202 {
		t.Fatalf("recipient count should be 1202, got %d", env.repo.recipientCounts["b1"])
	}
}

func TestSendDeduplicatesAcrossGroups(t *testing.T) {
	store := storeWithGroup("g1", 4)
	// same members again under a second group
	store.groups["g2"] = store.groups["g1"]
	env := newSenderEnv(t, store, 500)
	bcast := testBroadcast("g1", "g2")

	if err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, telChannels(), bcast); err != nil {
		t.Fatalf("send: %v", err)
	}
	if env.repo.recipientCounts["b1"] != 4 {
		t.Fatalf("overlapping groups should dedupe to 4, got %d", env.repo.recipientCounts["b1"])
	}
}

func TestSendLoopGuardTripsOnLargeGroup(t *testing.T) {
	store := storeWithGroup("g1", 31)
	env := newSenderEnv(t, store, 500)
	env.guard.tripped = true
	bcast := testBroadcast("g1")

	err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, telChannels(), bcast)
	if !errors.Is(err, ErrDuplicateBroadcast) {
		t.Fatalf("expected ErrDuplicateBroadcast, got %v", err)
	}
	if bcast.Status != StatusFailed {
		t.Fatalf("tripped broadcast should be failed, got %s", bcast.Status)
	}
	if len(env.mat.batches) != 0 || len(env.queue.jobs) != 0 {
		t.Fatalf("no messages should be produced after the guard trips")
	}
}

func TestSendLoopGuardIgnoresSmallGroups(t *testing.T) {
	store := storeWithGroup("g1", 30)
	env := newSenderEnv(t, store, 500)
	env.guard.tripped = true

	if err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, telChannels(), testBroadcast("g1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(env.guard.checked) != 0 {
		t.Fatalf("groups at or under the size floor should skip the guard, checked %v", env.guard.checked)
	}
}

func TestSendEmptyURNSetFailsBroadcast(t *testing.T) {
	store := storeWithGroup("g1", 3)
	env := newSenderEnv(t, store, 500)
	bcast := testBroadcast("g1")

	// org has no tel channel, so nobody is addressable
	noTel := []*channels.Channel{
		{ID: "ch1", Schemes: []string{"twitter"}, Roles: "SR", IsActive: true},
	}
	if err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, noTel, bcast); err != nil {
		t.Fatalf("unaddressable broadcast is not an error: %v", err)
	}
	if bcast.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", bcast.Status)
	}
	if env.repo.recipientCounts["b1"] != 0 {
		t.Fatalf("recipient count should settle at 0, got %d", env.repo.recipientCounts["b1"])
	}
	if len(env.mat.batches) != 0 || len(env.queue.jobs) != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestSendRejectsInvalidBroadcast(t *testing.T) {
	env := newSenderEnv(t, storeWithGroup("g1", 1), 500)
	bcast := &Broadcast{ID: "b1", OrgID: "o1", BaseLanguage: "eng", Text: Translations{"fra": "salut"}, GroupIDs: []string{"g1"}}

	if err := env.sender.Send(context.Background(), &orgs.Org{ID: "o1"}, telChannels(), bcast); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBuildURNSetSendAll(t *testing.T) {
	tel, _ := urns.Parse("tel:+250788000001")
	twitter, _ := urns.Parse("twitter:bob")
	c := &contacts.Contact{ID: "c1", IsActive: true, URNs: []*contacts.ContactURN{
		{ID: "u1", ContactID: "c1", URN: tel, Priority: 50},
		{ID: "u2", ContactID: "c1", URN: twitter, Priority: 40},
	}}
	store := &fakeContactStore{
		contacts: map[string]*contacts.Contact{"c1": c},
		groups:   map[string][]string{},
	}
	builder := NewBuilder(store)
	schemes := map[string]bool{"tel": true, "twitter": true}

	bcast := &Broadcast{OrgID: "o1", ContactIDs: []string{"c1"}}
	set, err := builder.BuildURNSet(context.Background(), bcast, schemes)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(set) != 1 || set[0].ID != "u1" {
		t.Fatalf("default send should pick the best urn only, got %v", set)
	}

	bcast.SendAll = true
	set, err = builder.BuildURNSet(context.Background(), bcast, schemes)
	if err != nil {
		t.Fatalf("build send_all: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("send_all should target every sendable urn, got %d", len(set))
	}
}

func TestEstimateVersusAuthoritative(t *testing.T) {
	store := storeWithGroup("g1", 4)
	// contact c0 is also an explicit contact, so the estimate double counts it
	builder := NewBuilder(store)
	bcast := testBroadcast("g1")
	bcast.ContactIDs = []string{"c0"}

	estimate, err := builder.Estimate(context.Background(), bcast)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if estimate != 5 {
		t.Fatalf("estimate should be 5 (double counting allowed), got %d", estimate)
	}

	set, err := builder.BuildURNSet(context.Background(), bcast, map[string]bool{"tel": true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(set) != 4 {
		t.Fatalf("authoritative set should dedupe to 4, got %d", len(set))
	}
}
