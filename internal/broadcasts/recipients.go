package broadcasts

import (
	"context"

	"github.com/example/broadcast-service/internal/contacts"
)

// contactStore is the slice of the contact repository the builder needs.
type contactStore interface {
	GetContactsWithURNs(ctx context.Context, orgID string, ids []string) ([]*contacts.Contact, error)
	GetURNsByID(ctx context.Context, orgID string, ids []string) ([]*contacts.ContactURN, error)
	GroupMemberIDs(ctx context.Context, groupID string) ([]string, error)
	GroupMemberCount(ctx context.Context, groupID string) (int, error)
}

// Builder expands broadcast targets into a deduplicated, addressable URN set.
type Builder struct {
	store contactStore
}

func NewBuilder(store contactStore) *Builder {
	return &Builder{store: store}
}

// Estimate is the cheap pre-send recipient count: maintained group counters
// plus explicit contact and URN counts. It may double count a contact
// reachable two ways; only the authoritative count from BuildURNSet is exact.
func (b *Builder) Estimate(ctx context.Context, bcast *Broadcast) (int, error) {
	total := len(bcast.ContactIDs) + len(bcast.URNIDs)
	for _, groupID := range bcast.GroupIDs {
		count, err := b.store.GroupMemberCount(ctx, groupID)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// BuildURNSet resolves the broadcast's targets to the exact URN set to send
// to. Group members and explicit contacts are deduplicated by contact, then
// resolved to their best sendable URN (or every sendable URN under send_all).
// Explicit URNs are taken as-is and deduplicated against the resolved set.
// Contacts with no sendable URN are skipped, never errors.
func (b *Builder) BuildURNSet(ctx context.Context, bcast *Broadcast, schemes map[string]bool) ([]*contacts.ContactURN, error) {
	seenContacts := make(map[string]bool)
	var contactIDs []string
	for _, groupID := range bcast.GroupIDs {
		members, err := b.store.GroupMemberIDs(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			if !seenContacts[id] {
				seenContacts[id] = true
				contactIDs = append(contactIDs, id)
			}
		}
	}
	for _, id := range bcast.ContactIDs {
		if !seenContacts[id] {
			seenContacts[id] = true
			contactIDs = append(contactIDs, id)
		}
	}

	var urnSet []*contacts.ContactURN
	seenURNs := make(map[string]bool)
	add := func(u *contacts.ContactURN) {
		if !seenURNs[u.ID] {
			seenURNs[u.ID] = true
			urnSet = append(urnSet, u)
		}
	}

	if len(contactIDs) > 0 {
		loaded, err := b.store.GetContactsWithURNs(ctx, bcast.OrgID, contactIDs)
		if err != nil {
			return nil, err
		}
		for _, contact := range loaded {
			if bcast.SendAll {
				for _, u := range contacts.SendableURNs(contact, schemes) {
					add(u)
				}
				continue
			}
			if u := contacts.BestURN(contact, schemes); u != nil {
				add(u)
			}
		}
	}

	if len(bcast.URNIDs) > 0 {
		explicit, err := b.store.GetURNsByID(ctx, bcast.OrgID, bcast.URNIDs)
		if err != nil {
			return nil, err
		}
		for _, u := range explicit {
			add(u)
		}
	}

	return urnSet, nil
}
