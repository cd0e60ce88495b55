package contacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/broadcast-service/internal/channels"
	"github.com/example/broadcast-service/internal/urns"
)

// ErrUnreachable means a recipient has no URN addressable by the org's
// channels. It is scoped to that recipient and never fails a whole batch.
var ErrUnreachable = errors.New("contact has no sendable urn")

// Recipient is what callers hand the resolver: exactly one of a loaded
// contact, a specific contact URN, or a raw "scheme:path" string.
type Recipient struct {
	contact *Contact
	urn     *ContactURN
	raw     string
}

func RecipientFromContact(c *Contact) Recipient { return Recipient{contact: c} }
func RecipientFromURN(u *ContactURN) Recipient  { return Recipient{urn: u} }
func RecipientFromRaw(raw string) Recipient     { return Recipient{raw: raw} }

// Store is the slice of the contact repository the resolver needs.
type Store interface {
	GetContact(ctx context.Context, orgID, id string) (*Contact, error)
	GetOrCreateByURN(ctx context.Context, orgID string, urn urns.URN) (*Contact, *ContactURN, error)
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve picks the (contact, urn) pair a message should go to, filtering by
// the schemes the org's channels can send with. When override is set only its
// schemes count. Raw URN strings get-or-create their owning contact.
func (r *Resolver) Resolve(
	ctx context.Context,
	orgID string,
	orgChannels []*channels.Channel,
	rcpt Recipient,
	override *channels.Channel,
	role channels.Role,
) (*Contact, *ContactURN, error) {
	schemes := sendableSchemes(orgChannels, override, role)

	switch {
	case rcpt.contact != nil:
		urn := BestURN(rcpt.contact, schemes)
		if urn == nil {
			return nil, nil, fmt.Errorf("%w: contact %s", ErrUnreachable, rcpt.contact.ID)
		}
		return rcpt.contact, urn, nil

	case rcpt.urn != nil:
		if !schemes[rcpt.urn.URN.Scheme()] {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnreachable, rcpt.urn.URN)
		}
		contact, err := r.store.GetContact(ctx, orgID, rcpt.urn.ContactID)
		if err != nil {
			return nil, nil, err
		}
		return contact, rcpt.urn, nil

	default:
		urn, err := urns.Parse(rcpt.raw)
		if err != nil {
			return nil, nil, err
		}
		if !schemes[urn.Scheme()] {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnreachable, urn)
		}
		return r.store.GetOrCreateByURN(ctx, orgID, urn)
	}
}

// BestURN returns the contact's highest-priority URN whose scheme is in
// schemes, or nil. Test contacts bypass the filter and use their first URN so
// the simulator works on orgs with no channels at all.
func BestURN(contact *Contact, schemes map[string]bool) *ContactURN {
	if contact.IsTest {
		if len(contact.URNs) > 0 {
			return contact.URNs[0]
		}
		return nil
	}
	for _, u := range contact.URNs {
		if schemes[u.URN.Scheme()] {
			return u
		}
	}
	return nil
}

// SendableURNs returns every URN of the contact clearing the scheme filter, in
// priority order. Used when a broadcast is flagged send-all.
func SendableURNs(contact *Contact, schemes map[string]bool) []*ContactURN {
	if contact.IsTest {
		return contact.URNs
	}
	var out []*ContactURN
	for _, u := range contact.URNs {
		if schemes[u.URN.Scheme()] {
			out = append(out, u)
		}
	}
	return out
}

func sendableSchemes(orgChannels []*channels.Channel, override *channels.Channel, role channels.Role) map[string]bool {
	if override != nil {
		return channels.SendableSchemes([]*channels.Channel{override}, role)
	}
	return channels.SendableSchemes(orgChannels, role)
}
