// Package statusevents consumes delivery reports and inbound messages coming
// back from the courier and applies them to the message state machine.
package statusevents

import "time"

// Event types carried on the status topic.
const (
	TypeSent      = "sent"
	TypeDelivered = "delivered"
	TypeErrored   = "errored"
	TypeFailed    = "failed"
	TypeReceived  = "received"
)

// Event is the normalized form of a courier callback. Delivery reports carry
// either the internal msg id or the provider's external id; inbound messages
// carry the sender URN and text instead.
type Event struct {
	Type       string    `json:"type"`
	OrgID      string    `json:"org_id"`
	ChannelID  string    `json:"channel_id"`
	MsgID      string    `json:"msg_id,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	URN        string    `json:"urn,omitempty"`
	Text       string    `json:"text,omitempty"`
	OccurredOn time.Time `json:"occurred_on"`
}
