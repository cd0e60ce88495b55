// Package msgs owns the message record and its delivery state machine.
package msgs

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionIn  Direction = "I"
	DirectionOut Direction = "O"
)

type Visibility string

const (
	VisibilityVisible  Visibility = "V"
	VisibilityArchived Visibility = "A"
	VisibilityDeleted  Visibility = "D"
)

type Type string

const (
	TypeInbox Type = "I"
	TypeFlow  Type = "F"
	TypeIVR   Type = "V"
	TypeUSSD  Type = "U"
)

type Status string

const (
	StatusInitializing Status = "I"
	StatusPending      Status = "P"
	StatusQueued       Status = "Q"
	StatusWired        Status = "W"
	StatusSent         Status = "S"
	StatusDelivered    Status = "D"
	StatusHandled      Status = "H"
	StatusErrored      Status = "E"
	StatusFailed       Status = "F"
	StatusResent       Status = "R"
)

// Msg is one unit of communication to or from one URN.
type Msg struct {
	ID           string
	OrgID        string
	BroadcastID  *string
	ContactID    string
	ContactURNID *string
	ChannelID    *string
	Direction    Direction
	Text         string
	Attachments  []string
	Status       Status
	Visibility   Visibility
	MsgType      Type
	HighPriority bool
	ErrorCount   int
	NextAttempt  *time.Time
	ExternalID   *string
	ResponseToID *string
	Metadata     map[string]any
	SentOn       *time.Time
	QueuedOn     *time.Time
	CreatedOn    time.Time
	ModifiedOn   time.Time
}

// Attachment values are stored "content_type:url" pairs.
func NewAttachment(contentType, url string) string {
	return contentType + ":" + url
}

func SplitAttachment(attachment string) (contentType, url string) {
	contentType, url, _ = strings.Cut(attachment, ":")
	return contentType, url
}
