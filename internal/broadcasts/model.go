// Package broadcasts implements the outbound send pipeline: expanding a
// logical "send this to these recipients" request into an addressable URN
// set, batching it, and tracking how much of it has actually been sent.
package broadcasts

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusInitializing Status = "I"
	StatusPending      Status = "P"
	StatusQueued       Status = "Q"
	StatusSent         Status = "S"
	StatusFailed       Status = "F"
)

// ErrNoRecipients means the caller supplied a broadcast with nothing to send
// to. Raised synchronously, before any message exists.
var ErrNoRecipients = errors.New("broadcast has no recipients")

// ErrDuplicateBroadcast means the loop guard matched a recent identical send
// to the same group; the whole broadcast is marked failed rather than partially
// re-blasting.
var ErrDuplicateBroadcast = errors.New("duplicate broadcast to group within guard window")

// ErrAlreadySent means the broadcast reached a terminal status. A terminal
// broadcast is never re-sent; recurring sends go through a scheduled clone.
var ErrAlreadySent = errors.New("broadcast already in a terminal status")

// Translations maps language codes to text in that language.
type Translations map[string]string

// Broadcast is one logical outbound send request. RecipientCount is an
// estimate until Send computes the authoritative URN set.
type Broadcast struct {
	ID             string
	OrgID          string
	Text           Translations
	BaseLanguage   string
	Media          map[string][]string
	QuickReplies   map[string][]string
	GroupIDs       []string
	ContactIDs     []string
	URNIDs         []string
	RecipientCount int
	Status         Status
	ChannelID      *string
	ParentID       *string
	ResponseToID   *string
	SendAll        bool
	IsActive       bool
	CreatedOn      time.Time
	ModifiedOn     time.Time
}

// Validate enforces the translation invariants: the base language must appear
// in the text map, and in the media and quick-reply maps when those exist.
func (b *Broadcast) Validate() error {
	if b.BaseLanguage == "" {
		return errors.New("broadcast must have a base language")
	}
	if _, ok := b.Text[b.BaseLanguage]; !ok {
		return fmt.Errorf("broadcast text missing base language %q", b.BaseLanguage)
	}
	if len(b.Media) > 0 {
		if _, ok := b.Media[b.BaseLanguage]; !ok {
			return fmt.Errorf("broadcast media missing base language %q", b.BaseLanguage)
		}
	}
	if len(b.QuickReplies) > 0 {
		if _, ok := b.QuickReplies[b.BaseLanguage]; !ok {
			return fmt.Errorf("broadcast quick replies missing base language %q", b.BaseLanguage)
		}
	}
	if len(b.GroupIDs) == 0 && len(b.ContactIDs) == 0 && len(b.URNIDs) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// TextFor walks the language preference chain and returns the first language
// with a non-empty translation: the languages given (most preferred first),
// then the base language.
func (b *Broadcast) TextFor(preferred ...string) string {
	for _, lang := range preferred {
		if lang == "" {
			continue
		}
		if text := b.Text[lang]; text != "" {
			return text
		}
	}
	return b.Text[b.BaseLanguage]
}

// MediaFor and QuickRepliesFor use the same chain as TextFor.
func (b *Broadcast) MediaFor(preferred ...string) []string {
	for _, lang := range preferred {
		if lang == "" {
			continue
		}
		if media := b.Media[lang]; len(media) > 0 {
			return media
		}
	}
	return b.Media[b.BaseLanguage]
}

func (b *Broadcast) QuickRepliesFor(preferred ...string) []string {
	for _, lang := range preferred {
		if lang == "" {
			continue
		}
		if replies := b.QuickReplies[lang]; len(replies) > 0 {
			return replies
		}
	}
	return b.QuickReplies[b.BaseLanguage]
}
