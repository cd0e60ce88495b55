// Package urns implements URN identities for contactable endpoints, in the
// form "scheme:path", e.g. "tel:+250788383383" or "twitter:bobby".
package urns

import (
	"errors"
	"fmt"
	"strings"
)

const (
	SchemeTel      = "tel"
	SchemeWhatsApp = "whatsapp"
	SchemeTwitter  = "twitter"
	SchemeTelegram = "telegram"
	SchemeFacebook = "facebook"
	SchemeViber    = "viber"
	SchemeEmail    = "mailto"
	SchemeExternal = "ext"
)

// schemePriority orders schemes from most to least preferred when a contact
// is reachable more than one way. Unlisted schemes sort last.
var schemePriority = []string{
	SchemeTel,
	SchemeWhatsApp,
	SchemeFacebook,
	SchemeTelegram,
	SchemeTwitter,
	SchemeViber,
	SchemeEmail,
	SchemeExternal,
}

var ErrInvalidURN = errors.New("invalid urn")

// URN is a scheme-qualified endpoint identity.
type URN string

// New builds a URN from a scheme and path.
func New(scheme, path string) URN {
	return URN(scheme + ":" + path)
}

// Parse validates a raw "scheme:path" string and returns it as a URN.
func Parse(raw string) (URN, error) {
	scheme, path, found := strings.Cut(raw, ":")
	if !found || scheme == "" || path == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURN, raw)
	}
	scheme = strings.ToLower(scheme)
	if scheme == SchemeTel {
		path = normalizeTel(path)
	}
	return New(scheme, path), nil
}

func (u URN) Scheme() string {
	scheme, _, _ := strings.Cut(string(u), ":")
	return scheme
}

func (u URN) Path() string {
	_, path, _ := strings.Cut(string(u), ":")
	return path
}

func (u URN) String() string { return string(u) }

// IsShortCode reports whether this is a short-code style tel URN, which get a
// wider spam-detection window because replies to them loop more easily.
func (u URN) IsShortCode() bool {
	if u.Scheme() != SchemeTel {
		return false
	}
	return len(strings.TrimPrefix(u.Path(), "+")) < 6
}

// PriorityForScheme returns the sort rank of a scheme, lower is better.
func PriorityForScheme(scheme string) int {
	for i, s := range schemePriority {
		if s == scheme {
			return i
		}
	}
	return len(schemePriority)
}

func normalizeTel(path string) string {
	var b strings.Builder
	for i, r := range path {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
