package contacts

import (
	"sort"
	"time"

	"github.com/example/broadcast-service/internal/urns"
)

type Contact struct {
	ID        string
	OrgID     string
	Name      string
	Language  string
	IsTest    bool
	IsActive  bool
	URNs      []*ContactURN
	CreatedOn time.Time
}

// ContactURN is one addressable identity of a contact. A contact can hold
// several; Priority orders them, higher first.
type ContactURN struct {
	ID        string
	OrgID     string
	ContactID string
	URN       urns.URN
	Priority  int
	ChannelID *string
}

// SortURNs orders a contact's URNs by explicit priority, falling back to the
// scheme ranking for ties.
func SortURNs(contactURNs []*ContactURN) {
	sort.SliceStable(contactURNs, func(i, j int) bool {
		if contactURNs[i].Priority != contactURNs[j].Priority {
			return contactURNs[i].Priority > contactURNs[j].Priority
		}
		return urns.PriorityForScheme(contactURNs[i].URN.Scheme()) <
			urns.PriorityForScheme(contactURNs[j].URN.Scheme())
	})
}

type Group struct {
	ID    string
	OrgID string
	Name  string
}
