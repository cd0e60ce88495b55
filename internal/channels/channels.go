// Package channels models the sending capability an org has registered: which
// URN schemes it can address, in which roles, and whether the channel is
// served by the push-style courier or the legacy polling worker.
package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/broadcast-service/internal/urns"
)

// Role is a single capability flag, stored as a char set on the channel row.
type Role rune

const (
	RoleSend    Role = 'S'
	RoleReceive Role = 'R'
	RoleCall    Role = 'C'
	RoleAnswer  Role = 'A'
	RoleUSSD    Role = 'U'
)

type Channel struct {
	ID             string
	OrgID          string
	ChannelType    string
	Name           string
	Address        string
	Schemes        []string
	Roles          string
	CourierEnabled bool
	IsActive       bool
}

func (c *Channel) HasRole(role Role) bool {
	return strings.ContainsRune(c.Roles, rune(role))
}

func (c *Channel) SupportsScheme(scheme string) bool {
	for _, s := range c.Schemes {
		if s == scheme {
			return true
		}
	}
	return false
}

const selectActiveChannels = `
SELECT id, org_id, channel_type, name, address, schemes, roles, courier_enabled, is_active
FROM channels
WHERE org_id = $1 AND is_active = TRUE
ORDER BY created_on
`

type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

func (r *Registry) ListActive(ctx context.Context, orgID string) ([]*Channel, error) {
	rows, err := r.pool.Query(ctx, selectActiveChannels, orgID)
	if err != nil {
		return nil, fmt.Errorf("select channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		ch := &Channel{}
		if err := rows.Scan(
			&ch.ID, &ch.OrgID, &ch.ChannelType, &ch.Name, &ch.Address,
			&ch.Schemes, &ch.Roles, &ch.CourierEnabled, &ch.IsActive,
		); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// SendableSchemes is the union of schemes across channels holding role.
func SendableSchemes(channels []*Channel, role Role) map[string]bool {
	schemes := make(map[string]bool)
	for _, ch := range channels {
		if !ch.HasRole(role) {
			continue
		}
		for _, s := range ch.Schemes {
			schemes[s] = true
		}
	}
	return schemes
}

// ForURN picks the first channel holding role that can address urn. Channel
// ordering is creation order, so older claims win ties.
func ForURN(channels []*Channel, urn urns.URN, role Role) *Channel {
	for _, ch := range channels {
		if ch.HasRole(role) && ch.SupportsScheme(urn.Scheme()) {
			return ch
		}
	}
	return nil
}
