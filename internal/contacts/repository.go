package contacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/broadcast-service/internal/urns"
)

var ErrNotFound = errors.New("contact not found")

const selectContact = `
SELECT id, org_id, name, language, is_test, is_active, created_on
FROM contacts
WHERE org_id = $1 AND id = $2 AND is_active = TRUE
`

const selectContactsByID = `
SELECT id, org_id, name, language, is_test, is_active, created_on
FROM contacts
WHERE org_id = $1 AND id = ANY($2) AND is_active = TRUE
`

const selectURNsByContact = `
SELECT id, org_id, contact_id, identity, priority, channel_id
FROM contact_urns
WHERE org_id = $1 AND contact_id = ANY($2)
ORDER BY priority DESC
`

const selectURNsByID = `
SELECT id, org_id, contact_id, identity, priority, channel_id
FROM contact_urns
WHERE org_id = $1 AND id = ANY($2)
`

const selectURNByIdentity = `
SELECT id, org_id, contact_id, identity, priority, channel_id
FROM contact_urns
WHERE org_id = $1 AND identity = $2
`

const insertContact = `
INSERT INTO contacts (id, org_id, name, language, is_test, is_active, created_on)
VALUES ($1, $2, $3, $4, FALSE, TRUE, $5)
`

const insertURN = `
INSERT INTO contact_urns (id, org_id, contact_id, identity, priority, channel_id)
VALUES ($1, $2, $3, $4, $5, NULL)
ON CONFLICT (org_id, identity) DO NOTHING
RETURNING id
`

const insertGroup = `
INSERT INTO contact_groups (id, org_id, name, created_on)
VALUES ($1, $2, $3, $4)
`

const insertGroupMember = `
INSERT INTO contact_group_memberships (group_id, contact_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`

const selectGroupMembers = `
SELECT contact_id
FROM contact_group_memberships
WHERE group_id = $1
`

const insertGroupCountDelta = `
INSERT INTO contact_group_counts (group_id, count) VALUES ($1, $2)
`

const selectGroupCount = `
SELECT COALESCE(SUM(count), 0) FROM contact_group_counts WHERE group_id = $1
`

const squashGroupCounts = `
WITH deleted AS (
DELETE FROM contact_group_counts WHERE group_id = $1 RETURNING count
)
INSERT INTO contact_group_counts (group_id, count)
SELECT $1, COALESCE(SUM(count), 0) FROM deleted
`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetContact(ctx context.Context, orgID, id string) (*Contact, error) {
	contact, err := scanContact(r.pool.QueryRow(ctx, selectContact, orgID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.attachURNs(ctx, orgID, []*Contact{contact}); err != nil {
		return nil, err
	}
	return contact, nil
}

// GetContactsWithURNs bulk-loads contacts and their URNs in two queries,
// regardless of how many ids are asked for.
func (r *Repository) GetContactsWithURNs(ctx context.Context, orgID string, ids []string) ([]*Contact, error) {
	rows, err := r.pool.Query(ctx, selectContactsByID, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("select contacts: %w", err)
	}
	defer rows.Close()

	var loaded []*Contact
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachURNs(ctx, orgID, loaded); err != nil {
		return nil, err
	}
	return loaded, nil
}

func (r *Repository) GetURNsByID(ctx context.Context, orgID string, ids []string) ([]*ContactURN, error) {
	rows, err := r.pool.Query(ctx, selectURNsByID, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("select urns: %w", err)
	}
	defer rows.Close()
	return scanURNs(rows)
}

// GetOrCreateByURN looks up the owner of urn, creating a bare contact when the
// identity has never been seen. Creation races resolve to the winning row.
func (r *Repository) GetOrCreateByURN(ctx context.Context, orgID string, urn urns.URN) (*Contact, *ContactURN, error) {
	existing, err := r.urnByIdentity(ctx, orgID, urn)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, err
	}
	if err == nil {
		contact, err := r.GetContact(ctx, orgID, existing.ContactID)
		if err != nil {
			return nil, nil, err
		}
		return contact, existing, nil
	}

	contactID := uuid.NewString()
	if _, err := r.pool.Exec(ctx, insertContact, contactID, orgID, "", "", time.Now().UTC()); err != nil {
		return nil, nil, fmt.Errorf("insert contact: %w", err)
	}

	urnID := uuid.NewString()
	priority := 1000 - urns.PriorityForScheme(urn.Scheme())
	row := r.pool.QueryRow(ctx, insertURN, urnID, orgID, contactID, urn.String(), priority)
	if err := row.Scan(&urnID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// lost the race, use whoever won
			winner, err := r.urnByIdentity(ctx, orgID, urn)
			if err != nil {
				return nil, nil, err
			}
			contact, err := r.GetContact(ctx, orgID, winner.ContactID)
			if err != nil {
				return nil, nil, err
			}
			return contact, winner, nil
		}
		return nil, nil, fmt.Errorf("insert urn: %w", err)
	}

	contact := &Contact{ID: contactID, OrgID: orgID, IsActive: true}
	contactURN := &ContactURN{ID: urnID, OrgID: orgID, ContactID: contactID, URN: urn, Priority: priority}
	contact.URNs = []*ContactURN{contactURN}
	return contact, contactURN, nil
}

func (r *Repository) InsertGroup(ctx context.Context, g *Group) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if _, err := r.pool.Exec(ctx, insertGroup, g.ID, g.OrgID, g.Name, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// AddToGroup adds a contact to a group, bumping the membership counter only
// when the row is new.
func (r *Repository) AddToGroup(ctx context.Context, groupID, contactID string) error {
	tag, err := r.pool.Exec(ctx, insertGroupMember, groupID, contactID)
	if err != nil {
		return fmt.Errorf("insert group member: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return r.IncrementGroupCount(ctx, groupID, 1)
	}
	return nil
}

func (r *Repository) GroupMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, selectGroupMembers, groupID)
	if err != nil {
		return nil, fmt.Errorf("select group members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GroupMemberCount reads the maintained membership counter, so estimating a
// broadcast's reach never walks the membership table.
func (r *Repository) GroupMemberCount(ctx context.Context, groupID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, selectGroupCount, groupID).Scan(&count); err != nil {
		return 0, fmt.Errorf("select group count: %w", err)
	}
	return count, nil
}

func (r *Repository) IncrementGroupCount(ctx context.Context, groupID string, delta int) error {
	if _, err := r.pool.Exec(ctx, insertGroupCountDelta, groupID, delta); err != nil {
		return fmt.Errorf("insert group count delta: %w", err)
	}
	return nil
}

// SquashGroupCount collapses accumulated membership deltas into a single row.
// The delete and re-insert happen in one statement so concurrent increments
// are never lost.
func (r *Repository) SquashGroupCount(ctx context.Context, groupID string) error {
	if _, err := r.pool.Exec(ctx, squashGroupCounts, groupID); err != nil {
		return fmt.Errorf("squash group counts: %w", err)
	}
	return nil
}

func (r *Repository) urnByIdentity(ctx context.Context, orgID string, urn urns.URN) (*ContactURN, error) {
	return scanURN(r.pool.QueryRow(ctx, selectURNByIdentity, orgID, urn.String()))
}

func (r *Repository) attachURNs(ctx context.Context, orgID string, loaded []*Contact) error {
	if len(loaded) == 0 {
		return nil
	}
	byID := make(map[string]*Contact, len(loaded))
	ids := make([]string, len(loaded))
	for i, c := range loaded {
		byID[c.ID] = c
		ids[i] = c.ID
	}

	rows, err := r.pool.Query(ctx, selectURNsByContact, orgID, ids)
	if err != nil {
		return fmt.Errorf("select contact urns: %w", err)
	}
	defer rows.Close()

	contactURNs, err := scanURNs(rows)
	if err != nil {
		return err
	}
	for _, u := range contactURNs {
		if c, ok := byID[u.ContactID]; ok {
			c.URNs = append(c.URNs, u)
		}
	}
	for _, c := range loaded {
		SortURNs(c.URNs)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanContact(row scannable) (*Contact, error) {
	contact := &Contact{}
	err := row.Scan(
		&contact.ID, &contact.OrgID, &contact.Name, &contact.Language,
		&contact.IsTest, &contact.IsActive, &contact.CreatedOn,
	)
	if err != nil {
		return nil, err
	}
	return contact, nil
}

func scanURN(row scannable) (*ContactURN, error) {
	u := &ContactURN{}
	var identity string
	err := row.Scan(&u.ID, &u.OrgID, &u.ContactID, &identity, &u.Priority, &u.ChannelID)
	if err != nil {
		return nil, err
	}
	u.URN = urns.URN(identity)
	return u, nil
}

func scanURNs(rows pgx.Rows) ([]*ContactURN, error) {
	var out []*ContactURN
	for rows.Next() {
		u, err := scanURN(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
