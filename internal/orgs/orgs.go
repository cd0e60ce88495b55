// Package orgs holds the tenant model. An org owns contacts, channels,
// broadcasts and credit; everything in the send path is scoped to one.
package orgs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("org not found")

type Org struct {
	ID              string
	Name            string
	PrimaryLanguage string
	Languages       []string
	IsSuspended     bool
}

// SupportsLanguage reports whether lang is in the org's configured language
// set; contact languages outside it are ignored when picking translations.
func (o *Org) SupportsLanguage(lang string) bool {
	if lang == "" {
		return false
	}
	for _, l := range o.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

const selectOrg = `
SELECT id, name, primary_language, languages, is_suspended
FROM orgs
WHERE id = $1
`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Get(ctx context.Context, id string) (*Org, error) {
	org := &Org{}
	err := r.pool.QueryRow(ctx, selectOrg, id).Scan(
		&org.ID, &org.Name, &org.PrimaryLanguage, &org.Languages, &org.IsSuspended,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select org: %w", err)
	}
	return org, nil
}
