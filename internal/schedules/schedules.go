// Package schedules fires recurring broadcasts. A schedule points at a
// template broadcast; each firing clones the template into a fresh broadcast
// and sends the clone, so the template itself is never consumed.
package schedules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
)

var ErrNotFound = errors.New("schedule not found")

type Schedule struct {
	ID          string
	OrgID       string
	BroadcastID string
	CronExpr    string
	NextFire    *time.Time
	LastFire    *time.Time
	IsActive    bool
	CreatedOn   time.Time
	ModifiedOn  time.Time
}

// parser accepts standard five-field cron expressions plus descriptors like
// @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextAfter computes the schedule's next fire time after t.
func (s *Schedule) NextAfter(t time.Time) (time.Time, error) {
	sched, err := parser.Parse(s.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr %q: %w", s.CronExpr, err)
	}
	return sched.Next(t), nil
}

const insertSchedule = `
INSERT INTO schedules (id, org_id, broadcast_id, cron_expr, next_fire, is_active, created_on, modified_on)
VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
`

const selectDue = `
SELECT id, org_id, broadcast_id, cron_expr, next_fire, last_fire, is_active, created_on, modified_on
FROM schedules
WHERE is_active = TRUE AND next_fire <= $1
ORDER BY next_fire
`

const markFired = `
UPDATE schedules SET last_fire = $2, next_fire = $3, modified_on = now() WHERE id = $1
`

const deactivateSchedule = `
UPDATE schedules SET is_active = FALSE, modified_on = now() WHERE id = $1
`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, s *Schedule) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	s.CreatedOn = now
	s.ModifiedOn = now
	s.IsActive = true

	if s.NextFire == nil {
		next, err := s.NextAfter(now)
		if err != nil {
			return err
		}
		s.NextFire = &next
	}
	_, err := r.pool.Exec(ctx, insertSchedule, s.ID, s.OrgID, s.BroadcastID, s.CronExpr, s.NextFire, now)
	return err
}

// Due returns active schedules whose next fire time has passed.
func (r *Repository) Due(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := r.pool.Query(ctx, selectDue, now)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}
	defer rows.Close()

	var due []*Schedule
	for rows.Next() {
		s := &Schedule{}
		if err := rows.Scan(&s.ID, &s.OrgID, &s.BroadcastID, &s.CronExpr, &s.NextFire, &s.LastFire, &s.IsActive, &s.CreatedOn, &s.ModifiedOn); err != nil {
			return nil, err
		}
		due = append(due, s)
	}
	return due, rows.Err()
}

func (r *Repository) MarkFired(ctx context.Context, id string, firedOn, nextFire time.Time) error {
	_, err := r.pool.Exec(ctx, markFired, id, firedOn, nextFire)
	return err
}

func (r *Repository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deactivateSchedule, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
