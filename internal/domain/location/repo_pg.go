package location

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/registrationcore/internal/platform/db"
)

type locationRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &locationRepoPG{pool: pool}
}

const locationSelect = `
	SELECT l.id, l.name, l.parent_id, l.created_at,
		COALESCE(ARRAY_AGG(t.name ORDER BY t.name) FILTER (WHERE t.name IS NOT NULL), '{}')
	FROM location l
	LEFT JOIN location_tag_map m ON m.location_id = l.id
	LEFT JOIN location_tag t ON t.id = m.location_tag_id`

func (r *locationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Location, error) {
	return scanLocation(db.Conn(ctx, r.pool).QueryRow(ctx,
		locationSelect+` WHERE l.id = $1 GROUP BY l.id`, id))
}

func (r *locationRepoPG) GetByName(ctx context.Context, name string) (*Location, error) {
	return scanLocation(db.Conn(ctx, r.pool).QueryRow(ctx,
		locationSelect+` WHERE l.name = $1 GROUP BY l.id`, name))
}

func scanLocation(row pgx.Row) (*Location, error) {
	var l Location
	if err := row.Scan(&l.ID, &l.Name, &l.ParentID, &l.CreatedAt, &l.Tags); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}
