package location

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// GetByID and GetByName return nil without error when nothing matches.
	GetByID(ctx context.Context, id uuid.UUID) (*Location, error)
	GetByName(ctx context.Context, name string) (*Location, error)
}
