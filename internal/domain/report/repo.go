package report

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, d *Definition) error
	Get(ctx context.Context, id uuid.UUID) (*Definition, error)
	Update(ctx context.Context, d *Definition) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f Filters, limit, offset int) ([]*Definition, int, error)
	MarkRun(ctx context.Context, id uuid.UUID, at time.Time) error
}
