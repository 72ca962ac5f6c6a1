package mobilesync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ChangeLog is the append-only store of uploaded change records.
type ChangeLog interface {
	Append(ctx context.Context, r *ChangeRecord) error
	Get(ctx context.Context, id uuid.UUID) (*ChangeRecord, error)
	// Update persists the processing fields of r.
	Update(ctx context.Context, r *ChangeRecord) error
	CountByStatus(ctx context.Context, deviceID string) (map[string]int, error)
	ListConflicts(ctx context.Context, deviceID string) ([]*ChangeRecord, error)
	History(ctx context.Context, deviceID, status string, limit, offset int) ([]*ChangeRecord, int, error)
	// ResetOpen marks every pending or conflict record of the device failed
	// with message and returns how many changed.
	ResetOpen(ctx context.Context, deviceID, message string) (int, error)
	// ServerResolvedSince lists entities whose conflict this device resolved
	// with the server policy after since.
	ServerResolvedSince(ctx context.Context, deviceID string, since time.Time) ([]EntityKey, error)
}
