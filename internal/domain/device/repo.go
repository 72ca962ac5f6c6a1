package device

import (
	"context"
)

type Repository interface {
	// Create inserts d. It returns the stored row and false when the id is
	// already taken, leaving the existing row untouched.
	Create(ctx context.Context, d *Device) (*Device, bool, error)
	// Get returns the device including logically deleted ones.
	Get(ctx context.Context, deviceID string) (*Device, error)
	Update(ctx context.Context, d *Device) error
	ListByOwner(ctx context.Context, ownerUserID string, limit, offset int) ([]*Device, int, error)

	// OpenSyncWindow stamps the window start if none is open and returns it.
	// resumed is true when a window was already open.
	OpenSyncWindow(ctx context.Context, deviceID string) (*Device, bool, error)
	// AdvanceCheckpoint closes the open window, moving the checkpoint to the
	// later of itself and the window start. ErrNoSyncWindow if none is open.
	AdvanceCheckpoint(ctx context.Context, deviceID string) (*Device, error)
	ResetSyncState(ctx context.Context, deviceID string) error
}
