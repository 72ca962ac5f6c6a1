package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmis/hmis/internal/platform/db"
)

type deviceRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &deviceRepoPG{pool: pool}
}

func (r *deviceRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const deviceCols = `device_id, device_name, owner_user_id, device_type, app_version,
	push_token, status, last_sync_checkpoint, sync_window_started_at, last_sync_at,
	created_at, updated_at, deleted_at`

func (r *deviceRepoPG) scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.DeviceID, &d.DeviceName, &d.OwnerUserID, &d.DeviceType,
		&d.AppVersion, &d.PushToken, &d.Status, &d.LastSyncCheckpoint,
		&d.SyncWindowStartedAt, &d.LastSyncAt, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return &d, err
}

func (r *deviceRepoPG) Create(ctx context.Context, d *Device) (*Device, bool, error) {
	created, err := r.scanDevice(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO device (device_id, device_name, owner_user_id, device_type, app_version, push_token, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO NOTHING
		RETURNING `+deviceCols,
		d.DeviceID, d.DeviceName, d.OwnerUserID, d.DeviceType, d.AppVersion, d.PushToken, d.Status))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, false, fmt.Errorf("insert device: %w", err)
	}
	existing, err := r.Get(ctx, d.DeviceID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *deviceRepoPG) Get(ctx context.Context, deviceID string) (*Device, error) {
	return r.scanDevice(r.conn(ctx).QueryRow(ctx, `SELECT `+deviceCols+` FROM device WHERE device_id = $1`, deviceID))
}

func (r *deviceRepoPG) Update(ctx context.Context, d *Device) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE device SET device_name=$2, device_type=$3, app_version=$4, push_token=$5,
			status=$6, deleted_at=$7, updated_at=NOW()
		WHERE device_id = $1`,
		d.DeviceID, d.DeviceName, d.DeviceType, d.AppVersion, d.PushToken, d.Status, d.DeletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *deviceRepoPG) ListByOwner(ctx context.Context, ownerUserID string, limit, offset int) ([]*Device, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM device WHERE owner_user_id = $1 AND deleted_at IS NULL`, ownerUserID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+deviceCols+` FROM device
		WHERE owner_user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, ownerUserID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Device
	for rows.Next() {
		d, err := r.scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// Window timestamps come from clock_timestamp() so they share a clock with
// canonical_entity.updated_at.
func (r *deviceRepoPG) OpenSyncWindow(ctx context.Context, deviceID string) (*Device, bool, error) {
	d, err := r.scanDevice(r.conn(ctx).QueryRow(ctx, `
		UPDATE device SET sync_window_started_at = clock_timestamp(), updated_at = NOW()
		WHERE device_id = $1 AND sync_window_started_at IS NULL AND deleted_at IS NULL
		RETURNING `+deviceCols, deviceID))
	if err == nil {
		return d, false, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, false, fmt.Errorf("open sync window: %w", err)
	}
	existing, err := r.Get(ctx, deviceID)
	if err != nil {
		return nil, false, err
	}
	if existing.IsDeleted() || existing.SyncWindowStartedAt == nil {
		return nil, false, ErrDeviceNotFound
	}
	return existing, true, nil
}

func (r *deviceRepoPG) AdvanceCheckpoint(ctx context.Context, deviceID string) (*Device, error) {
	d, err := r.scanDevice(r.conn(ctx).QueryRow(ctx, `
		UPDATE device SET
			last_sync_checkpoint = GREATEST(last_sync_checkpoint, sync_window_started_at),
			last_sync_at = clock_timestamp(),
			sync_window_started_at = NULL,
			updated_at = NOW()
		WHERE device_id = $1 AND sync_window_started_at IS NOT NULL AND deleted_at IS NULL
		RETURNING `+deviceCols, deviceID))
	if errors.Is(err, ErrDeviceNotFound) {
		if _, gerr := r.Get(ctx, deviceID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrNoSyncWindow
	}
	if err != nil {
		return nil, fmt.Errorf("advance checkpoint: %w", err)
	}
	return d, nil
}

func (r *deviceRepoPG) ResetSyncState(ctx context.Context, deviceID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE device SET last_sync_checkpoint = NULL, sync_window_started_at = NULL, updated_at = NOW()
		WHERE device_id = $1`, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
