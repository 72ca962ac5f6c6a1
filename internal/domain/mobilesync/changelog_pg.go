package mobilesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmis/hmis/internal/platform/db"
)

type changeLogPG struct{ pool *pgxpool.Pool }

func NewChangeLogPG(pool *pgxpool.Pool) ChangeLog {
	return &changeLogPG{pool: pool}
}

func (r *changeLogPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const changeCols = `id, device_id, entity_type, entity_id, operation, payload, local_timestamp,
	sync_status, server_entity_id, conflict_resolution, conflict_fields, server_updated_at,
	error_message, resolved_at, created_at, updated_at`

func (r *changeLogPG) scanChange(row pgx.Row) (*ChangeRecord, error) {
	var c ChangeRecord
	err := row.Scan(&c.ID, &c.DeviceID, &c.EntityType, &c.EntityID, &c.Operation,
		&c.Payload, &c.LocalTimestamp, &c.SyncStatus, &c.ServerEntityID,
		&c.ConflictResolution, &c.ConflictFields, &c.ServerUpdatedAt,
		&c.ErrorMessage, &c.ResolvedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChangeNotFound
	}
	return &c, err
}

func (r *changeLogPG) Append(ctx context.Context, c *ChangeRecord) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sync_change (id, device_id, entity_type, entity_id, operation, payload,
			local_timestamp, sync_status, conflict_resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		c.ID, c.DeviceID, c.EntityType, c.EntityID, c.Operation, c.Payload,
		c.LocalTimestamp, c.SyncStatus, c.ConflictResolution).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("append change record: %w", err)
	}
	return nil
}

func (r *changeLogPG) Get(ctx context.Context, id uuid.UUID) (*ChangeRecord, error) {
	return r.scanChange(r.conn(ctx).QueryRow(ctx, `SELECT `+changeCols+` FROM sync_change WHERE id = $1`, id))
}

func (r *changeLogPG) Update(ctx context.Context, c *ChangeRecord) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE sync_change SET sync_status=$2, server_entity_id=$3, conflict_resolution=$4,
			conflict_fields=$5, server_updated_at=$6, error_message=$7, resolved_at=$8, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.SyncStatus, c.ServerEntityID, c.ConflictResolution, c.ConflictFields,
		c.ServerUpdatedAt, c.ErrorMessage, c.ResolvedAt).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrChangeNotFound
	}
	return err
}

func (r *changeLogPG) CountByStatus(ctx context.Context, deviceID string) (map[string]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT sync_status, COUNT(*) FROM sync_change WHERE device_id = $1 GROUP BY sync_status`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *changeLogPG) ListConflicts(ctx context.Context, deviceID string) ([]*ChangeRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+changeCols+` FROM sync_change
		WHERE device_id = $1 AND sync_status = 'conflict' ORDER BY created_at`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ChangeRecord
	for rows.Next() {
		c, err := r.scanChange(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *changeLogPG) History(ctx context.Context, deviceID, status string, limit, offset int) ([]*ChangeRecord, int, error) {
	where := `WHERE device_id = $1`
	args := []interface{}{deviceID}
	if status != "" {
		where += ` AND sync_status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sync_change `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+changeCols+` FROM sync_change `+where+
		` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ChangeRecord
	for rows.Next() {
		c, err := r.scanChange(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *changeLogPG) ResetOpen(ctx context.Context, deviceID, message string) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_change SET sync_status = 'failed', error_message = $2, updated_at = NOW()
		WHERE device_id = $1 AND sync_status IN ('pending', 'conflict')`, deviceID, message)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *changeLogPG) ServerResolvedSince(ctx context.Context, deviceID string, since time.Time) ([]EntityKey, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT entity_type, entity_id FROM sync_change
		WHERE device_id = $1 AND conflict_resolution = 'server' AND resolved_at > $2`, deviceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []EntityKey
	for rows.Next() {
		var entityType, entityID string
		if err := rows.Scan(&entityType, &entityID); err != nil {
			return nil, err
		}
		kind, kerr := ParseKind(entityType)
		id, ierr := uuid.Parse(entityID)
		if kerr != nil || ierr != nil {
			continue
		}
		keys = append(keys, EntityKey{Kind: kind, ID: id})
	}
	return keys, rows.Err()
}
