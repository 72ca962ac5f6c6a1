package mobilesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hmis/hmis/internal/platform/db"
)

type entityStorePG struct{ pool *pgxpool.Pool }

func NewEntityStorePG(pool *pgxpool.Pool) EntityStore {
	return &entityStorePG{pool: pool}
}

func (s *entityStorePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const entityCols = `kind, id, data, facility_id, occurred_at, version, source_timestamp,
	updated_by_device, created_at, updated_at, deleted, deleted_at`

func (s *entityStorePG) scanEntity(row pgx.Row) (*Entity, error) {
	var e Entity
	var kind string
	err := row.Scan(&kind, &e.ID, &e.Data, &e.FacilityID, &e.OccurredAt, &e.Version,
		&e.SourceTimestamp, &e.UpdatedByDevice, &e.CreatedAt, &e.UpdatedAt, &e.Deleted, &e.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	e.Kind = Kind(kind)
	return &e, err
}

func (s *entityStorePG) GetForUpdate(ctx context.Context, key EntityKey) (*Entity, error) {
	return s.scanEntity(s.conn(ctx).QueryRow(ctx,
		`SELECT `+entityCols+` FROM canonical_entity WHERE kind = $1 AND id = $2 FOR UPDATE`,
		string(key.Kind), key.ID))
}

func (s *entityStorePG) GetMany(ctx context.Context, keys []EntityKey) ([]*Entity, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	kinds := make([]string, len(keys))
	ids := make([]string, len(keys))
	for i, k := range keys {
		kinds[i] = string(k.Kind)
		ids[i] = k.ID.String()
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+entityCols+` FROM canonical_entity
		WHERE (kind, id) IN (SELECT k, i::uuid FROM unnest($1::text[], $2::text[]) AS t(k, i))
		ORDER BY updated_at, kind, id`, kinds, ids)
	if err != nil {
		return nil, err
	}
	return s.collect(rows)
}

func (s *entityStorePG) Insert(ctx context.Context, w EntityWrite) (*Entity, error) {
	facilityID, occurredAt := w.Kind.Extract(w.Data)
	e, err := s.scanEntity(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO canonical_entity (kind, id, data, facility_id, occurred_at, version,
			source_timestamp, updated_by_device, created_at, updated_at, deleted, deleted_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, clock_timestamp(), clock_timestamp(), FALSE, NULL)
		ON CONFLICT (kind, id) DO NOTHING
		RETURNING `+entityCols,
		string(w.Kind), w.ID, w.Data, facilityID, occurredAt, w.SourceTimestamp, nullable(w.DeviceID)))
	if errors.Is(err, ErrEntityNotFound) {
		return nil, ErrEntityExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert %s/%s: %w", w.Kind, w.ID, err)
	}
	return e, nil
}

// Timestamps use clock_timestamp() so each write inside one transaction
// still gets a distinct, increasing updated_at.
func (s *entityStorePG) Put(ctx context.Context, w EntityWrite) (*Entity, error) {
	facilityID, occurredAt := w.Kind.Extract(w.Data)
	e, err := s.scanEntity(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO canonical_entity (kind, id, data, facility_id, occurred_at, version,
			source_timestamp, updated_by_device, created_at, updated_at, deleted, deleted_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, clock_timestamp(), clock_timestamp(), FALSE, NULL)
		ON CONFLICT (kind, id) DO UPDATE SET
			data = EXCLUDED.data,
			facility_id = EXCLUDED.facility_id,
			occurred_at = EXCLUDED.occurred_at,
			version = canonical_entity.version + 1,
			source_timestamp = EXCLUDED.source_timestamp,
			updated_by_device = EXCLUDED.updated_by_device,
			updated_at = clock_timestamp(),
			deleted = FALSE,
			deleted_at = NULL
		RETURNING `+entityCols,
		string(w.Kind), w.ID, w.Data, facilityID, occurredAt, w.SourceTimestamp, nullable(w.DeviceID)))
	if err != nil {
		return nil, fmt.Errorf("put %s/%s: %w", w.Kind, w.ID, err)
	}
	return e, nil
}

func (s *entityStorePG) Tombstone(ctx context.Context, key EntityKey, deviceID string, sourceTimestamp time.Time) (*Entity, error) {
	e, err := s.scanEntity(s.conn(ctx).QueryRow(ctx, `
		UPDATE canonical_entity SET
			deleted = TRUE,
			deleted_at = clock_timestamp(),
			updated_at = clock_timestamp(),
			version = version + 1,
			source_timestamp = $3,
			updated_by_device = $4
		WHERE kind = $1 AND id = $2
		RETURNING `+entityCols,
		string(key.Kind), key.ID, sourceTimestamp, nullable(deviceID)))
	if err != nil && !errors.Is(err, ErrEntityNotFound) {
		return nil, fmt.Errorf("tombstone %s: %w", key, err)
	}
	return e, err
}

func (s *entityStorePG) Changes(ctx context.Context, q ChangesQuery) ([]*Entity, error) {
	conds := []string{`updated_at > $1`}
	args := []interface{}{q.Since}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, kinds)
		conds = append(conds, fmt.Sprintf(`kind = ANY($%d)`, len(args)))
	}
	if q.After != nil {
		args = append(args, q.After.UpdatedAt, string(q.After.Kind), q.After.ID)
		n := len(args)
		conds = append(conds, fmt.Sprintf(`(updated_at, kind, id) > ($%d, $%d, $%d)`, n-2, n-1, n))
	}
	args = append(args, q.Limit)

	rows, err := s.conn(ctx).Query(ctx, `SELECT `+entityCols+` FROM canonical_entity
		WHERE `+strings.Join(conds, ` AND `)+`
		ORDER BY updated_at, kind, id
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, err
	}
	return s.collect(rows)
}

func (s *entityStorePG) collect(rows pgx.Rows) ([]*Entity, error) {
	defer rows.Close()
	var items []*Entity
	for rows.Next() {
		e, err := s.scanEntity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
