package mobilesync

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGLocker holds a session-level advisory lock on a dedicated pooled
// connection, serializing a device across server instances.
type PGLocker struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGLocker(pool *pgxpool.Pool, logger zerolog.Logger) *PGLocker {
	return &PGLocker{pool: pool, logger: logger}
}

func (l *PGLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, "device:"+key); err != nil {
		// A cancelled wait may leave the lock request pending on the session.
		_ = conn.Hijack().Close(context.Background())
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			var released bool
			err := conn.QueryRow(context.Background(),
				`SELECT pg_advisory_unlock(hashtextextended($1, 0))`, "device:"+key).Scan(&released)
			if err != nil || !released {
				l.logger.Warn().Err(err).Str("device_id", key).Msg("advisory unlock failed; dropping connection")
				_ = conn.Hijack().Close(context.Background())
				return
			}
			conn.Release()
		})
	}, nil
}
