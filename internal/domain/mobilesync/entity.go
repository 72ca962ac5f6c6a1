package mobilesync

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityStore is the canonical record store shared by all devices.
type EntityStore interface {
	// GetForUpdate returns the entity, tombstones included, locking it for
	// the surrounding transaction. ErrEntityNotFound when absent.
	GetForUpdate(ctx context.Context, key EntityKey) (*Entity, error)
	GetMany(ctx context.Context, keys []EntityKey) ([]*Entity, error)
	// Insert creates an absent entity. ErrEntityExists when (kind, id) is
	// already taken, tombstones included; the existing row is left as is.
	Insert(ctx context.Context, w EntityWrite) (*Entity, error)
	// Put writes live state, reviving a tombstone if needed.
	Put(ctx context.Context, w EntityWrite) (*Entity, error)
	Tombstone(ctx context.Context, key EntityKey, deviceID string, sourceTimestamp time.Time) (*Entity, error)
	// Changes returns entities modified after q.Since in (UpdatedAt, Kind, ID)
	// order, starting after q.After when set.
	Changes(ctx context.Context, q ChangesQuery) ([]*Entity, error)
}

type ChangesQuery struct {
	Since time.Time
	Kinds []Kind
	After *Cursor
	Limit int
}

// Cursor is the keyset position of the last delivered entity.
type Cursor struct {
	UpdatedAt time.Time
	Kind      Kind
	ID        uuid.UUID
}

func cursorOf(e *Entity) *Cursor {
	return &Cursor{UpdatedAt: e.UpdatedAt, Kind: e.Kind, ID: e.ID}
}

func (c *Cursor) Encode() string {
	raw := c.UpdatedAt.UTC().Format(time.RFC3339Nano) + "|" + string(c.Kind) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (*Cursor, error) {
	invalid := &ValidationError{Field: "cursor", Message: "invalid cursor"}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, invalid
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return nil, invalid
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, invalid
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return nil, invalid
	}
	kind := Kind(parts[1])
	if kind.spec() == nil {
		return nil, invalid
	}
	return &Cursor{UpdatedAt: ts, Kind: kind, ID: id}, nil
}

// before reports whether c sorts strictly before e.
func (c *Cursor) before(e *Entity) bool {
	if !e.UpdatedAt.Equal(c.UpdatedAt) {
		return e.UpdatedAt.After(c.UpdatedAt)
	}
	if e.Kind != c.Kind {
		return e.Kind > c.Kind
	}
	return strings.Compare(e.ID.String(), c.ID.String()) > 0
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.ID)
}
