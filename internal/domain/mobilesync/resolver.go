package mobilesync

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hmis/hmis/internal/platform/auth"
)

// ResolveConflicts settles conflict records of one device. Every item gets
// its own outcome; an invalid or already-settled item does not affect the
// others.
func (c *Coordinator) ResolveConflicts(ctx context.Context, deviceID string, caller auth.Caller, items []ResolveInput) ([]ResolveOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "mobilesync.resolve", trace.WithAttributes(
		attribute.String("device.id", deviceID),
		attribute.Int("items", len(items)),
	))
	defer span.End()

	if _, err := c.devices.Authorize(ctx, deviceID, caller); err != nil {
		return nil, err
	}
	unlock, err := c.locker.Lock(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := make([]ResolveOutcome, 0, len(items))
	for _, in := range items {
		o := c.resolveOne(ctx, deviceID, in)
		c.metrics.ConflictResolved(ctx, strings.ToLower(strings.TrimSpace(in.Resolution)), o.Success)
		out = append(out, o)
	}
	return out, nil
}

func (c *Coordinator) resolveOne(ctx context.Context, deviceID string, in ResolveInput) ResolveOutcome {
	out := ResolveOutcome{SyncID: in.SyncID}

	resolution := strings.ToLower(strings.TrimSpace(in.Resolution))
	switch resolution {
	case ResolutionLocal, ResolutionServer, ResolutionMerged:
	default:
		out.Error = "resolution must be local, server or merged"
		return out
	}
	if resolution == ResolutionMerged && len(in.MergedData) == 0 {
		out.Error = "mergedData is required for a merged resolution"
		return out
	}

	var resolved *ChangeRecord
	err := c.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := c.changes.Get(ctx, in.SyncID)
		if err != nil {
			return err
		}
		if rec.DeviceID != deviceID {
			return ErrChangeNotFound
		}
		if rec.SyncStatus != StatusConflict {
			return ErrAlreadyResolved
		}
		key, err := recordKey(rec)
		if err != nil {
			return err
		}

		cur, err := c.entities.GetForUpdate(ctx, key)
		if errors.Is(err, ErrEntityNotFound) {
			cur = nil
		} else if err != nil {
			return err
		}

		var serverID *uuid.UUID
		switch resolution {
		case ResolutionLocal:
			e, err := c.applyLocal(ctx, deviceID, key, rec, cur)
			if err != nil {
				return err
			}
			if e != nil {
				serverID = &e.ID
			}
		case ResolutionServer:
			if cur != nil {
				id := cur.ID
				serverID = &id
			}
		case ResolutionMerged:
			e, err := c.apply(ctx, deviceID, key, OpCreate, in.MergedData, cur, c.now())
			if err != nil {
				return err
			}
			serverID = &e.ID
		}

		now := c.now()
		rec.SyncStatus = StatusCompleted
		rec.ConflictResolution = resolution
		rec.ServerEntityID = serverID
		rec.ResolvedAt = &now
		rec.ErrorMessage = nil
		if err := c.changes.Update(ctx, rec); err != nil {
			return err
		}
		resolved = rec
		return nil
	})
	if err != nil {
		switch {
		case IsValidation(err), errors.Is(err, ErrChangeNotFound), errors.Is(err, ErrAlreadyResolved):
			out.Error = err.Error()
		default:
			c.logger.Error().Err(err).Str("device_id", deviceID).Str("sync_id", in.SyncID.String()).Msg("resolve conflict failed")
			out.Error = "could not resolve conflict"
		}
		return out
	}

	out.Success = true
	out.SyncStatus = resolved.SyncStatus
	out.ConflictResolution = resolved.ConflictResolution
	out.ServerEntityID = resolved.ServerEntityID
	return out
}

// applyLocal forces the device's original change onto the server state. A
// delete of something already gone is settled without a write.
func (c *Coordinator) applyLocal(ctx context.Context, deviceID string, key EntityKey, rec *ChangeRecord, cur *Entity) (*Entity, error) {
	if rec.Operation == OpDelete {
		if cur == nil || cur.Deleted {
			return cur, nil
		}
		return c.entities.Tombstone(ctx, key, deviceID, rec.LocalTimestamp)
	}
	op := rec.Operation
	if cur == nil || cur.Deleted {
		// Nothing live to merge onto; the payload must stand on its own.
		op = OpCreate
	}
	return c.apply(ctx, deviceID, key, op, rec.Payload, cur, rec.LocalTimestamp)
}

func recordKey(rec *ChangeRecord) (EntityKey, error) {
	kind, err := ParseKind(rec.EntityType)
	if err != nil {
		return EntityKey{}, err
	}
	id, err := uuid.Parse(rec.EntityID)
	if err != nil {
		return EntityKey{}, &ValidationError{Field: "entityId", Message: "entityId must be a UUID"}
	}
	return EntityKey{Kind: kind, ID: id}, nil
}
