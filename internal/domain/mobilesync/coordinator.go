package mobilesync

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/hmis/hmis/internal/domain/device"
	"github.com/hmis/hmis/internal/platform/auth"
	"github.com/hmis/hmis/internal/platform/db"
	"github.com/hmis/hmis/internal/platform/telemetry"
)

const (
	DefaultPageSize = 500
	MaxPageSize     = 1000

	resetMessage = "sync state reset"
)

// DeviceService is the part of the device registry the coordinator needs.
type DeviceService interface {
	Authorize(ctx context.Context, deviceID string, caller auth.Caller) (*device.Device, error)
	GetForCaller(ctx context.Context, deviceID string, caller auth.Caller) (*device.Device, error)
	OpenSyncWindow(ctx context.Context, deviceID string) (*device.Device, bool, error)
	AdvanceCheckpoint(ctx context.Context, deviceID string) (*device.Device, error)
	ResetSyncState(ctx context.Context, deviceID string) error
}

// TxRunner runs fn atomically; repositories join the transaction through ctx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Options struct {
	PageSize int
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
	Now      func() time.Time
}

// Coordinator drives one device's sync round: status, initiate, upload,
// download, complete, plus history, reset and conflict resolution.
type Coordinator struct {
	devices  DeviceService
	changes  ChangeLog
	entities EntityStore
	tx       TxRunner
	locker   Locker

	pageSize int
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	initiates singleflight.Group
}

func NewCoordinator(devices DeviceService, changes ChangeLog, entities EntityStore, tx TxRunner, locker Locker, opts Options) *Coordinator {
	if opts.PageSize <= 0 || opts.PageSize > MaxPageSize {
		opts.PageSize = DefaultPageSize
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("hmis/mobilesync")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		devices:  devices,
		changes:  changes,
		entities: entities,
		tx:       tx,
		locker:   locker,
		pageSize: opts.PageSize,
		logger:   opts.Logger.With().Str("component", "sync").Logger(),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      opts.Now,
	}
}

func (c *Coordinator) Status(ctx context.Context, deviceID string, caller auth.Caller) (*StatusResult, error) {
	d, err := c.devices.Authorize(ctx, deviceID, caller)
	if err != nil {
		return nil, err
	}
	counts, err := c.changes.CountByStatus(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		DeviceID:             d.DeviceID,
		LastSyncCheckpoint:   d.LastSyncCheckpoint,
		LastSyncAt:           d.LastSyncAt,
		SyncInProgress:       d.SyncInProgress(),
		WindowStartedAt:      d.SyncWindowStartedAt,
		PendingChanges:       counts[StatusPending],
		OutstandingConflicts: counts[StatusConflict],
	}, nil
}

// Initiate opens a sync window, or returns the one already open. Concurrent
// calls for one device share a single result.
func (c *Coordinator) Initiate(ctx context.Context, deviceID string, caller auth.Caller) (*InitiateResult, error) {
	if _, err := c.devices.Authorize(ctx, deviceID, caller); err != nil {
		return nil, err
	}
	v, err, _ := c.initiates.Do(deviceID, func() (interface{}, error) {
		unlock, err := c.locker.Lock(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		defer unlock()

		d, resumed, err := c.devices.OpenSyncWindow(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		return InitiateResult{
			SyncWindowStartedAt: *d.SyncWindowStartedAt,
			LastSyncCheckpoint:  d.LastSyncCheckpoint,
			Resumed:             resumed,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(InitiateResult)
	c.logger.Info().Str("device_id", deviceID).Time("window_start", res.SyncWindowStartedAt).
		Bool("resumed", res.Resumed).Msg("sync window opened")
	return &res, nil
}

// UploadChanges processes entities strictly in order. Each record gets its
// own outcome; a failed or conflicting record never stops the batch.
func (c *Coordinator) UploadChanges(ctx context.Context, deviceID string, caller auth.Caller, entities []UploadEntity) ([]ChangeOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "mobilesync.upload", trace.WithAttributes(
		attribute.String("device.id", deviceID),
		attribute.Int("batch.size", len(entities)),
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

	// Entities this call has already written, with the client timestamp of
	// the write.
	batch := map[EntityKey]time.Time{}
	outcomes := make([]ChangeOutcome, 0, len(entities))
	var conflicts, failed int
	for _, in := range entities {
		rec, err := c.processUpload(ctx, deviceID, in, batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "change log unavailable")
			return nil, err
		}
		switch rec.SyncStatus {
		case StatusConflict:
			conflicts++
		case StatusFailed:
			failed++
		}
		c.metrics.SyncRecord(ctx, rec.EntityType, rec.Operation, rec.SyncStatus)
		outcomes = append(outcomes, outcomeOf(rec))
	}

	c.logger.Info().Str("device_id", deviceID).Int("records", len(entities)).
		Int("conflicts", conflicts).Int("failed", failed).Msg("upload processed")
	return outcomes, nil
}

func (c *Coordinator) processUpload(ctx context.Context, deviceID string, in UploadEntity, batch map[EntityKey]time.Time) (*ChangeRecord, error) {
	op := strings.ToLower(strings.TrimSpace(in.Operation))
	rec := &ChangeRecord{
		ID:                 uuid.New(),
		DeviceID:           deviceID,
		EntityType:         cleanText(in.EntityType, 64),
		EntityID:           cleanText(in.EntityID, 64),
		Operation:          cleanText(op, 16),
		Payload:            in.Data,
		LocalTimestamp:     in.LocalTimestamp.UTC(),
		SyncStatus:         StatusPending,
		ConflictResolution: ResolutionNone,
	}
	if op == OpDelete {
		rec.Payload = nil
	}
	if rec.LocalTimestamp.IsZero() {
		rec.LocalTimestamp = c.now()
	}
	// jsonb cannot hold NUL; such a payload is recorded without its data.
	unstorable := containsNUL(rec.Payload)
	if unstorable {
		rec.Payload = nil
	}
	if err := c.changes.Append(ctx, rec); err != nil {
		if !db.IsDataException(err) || rec.Payload == nil {
			return nil, err
		}
		c.logger.Warn().Err(err).Str("device_id", deviceID).Str("sync_id", rec.ID.String()).Msg("payload rejected by store")
		rec.Payload = nil
		if err := c.changes.Append(ctx, rec); err != nil {
			return nil, err
		}
		unstorable = true
	}
	if unstorable {
		rec.fail((&ValidationError{Field: "data", Message: "data contains values that cannot be stored"}).Error())
		return rec, c.changes.Update(ctx, rec)
	}

	key, err := validateUpload(in, op)
	if err != nil {
		rec.fail(err.Error())
		return rec, c.changes.Update(ctx, rec)
	}

	var applied bool
	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		applied = false
		rec.SyncStatus = StatusPending
		rec.ServerEntityID, rec.ConflictFields, rec.ServerUpdatedAt = nil, nil, nil

		cur, err := c.entities.GetForUpdate(ctx, key)
		if errors.Is(err, ErrEntityNotFound) {
			cur = nil
		} else if err != nil {
			return err
		}

		batchTS, inBatch := batch[key]
		exempt := inBatch && !rec.LocalTimestamp.Before(batchTS)

		for {
			switch detectConflict(op, cur, rec.LocalTimestamp, exempt) {
			case decisionConflict:
				rec.SyncStatus = StatusConflict
				rec.ConflictFields = conflictFields(op, rec.Payload, cur)
				ts := cur.UpdatedAt
				rec.ServerUpdatedAt = &ts
			case decisionMissing:
				return ErrEntityNotFound
			case decisionNoop:
				rec.SyncStatus = StatusCompleted
				id := key.ID
				rec.ServerEntityID = &id
			case decisionApply:
				var e *Entity
				if cur == nil {
					e, err = c.entities.Insert(ctx, EntityWrite{
						Kind:            key.Kind,
						ID:              key.ID,
						Data:            rec.Payload,
						DeviceID:        deviceID,
						SourceTimestamp: rec.LocalTimestamp,
					})
					if errors.Is(err, ErrEntityExists) {
						// Another device created it after our read; test
						// against that write instead of overwriting it.
						if cur, err = c.entities.GetForUpdate(ctx, key); err != nil {
							return err
						}
						continue
					}
				} else {
					e, err = c.apply(ctx, deviceID, key, op, rec.Payload, cur, rec.LocalTimestamp)
				}
				if err != nil {
					return err
				}
				rec.SyncStatus = StatusCompleted
				rec.ServerEntityID = &e.ID
				applied = true
			}
			return c.changes.Update(ctx, rec)
		}
	})
	if err != nil {
		rec.ServerEntityID, rec.ConflictFields, rec.ServerUpdatedAt = nil, nil, nil
		if IsValidation(err) || errors.Is(err, ErrEntityNotFound) {
			rec.fail(err.Error())
		} else {
			c.logger.Error().Err(err).Str("device_id", deviceID).Str("sync_id", rec.ID.String()).Msg("apply change failed")
			rec.fail("could not apply change")
		}
		return rec, c.changes.Update(ctx, rec)
	}
	if applied {
		batch[key] = rec.LocalTimestamp
	}
	return rec, nil
}

func validateUpload(in UploadEntity, op string) (EntityKey, error) {
	if in.malformed != nil {
		return EntityKey{}, in.malformed
	}
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return EntityKey{}, &ValidationError{Field: "operation", Message: "operation must be create, update or delete"}
	}
	kind, err := ParseKind(in.EntityType)
	if err != nil {
		return EntityKey{}, err
	}
	id, err := uuid.Parse(strings.TrimSpace(in.EntityID))
	if err != nil {
		return EntityKey{}, &ValidationError{Field: "entityId", Message: "entityId must be a UUID"}
	}
	if in.LocalTimestamp.IsZero() {
		return EntityKey{}, &ValidationError{Field: "localTimestamp", Message: "localTimestamp is required"}
	}
	if op != OpDelete && len(in.Data) == 0 {
		return EntityKey{}, &ValidationError{Field: "data", Message: "data is required for " + op}
	}
	if op == OpCreate {
		if err := kind.Validate(in.Data); err != nil {
			return EntityKey{}, err
		}
	}
	return EntityKey{Kind: kind, ID: id}, nil
}

type decision int

const (
	decisionApply decision = iota
	decisionConflict
	decisionNoop
	decisionMissing
)

// detectConflict compares an incoming operation with the server state cur
// (nil when absent). base is the client's localTimestamp; a server write
// strictly newer than base is a conflict unless exempt. Equal timestamps
// are not a conflict: the later arrival wins.
func detectConflict(op string, cur *Entity, base time.Time, exempt bool) decision {
	if cur == nil {
		switch op {
		case OpUpdate:
			return decisionMissing
		case OpDelete:
			return decisionNoop
		}
		return decisionApply
	}
	if cur.Deleted {
		if op == OpDelete {
			return decisionNoop
		}
		return decisionConflict
	}
	if !exempt && cur.UpdatedAt.After(base) {
		return decisionConflict
	}
	return decisionApply
}

func conflictFields(op string, local map[string]interface{}, cur *Entity) []string {
	if cur.Deleted || op == OpDelete {
		return []string{"deleted"}
	}
	var fields []string
	if op == OpUpdate {
		for _, f := range Diff(local, cur.Data) {
			if _, ok := local[f]; ok {
				fields = append(fields, f)
			}
		}
	} else {
		fields = Diff(local, cur.Data)
	}
	if len(fields) == 0 {
		return []string{"updatedAt"}
	}
	return fields
}

// apply writes op to the canonical store. Updates merge over live state.
func (c *Coordinator) apply(ctx context.Context, deviceID string, key EntityKey, op string, payload map[string]interface{}, cur *Entity, ts time.Time) (*Entity, error) {
	if op == OpDelete {
		return c.entities.Tombstone(ctx, key, deviceID, ts)
	}
	data := payload
	if op == OpUpdate && cur != nil && !cur.Deleted {
		data = Merge(cur.Data, payload)
	}
	if err := key.Kind.Validate(data); err != nil {
		return nil, err
	}
	return c.entities.Put(ctx, EntityWrite{
		Kind:            key.Kind,
		ID:              key.ID,
		Data:            data,
		DeviceID:        deviceID,
		SourceTimestamp: ts,
	})
}

// DownloadChanges returns one page of entities changed after the device's
// checkpoint (or req.Since). The first page also re-delivers entities whose
// conflict this device settled in the server's favour.
func (c *Coordinator) DownloadChanges(ctx context.Context, deviceID string, caller auth.Caller, req DownloadRequest) (*DownloadResult, error) {
	ctx, span := c.tracer.Start(ctx, "mobilesync.download", trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()

	d, err := c.devices.Authorize(ctx, deviceID, caller)
	if err != nil {
		return nil, err
	}

	var since time.Time
	switch {
	case req.Since != nil:
		since = req.Since.UTC()
	case d.LastSyncCheckpoint != nil:
		since = *d.LastSyncCheckpoint
	}

	kinds, err := parseKinds(req.EntityTypes)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = c.pageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var after *Cursor
	if req.Cursor != "" {
		if after, err = DecodeCursor(req.Cursor); err != nil {
			return nil, err
		}
	}

	items, err := c.entities.Changes(ctx, ChangesQuery{Since: since, Kinds: kinds, After: after, Limit: limit + 1})
	if err != nil {
		return nil, err
	}

	res := &DownloadResult{ServerTime: c.now()}
	if !since.IsZero() {
		s := since
		res.Since = &s
	}
	if len(items) > limit {
		items = items[:limit]
		res.HasMore = true
		res.NextCursor = cursorOf(items[len(items)-1]).Encode()
	}

	res.Changes = make([]EntityChange, 0, len(items))
	seen := make(map[EntityKey]bool, len(items))
	for _, e := range items {
		res.Changes = append(res.Changes, changeOf(e))
		seen[e.Key()] = true
	}

	if after == nil && !since.IsZero() {
		redelivered, err := c.serverResolved(ctx, deviceID, since, kinds, seen)
		if err != nil {
			return nil, err
		}
		res.Changes = append(res.Changes, redelivered...)
	}

	span.SetAttributes(attribute.Int("changes", len(res.Changes)), attribute.Bool("has_more", res.HasMore))
	return res, nil
}

func (c *Coordinator) serverResolved(ctx context.Context, deviceID string, since time.Time, kinds []Kind, seen map[EntityKey]bool) ([]EntityChange, error) {
	keys, err := c.changes.ServerResolvedSince(ctx, deviceID, since)
	if err != nil {
		return nil, err
	}
	wanted := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	var missing []EntityKey
	for _, k := range keys {
		if seen[k] || (len(wanted) > 0 && !wanted[k.Kind]) {
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return nil, nil
	}
	ents, err := c.entities.GetMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	out := make([]EntityChange, 0, len(ents))
	for _, e := range ents {
		ch := changeOf(e)
		ch.Redelivered = true
		out = append(out, ch)
	}
	return out, nil
}

func parseKinds(names []string) ([]Kind, error) {
	var kinds []Kind
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// CompleteSync advances the checkpoint to the open window's start. While any
// record of the device is in conflict it refuses and lists them instead.
func (c *Coordinator) CompleteSync(ctx context.Context, deviceID string, caller auth.Caller) (*CompleteResult, error) {
	unlock, err := c.locker.Lock(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := c.devices.Authorize(ctx, deviceID, caller)
	if err != nil {
		return nil, err
	}

	conflicts, err := c.changes.ListConflicts(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		outstanding := make([]ChangeRecord, len(conflicts))
		for i, r := range conflicts {
			outstanding[i] = *r
		}
		c.metrics.SyncCompleted(ctx, false)
		c.logger.Info().Str("device_id", deviceID).Int("conflicts", len(conflicts)).Msg("sync completion refused")
		return &CompleteResult{
			Completed:            false,
			LastSyncCheckpoint:   d.LastSyncCheckpoint,
			OutstandingConflicts: outstanding,
		}, nil
	}

	d, err = c.devices.AdvanceCheckpoint(ctx, deviceID)
	if errors.Is(err, device.ErrNoSyncWindow) {
		return nil, ErrNoSyncInProgress
	}
	if err != nil {
		return nil, err
	}

	c.metrics.SyncCompleted(ctx, true)
	c.logger.Info().Str("device_id", deviceID).Time("checkpoint", *d.LastSyncCheckpoint).Msg("sync completed")
	return &CompleteResult{
		Completed:            true,
		LastSyncCheckpoint:   d.LastSyncCheckpoint,
		OutstandingConflicts: []ChangeRecord{},
	}, nil
}

// History pages through the device's change records, newest first.
func (c *Coordinator) History(ctx context.Context, deviceID string, caller auth.Caller, status string, limit, offset int) ([]*ChangeRecord, int, error) {
	if _, err := c.devices.GetForCaller(ctx, deviceID, caller); err != nil {
		return nil, 0, err
	}
	if status != "" && !validStatuses[status] {
		return nil, 0, &ValidationError{Field: "status", Message: "unknown sync status " + status}
	}
	return c.changes.History(ctx, deviceID, status, limit, offset)
}

// ResetSyncState clears the checkpoint and open window and fails every
// pending or conflicting record, forcing a full resync. The records stay as
// history.
func (c *Coordinator) ResetSyncState(ctx context.Context, deviceID string, caller auth.Caller) (*ResetResult, error) {
	if _, err := c.devices.GetForCaller(ctx, deviceID, caller); err != nil {
		return nil, err
	}
	unlock, err := c.locker.Lock(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var cleared int
	err = c.tx.InTx(ctx, func(ctx context.Context) error {
		n, err := c.changes.ResetOpen(ctx, deviceID, resetMessage)
		if err != nil {
			return err
		}
		cleared = n
		return c.devices.ResetSyncState(ctx, deviceID)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Warn().Str("device_id", deviceID).Str("by", caller.UserID).Int("cleared", cleared).Msg("sync state reset")
	return &ResetResult{DeviceID: deviceID, ClearedRecords: cleared}, nil
}

// cleanText makes s storable in a VARCHAR(n) column: valid UTF-8, no NUL,
// at most n characters.
func cleanText(s string, n int) string {
	s = storable(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func storable(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

func containsNUL(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return strings.IndexByte(t, 0) >= 0
	case map[string]interface{}:
		for k, e := range t {
			if strings.IndexByte(k, 0) >= 0 || containsNUL(e) {
				return true
			}
		}
	case []interface{}:
		for _, e := range t {
			if containsNUL(e) {
				return true
			}
		}
	}
	return false
}
