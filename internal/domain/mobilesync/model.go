package mobilesync

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusConflict  = "conflict"
)

const (
	ResolutionLocal  = "local"
	ResolutionServer = "server"
	ResolutionMerged = "merged"
	ResolutionNone   = "none"
)

var validStatuses = map[string]bool{
	StatusPending: true, StatusCompleted: true, StatusFailed: true, StatusConflict: true,
}

var (
	ErrChangeNotFound   = errors.New("change record not found")
	ErrNoSyncInProgress = errors.New("no sync in progress; call initiate first")
	ErrAlreadyResolved  = errors.New("change record is not in conflict")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrEntityExists     = errors.New("entity already exists")
)

// ValidationError rejects a malformed request or a single malformed record.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrNoSyncInProgress)
}

// ChangeRecord is one uploaded client mutation. Records are never deleted;
// they form the device's sync audit trail.
type ChangeRecord struct {
	ID                 uuid.UUID              `json:"syncId"`
	DeviceID           string                 `json:"deviceId"`
	EntityType         string                 `json:"entityType"`
	EntityID           string                 `json:"entityId"`
	Operation          string                 `json:"operation"`
	Payload            map[string]interface{} `json:"payload,omitempty"`
	LocalTimestamp     time.Time              `json:"localTimestamp"`
	SyncStatus         string                 `json:"syncStatus"`
	ServerEntityID     *uuid.UUID             `json:"serverEntityId,omitempty"`
	ConflictResolution string                 `json:"conflictResolution"`
	ConflictFields     []string               `json:"conflictFields,omitempty"`
	ServerUpdatedAt    *time.Time             `json:"serverUpdatedAt,omitempty"`
	ErrorMessage       *string                `json:"errorMessage,omitempty"`
	ResolvedAt         *time.Time             `json:"resolvedAt,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

func (r *ChangeRecord) fail(msg string) {
	msg = storable(msg)
	r.SyncStatus = StatusFailed
	r.ErrorMessage = &msg
}

// EntityKey addresses one canonical entity.
type EntityKey struct {
	Kind Kind
	ID   uuid.UUID
}

// Entity is the server's canonical state of one record. Deleted entities
// are kept as tombstones so devices learn about removals.
type Entity struct {
	Kind            Kind
	ID              uuid.UUID
	Data            map[string]interface{}
	FacilityID      *string
	OccurredAt      *time.Time
	Version         int
	SourceTimestamp *time.Time
	UpdatedByDevice *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Deleted         bool
	DeletedAt       *time.Time
}

func (e *Entity) Key() EntityKey {
	return EntityKey{Kind: e.Kind, ID: e.ID}
}

// EntityWrite is a live write to the canonical store.
type EntityWrite struct {
	Kind            Kind
	ID              uuid.UUID
	Data            map[string]interface{}
	DeviceID        string
	SourceTimestamp time.Time
}

// UploadEntity is one record of an upload batch as sent by the device.
type UploadEntity struct {
	EntityType     string                 `json:"entityType"`
	EntityID       string                 `json:"entityId"`
	Operation      string                 `json:"operation"`
	Data           map[string]interface{} `json:"data,omitempty"`
	LocalTimestamp time.Time              `json:"localTimestamp"`

	// malformed is set when the record could not be decoded; it is logged
	// and failed rather than rejecting the whole batch.
	malformed *ValidationError
}

// ChangeOutcome is the per-record result of an upload.
type ChangeOutcome struct {
	SyncID          uuid.UUID  `json:"syncId"`
	EntityType      string     `json:"entityType"`
	EntityID        string     `json:"entityId"`
	Operation       string     `json:"operation"`
	SyncStatus      string     `json:"syncStatus"`
	ServerEntityID  *uuid.UUID `json:"serverEntityId,omitempty"`
	ConflictFields  []string   `json:"conflictFields,omitempty"`
	ServerUpdatedAt *time.Time `json:"serverUpdatedAt,omitempty"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
}

func outcomeOf(r *ChangeRecord) ChangeOutcome {
	return ChangeOutcome{
		SyncID:          r.ID,
		EntityType:      r.EntityType,
		EntityID:        r.EntityID,
		Operation:       r.Operation,
		SyncStatus:      r.SyncStatus,
		ServerEntityID:  r.ServerEntityID,
		ConflictFields:  r.ConflictFields,
		ServerUpdatedAt: r.ServerUpdatedAt,
		ErrorMessage:    r.ErrorMessage,
	}
}

type StatusResult struct {
	DeviceID             string     `json:"deviceId"`
	LastSyncCheckpoint   *time.Time `json:"lastSyncCheckpoint"`
	LastSyncAt           *time.Time `json:"lastSyncAt"`
	SyncInProgress       bool       `json:"syncInProgress"`
	WindowStartedAt      *time.Time `json:"windowStartedAt,omitempty"`
	PendingChanges       int        `json:"pendingChanges"`
	OutstandingConflicts int        `json:"outstandingConflicts"`
}

type InitiateResult struct {
	SyncWindowStartedAt time.Time  `json:"syncWindowStartedAt"`
	LastSyncCheckpoint  *time.Time `json:"lastSyncCheckpoint"`
	Resumed             bool       `json:"resumed"`
}

type DownloadRequest struct {
	Since       *time.Time `json:"lastSyncDate,omitempty"`
	EntityTypes []string   `json:"entityTypes,omitempty"`
	Cursor      string     `json:"cursor,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// EntityChange is one entity delivered to a device.
type EntityChange struct {
	EntityType  string                 `json:"entityType"`
	EntityID    uuid.UUID              `json:"entityId"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Version     int                    `json:"version"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	Deleted     bool                   `json:"deleted"`
	Redelivered bool                   `json:"redelivered,omitempty"`
}

func changeOf(e *Entity) EntityChange {
	c := EntityChange{
		EntityType: e.Kind.WireName(),
		EntityID:   e.ID,
		Version:    e.Version,
		UpdatedAt:  e.UpdatedAt,
		Deleted:    e.Deleted,
	}
	if !e.Deleted {
		c.Data = e.Data
	}
	return c
}

type DownloadResult struct {
	Changes    []EntityChange `json:"changes"`
	HasMore    bool           `json:"hasMore"`
	NextCursor string         `json:"nextCursor,omitempty"`
	Since      *time.Time     `json:"since"`
	ServerTime time.Time      `json:"serverTime"`
}

type CompleteResult struct {
	Completed            bool           `json:"completed"`
	LastSyncCheckpoint   *time.Time     `json:"lastSyncCheckpoint"`
	OutstandingConflicts []ChangeRecord `json:"outstandingConflicts"`
}

type ResolveInput struct {
	SyncID     uuid.UUID              `json:"syncId"`
	Resolution string                 `json:"resolution"`
	MergedData map[string]interface{} `json:"mergedData,omitempty"`
}

type ResolveOutcome struct {
	SyncID             uuid.UUID  `json:"syncId"`
	Success            bool       `json:"success"`
	SyncStatus         string     `json:"syncStatus,omitempty"`
	ConflictResolution string     `json:"conflictResolution,omitempty"`
	ServerEntityID     *uuid.UUID `json:"serverEntityId,omitempty"`
	Error              string     `json:"error,omitempty"`
}

type ResetResult struct {
	DeviceID       string `json:"deviceId"`
	ClearedRecords int    `json:"clearedRecords"`
}
