package device

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

const (
	TypeAndroid = "android"
	TypeIOS     = "ios"
	TypeWeb     = "web"
)

var validDeviceTypes = map[string]bool{
	TypeAndroid: true, TypeIOS: true, TypeWeb: true,
}

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrForbidden          = errors.New("caller may not act on this device")
	ErrDeviceInactive     = errors.New("device is not active")
	ErrDeviceOwnedByOther = errors.New("device is registered to another user")
	ErrDeviceRevoked      = errors.New("device has been revoked")
	ErrInvalidTransition  = errors.New("invalid device status transition")
	ErrInvalidDevice      = errors.New("invalid device")
	ErrNoSyncWindow       = errors.New("no sync window open")
)

// Device is a client installation bound to one user account. Devices are
// never hard-deleted; DeletedAt marks a logical deletion.
type Device struct {
	DeviceID            string     `json:"deviceId"`
	DeviceName          string     `json:"deviceName"`
	OwnerUserID         string     `json:"ownerUserId"`
	DeviceType          string     `json:"deviceType"`
	AppVersion          string     `json:"appVersion"`
	PushToken           *string    `json:"pushToken,omitempty"`
	Status              string     `json:"status"`
	LastSyncCheckpoint  *time.Time `json:"lastSyncCheckpoint,omitempty"`
	SyncWindowStartedAt *time.Time `json:"syncWindowStartedAt,omitempty"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	DeletedAt           *time.Time `json:"deletedAt,omitempty"`
}

func (d *Device) IsActive() bool {
	return d.Status == StatusActive && d.DeletedAt == nil
}

func (d *Device) IsDeleted() bool {
	return d.DeletedAt != nil
}

func (d *Device) SyncInProgress() bool {
	return d.SyncWindowStartedAt != nil
}

type RegisterInput struct {
	DeviceID   string  `json:"deviceId"`
	DeviceName string  `json:"deviceName"`
	DeviceType string  `json:"deviceType"`
	AppVersion string  `json:"appVersion"`
	PushToken  *string `json:"pushToken,omitempty"`
}

func (in *RegisterInput) Validate() error {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	in.DeviceType = strings.ToLower(strings.TrimSpace(in.DeviceType))
	if in.DeviceID == "" {
		return fmt.Errorf("%w: deviceId is required", ErrInvalidDevice)
	}
	if len(in.DeviceID) > 128 {
		return fmt.Errorf("%w: deviceId exceeds 128 characters", ErrInvalidDevice)
	}
	if !validDeviceTypes[in.DeviceType] {
		return fmt.Errorf("%w: deviceType must be one of android, ios, web", ErrInvalidDevice)
	}
	return nil
}

// Actions that move a device through its lifecycle.
const (
	actionActivate   = "activate"
	actionDeactivate = "deactivate"
	actionRevoke     = "revoke"
)

// nextStatus applies action to from. Requests that land on the current
// state are accepted as no-ops; nothing leaves revoked except a revoke.
func nextStatus(from, action string) (string, error) {
	switch action {
	case actionActivate:
		if from == StatusActive || from == StatusSuspended {
			return StatusActive, nil
		}
	case actionDeactivate:
		if from == StatusActive || from == StatusSuspended {
			return StatusSuspended, nil
		}
	case actionRevoke:
		return StatusRevoked, nil
	}
	return "", fmt.Errorf("%w: cannot %s a %s device", ErrInvalidTransition, action, from)
}
