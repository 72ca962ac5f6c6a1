package device

import (
	"context"
	"fmt"
	"time"

	"github.com/hmis/hmis/internal/platform/auth"
)

type Service struct {
	devices Repository
}

func NewService(devices Repository) *Service {
	return &Service{devices: devices}
}

// Register creates the device or, when the same owner registers an id again,
// refreshes its descriptive fields and returns it.
func (s *Service) Register(ctx context.Context, in RegisterInput, ownerUserID string) (*Device, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if ownerUserID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidDevice)
	}

	d, created, err := s.devices.Create(ctx, &Device{
		DeviceID:    in.DeviceID,
		DeviceName:  in.DeviceName,
		OwnerUserID: ownerUserID,
		DeviceType:  in.DeviceType,
		AppVersion:  in.AppVersion,
		PushToken:   in.PushToken,
		Status:      StatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	if created {
		return d, nil
	}

	if d.OwnerUserID != ownerUserID {
		return nil, ErrDeviceOwnedByOther
	}
	if d.IsDeleted() {
		return nil, ErrDeviceRevoked
	}
	d.DeviceName = in.DeviceName
	d.DeviceType = in.DeviceType
	d.AppVersion = in.AppVersion
	if in.PushToken != nil {
		d.PushToken = in.PushToken
	}
	if err := s.devices.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("refresh device: %w", err)
	}
	return s.devices.Get(ctx, d.DeviceID)
}

// Get returns a device that has not been deleted.
func (s *Service) Get(ctx context.Context, deviceID string) (*Device, error) {
	d, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.IsDeleted() {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

// GetForCaller is Get restricted to the owner or an admin.
func (s *Service) GetForCaller(ctx context.Context, deviceID string, caller auth.Caller) (*Device, error) {
	d, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !caller.CanActFor(d.OwnerUserID) {
		return nil, ErrForbidden
	}
	return d, nil
}

// Authorize loads a device for a sync operation: it must exist, be usable
// by caller and be active.
func (s *Service) Authorize(ctx context.Context, deviceID string, caller auth.Caller) (*Device, error) {
	d, err := s.GetForCaller(ctx, deviceID, caller)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusActive {
		return nil, ErrDeviceInactive
	}
	return d, nil
}

func (s *Service) Activate(ctx context.Context, deviceID string, caller auth.Caller) (*Device, error) {
	return s.transition(ctx, deviceID, caller, actionActivate)
}

func (s *Service) Deactivate(ctx context.Context, deviceID string, caller auth.Caller) (*Device, error) {
	return s.transition(ctx, deviceID, caller, actionDeactivate)
}

func (s *Service) Revoke(ctx context.Context, deviceID string, caller auth.Caller) (*Device, error) {
	return s.transition(ctx, deviceID, caller, actionRevoke)
}

// Delete revokes the device and marks it deleted. Its change records stay.
func (s *Service) Delete(ctx context.Context, deviceID string, caller auth.Caller) error {
	d, err := s.GetForCaller(ctx, deviceID, caller)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	d.Status = StatusRevoked
	d.DeletedAt = &now
	return s.devices.Update(ctx, d)
}

func (s *Service) transition(ctx context.Context, deviceID string, caller auth.Caller, action string) (*Device, error) {
	d, err := s.GetForCaller(ctx, deviceID, caller)
	if err != nil {
		return nil, err
	}
	next, err := nextStatus(d.Status, action)
	if err != nil {
		return nil, err
	}
	if next == d.Status {
		return d, nil
	}
	d.Status = next
	if err := s.devices.Update(ctx, d); err != nil {
		return nil, err
	}
	return s.devices.Get(ctx, deviceID)
}

func (s *Service) ListByOwner(ctx context.Context, ownerUserID string, limit, offset int) ([]*Device, int, error) {
	return s.devices.ListByOwner(ctx, ownerUserID, limit, offset)
}

func (s *Service) OpenSyncWindow(ctx context.Context, deviceID string) (*Device, bool, error) {
	return s.devices.OpenSyncWindow(ctx, deviceID)
}

func (s *Service) AdvanceCheckpoint(ctx context.Context, deviceID string) (*Device, error) {
	return s.devices.AdvanceCheckpoint(ctx, deviceID)
}

func (s *Service) ResetSyncState(ctx context.Context, deviceID string) error {
	return s.devices.ResetSyncState(ctx, deviceID)
}
