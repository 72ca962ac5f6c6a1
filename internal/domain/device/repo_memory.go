package device

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a Repository held in process memory. It backs unit
// tests and single-node development runs without a database.
type MemoryRepository struct {
	mu    sync.Mutex
	store map[string]*Device
	// Now is the clock used for timestamps.
	Now func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		store: make(map[string]*Device),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) Create(_ context.Context, d *Device) (*Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.store[d.DeviceID]; ok {
		c := *existing
		return &c, false, nil
	}
	now := m.Now()
	stored := *d
	stored.CreatedAt, stored.UpdatedAt = now, now
	m.store[d.DeviceID] = &stored
	c := stored
	return &c, true, nil
}

func (m *MemoryRepository) Get(_ context.Context, deviceID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	c := *d
	return &c, nil
}

func (m *MemoryRepository) Update(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.store[d.DeviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	cur.DeviceName = d.DeviceName
	cur.DeviceType = d.DeviceType
	cur.AppVersion = d.AppVersion
	cur.PushToken = d.PushToken
	cur.Status = d.Status
	cur.DeletedAt = d.DeletedAt
	cur.UpdatedAt = m.Now()
	return nil
}

func (m *MemoryRepository) ListByOwner(_ context.Context, ownerUserID string, limit, offset int) ([]*Device, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Device
	for _, d := range m.store {
		if d.OwnerUserID == ownerUserID && d.DeletedAt == nil {
			c := *d
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepository) OpenSyncWindow(_ context.Context, deviceID string) (*Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[deviceID]
	if !ok || d.DeletedAt != nil {
		return nil, false, ErrDeviceNotFound
	}
	resumed := d.SyncWindowStartedAt != nil
	if !resumed {
		now := m.Now()
		d.SyncWindowStartedAt = &now
		d.UpdatedAt = now
	}
	c := *d
	return &c, resumed, nil
}

func (m *MemoryRepository) AdvanceCheckpoint(_ context.Context, deviceID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[deviceID]
	if !ok || d.DeletedAt != nil {
		return nil, ErrDeviceNotFound
	}
	if d.SyncWindowStartedAt == nil {
		return nil, ErrNoSyncWindow
	}
	start := *d.SyncWindowStartedAt
	if d.LastSyncCheckpoint == nil || start.After(*d.LastSyncCheckpoint) {
		d.LastSyncCheckpoint = &start
	}
	now := m.Now()
	d.LastSyncAt = &now
	d.SyncWindowStartedAt = nil
	d.UpdatedAt = now
	c := *d
	return &c, nil
}

func (m *MemoryRepository) ResetSyncState(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.LastSyncCheckpoint = nil
	d.SyncWindowStartedAt = nil
	d.UpdatedAt = m.Now()
	return nil
}
