package mobilesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/hmis/hmis/internal/domain/device"
	"github.com/hmis/hmis/internal/platform/auth"
)

var (
	nurse      = auth.Caller{UserID: "nurse-1", Roles: []string{auth.RoleHealthWorker}}
	otherNurse = auth.Caller{UserID: "nurse-2", Roles: []string{auth.RoleHealthWorker}}
	admin      = auth.Caller{UserID: "admin-1", Roles: []string{auth.RoleAdmin}}
)

// testClock ticks one millisecond on every read so server timestamps are
// strictly increasing.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// Later returns a client timestamp ahead of every server write so far.
func (c *testClock) Later() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Add(time.Minute)
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memChanges struct {
	mu   sync.Mutex
	now  func() time.Time
	recs map[uuid.UUID]*ChangeRecord
	seq  []uuid.UUID
}

func newMemChanges(now func() time.Time) *memChanges {
	return &memChanges{now: now, recs: make(map[uuid.UUID]*ChangeRecord)}
}

func (m *memChanges) Append(_ context.Context, r *ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	r.CreatedAt, r.UpdatedAt = now, now
	c := *r
	m.recs[r.ID] = &c
	m.seq = append(m.seq, r.ID)
	return nil
}

func (m *memChanges) Get(_ context.Context, id uuid.UUID) (*ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, ErrChangeNotFound
	}
	c := *r
	return &c, nil
}

func (m *memChanges) Update(_ context.Context, r *ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[r.ID]; !ok {
		return ErrChangeNotFound
	}
	r.UpdatedAt = m.now()
	c := *r
	m.recs[r.ID] = &c
	return nil
}

func (m *memChanges) CountByStatus(_ context.Context, deviceID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for _, r := range m.recs {
		if r.DeviceID == deviceID {
			out[r.SyncStatus]++
		}
	}
	return out, nil
}

// ordered returns the device's records oldest first.
func (m *memChanges) ordered(deviceID string, keep func(*ChangeRecord) bool) []*ChangeRecord {
	var out []*ChangeRecord
	for _, id := range m.seq {
		r := m.recs[id]
		if r.DeviceID == deviceID && (keep == nil || keep(r)) {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

func (m *memChanges) ListConflicts(_ context.Context, deviceID string) ([]*ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ordered(deviceID, func(r *ChangeRecord) bool { return r.SyncStatus == StatusConflict }), nil
}

func (m *memChanges) History(_ context.Context, deviceID, status string, limit, offset int) ([]*ChangeRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.ordered(deviceID, func(r *ChangeRecord) bool { return status == "" || r.SyncStatus == status })
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
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

func (m *memChanges) ResetOpen(_ context.Context, deviceID, message string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs {
		if r.DeviceID == deviceID && (r.SyncStatus == StatusPending || r.SyncStatus == StatusConflict) {
			r.fail(message)
			r.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *memChanges) ServerResolvedSince(_ context.Context, deviceID string, since time.Time) ([]EntityKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EntityKey
	for _, r := range m.ordered(deviceID, nil) {
		if r.ConflictResolution != ResolutionServer || r.ResolvedAt == nil || !r.ResolvedAt.After(since) {
			continue
		}
		if key, err := recordKey(r); err == nil {
			out = append(out, key)
		}
	}
	return out, nil
}

type memEntities struct {
	mu   sync.Mutex
	now  func() time.Time
	data map[EntityKey]*Entity
}

func newMemEntities(now func() time.Time) *memEntities {
	return &memEntities{now: now, data: make(map[EntityKey]*Entity)}
}

func (m *memEntities) GetForUpdate(_ context.Context, key EntityKey) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, ErrEntityNotFound
	}
	c := *e
	return &c, nil
}

func (m *memEntities) GetMany(_ context.Context, keys []EntityKey) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entity
	for _, k := range keys {
		if e, ok := m.data[k]; ok {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memEntities) Insert(ctx context.Context, w EntityWrite) (*Entity, error) {
	m.mu.Lock()
	_, exists := m.data[EntityKey{Kind: w.Kind, ID: w.ID}]
	m.mu.Unlock()
	if exists {
		return nil, ErrEntityExists
	}
	return m.Put(ctx, w)
}

func (m *memEntities) Put(_ context.Context, w EntityWrite) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := EntityKey{Kind: w.Kind, ID: w.ID}
	now := m.now()
	e, ok := m.data[key]
	if !ok {
		e = &Entity{Kind: w.Kind, ID: w.ID, CreatedAt: now}
		m.data[key] = e
	}
	e.Data = Merge(nil, w.Data)
	e.FacilityID, e.OccurredAt = w.Kind.Extract(w.Data)
	e.Version++
	ts, dev := w.SourceTimestamp, w.DeviceID
	e.SourceTimestamp, e.UpdatedByDevice = &ts, &dev
	e.UpdatedAt = now
	e.Deleted, e.DeletedAt = false, nil
	c := *e
	return &c, nil
}

func (m *memEntities) Tombstone(_ context.Context, key EntityKey, deviceID string, sourceTimestamp time.Time) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, ErrEntityNotFound
	}
	now := m.now()
	e.Version++
	e.Deleted, e.DeletedAt = true, &now
	e.SourceTimestamp, e.UpdatedByDevice = &sourceTimestamp, &deviceID
	e.UpdatedAt = now
	c := *e
	return &c, nil
}

func (m *memEntities) Changes(_ context.Context, q ChangesQuery) ([]*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := map[Kind]bool{}
	for _, k := range q.Kinds {
		kinds[k] = true
	}
	var out []*Entity
	for _, e := range m.data {
		if !e.UpdatedAt.After(q.Since) {
			continue
		}
		if len(kinds) > 0 && !kinds[e.Kind] {
			continue
		}
		if q.After != nil && !q.After.before(e) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return strings.Compare(a.ID.String(), b.ID.String()) < 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

type harness struct {
	coord    *Coordinator
	devices  *device.Service
	repo     *device.MemoryRepository
	changes  *memChanges
	entities *memEntities
	clock    *testClock
}

// newHarness wires a coordinator over memory stores with D1 registered to
// nurse-1 and D2 to nurse-2.
func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newTestClock()
	repo := device.NewMemoryRepository()
	repo.Now = clock.Now
	devices := device.NewService(repo)
	h := &harness{
		devices:  devices,
		repo:     repo,
		changes:  newMemChanges(clock.Now),
		entities: newMemEntities(clock.Now),
		clock:    clock,
	}
	h.coord = NewCoordinator(devices, h.changes, h.entities, noTx{}, NewMemoryLocker(), Options{
		PageSize: 100,
		Logger:   zerolog.Nop(),
		Now:      clock.Now,
	})
	for id, owner := range map[string]string{"D1": nurse.UserID, "D2": otherNurse.UserID} {
		in := device.RegisterInput{DeviceID: id, DeviceName: id, DeviceType: "android", AppVersion: "1.0.0"}
		if _, err := devices.Register(context.Background(), in, owner); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	return h
}

// rewire rebuilds the coordinator over other stores, keeping devices and
// the clock.
func (h *harness) rewire(changes ChangeLog, entities EntityStore) {
	h.coord = NewCoordinator(h.devices, changes, entities, noTx{}, NewMemoryLocker(), Options{
		PageSize: 100,
		Logger:   zerolog.Nop(),
		Now:      h.clock.Now,
	})
}

// pgStrictChanges rejects text Postgres would refuse: invalid UTF-8 or NUL
// in columns (22021) and NUL inside the jsonb payload (22P05).
type pgStrictChanges struct {
	*memChanges
	rejectPayload func(map[string]interface{}) bool
}

func (s pgStrictChanges) check(r *ChangeRecord) error {
	texts := []string{r.EntityType, r.EntityID, r.Operation}
	if r.ErrorMessage != nil {
		texts = append(texts, *r.ErrorMessage)
	}
	for _, v := range texts {
		if !utf8.ValidString(v) || strings.ContainsRune(v, 0) {
			return &pgconn.PgError{Code: "22021", Message: "invalid byte sequence for encoding \"UTF8\""}
		}
	}
	if r.Payload != nil {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return err
		}
		if bytes.Contains(raw, []byte(`\u0000`)) || (s.rejectPayload != nil && s.rejectPayload(r.Payload)) {
			return &pgconn.PgError{Code: "22P05", Message: "unsupported Unicode escape sequence"}
		}
	}
	return nil
}

func (s pgStrictChanges) Append(ctx context.Context, r *ChangeRecord) error {
	if err := s.check(r); err != nil {
		return fmt.Errorf("append change record: %w", err)
	}
	return s.memChanges.Append(ctx, r)
}

func (s pgStrictChanges) Update(ctx context.Context, r *ChangeRecord) error {
	if err := s.check(r); err != nil {
		return fmt.Errorf("update change record: %w", err)
	}
	return s.memChanges.Update(ctx, r)
}

// lateEntities hides one key from the first GetForUpdate, as when another
// device's create commits between our read and our insert.
type lateEntities struct {
	*memEntities
	hide   EntityKey
	hidden bool
}

func (l *lateEntities) GetForUpdate(ctx context.Context, key EntityKey) (*Entity, error) {
	if key == l.hide && !l.hidden {
		l.hidden = true
		return nil, ErrEntityNotFound
	}
	return l.memEntities.GetForUpdate(ctx, key)
}

func (h *harness) initiate(t *testing.T, deviceID string, caller auth.Caller) *InitiateResult {
	t.Helper()
	res, err := h.coord.Initiate(context.Background(), deviceID, caller)
	if err != nil {
		t.Fatalf("initiate %s: %v", deviceID, err)
	}
	return res
}

func (h *harness) upload(t *testing.T, deviceID string, caller auth.Caller, entities ...UploadEntity) []ChangeOutcome {
	t.Helper()
	out, err := h.coord.UploadChanges(context.Background(), deviceID, caller, entities)
	if err != nil {
		t.Fatalf("upload %s: %v", deviceID, err)
	}
	if len(out) != len(entities) {
		t.Fatalf("expected %d outcomes, got %d", len(entities), len(out))
	}
	return out
}

func (h *harness) complete(t *testing.T, deviceID string, caller auth.Caller) *CompleteResult {
	t.Helper()
	res, err := h.coord.CompleteSync(context.Background(), deviceID, caller)
	if err != nil {
		t.Fatalf("complete %s: %v", deviceID, err)
	}
	return res
}

func patient(op string, id uuid.UUID, ts time.Time, data map[string]interface{}) UploadEntity {
	return UploadEntity{EntityType: "Patient", EntityID: id.String(), Operation: op, Data: data, LocalTimestamp: ts}
}

func amina() map[string]interface{} {
	return map[string]interface{}{"firstName": "Amina", "lastName": "Okafor", "facilityId": "F1"}
}
