package mobilesync

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// conflicted leaves D1 with one conflicting update of a patient D2 created.
func conflicted(t *testing.T) (*harness, uuid.UUID, uuid.UUID) {
	t.Helper()
	h := newHarness(t)
	id := uuid.New()
	stale := h.clock.Now()
	h.initiate(t, "D2", otherNurse)
	h.upload(t, "D2", otherNurse, patient(OpCreate, id, h.clock.Later(), amina()))

	h.initiate(t, "D1", nurse)
	out := h.upload(t, "D1", nurse, patient(OpUpdate, id, stale, map[string]interface{}{"lastName": "Bello"}))
	if out[0].SyncStatus != StatusConflict {
		t.Fatalf("setup: expected conflict, got %+v", out[0])
	}
	return h, id, out[0].SyncID
}

func resolveOne(t *testing.T, h *harness, in ResolveInput) ResolveOutcome {
	t.Helper()
	out, err := h.coord.ResolveConflicts(context.Background(), "D1", nurse, []ResolveInput{in})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return out[0]
}

func TestResolve_Local(t *testing.T) {
	h, id, syncID := conflicted(t)
	o := resolveOne(t, h, ResolveInput{SyncID: syncID, Resolution: "local"})
	if !o.Success || o.ConflictResolution != ResolutionLocal || o.SyncStatus != StatusCompleted {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	e := h.entities.data[EntityKey{Kind: KindPatient, ID: id}]
	if e.Data["lastName"] != "Bello" || e.Data["firstName"] != "Amina" {
		t.Errorf("local change should merge over server state, got %v", e.Data)
	}
	if e.Version != 2 {
		t.Errorf("expected version 2, got %d", e.Version)
	}
}

func TestResolve_Server(t *testing.T) {
	h, id, syncID := conflicted(t)
	o := resolveOne(t, h, ResolveInput{SyncID: syncID, Resolution: "SERVER"})
	if !o.Success || o.ServerEntityID == nil || *o.ServerEntityID != id {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	e := h.entities.data[EntityKey{Kind: KindPatient, ID: id}]
	if e.Data["lastName"] != "Okafor" || e.Version != 1 {
		t.Errorf("server resolution must not touch the entity, got %+v", e)
	}
	rec, _ := h.changes.Get(context.Background(), syncID)
	if rec.ResolvedAt == nil {
		t.Error("resolvedAt should be set")
	}
}

func TestResolve_Merged(t *testing.T) {
	h, id, syncID := conflicted(t)

	o := resolveOne(t, h, ResolveInput{SyncID: syncID, Resolution: "merged"})
	if o.Success || o.Error == "" {
		t.Errorf("merged without data should fail, got %+v", o)
	}
	o = resolveOne(t, h, ResolveInput{SyncID: syncID, Resolution: "merged", MergedData: map[string]interface{}{"lastName": "Okafor-Bello"}})
	if o.Success {
		t.Errorf("merged data missing required fields should fail, got %+v", o)
	}

	merged := map[string]interface{}{"firstName": "Amina", "lastName": "Okafor-Bello"}
	o = resolveOne(t, h, ResolveInput{SyncID: syncID, Resolution: "merged", MergedData: merged})
	if !o.Success {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	e := h.entities.data[EntityKey{Kind: KindPatient, ID: id}]
	if e.Data["lastName"] != "Okafor-Bello" {
		t.Errorf("merged data not written: %v", e.Data)
	}
	if _, ok := e.Data["facilityId"]; ok {
		t.Error("merged data replaces the server copy")
	}
}

func TestResolve_Idempotence(t *testing.T) {
	h, _, syncID := conflicted(t)
	if o := resolveOne(t, h, ResolveInput{SyncID: syncID, Resolution: "server"}); !o.Success {
		t.Fatalf("first resolution failed: %+v", o)
	}
	o := resolveOne(t, h, ResolveInput{SyncID: syncID, Resolution: "local"})
	if o.Success || o.Error != ErrAlreadyResolved.Error() {
		t.Errorf("second resolution should be rejected, got %+v", o)
	}
	rec, _ := h.changes.Get(context.Background(), syncID)
	if rec.ConflictResolution != ResolutionServer {
		t.Errorf("first resolution must stand, got %q", rec.ConflictResolution)
	}
}

func TestResolve_PerItemOutcomes(t *testing.T) {
	h, _, syncID := conflicted(t)
	out, err := h.coord.ResolveConflicts(context.Background(), "D1", nurse, []ResolveInput{
		{SyncID: uuid.New(), Resolution: "server"},
		{SyncID: syncID, Resolution: "both"},
		{SyncID: syncID, Resolution: "server"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Success || out[0].Error != ErrChangeNotFound.Error() {
		t.Errorf("unknown sync id: %+v", out[0])
	}
	if out[1].Success || out[1].Error == "" {
		t.Errorf("bad resolution: %+v", out[1])
	}
	if !out[2].Success {
		t.Errorf("valid item should succeed despite failing siblings: %+v", out[2])
	}
}

func TestResolve_OtherDevicesRecord(t *testing.T) {
	h, _, syncID := conflicted(t)
	out, err := h.coord.ResolveConflicts(context.Background(), "D2", otherNurse, []ResolveInput{{SyncID: syncID, Resolution: "server"}})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Success || out[0].Error != ErrChangeNotFound.Error() {
		t.Errorf("records of another device must not be resolvable, got %+v", out[0])
	}
}

func TestResolve_LocalDeleteOverLive(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()
	stale := h.clock.Now()
	h.initiate(t, "D2", otherNurse)
	h.upload(t, "D2", otherNurse, patient(OpCreate, id, h.clock.Later(), amina()))
	h.initiate(t, "D1", nurse)
	out := h.upload(t, "D1", nurse, patient(OpDelete, id, stale, nil))
	if out[0].SyncStatus != StatusConflict {
		t.Fatalf("setup: expected conflict, got %+v", out[0])
	}

	if o := resolveOne(t, h, ResolveInput{SyncID: out[0].SyncID, Resolution: "local"}); !o.Success {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if !h.entities.data[EntityKey{Kind: KindPatient, ID: id}].Deleted {
		t.Error("local delete should tombstone the entity")
	}
}
