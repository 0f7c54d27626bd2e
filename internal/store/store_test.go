package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rc-construcoes/rcsync/internal/model"
)

// newTestStore opens a file-backed store in a temp dir.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testClient(email string) *model.Client {
	return &model.Client{Name: "Acme Ltda", Email: email, Phone: "123"}
}

// ackChain acknowledges a record's create so it counts as synced.
func ackChain(t *testing.T, s *Store, entity string, localID, serverID int64) {
	t.Helper()
	ctx := context.Background()
	chain, err := s.ChainEntries(ctx, entity, localID)
	if err != nil {
		t.Fatalf("ChainEntries() failed: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("chain length = %d, want 1", len(chain))
	}
	if err := s.AckCreate(ctx, entity, localID, serverID, 1, chain[0].ID); err != nil {
		t.Fatalf("AckCreate() failed: %v", err)
	}
}

func TestCreateJournalsPendingCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if c.ID == 0 {
		t.Fatal("Create() did not assign a local id")
	}
	if c.SyncStatus != model.StatusPendingCreate {
		t.Errorf("SyncStatus = %v, want pending-create", c.SyncStatus)
	}

	chain, err := s.ChainEntries(ctx, model.EntityClients, c.ID)
	if err != nil {
		t.Fatalf("ChainEntries() failed: %v", err)
	}
	if len(chain) != 1 || chain[0].Op != model.OpCreate {
		t.Fatalf("chain = %+v, want one create entry", chain)
	}
}

// An offline create followed by edits must stay a single create entry whose
// payload carries the final fields, so the server sees exactly one POST.
func TestUpdateCoalescesIntoPendingCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	c.Phone = "999"
	if err := s.Update(ctx, c); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	c.Name = "Acme SA"
	if err := s.Update(ctx, c); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	chain, _ := s.ChainEntries(ctx, model.EntityClients, c.ID)
	if len(chain) != 1 {
		t.Fatalf("chain length = %d, want 1", len(chain))
	}
	if chain[0].Op != model.OpCreate {
		t.Errorf("op = %q, want create", chain[0].Op)
	}
	var payload model.Client
	if err := json.Unmarshal(chain[0].Payload, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.Phone != "999" || payload.Name != "Acme SA" {
		t.Errorf("payload = %+v, want final fields", payload)
	}

	got, err := s.Get(ctx, model.EntityClients, c.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.MetaRef().SyncStatus != model.StatusPendingCreate {
		t.Errorf("status = %v, want pending-create", got.MetaRef().SyncStatus)
	}
}

func TestUpdateSyncedRecordKeepsBaseImage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	ackChain(t, s, model.EntityClients, c.ID, c.ID)

	c.SyncStatus = model.StatusSynced
	c.Phone = "111"
	if err := s.Update(ctx, c); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	c.Phone = "222"
	if err := s.Update(ctx, c); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	chain, _ := s.ChainEntries(ctx, model.EntityClients, c.ID)
	if len(chain) != 1 || chain[0].Op != model.OpUpdate {
		t.Fatalf("chain = %+v, want one update entry", chain)
	}

	var base model.Client
	if err := json.Unmarshal(chain[0].BasePayload, &base); err != nil {
		t.Fatalf("bad base payload: %v", err)
	}
	if base.Phone != "123" {
		t.Errorf("base phone = %q, want the pre-edit value", base.Phone)
	}

	touched, err := chain[0].TouchedFields()
	if err != nil {
		t.Fatalf("TouchedFields() failed: %v", err)
	}
	if !touched["phone"] || touched["name"] {
		t.Errorf("touched = %v, want only phone (and bookkeeping)", touched)
	}
}

func TestDeletePendingCreateErasesRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := s.Delete(ctx, model.EntityClients, c.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if _, err := s.Get(ctx, model.EntityClients, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete = %v, want ErrNotFound", err)
	}
	n, _ := s.JournalCount(ctx)
	if n != 0 {
		t.Errorf("journal count = %d, want 0 (nothing to tell the server)", n)
	}
}

func TestDeleteSyncedRecordLeavesTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	ackChain(t, s, model.EntityClients, c.ID, c.ID)

	if err := s.Delete(ctx, model.EntityClients, c.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if _, err := s.Get(ctx, model.EntityClients, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("tombstone visible through Get(): %v", err)
	}

	chain, _ := s.ChainEntries(ctx, model.EntityClients, c.ID)
	if len(chain) != 1 || chain[0].Op != model.OpDelete {
		t.Fatalf("chain = %+v, want one delete entry", chain)
	}
	if len(chain[0].BasePayload) == 0 {
		t.Error("delete entry lost its base image")
	}

	// The acknowledgement erases the tombstone for good.
	if err := s.AckDelete(ctx, model.EntityClients, c.ID, chain[0].ID); err != nil {
		t.Fatalf("AckDelete() failed: %v", err)
	}
	n, _ := s.JournalCount(ctx)
	if n != 0 {
		t.Errorf("journal count after ack = %d, want 0", n)
	}
}

func TestDeleteSupersedesQueuedUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	ackChain(t, s, model.EntityClients, c.ID, c.ID)

	c.SyncStatus = model.StatusSynced
	c.Phone = "111"
	if err := s.Update(ctx, c); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := s.Delete(ctx, model.EntityClients, c.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	chain, _ := s.ChainEntries(ctx, model.EntityClients, c.ID)
	if len(chain) != 1 || chain[0].Op != model.OpDelete {
		t.Fatalf("chain = %+v, want the delete to supersede the update", chain)
	}
}

func TestUniqueEmailCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, testClient("a@b.com")); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	// Same address after normalization.
	err := s.Create(ctx, testClient("  A@B.com "))
	if !errors.Is(err, ErrConstraint) {
		t.Errorf("Create() duplicate = %v, want ErrConstraint", err)
	}
}

func TestOpenFallsBackToMemory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Parent "directory" is a regular file, so the real open must fail.
	s, err := Open(context.Background(), filepath.Join(blocker, "db.sqlite"), nil)
	if err != nil {
		t.Fatalf("Open() failed instead of falling back: %v", err)
	}
	defer s.Close()

	if !s.IsFallback() {
		t.Fatal("IsFallback() = false, want true")
	}

	// Degraded mode still accepts writes.
	c := testClient("a@b.com")
	if err := s.Create(context.Background(), c); err != nil {
		t.Errorf("Create() on fallback failed: %v", err)
	}
}

func TestAckCreateRemapsChildReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	b := &model.Budget{ClientID: c.ID, Title: "Roof", Amount: 100}
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	ackChain(t, s, model.EntityClients, c.ID, 1001)

	got, err := s.Get(ctx, model.EntityClients, 1001)
	if err != nil {
		t.Fatalf("Get() by server id failed: %v", err)
	}
	if got.MetaRef().SyncStatus != model.StatusSynced {
		t.Errorf("status = %v, want synced", got.MetaRef().SyncStatus)
	}

	budget, err := s.Get(ctx, model.EntityBudgets, b.ID)
	if err != nil {
		t.Fatalf("Get() budget failed: %v", err)
	}
	if budget.(*model.Budget).ClientID != 1001 {
		t.Errorf("budget.ClientID = %d, want remapped 1001", budget.(*model.Budget).ClientID)
	}
}

func TestAckCreateRewritesQueuedChildPayloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	b := &model.Budget{ClientID: c.ID, Title: "Roof", Amount: 100}
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	ackChain(t, s, model.EntityClients, c.ID, 1001)

	// The budget's queued payload is sent verbatim, so the reference
	// inside it must follow the remap like the table row did.
	chain, err := s.ChainEntries(ctx, model.EntityBudgets, b.ID)
	if err != nil {
		t.Fatalf("ChainEntries() failed: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("chain length = %d, want 1", len(chain))
	}
	var queued struct {
		ClientID int64 `json:"clientId"`
	}
	if err := json.Unmarshal(chain[0].Payload, &queued); err != nil {
		t.Fatalf("failed to decode queued payload: %v", err)
	}
	if queued.ClientID != 1001 {
		t.Errorf("queued payload clientId = %d, want remapped 1001", queued.ClientID)
	}
}

func TestMarkConflictSuspendsChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	chain, _ := s.ChainEntries(ctx, model.EntityClients, c.ID)

	if err := s.MarkConflict(ctx, model.EntityClients, c.ID, chain[0].ID, "server said no"); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}

	pending, _ := s.PendingEntries(ctx)
	if len(pending) != 0 {
		t.Errorf("suspended entry still pending: %+v", pending)
	}

	refs, err := s.Conflicts(ctx)
	if err != nil {
		t.Fatalf("Conflicts() failed: %v", err)
	}
	if len(refs) != 1 || refs[0].LocalID != c.ID {
		t.Errorf("Conflicts() = %+v", refs)
	}
}

func TestApplyServerRecordRespectsPendingChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// A delta for a record with pending local changes must not be applied.
	payload := json.RawMessage(`{"id":` + jsonInt(c.ID) + `,"name":"Server","email":"a@b.com","serverVersion":3}`)
	applied, blocked, err := s.ApplyServerRecord(ctx, model.EntityClients, payload)
	if err != nil {
		t.Fatalf("ApplyServerRecord() failed: %v", err)
	}
	if applied || blocked != model.StatusPendingCreate {
		t.Errorf("applied = %v, blocked = %v", applied, blocked)
	}

	// A delta for an unknown record is inserted as synced.
	fresh := json.RawMessage(`{"id":500,"name":"Server","email":"s@b.com","serverVersion":1}`)
	applied, _, err = s.ApplyServerRecord(ctx, model.EntityClients, fresh)
	if err != nil {
		t.Fatalf("ApplyServerRecord() failed: %v", err)
	}
	if !applied {
		t.Fatal("fresh delta was not applied")
	}
	got, err := s.Get(ctx, model.EntityClients, 500)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.MetaRef().SyncStatus != model.StatusSynced || got.MetaRef().ServerVersion != 1 {
		t.Errorf("meta = %+v, want synced v1", got.MetaRef())
	}
}

func TestFindFilterOrderAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := testClient("a@b.com")
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	for _, amount := range []float64{300, 100, 200} {
		b := &model.Budget{ClientID: c.ID, Title: "Job", Amount: amount}
		if err := s.Create(ctx, b); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}

	got, err := s.Find(ctx, model.EntityBudgets, FindOptions{
		Filter:  map[string]any{"clientId": c.ID},
		OrderBy: "amount",
	})
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Find() returned %d records, want 3", len(got))
	}
	if got[0].(*model.Budget).Amount != 100 {
		t.Errorf("first amount = %v, want 100", got[0].(*model.Budget).Amount)
	}

	n, err := s.Count(ctx, model.EntityBudgets, map[string]any{"clientId": c.ID})
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}

	if _, err := s.Find(ctx, model.EntityBudgets, FindOptions{OrderBy: "nope"}); err == nil {
		t.Error("Find() accepted unknown order field")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cursor, err := s.GetCursor(ctx, model.EntityClients)
	if err != nil || cursor != "" {
		t.Fatalf("GetCursor() = %q, %v; want empty", cursor, err)
	}
	if err := s.SetCursor(ctx, model.EntityClients, "42"); err != nil {
		t.Fatalf("SetCursor() failed: %v", err)
	}
	if err := s.SetCursor(ctx, model.EntityClients, "43"); err != nil {
		t.Fatalf("SetCursor() overwrite failed: %v", err)
	}
	cursor, _ = s.GetCursor(ctx, model.EntityClients)
	if cursor != "43" {
		t.Errorf("GetCursor() = %q, want 43", cursor)
	}
}

func TestBacklogHigh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path, &Options{JournalSoftLimit: 1})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	high, _ := s.BacklogHigh(ctx)
	if high {
		t.Fatal("empty journal reported high")
	}
	if err := s.Create(ctx, testClient("a@b.com")); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, testClient("b@b.com")); err != nil {
		t.Fatal(err)
	}
	high, _ = s.BacklogHigh(ctx)
	if !high {
		t.Error("journal over the soft limit not reported high")
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
