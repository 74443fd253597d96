package table_test

import (
	"bytes"
	"testing"

	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/errors"
	"github.com/wippyai/wasm-resources/registry"
	"github.com/wippyai/wasm-resources/table"
)

const (
	instA = wasmres.InstanceID(1)
	instB = wasmres.InstanceID(2)
	instC = wasmres.InstanceID(3)
)

type countingFinalizer struct {
	calls    int
	lastSeen []byte
	fail     error
}

func (f *countingFinalizer) Finalize(payload []byte) error {
	f.calls++
	f.lastSeen = append([]byte(nil), payload...)
	return f.fail
}

func newTable(t *testing.T, fin wasmres.Finalizer, cfg table.Config) (*table.Table, wasmres.TypeID) {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	id, err := reg.Register("buffer", 0, fin, wasmres.LevelQM)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return table.New(reg, cfg), id
}

func TestCreateAndGet(t *testing.T) {
	tbl, typ := newTable(t, nil, table.Config{})

	h, err := tbl.Create(typ, []byte("payload"), instA)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if h.IsZero() {
		t.Fatal("expected non-zero handle")
	}

	res, err := tbl.Get(h)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(res.Payload(), []byte("payload")) {
		t.Errorf("payload mismatch: %q", res.Payload())
	}
	if res.Owner != instA {
		t.Errorf("expected owner %d, got %d", instA, res.Owner)
	}
	if res.RefCount != 1 {
		t.Errorf("expected refcount 1, got %d", res.RefCount)
	}
	if res.State != wasmres.StateActive {
		t.Errorf("expected Active, got %v", res.State)
	}
}

func TestCreateUnknownType(t *testing.T) {
	tbl, _ := newTable(t, nil, table.Config{})

	if _, err := tbl.Create(99, nil, instA); !errors.IsKind(err, errors.KindUnknownType) {
		t.Fatalf("expected UnknownType, got %v", err)
	}
}

func TestCreateSizeHint(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	typ, err := reg.Register("small", 4, nil, wasmres.LevelQM)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	tbl := table.New(reg, table.Config{})

	if _, err := tbl.Create(typ, []byte("fits"), instA); err != nil {
		t.Fatalf("Create within hint failed: %v", err)
	}
	if _, err := tbl.Create(typ, []byte("too big"), instA); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestCreateCapacity(t *testing.T) {
	tbl, typ := newTable(t, nil, table.Config{MaxResources: 2})

	if _, err := tbl.Create(typ, nil, instA); err != nil {
		t.Fatalf("Create 1 failed: %v", err)
	}
	if _, err := tbl.Create(typ, nil, instA); err != nil {
		t.Fatalf("Create 2 failed: %v", err)
	}
	_, err := tbl.Create(typ, nil, instA)
	if !errors.IsKind(err, errors.KindCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
	if got := tbl.Stats().ActiveResources; got != 2 {
		t.Errorf("failed create must not mutate: active=%d", got)
	}
}

func TestStaleHandleDetection(t *testing.T) {
	tbl, typ := newTable(t, nil, table.Config{MaxResources: 1, MaxHandles: 1})

	h1, err := tbl.Create(typ, []byte("first"), instA)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := tbl.Drop(h1); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}

	// Freed slot: the old handle no longer resolves.
	if _, err := tbl.Get(h1); !errors.IsKind(err, errors.KindInvalidHandle) {
		t.Fatalf("expected InvalidHandle after drop, got %v", err)
	}

	// Reused slot: the stale handle fails the generation check instead
	// of resolving to the new occupant.
	h2, err := tbl.Create(typ, []byte("second"), instA)
	if err != nil {
		t.Fatalf("Create after drop failed: %v", err)
	}
	if h2.Index != h1.Index {
		t.Fatalf("expected slot reuse, got index %d vs %d", h2.Index, h1.Index)
	}
	if h2.Generation == h1.Generation {
		t.Fatal("generation must change on reuse")
	}
	if _, err := tbl.Get(h1); !errors.IsKind(err, errors.KindGenerationMismatch) {
		t.Fatalf("expected GenerationMismatch, got %v", err)
	}
	if res, err := tbl.Get(h2); err != nil || !bytes.Equal(res.Payload(), []byte("second")) {
		t.Fatalf("fresh handle must resolve: %v", err)
	}
}

func TestDropRunsFinalizerOnce(t *testing.T) {
	fin := &countingFinalizer{}
	tbl, typ := newTable(t, fin, table.Config{})

	h, err := tbl.Create(typ, []byte("state"), instA)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := tbl.Drop(h); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if fin.calls != 1 {
		t.Fatalf("expected 1 finalizer call, got %d", fin.calls)
	}
	if !bytes.Equal(fin.lastSeen, []byte("state")) {
		t.Errorf("finalizer saw %q", fin.lastSeen)
	}

	// Second drop through the stale handle must not re-run teardown.
	if err := tbl.Drop(h); err == nil {
		t.Fatal("expected error on double drop")
	}
	if fin.calls != 1 {
		t.Fatalf("finalizer ran %d times", fin.calls)
	}
}

func TestDropDeferredWhileReferenced(t *testing.T) {
	fin := &countingFinalizer{}
	tbl, typ := newTable(t, fin, table.Config{})

	h, err := tbl.Create(typ, []byte("held"), instA)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	res, _ := tbl.Get(h)
	id := res.ID

	if err := tbl.AddRef(h); err != nil {
		t.Fatalf("AddRef failed: %v", err)
	}
	if err := tbl.Drop(h); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if fin.calls != 0 {
		t.Fatal("finalizer must wait for outstanding references")
	}
	if res.State != wasmres.StatePendingCleanup {
		t.Errorf("expected PendingCleanup, got %v", res.State)
	}

	if err := tbl.Release(id); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if fin.calls != 1 {
		t.Fatalf("expected lazy finalization, calls=%d", fin.calls)
	}
}

func TestFinalizerErrorReported(t *testing.T) {
	fin := &countingFinalizer{fail: errors.InvalidInput(errors.PhaseTable, "boom")}
	tbl, typ := newTable(t, fin, table.Config{})

	h, err := tbl.Create(typ, nil, instA)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	err = tbl.Drop(h)
	if !errors.IsKind(err, errors.KindFinalizer) {
		t.Fatalf("expected Finalizer error, got %v", err)
	}
	// Drop still completed.
	if got := tbl.Stats().ActiveResources; got != 0 {
		t.Errorf("resource must be gone, active=%d", got)
	}
}

func TestTransfer(t *testing.T) {
	tbl, typ := newTable(t, nil, table.Config{})

	h, err := tbl.Create(typ, nil, instA)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := tbl.Transfer(h, instB, instC); !errors.IsKind(err, errors.KindPermissionDenied) {
		t.Fatalf("expected PermissionDenied for non-owner, got %v", err)
	}
	if err := tbl.Transfer(h, instA, instA); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Fatalf("expected InvalidInput for self transfer, got %v", err)
	}

	if err := tbl.AddRef(h); err != nil {
		t.Fatalf("AddRef failed: %v", err)
	}
	if err := tbl.Transfer(h, instA, instB); !errors.IsKind(err, errors.KindBorrowViolation) {
		t.Fatalf("expected BorrowViolation while referenced, got %v", err)
	}
	res, _ := tbl.Get(h)
	if err := tbl.Release(res.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if err := tbl.Transfer(h, instA, instB); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	res, err = tbl.Get(h)
	if err != nil {
		t.Fatalf("Get after transfer failed: %v", err)
	}
	if res.Owner != instB {
		t.Errorf("expected owner %d, got %d", instB, res.Owner)
	}
	if len(tbl.InstanceResources(instA)) != 0 {
		t.Error("resource still indexed under old owner")
	}
	if len(tbl.InstanceResources(instB)) != 1 {
		t.Error("resource not indexed under new owner")
	}

	audit := tbl.Audit()
	if len(audit) != 1 || audit[0].Source != instA || audit[0].Target != instB {
		t.Errorf("unexpected audit log: %+v", audit)
	}

	// Old owner can no longer transfer.
	if err := tbl.Transfer(h, instA, instC); !errors.IsKind(err, errors.KindPermissionDenied) {
		t.Fatalf("expected PermissionDenied after transfer, got %v", err)
	}
}

func TestShareTo(t *testing.T) {
	tbl, typ := newTable(t, nil, table.Config{})

	h, err := tbl.Create(typ, []byte("shared"), instA)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sh, err := tbl.ShareTo(h, instB)
	if err != nil {
		t.Fatalf("ShareTo failed: %v", err)
	}
	if sh == h {
		t.Fatal("share must mint a distinct handle")
	}

	res, err := tbl.Get(sh)
	if err != nil {
		t.Fatalf("Get via shared handle failed: %v", err)
	}
	if !bytes.Equal(res.Payload(), []byte("shared")) {
		t.Errorf("payload mismatch through shared handle")
	}
	if res.RefCount != 2 {
		t.Errorf("expected refcount 2, got %d", res.RefCount)
	}

	inst, kind, err := tbl.Describe(sh)
	if err != nil || inst != instB || kind != wasmres.Shared {
		t.Fatalf("Describe: inst=%d kind=%v err=%v", inst, kind, err)
	}

	// Returning the shared handle releases its reference.
	if err := tbl.Drop(sh); err != nil {
		t.Fatalf("Drop shared failed: %v", err)
	}
	res, _ = tbl.Get(h)
	if res.RefCount != 1 {
		t.Errorf("expected refcount back to 1, got %d", res.RefCount)
	}
	if len(tbl.InstanceResources(instB)) != 0 {
		t.Error("shared resource still indexed under target")
	}
}

func TestShareToOwner(t *testing.T) {
	tbl, typ := newTable(t, nil, table.Config{})

	h, _ := tbl.Create(typ, nil, instA)
	if _, err := tbl.ShareTo(h, instA); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestOwnerDropInvalidatesShares(t *testing.T) {
	fin := &countingFinalizer{}
	tbl, typ := newTable(t, fin, table.Config{})

	h, _ := tbl.Create(typ, nil, instA)
	sh, err := tbl.ShareTo(h, instB)
	if err != nil {
		t.Fatalf("ShareTo failed: %v", err)
	}

	if err := tbl.Drop(h); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	// Share still holds a reference, so teardown is deferred.
	if fin.calls != 0 {
		t.Fatal("finalizer ran with outstanding share")
	}
	if err := tbl.Drop(sh); err != nil {
		t.Fatalf("Drop share failed: %v", err)
	}
	if fin.calls != 1 {
		t.Fatalf("expected finalization after last release, calls=%d", fin.calls)
	}
	if _, err := tbl.Get(sh); err == nil {
		t.Fatal("shared handle must not resolve after finalization")
	}
}

func TestCleanupInstance(t *testing.T) {
	fin := &countingFinalizer{}
	tbl, typ := newTable(t, fin, table.Config{})

	h1, _ := tbl.Create(typ, nil, instA)
	h2, _ := tbl.Create(typ, nil, instA)
	sh, err := tbl.ShareTo(h1, instB)
	if err != nil {
		t.Fatalf("ShareTo failed: %v", err)
	}

	tbl.CleanupInstance(instA)

	if fin.calls != 2 {
		t.Fatalf("expected both owned resources finalized, calls=%d", fin.calls)
	}
	for _, h := range []table.Handle{h1, h2, sh} {
		if _, err := tbl.Get(h); err == nil {
			t.Fatal("handle must not survive owner cleanup")
		}
	}
	if got := tbl.Stats().ActiveResources; got != 0 {
		t.Errorf("active=%d after cleanup", got)
	}
	if len(tbl.Audit()) != 0 {
		t.Error("audit entries naming the instance must be pruned")
	}

	// Idempotent.
	tbl.CleanupInstance(instA)
	if fin.calls != 2 {
		t.Fatalf("second cleanup re-ran finalizers: %d", fin.calls)
	}
}

func TestStats(t *testing.T) {
	tbl, typ := newTable(t, nil, table.Config{})

	h1, _ := tbl.Create(typ, []byte("aaaa"), instA)
	h2, _ := tbl.Create(typ, []byte("bbbb"), instB)

	st := tbl.Stats()
	if st.ActiveResources != 2 || st.TotalCreated != 2 {
		t.Errorf("active=%d created=%d", st.ActiveResources, st.TotalCreated)
	}
	if st.MemoryUsed != 8 {
		t.Errorf("expected 8 bytes used, got %d", st.MemoryUsed)
	}
	if st.InstanceTables != 2 {
		t.Errorf("expected 2 instance tables, got %d", st.InstanceTables)
	}
	if st.RegisteredTypes != 1 {
		t.Errorf("expected 1 registered type, got %d", st.RegisteredTypes)
	}

	tbl.Drop(h1)
	tbl.Drop(h2)
	st = tbl.Stats()
	if st.ActiveResources != 0 || st.TotalDestroyed != 2 {
		t.Errorf("active=%d destroyed=%d", st.ActiveResources, st.TotalDestroyed)
	}
	if st.MemoryUsed != 0 {
		t.Errorf("expected 0 bytes used, got %d", st.MemoryUsed)
	}
	if st.PeakResources != 2 || st.PeakMemory != 8 {
		t.Errorf("peak=%d peakMem=%d", st.PeakResources, st.PeakMemory)
	}
	if st.Lookups == 0 || st.SuccessfulLookups > st.Lookups {
		t.Errorf("lookups=%d hits=%d", st.Lookups, st.SuccessfulLookups)
	}
}

func TestSetPayload(t *testing.T) {
	tbl, typ := newTable(t, nil, table.Config{})

	h, _ := tbl.Create(typ, []byte("12345678"), instA)
	res, err := tbl.GetMut(h)
	if err != nil {
		t.Fatalf("GetMut failed: %v", err)
	}
	if err := res.SetPayload([]byte("short")); err != nil {
		t.Fatalf("SetPayload failed: %v", err)
	}
	if !bytes.Equal(res.Payload(), []byte("short")) {
		t.Errorf("payload=%q", res.Payload())
	}
	if err := res.SetPayload(bytes.Repeat([]byte("x"), 64)); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Fatalf("expected InvalidInput for oversized payload, got %v", err)
	}
}
