package lifetime_test

import (
	"testing"

	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/errors"
	"github.com/wippyai/wasm-resources/lifetime"
)

const (
	compA = wasmres.InstanceID(1)
	compB = wasmres.InstanceID(2)
)

type releaseLog struct {
	released []wasmres.ResourceID
}

func (r *releaseLog) ReleaseResource(id wasmres.ResourceID) {
	r.released = append(r.released, id)
}

func newTracker(cfg lifetime.Config) (*lifetime.Tracker, *releaseLog) {
	rl := &releaseLog{}
	return lifetime.New(cfg, rl), rl
}

func TestBorrowAndValidate(t *testing.T) {
	tr, _ := newTracker(lifetime.Config{})

	own, err := tr.CreateOwned(10, compA, "stream")
	if err != nil {
		t.Fatalf("CreateOwned failed: %v", err)
	}
	scope, err := tr.CreateScope(compB, 1)
	if err != nil {
		t.Fatalf("CreateScope failed: %v", err)
	}
	b, err := tr.Borrow(own, compB, scope, lifetime.Shared)
	if err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}

	if v := tr.Validate(b); v != lifetime.Valid {
		t.Fatalf("expected Valid, got %v", v)
	}
	if v := tr.ValidateFor(b, compB); v != lifetime.Valid {
		t.Fatalf("expected Valid for borrower, got %v", v)
	}
	if v := tr.ValidateFor(b, compA); v != lifetime.PermissionDenied {
		t.Fatalf("expected PermissionDenied for other instance, got %v", v)
	}
}

func TestDropInvalidatesBorrows(t *testing.T) {
	tr, rl := newTracker(lifetime.Config{})

	own, _ := tr.CreateOwned(10, compA, "stream")
	scope, _ := tr.CreateScope(compB, 1)
	b1, _ := tr.Borrow(own, compB, scope, lifetime.Shared)
	b2, _ := tr.Borrow(own, compB, scope, lifetime.Shared)

	if err := tr.DropOwned(own); err != nil {
		t.Fatalf("DropOwned failed: %v", err)
	}

	// Cascade crosses scope boundaries: every derived borrow dies.
	if v := tr.Validate(b1); v != lifetime.SourceDropped {
		t.Fatalf("expected SourceDropped, got %v", v)
	}
	if v := tr.Validate(b2); v != lifetime.SourceDropped {
		t.Fatalf("expected SourceDropped, got %v", v)
	}
	if len(rl.released) != 2 {
		t.Fatalf("expected 2 releases, got %d", len(rl.released))
	}

	// Idempotent.
	if err := tr.DropOwned(own); err != nil {
		t.Fatalf("second DropOwned failed: %v", err)
	}
	if len(rl.released) != 2 {
		t.Fatalf("double drop released again: %d", len(rl.released))
	}
}

func TestScopeEndInvalidatesBorrows(t *testing.T) {
	tr, rl := newTracker(lifetime.Config{})

	own, _ := tr.CreateOwned(10, compA, "stream")
	scope, _ := tr.CreateScope(compB, 1)
	b, _ := tr.Borrow(own, compB, scope, lifetime.Shared)

	if err := tr.EndScope(scope); err != nil {
		t.Fatalf("EndScope failed: %v", err)
	}
	if v := tr.Validate(b); v != lifetime.ScopeEnded {
		t.Fatalf("expected ScopeEnded, got %v", v)
	}
	if len(rl.released) != 1 {
		t.Fatalf("expected 1 release, got %d", len(rl.released))
	}

	// Ending again reports the scope as gone.
	if err := tr.EndScope(scope); !errors.IsKind(err, errors.KindScopeEnded) {
		t.Fatalf("expected ScopeEnded error, got %v", err)
	}

	// The source handle survives its borrows.
	if _, err := tr.Borrow(own, compB, scope, lifetime.Shared); !errors.IsKind(err, errors.KindScopeEnded) {
		t.Fatalf("borrow into ended scope: %v", err)
	}
	scope2, _ := tr.CreateScope(compB, 2)
	if _, err := tr.Borrow(own, compB, scope2, lifetime.Shared); err != nil {
		t.Fatalf("borrow after scope cycle failed: %v", err)
	}
}

func TestOutOfOrderScopeEnd(t *testing.T) {
	tr, _ := newTracker(lifetime.Config{})

	s1, _ := tr.CreateScope(compA, 1)
	s2, _ := tr.CreateScope(compA, 2)
	s3, _ := tr.CreateScope(compA, 3)

	// Ending the middle scope is legal; s3 stays live.
	if err := tr.EndScope(s2); err != nil {
		t.Fatalf("EndScope(s2) failed: %v", err)
	}
	if got := tr.Stats().ActiveScopes; got != 2 {
		t.Fatalf("expected 2 active scopes, got %d", got)
	}

	own, _ := tr.CreateOwned(10, compA, "stream")
	if _, err := tr.Borrow(own, compA, s3, lifetime.Shared); err != nil {
		t.Fatalf("borrow into s3 after inner end failed: %v", err)
	}
	if _, err := tr.Borrow(own, compA, s2, lifetime.Shared); !errors.IsKind(err, errors.KindScopeEnded) {
		t.Fatalf("borrow into ended s2: %v", err)
	}

	if err := tr.EndScope(s3); err != nil {
		t.Fatalf("EndScope(s3) failed: %v", err)
	}
	if err := tr.EndScope(s1); err != nil {
		t.Fatalf("EndScope(s1) failed: %v", err)
	}
	if got := tr.Stats().ActiveScopes; got != 0 {
		t.Fatalf("expected 0 active scopes, got %d", got)
	}
}

func TestExclusiveBorrow(t *testing.T) {
	tr, _ := newTracker(lifetime.Config{})

	own, _ := tr.CreateOwned(10, compA, "stream")
	scope, _ := tr.CreateScope(compB, 1)

	if _, err := tr.Borrow(own, compB, scope, lifetime.Shared); err != nil {
		t.Fatalf("shared borrow failed: %v", err)
	}
	if _, err := tr.Borrow(own, compB, scope, lifetime.Shared); err != nil {
		t.Fatalf("second shared borrow failed: %v", err)
	}
	if _, err := tr.Borrow(own, compB, scope, lifetime.Exclusive); !errors.IsKind(err, errors.KindBorrowViolation) {
		t.Fatalf("exclusive over shared must fail, got %v", err)
	}

	// Fresh source: exclusive first, then nothing else.
	own2, _ := tr.CreateOwned(11, compA, "stream")
	if _, err := tr.Borrow(own2, compB, scope, lifetime.Exclusive); err != nil {
		t.Fatalf("exclusive borrow failed: %v", err)
	}
	if _, err := tr.Borrow(own2, compB, scope, lifetime.Shared); !errors.IsKind(err, errors.KindBorrowViolation) {
		t.Fatalf("shared over exclusive must fail, got %v", err)
	}
	if _, err := tr.Borrow(own2, compB, scope, lifetime.Exclusive); !errors.IsKind(err, errors.KindBorrowViolation) {
		t.Fatalf("double exclusive must fail, got %v", err)
	}
}

func TestGenerationOnSlotReuse(t *testing.T) {
	tr, _ := newTracker(lifetime.Config{MaxOwned: 1})

	own1, _ := tr.CreateOwned(10, compA, "stream")
	scope, _ := tr.CreateScope(compB, 1)
	b, _ := tr.Borrow(own1, compB, scope, lifetime.Shared)

	if err := tr.DropOwned(own1); err != nil {
		t.Fatalf("DropOwned failed: %v", err)
	}
	if n := tr.Cleanup(); n == 0 {
		t.Fatal("Cleanup reclaimed nothing")
	}

	own2, err := tr.CreateOwned(20, compA, "stream")
	if err != nil {
		t.Fatalf("CreateOwned after cleanup failed: %v", err)
	}
	if own2.Raw != own1.Raw {
		t.Fatalf("expected slot reuse, got %d vs %d", own2.Raw, own1.Raw)
	}
	if own2.Generation == own1.Generation {
		t.Fatal("generation must change on reuse")
	}

	// The stale owned handle and its borrow must not leak onto the new
	// occupant.
	if err := tr.DropOwned(own1); !errors.IsKind(err, errors.KindGenerationMismatch) {
		t.Fatalf("expected GenerationMismatch, got %v", err)
	}
	if v := tr.Validate(b); v == lifetime.Valid {
		t.Fatal("borrow from previous occupancy validated")
	}
}

func TestBorrowCapacity(t *testing.T) {
	tr, _ := newTracker(lifetime.Config{MaxBorrows: 2})

	own, _ := tr.CreateOwned(10, compA, "stream")
	scope, _ := tr.CreateScope(compB, 1)
	for i := 0; i < 2; i++ {
		if _, err := tr.Borrow(own, compB, scope, lifetime.Shared); err != nil {
			t.Fatalf("borrow %d failed: %v", i, err)
		}
	}
	if _, err := tr.Borrow(own, compB, scope, lifetime.Shared); !errors.IsKind(err, errors.KindCapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
}

func TestCleanupInstance(t *testing.T) {
	tr, rl := newTracker(lifetime.Config{})

	ownA, _ := tr.CreateOwned(10, compA, "stream")
	ownB, _ := tr.CreateOwned(11, compB, "stream")
	scopeA, _ := tr.CreateScope(compA, 1)
	scopeB, _ := tr.CreateScope(compB, 1)
	bFromA, _ := tr.Borrow(ownA, compB, scopeB, lifetime.Shared)

	tr.CleanupInstance(compA)

	st := tr.Stats()
	if st.ActiveOwned != 1 {
		t.Errorf("expected 1 owned left, got %d", st.ActiveOwned)
	}
	if v := tr.Validate(bFromA); v == lifetime.Valid {
		t.Error("borrow from cleaned instance's resource validated")
	}
	if len(rl.released) != 1 {
		t.Errorf("expected 1 release, got %d", len(rl.released))
	}
	if err := tr.EndScope(scopeA); !errors.IsKind(err, errors.KindScopeEnded) {
		t.Errorf("scopeA must be gone, got %v", err)
	}

	// compB untouched.
	if _, err := tr.Borrow(ownB, compA, scopeB, lifetime.Shared); err != nil {
		t.Errorf("compB resource must still borrow: %v", err)
	}

	tr.CleanupInstance(compA)
	if len(rl.released) != 1 {
		t.Errorf("second cleanup released again: %d", len(rl.released))
	}
}

func TestStats(t *testing.T) {
	tr, _ := newTracker(lifetime.Config{})

	own, _ := tr.CreateOwned(10, compA, "stream")
	scope, _ := tr.CreateScope(compB, 1)
	b, _ := tr.Borrow(own, compB, scope, lifetime.Shared)

	st := tr.Stats()
	if st.ActiveOwned != 1 || st.ActiveBorrows != 1 || st.ActiveScopes != 1 {
		t.Errorf("active counts: %+v", st)
	}

	tr.Validate(b)
	tr.DropOwned(own)
	tr.Validate(b)

	st = tr.Stats()
	if st.InvalidatedByDrop != 1 {
		t.Errorf("expected 1 drop invalidation, got %d", st.InvalidatedByDrop)
	}
	if st.Validations != 2 || st.FailedValidations != 1 {
		t.Errorf("validations=%d failed=%d", st.Validations, st.FailedValidations)
	}
}
