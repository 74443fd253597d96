package lifetime

import (
	"go.uber.org/zap"

	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/errors"
)

// ScopeID identifies a lifetime scope. Scope ids are never reused.
type ScopeID uint32

// BorrowID identifies a borrow record. Borrow ids are never reused.
type BorrowID uint64

// OwnHandle is an owning reference to a resource. Raw is the tracker
// slot index; Generation pins the handle to one occupancy of that slot.
// The zero OwnHandle is never issued.
type OwnHandle struct {
	Raw        uint32
	Generation uint32
}

// BorrowHandle is a temporary reference derived from an OwnHandle.
// It carries the source generation observed at borrow time, so a source
// slot reuse invalidates it without any bookkeeping.
type BorrowHandle struct {
	Raw        uint32
	Generation uint32
	Borrow     BorrowID
}

// Kind selects the borrow discipline.
type Kind uint8

const (
	// Shared borrows may coexist with other shared borrows.
	Shared Kind = iota
	// Exclusive borrows require no other outstanding borrows.
	Exclusive
)

func (k Kind) String() string {
	if k == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Validation is the outcome of checking a borrow handle. Valid means
// the borrow may be used right now; every other value names the first
// check that failed.
type Validation uint8

const (
	Valid Validation = iota
	SourceNotFound
	SourceDropped
	GenerationMismatch
	ScopeEnded
	PermissionDenied
)

func (v Validation) String() string {
	switch v {
	case Valid:
		return "valid"
	case SourceNotFound:
		return "source not found"
	case SourceDropped:
		return "source dropped"
	case GenerationMismatch:
		return "generation mismatch"
	case ScopeEnded:
		return "scope ended"
	case PermissionDenied:
		return "permission denied"
	}
	return "unknown"
}

// Releaser receives one callback per invalidated borrow, so the
// reference taken at borrow time can be returned to the resource table.
type Releaser interface {
	ReleaseResource(id wasmres.ResourceID)
}

// ReleaserFunc adapts a function to the Releaser interface.
type ReleaserFunc func(wasmres.ResourceID)

func (f ReleaserFunc) ReleaseResource(id wasmres.ResourceID) { f(id) }

// Default capacities used when Config fields are left unset.
const (
	DefaultMaxOwned    = 1024
	DefaultMaxBorrows  = 2048
	DefaultMaxScopes   = 64
	DefaultMaxPerScope = 128
)

// Config sizes the tracker at construction.
type Config struct {
	MaxOwned    int
	MaxBorrows  int
	MaxScopes   int
	MaxPerScope int
}

// DefaultConfig returns the default tracker capacities.
func DefaultConfig() Config {
	return Config{
		MaxOwned:    DefaultMaxOwned,
		MaxBorrows:  DefaultMaxBorrows,
		MaxScopes:   DefaultMaxScopes,
		MaxPerScope: DefaultMaxPerScope,
	}
}

// Stats is a point-in-time snapshot of tracker counters.
type Stats struct {
	ActiveOwned        int
	ActiveBorrows      int
	ActiveScopes       int
	TotalOwned         uint64
	TotalBorrows       uint64
	TotalScopes        uint64
	InvalidatedByDrop  uint64
	InvalidatedByScope uint64
	Validations        uint64
	FailedValidations  uint64
}

type ownedEntry struct {
	generation uint32
	resource   wasmres.ResourceID
	owner      wasmres.InstanceID
	typeName   string
	shared     uint32
	exclusive  uint32
	dropped    bool
	used       bool
}

type borrowEntry struct {
	id       BorrowID
	raw      uint32
	source   OwnHandle
	resource wasmres.ResourceID
	borrower wasmres.InstanceID
	scope    ScopeID
	kind     Kind
	valid    bool
	reason   Validation
}

type scopeEntry struct {
	id        ScopeID
	parent    ScopeID
	component wasmres.InstanceID
	task      wasmres.TaskID
	borrows   []BorrowID
	active    bool
}

// Tracker enforces handle lifetimes: owned handles live in a
// fixed-capacity slot arena with generation counters, borrows are
// records tied to both a source handle and a lifetime scope, and
// dropping a source or ending a scope invalidates the borrows derived
// from it.
//
// Dropped slots and invalid records are reclaimed by Cleanup, not
// eagerly, so stale handles keep failing with a precise reason until
// their slot is actually reused.
//
// Tracker is not safe for concurrent use; see store.Guarded.
type Tracker struct {
	cfg      Config
	releaser Releaser

	owned     []ownedEntry
	freeOwned []uint32
	borrows   []borrowEntry
	scopes    []scopeEntry

	nextBorrow  BorrowID
	nextDerived uint32
	nextScope   ScopeID

	totalOwned, totalBorrows, totalScopes uint64
	invalidatedByDrop, invalidatedByScope uint64
	validations, failedValidations        uint64
}

// New constructs a tracker with all capacity allocated up front.
// rel may be nil when borrows hold no table references.
func New(cfg Config, rel Releaser) *Tracker {
	if cfg.MaxOwned <= 0 {
		cfg.MaxOwned = DefaultMaxOwned
	}
	if cfg.MaxBorrows <= 0 {
		cfg.MaxBorrows = DefaultMaxBorrows
	}
	if cfg.MaxScopes <= 0 {
		cfg.MaxScopes = DefaultMaxScopes
	}
	if cfg.MaxPerScope <= 0 {
		cfg.MaxPerScope = DefaultMaxPerScope
	}

	tr := &Tracker{
		cfg:       cfg,
		releaser:  rel,
		owned:     make([]ownedEntry, cfg.MaxOwned),
		freeOwned: make([]uint32, 0, cfg.MaxOwned),
		borrows:   make([]borrowEntry, 0, cfg.MaxBorrows),
		scopes:    make([]scopeEntry, 0, cfg.MaxScopes),

		nextBorrow: 1,
		nextScope:  1,
	}
	for i := cfg.MaxOwned - 1; i >= 0; i-- {
		tr.freeOwned = append(tr.freeOwned, uint32(i))
	}
	return tr
}

// CreateOwned issues an owning handle for a resource. The slot
// generation is bumped on every reuse, so handles minted against a
// previous occupant stop resolving.
func (tr *Tracker) CreateOwned(resource wasmres.ResourceID, owner wasmres.InstanceID, typeName string) (OwnHandle, error) {
	if len(tr.freeOwned) == 0 {
		return OwnHandle{}, errors.CapacityExceeded(errors.PhaseLifetime, "owned handles", tr.cfg.MaxOwned)
	}
	idx := tr.freeOwned[len(tr.freeOwned)-1]
	tr.freeOwned = tr.freeOwned[:len(tr.freeOwned)-1]

	e := &tr.owned[idx]
	e.generation++
	e.resource = resource
	e.owner = owner
	e.typeName = typeName
	e.shared = 0
	e.exclusive = 0
	e.dropped = false
	e.used = true

	tr.totalOwned++
	return OwnHandle{Raw: idx, Generation: e.generation}, nil
}

// Borrow derives a borrow from an owning handle, tied to a scope.
//
// An exclusive borrow requires zero outstanding borrows on the source;
// a shared borrow only requires that no exclusive borrow is outstanding.
func (tr *Tracker) Borrow(src OwnHandle, borrower wasmres.InstanceID, scope ScopeID, kind Kind) (BorrowHandle, error) {
	e, err := tr.findOwned(src)
	if err != nil {
		return BorrowHandle{}, err
	}
	sc := tr.findScope(scope)
	if sc == nil || !sc.active {
		return BorrowHandle{}, errors.ScopeEnded(errors.PhaseLifetime, uint32(scope))
	}
	if kind == Exclusive && e.shared+e.exclusive > 0 {
		return BorrowHandle{}, errors.BorrowViolation(errors.PhaseLifetime,
			"exclusive borrow of resource %d with %d borrows outstanding", uint64(e.resource), e.shared+e.exclusive)
	}
	if kind == Shared && e.exclusive > 0 {
		return BorrowHandle{}, errors.BorrowViolation(errors.PhaseLifetime,
			"resource %d is exclusively borrowed", uint64(e.resource))
	}
	if len(tr.borrows) >= tr.cfg.MaxBorrows {
		return BorrowHandle{}, errors.CapacityExceeded(errors.PhaseLifetime, "borrows", tr.cfg.MaxBorrows)
	}
	if len(sc.borrows) >= tr.cfg.MaxPerScope {
		return BorrowHandle{}, errors.CapacityExceeded(errors.PhaseLifetime, "borrows per scope", tr.cfg.MaxPerScope)
	}

	id := tr.nextBorrow
	tr.nextBorrow++
	raw := tr.nextDerived
	tr.nextDerived++

	tr.borrows = append(tr.borrows, borrowEntry{
		id:       id,
		raw:      raw,
		source:   src,
		resource: e.resource,
		borrower: borrower,
		scope:    scope,
		kind:     kind,
		valid:    true,
	})
	sc.borrows = append(sc.borrows, id)
	if kind == Exclusive {
		e.exclusive++
	} else {
		e.shared++
	}
	tr.totalBorrows++

	return BorrowHandle{Raw: raw, Generation: src.Generation, Borrow: id}, nil
}

// DropOwned drops an owning handle and invalidates every borrow derived
// from it, whatever scope the borrow lives in. Dropping an
// already-dropped handle is a no-op.
func (tr *Tracker) DropOwned(h OwnHandle) error {
	e, err := tr.findOwned(h)
	if err != nil {
		if errors.IsKind(err, errors.KindSourceDropped) {
			return nil
		}
		return err
	}

	dropped := 0
	for i := range tr.borrows {
		b := &tr.borrows[i]
		if b.valid && b.source == h {
			tr.invalidate(b, SourceDropped)
			tr.invalidatedByDrop++
			dropped++
		}
	}
	e.dropped = true
	e.shared = 0
	e.exclusive = 0

	if dropped > 0 {
		Logger().Debug("borrows invalidated by drop",
			zap.Uint64("resource", uint64(e.resource)),
			zap.Int("count", dropped))
	}
	return nil
}

// Validate checks a borrow handle without changing any state. Every
// failure mode maps to one Validation value; callers decide whether a
// failure is a trap or a recoverable condition.
func (tr *Tracker) Validate(h BorrowHandle) Validation {
	tr.validations++
	v := tr.validate(h)
	if v != Valid {
		tr.failedValidations++
	}
	return v
}

// ValidateFor is Validate plus a check that caller is the instance the
// borrow was issued to.
func (tr *Tracker) ValidateFor(h BorrowHandle, caller wasmres.InstanceID) Validation {
	tr.validations++
	v := tr.validate(h)
	if v == Valid {
		if b := tr.findBorrow(h.Borrow); b != nil && b.borrower != caller {
			v = PermissionDenied
		}
	}
	if v != Valid {
		tr.failedValidations++
	}
	return v
}

func (tr *Tracker) validate(h BorrowHandle) Validation {
	b := tr.findBorrow(h.Borrow)
	if b == nil {
		return SourceNotFound
	}
	if !b.valid {
		return b.reason
	}
	if h.Raw != b.raw || h.Generation != b.source.Generation {
		return GenerationMismatch
	}

	if int(b.source.Raw) >= len(tr.owned) || !tr.owned[b.source.Raw].used {
		return SourceNotFound
	}
	src := &tr.owned[b.source.Raw]
	if src.generation != b.source.Generation {
		return GenerationMismatch
	}
	if src.dropped {
		return SourceDropped
	}

	sc := tr.findScope(b.scope)
	if sc == nil || !sc.active {
		return ScopeEnded
	}
	return Valid
}

// CreateScope pushes a lifetime scope for a component task. The parent
// is whatever scope is on top of the stack at the time.
func (tr *Tracker) CreateScope(component wasmres.InstanceID, task wasmres.TaskID) (ScopeID, error) {
	if len(tr.scopes) >= tr.cfg.MaxScopes {
		return 0, errors.CapacityExceeded(errors.PhaseLifetime, "scopes", tr.cfg.MaxScopes)
	}

	var parent ScopeID
	if n := len(tr.scopes); n > 0 {
		parent = tr.scopes[n-1].id
	}
	id := tr.nextScope
	tr.nextScope++

	tr.scopes = append(tr.scopes, scopeEntry{
		id:        id,
		parent:    parent,
		component: component,
		task:      task,
		borrows:   make([]BorrowID, 0, tr.cfg.MaxPerScope),
		active:    true,
	})
	tr.totalScopes++
	return id, nil
}

// EndScope ends a scope and invalidates the borrows registered in it.
// The scope need not be on top of the stack: scopes can complete out of
// order, so an inner entry is marked inactive in place and the stack
// only shrinks once its tail is inactive.
func (tr *Tracker) EndScope(id ScopeID) error {
	sc := tr.findScope(id)
	if sc == nil || !sc.active {
		return errors.ScopeEnded(errors.PhaseLifetime, uint32(id))
	}

	ended := 0
	for _, bid := range sc.borrows {
		b := tr.findBorrow(bid)
		if b == nil || !b.valid {
			continue
		}
		tr.invalidate(b, ScopeEnded)
		tr.invalidatedByScope++
		ended++
	}
	sc.active = false
	sc.borrows = sc.borrows[:0]

	for n := len(tr.scopes); n > 0 && !tr.scopes[n-1].active; n = len(tr.scopes) {
		tr.scopes = tr.scopes[:n-1]
	}

	if ended > 0 {
		Logger().Debug("borrows invalidated by scope end",
			zap.Uint32("scope", uint32(id)),
			zap.Int("count", ended))
	}
	return nil
}

// Cleanup reclaims dropped owned slots, invalid borrow records and
// inactive scope entries. Returns the number of records reclaimed.
func (tr *Tracker) Cleanup() int {
	reclaimed := 0

	kept := tr.borrows[:0]
	for _, b := range tr.borrows {
		if b.valid {
			kept = append(kept, b)
		} else {
			reclaimed++
		}
	}
	tr.borrows = kept

	keptScopes := tr.scopes[:0]
	for _, sc := range tr.scopes {
		if sc.active {
			keptScopes = append(keptScopes, sc)
		} else {
			reclaimed++
		}
	}
	tr.scopes = keptScopes

	for i := range tr.owned {
		e := &tr.owned[i]
		if e.used && e.dropped {
			e.used = false
			tr.freeOwned = append(tr.freeOwned, uint32(i))
			reclaimed++
		}
	}
	return reclaimed
}

// CleanupInstance drops every owned handle held by inst, ends every
// scope opened by it and reclaims the records. Safe to call twice.
func (tr *Tracker) CleanupInstance(inst wasmres.InstanceID) {
	for i := range tr.owned {
		e := &tr.owned[i]
		if e.used && !e.dropped && e.owner == inst {
			_ = tr.DropOwned(OwnHandle{Raw: uint32(i), Generation: e.generation})
		}
	}
	for i := range tr.scopes {
		if tr.scopes[i].active && tr.scopes[i].component == inst {
			_ = tr.EndScope(tr.scopes[i].id)
		}
	}
	tr.Cleanup()
}

// OwnedAt rebinds a tracker slot index to its current owning handle.
// Used when lifting wire values, which do not carry generations.
func (tr *Tracker) OwnedAt(raw uint32) (OwnHandle, error) {
	if int(raw) >= len(tr.owned) || !tr.owned[raw].used {
		return OwnHandle{}, errors.InvalidHandle(errors.PhaseLifetime, uint64(raw))
	}
	e := &tr.owned[raw]
	if e.dropped {
		return OwnHandle{}, errors.SourceDropped(errors.PhaseLifetime, uint64(raw))
	}
	return OwnHandle{Raw: raw, Generation: e.generation}, nil
}

// BorrowByRaw resolves a derived wire value back to its borrow handle.
func (tr *Tracker) BorrowByRaw(raw uint32) (BorrowHandle, error) {
	for i := range tr.borrows {
		b := &tr.borrows[i]
		if b.valid && b.raw == raw {
			return BorrowHandle{Raw: b.raw, Generation: b.source.Generation, Borrow: b.id}, nil
		}
	}
	return BorrowHandle{}, errors.InvalidHandle(errors.PhaseLifetime, uint64(raw))
}

// Resource reports the resource an owning handle refers to.
func (tr *Tracker) Resource(h OwnHandle) (wasmres.ResourceID, error) {
	e, err := tr.findOwned(h)
	if err != nil {
		return 0, err
	}
	return e.resource, nil
}

// Stats returns a snapshot of the tracker's counters.
func (tr *Tracker) Stats() Stats {
	st := Stats{
		TotalOwned:         tr.totalOwned,
		TotalBorrows:       tr.totalBorrows,
		TotalScopes:        tr.totalScopes,
		InvalidatedByDrop:  tr.invalidatedByDrop,
		InvalidatedByScope: tr.invalidatedByScope,
		Validations:        tr.validations,
		FailedValidations:  tr.failedValidations,
	}
	for i := range tr.owned {
		if tr.owned[i].used && !tr.owned[i].dropped {
			st.ActiveOwned++
		}
	}
	for i := range tr.borrows {
		if tr.borrows[i].valid {
			st.ActiveBorrows++
		}
	}
	for i := range tr.scopes {
		if tr.scopes[i].active {
			st.ActiveScopes++
		}
	}
	return st
}

func (tr *Tracker) findOwned(h OwnHandle) (*ownedEntry, error) {
	if int(h.Raw) >= len(tr.owned) || !tr.owned[h.Raw].used {
		return nil, errors.InvalidHandle(errors.PhaseLifetime, uint64(h.Raw))
	}
	e := &tr.owned[h.Raw]
	if e.generation != h.Generation {
		return nil, errors.GenerationMismatch(errors.PhaseLifetime, uint64(h.Raw), e.generation, h.Generation)
	}
	if e.dropped {
		return nil, errors.SourceDropped(errors.PhaseLifetime, uint64(h.Raw))
	}
	return e, nil
}

func (tr *Tracker) findBorrow(id BorrowID) *borrowEntry {
	for i := range tr.borrows {
		if tr.borrows[i].id == id {
			return &tr.borrows[i]
		}
	}
	return nil
}

func (tr *Tracker) findScope(id ScopeID) *scopeEntry {
	for i := len(tr.scopes) - 1; i >= 0; i-- {
		if tr.scopes[i].id == id {
			return &tr.scopes[i]
		}
	}
	return nil
}

// invalidate marks a borrow unusable with a terminal reason, returns
// its count to the source entry and releases its table reference.
func (tr *Tracker) invalidate(b *borrowEntry, reason Validation) {
	b.valid = false
	b.reason = reason

	if int(b.source.Raw) < len(tr.owned) {
		src := &tr.owned[b.source.Raw]
		if src.used && src.generation == b.source.Generation && !src.dropped {
			if b.kind == Exclusive {
				if src.exclusive > 0 {
					src.exclusive--
				}
			} else if src.shared > 0 {
				src.shared--
			}
		}
	}
	if tr.releaser != nil {
		tr.releaser.ReleaseResource(b.resource)
	}
}
