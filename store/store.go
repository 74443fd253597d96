package store

import (
	"go.bytecodealliance.org/wit"

	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/errors"
	"github.com/wippyai/wasm-resources/lifetime"
	"github.com/wippyai/wasm-resources/registry"
	"github.com/wippyai/wasm-resources/sharing"
	"github.com/wippyai/wasm-resources/table"
)

// Config aggregates the per-subsystem capacities.
type Config struct {
	Registry registry.Config
	Table    table.Config
	Lifetime lifetime.Config
	Sharing  sharing.Config
}

// DefaultConfig returns the default capacities for every subsystem.
func DefaultConfig() Config {
	return Config{
		Registry: registry.DefaultConfig(),
		Table:    table.DefaultConfig(),
		Lifetime: lifetime.DefaultConfig(),
		Sharing:  sharing.DefaultConfig(),
	}
}

// Stats aggregates the subsystem snapshots.
type Stats struct {
	Types    int
	Table    table.Stats
	Lifetime lifetime.Stats
	Sharing  sharing.Stats
}

// Store wires the registry, the resource table, the lifetime tracker
// and the sharing manager into one surface. The tracker's release
// callbacks feed back into the table, so an invalidated borrow returns
// its table reference without the caller doing anything.
//
// Store assumes a single mutator; wrap it in Guarded to serialize
// access from multiple goroutines.
type Store struct {
	reg *registry.Registry
	tbl *table.Table
	trk *lifetime.Tracker
	mgr *sharing.Manager

	// owning tracker handle per table slot, indexed by slot index
	own []lifetime.OwnHandle
}

// New constructs a store with all capacity allocated up front.
func New(cfg Config) *Store {
	reg := registry.New(cfg.Registry)
	tbl := table.New(reg, cfg.Table)
	trk := lifetime.New(cfg.Lifetime, lifetime.ReleaserFunc(func(id wasmres.ResourceID) {
		_ = tbl.Release(id)
	}))
	mgr := sharing.New(tbl, cfg.Sharing)

	maxHandles := cfg.Table.MaxHandles
	if maxHandles < cfg.Table.MaxResources {
		maxHandles = cfg.Table.MaxResources
	}
	if maxHandles <= 0 {
		maxHandles = table.DefaultMaxHandles
	}
	return &Store{
		reg: reg,
		tbl: tbl,
		trk: trk,
		mgr: mgr,
		own: make([]lifetime.OwnHandle, maxHandles),
	}
}

// RegisterType adds a resource type to the registry.
func (s *Store) RegisterType(name string, sizeHint uint32, fin wasmres.Finalizer, level wasmres.Level) (wasmres.TypeID, error) {
	return s.reg.Register(name, sizeHint, fin, level)
}

// RegisterWIT registers every resource type declared in a resolved WIT
// document.
func (s *Store) RegisterWIT(res *wit.Resolve, level wasmres.Level) ([]wasmres.TypeID, error) {
	return s.reg.RegisterResolve(res, level)
}

// CreateResource allocates a resource and issues both its table handle
// and the owning tracker handle behind it.
func (s *Store) CreateResource(typeID wasmres.TypeID, payload []byte, owner wasmres.InstanceID) (table.Handle, error) {
	typ, err := s.reg.Lookup(typeID)
	if err != nil {
		return table.Handle{}, err
	}

	h, err := s.tbl.Create(typeID, payload, owner)
	if err != nil {
		return table.Handle{}, err
	}
	res, err := s.tbl.Get(h)
	if err != nil {
		return table.Handle{}, err
	}
	ownH, err := s.trk.CreateOwned(res.ID, owner, typ.Name)
	if err != nil {
		// Tracker full: roll the table allocation back.
		_ = s.tbl.Drop(h)
		return table.Handle{}, err
	}
	s.own[h.Index] = ownH
	return h, nil
}

// Get resolves a handle for read access.
func (s *Store) Get(h table.Handle) (*table.Resource, error) {
	return s.tbl.Get(h)
}

// GetMut resolves a handle for write access.
func (s *Store) GetMut(h table.Handle) (*table.Resource, error) {
	return s.tbl.GetMut(h)
}

// DropResource drops a handle. For an owning handle every borrow
// derived from it is invalidated first; for a shared handle the share
// is simply returned.
func (s *Store) DropResource(h table.Handle) error {
	_, kind, err := s.tbl.Describe(h)
	if err != nil {
		return err
	}
	if kind == wasmres.Owned {
		if err := s.trk.DropOwned(s.own[h.Index]); err != nil {
			return err
		}
	}
	return s.tbl.Drop(h)
}

// BorrowResource takes a shared borrow of the resource behind an owning
// handle, registered in scope and issued to borrower. The borrow holds
// one table reference until it is invalidated.
func (s *Store) BorrowResource(h table.Handle, borrower wasmres.InstanceID, scope lifetime.ScopeID) (lifetime.BorrowHandle, error) {
	return s.borrow(h, borrower, scope, lifetime.Shared)
}

// BorrowExclusive is BorrowResource with exclusive discipline: it fails
// while any other borrow of the source is outstanding.
func (s *Store) BorrowExclusive(h table.Handle, borrower wasmres.InstanceID, scope lifetime.ScopeID) (lifetime.BorrowHandle, error) {
	return s.borrow(h, borrower, scope, lifetime.Exclusive)
}

func (s *Store) borrow(h table.Handle, borrower wasmres.InstanceID, scope lifetime.ScopeID, kind lifetime.Kind) (lifetime.BorrowHandle, error) {
	_, slotKind, err := s.tbl.Describe(h)
	if err != nil {
		return lifetime.BorrowHandle{}, err
	}
	if slotKind != wasmres.Owned {
		return lifetime.BorrowHandle{}, errors.BorrowViolation(errors.PhaseStore, "borrows derive from owning handles only")
	}
	res, err := s.tbl.Get(h)
	if err != nil {
		return lifetime.BorrowHandle{}, err
	}

	if err := s.tbl.AddRef(h); err != nil {
		return lifetime.BorrowHandle{}, err
	}
	b, err := s.trk.Borrow(s.own[h.Index], borrower, scope, kind)
	if err != nil {
		_ = s.tbl.Release(res.ID)
		return lifetime.BorrowHandle{}, err
	}
	return b, nil
}

// ValidateBorrow checks a borrow handle.
func (s *Store) ValidateBorrow(b lifetime.BorrowHandle) lifetime.Validation {
	return s.trk.Validate(b)
}

// ValidateBorrowFor additionally checks that caller is the instance the
// borrow was issued to.
func (s *Store) ValidateBorrowFor(b lifetime.BorrowHandle, caller wasmres.InstanceID) lifetime.Validation {
	return s.trk.ValidateFor(b, caller)
}

// OpenScope opens a lifetime scope for a component task.
func (s *Store) OpenScope(component wasmres.InstanceID, task wasmres.TaskID) (lifetime.ScopeID, error) {
	return s.trk.CreateScope(component, task)
}

// CloseScope ends a scope, invalidating its borrows and returning their
// table references.
func (s *Store) CloseScope(id lifetime.ScopeID) error {
	return s.trk.EndScope(id)
}

// TransferResource moves ownership of the resource behind h from caller
// to target and reissues the owning tracker handle under the new owner.
func (s *Store) TransferResource(h table.Handle, caller, target wasmres.InstanceID) error {
	if err := s.tbl.Transfer(h, caller, target); err != nil {
		return err
	}
	return s.rebindOwner(h, target)
}

// EstablishSharing records a sharing agreement.
func (s *Store) EstablishSharing(source, target wasmres.InstanceID, types []wasmres.TypeID, rights sharing.AccessRights, policy sharing.TransferPolicy, lt sharing.LifetimePolicy) (sharing.AgreementID, error) {
	return s.mgr.EstablishAgreement(source, target, types, rights, policy, lt)
}

// ShareResource grants the agreement's target a shared handle.
func (s *Store) ShareResource(agreement sharing.AgreementID, h table.Handle) (table.Handle, error) {
	return s.mgr.Share(agreement, h)
}

// ReturnShared gives back a granted handle.
func (s *Store) ReturnShared(target wasmres.InstanceID, h table.Handle) error {
	return s.mgr.ReturnShared(target, h)
}

// TransferOwnership moves the resource behind h under a move agreement
// and reissues the owning tracker handle under the new owner.
func (s *Store) TransferOwnership(agreement sharing.AgreementID, h table.Handle) error {
	a, err := s.mgr.Agreement(agreement)
	if err != nil {
		return err
	}
	if err := s.mgr.TransferOwnership(agreement, h); err != nil {
		return err
	}
	return s.rebindOwner(h, a.Target)
}

// rebindOwner retires the old owning tracker handle and issues a fresh
// one for target. Transfers require a reference count of one, so there
// are never live borrows to carry over.
func (s *Store) rebindOwner(h table.Handle, target wasmres.InstanceID) error {
	res, err := s.tbl.Get(h)
	if err != nil {
		return err
	}
	typ, err := s.reg.Lookup(res.Type)
	if err != nil {
		return err
	}
	if err := s.trk.DropOwned(s.own[h.Index]); err != nil {
		return err
	}
	ownH, err := s.trk.CreateOwned(res.ID, target, typ.Name)
	if err != nil {
		return err
	}
	s.own[h.Index] = ownH
	return nil
}

// CleanupInstance tears down everything a failed or exiting instance
// holds: its scopes end, its owned handles drop with their borrows, its
// agreements disappear and its table entries are finalized. Safe to
// call twice.
func (s *Store) CleanupInstance(inst wasmres.InstanceID) {
	s.trk.CleanupInstance(inst)
	s.mgr.CleanupInstance(inst)
	s.tbl.CleanupInstance(inst)
}

// Cleanup reclaims tracker records invalidated since the last pass.
func (s *Store) Cleanup() int {
	return s.trk.Cleanup()
}

// Statistics returns a snapshot across all subsystems.
func (s *Store) Statistics() Stats {
	return Stats{
		Types:    s.reg.Len(),
		Table:    s.tbl.Stats(),
		Lifetime: s.trk.Stats(),
		Sharing:  s.mgr.Stats(),
	}
}

// Registry exposes the underlying type registry.
func (s *Store) Registry() *registry.Registry { return s.reg }

// Table exposes the underlying resource table.
func (s *Store) Table() *table.Table { return s.tbl }

// Tracker exposes the underlying lifetime tracker.
func (s *Store) Tracker() *lifetime.Tracker { return s.trk }

// Sharing exposes the underlying sharing manager.
func (s *Store) Sharing() *sharing.Manager { return s.mgr }
