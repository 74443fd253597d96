package store

import (
	"sync"

	"go.bytecodealliance.org/wit"

	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/lifetime"
	"github.com/wippyai/wasm-resources/sharing"
	"github.com/wippyai/wasm-resources/table"
)

// Guarded serializes access to a Store. Every operation, reads
// included, takes the same mutex: lookups and validations bump counters,
// so there is no read-only path to take a shared lock on.
type Guarded struct {
	mu sync.Mutex
	st *Store
}

// NewGuarded wraps a store for concurrent use.
func NewGuarded(st *Store) *Guarded {
	return &Guarded{st: st}
}

func (g *Guarded) RegisterType(name string, sizeHint uint32, fin wasmres.Finalizer, level wasmres.Level) (wasmres.TypeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.RegisterType(name, sizeHint, fin, level)
}

func (g *Guarded) RegisterWIT(res *wit.Resolve, level wasmres.Level) ([]wasmres.TypeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.RegisterWIT(res, level)
}

func (g *Guarded) CreateResource(typeID wasmres.TypeID, payload []byte, owner wasmres.InstanceID) (table.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.CreateResource(typeID, payload, owner)
}

// Read resolves a handle and passes the resource to fn while the lock
// is held. The pointer must not escape fn.
func (g *Guarded) Read(h table.Handle, fn func(*table.Resource) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, err := g.st.Get(h)
	if err != nil {
		return err
	}
	return fn(res)
}

// Write is Read with write intent.
func (g *Guarded) Write(h table.Handle, fn func(*table.Resource) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, err := g.st.GetMut(h)
	if err != nil {
		return err
	}
	return fn(res)
}

func (g *Guarded) DropResource(h table.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.DropResource(h)
}

func (g *Guarded) BorrowResource(h table.Handle, borrower wasmres.InstanceID, scope lifetime.ScopeID) (lifetime.BorrowHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.BorrowResource(h, borrower, scope)
}

func (g *Guarded) BorrowExclusive(h table.Handle, borrower wasmres.InstanceID, scope lifetime.ScopeID) (lifetime.BorrowHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.BorrowExclusive(h, borrower, scope)
}

func (g *Guarded) ValidateBorrow(b lifetime.BorrowHandle) lifetime.Validation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.ValidateBorrow(b)
}

func (g *Guarded) ValidateBorrowFor(b lifetime.BorrowHandle, caller wasmres.InstanceID) lifetime.Validation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.ValidateBorrowFor(b, caller)
}

func (g *Guarded) OpenScope(component wasmres.InstanceID, task wasmres.TaskID) (lifetime.ScopeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.OpenScope(component, task)
}

func (g *Guarded) CloseScope(id lifetime.ScopeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.CloseScope(id)
}

func (g *Guarded) TransferResource(h table.Handle, caller, target wasmres.InstanceID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.TransferResource(h, caller, target)
}

func (g *Guarded) EstablishSharing(source, target wasmres.InstanceID, types []wasmres.TypeID, rights sharing.AccessRights, policy sharing.TransferPolicy, lt sharing.LifetimePolicy) (sharing.AgreementID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.EstablishSharing(source, target, types, rights, policy, lt)
}

func (g *Guarded) ShareResource(agreement sharing.AgreementID, h table.Handle) (table.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.ShareResource(agreement, h)
}

func (g *Guarded) ReturnShared(target wasmres.InstanceID, h table.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.ReturnShared(target, h)
}

func (g *Guarded) TransferOwnership(agreement sharing.AgreementID, h table.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.TransferOwnership(agreement, h)
}

func (g *Guarded) CleanupInstance(inst wasmres.InstanceID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.st.CleanupInstance(inst)
}

func (g *Guarded) Cleanup() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.Cleanup()
}

func (g *Guarded) Statistics() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.Statistics()
}
