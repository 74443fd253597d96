package table

import (
	"time"

	"go.uber.org/zap"

	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/errors"
	"github.com/wippyai/wasm-resources/registry"
)

// Default capacities used when Config fields are left unset.
const (
	DefaultMaxResources   = 1024
	DefaultMaxHandles     = 2048
	DefaultMaxInstances   = 64
	DefaultMaxPerInstance = 256
	DefaultMaxAudit       = 512
)

// Config sizes the table at construction. All slot arrays, free lists
// and per-instance indexes are allocated in New; nothing grows afterwards.
type Config struct {
	// MaxResources is the resource record capacity.
	MaxResources int

	// MaxHandles is the handle slot capacity. Shared resources consume
	// one slot per holding instance, so this is usually larger than
	// MaxResources. Raised to MaxResources when set lower.
	MaxHandles int

	// MaxInstances bounds the number of per-instance indexes.
	MaxInstances int

	// MaxPerInstance bounds the resources indexed under one instance.
	MaxPerInstance int

	// MaxAudit bounds the transfer and share audit log.
	MaxAudit int
}

// DefaultConfig returns the default table capacities.
func DefaultConfig() Config {
	return Config{
		MaxResources:   DefaultMaxResources,
		MaxHandles:     DefaultMaxHandles,
		MaxInstances:   DefaultMaxInstances,
		MaxPerInstance: DefaultMaxPerInstance,
		MaxAudit:       DefaultMaxAudit,
	}
}

// Handle names one table slot together with the generation it was
// issued under. A handle goes stale the moment its slot is reused; stale
// handles fail lookup with a generation mismatch instead of silently
// resolving to the new occupant. The zero Handle is never valid.
type Handle struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether h is the invalid zero handle.
func (h Handle) IsZero() bool { return h == Handle{} }

// Resource is the table's view of one live resource.
type Resource struct {
	ID        wasmres.ResourceID
	Type      wasmres.TypeID
	Owner     wasmres.InstanceID
	State     wasmres.LifecycleState
	RefCount  uint32
	CreatedAt time.Time

	payload []byte
}

// Payload returns the resource's payload buffer.
func (r *Resource) Payload() []byte { return r.payload }

// SetPayload overwrites the payload in place. The replacement must fit
// the buffer allocated at creation.
func (r *Resource) SetPayload(p []byte) error {
	if len(p) > cap(r.payload) {
		return errors.InvalidInput(errors.PhaseTable,
			"payload %d bytes exceeds buffer capacity %d", len(p), cap(r.payload))
	}
	r.payload = r.payload[:len(p)]
	copy(r.payload, p)
	return nil
}

// SharingEntry is one audit record of a cross-instance transfer or share.
type SharingEntry struct {
	Resource wasmres.ResourceID
	Source   wasmres.InstanceID
	Target   wasmres.InstanceID
	Kind     wasmres.OwnershipKind
	At       time.Time
}

// Stats is a point-in-time snapshot of table counters.
type Stats struct {
	RegisteredTypes   int
	ActiveResources   int
	PeakResources     int
	TotalCreated      uint64
	TotalDestroyed    uint64
	MemoryUsed        uint64
	PeakMemory        uint64
	InstanceTables    int
	Transfers         uint64
	Shares            uint64
	Lookups           uint64
	SuccessfulLookups uint64
}

type record struct {
	res  Resource
	used bool
}

type slot struct {
	record     uint32
	generation uint32
	instance   wasmres.InstanceID
	kind       wasmres.OwnershipKind
	used       bool
}

type instanceIndex struct {
	ids []wasmres.ResourceID
}

// Table is a fixed-capacity resource table. Resource records and handle
// slots live in separate arenas so that sharing can mint a second handle
// to an existing record without copying it.
//
// Table is not safe for concurrent use; see store.Guarded.
type Table struct {
	reg *registry.Registry
	cfg Config

	records  []record
	recFree  []uint32
	slots    []slot
	slotFree []uint32
	byID     map[wasmres.ResourceID]uint32

	instances map[wasmres.InstanceID]*instanceIndex
	audit     []SharingEntry

	nextResource wasmres.ResourceID

	created, destroyed     uint64
	transfers, shares      uint64
	lookups, lookupHits    uint64
	memoryUsed, peakMemory uint64
	peakResources          int
}

// New constructs a table over reg with all capacity allocated up front.
func New(reg *registry.Registry, cfg Config) *Table {
	if cfg.MaxResources <= 0 {
		cfg.MaxResources = DefaultMaxResources
	}
	if cfg.MaxHandles < cfg.MaxResources {
		cfg.MaxHandles = cfg.MaxResources
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	if cfg.MaxPerInstance <= 0 {
		cfg.MaxPerInstance = DefaultMaxPerInstance
	}
	if cfg.MaxAudit <= 0 {
		cfg.MaxAudit = DefaultMaxAudit
	}

	t := &Table{
		reg:       reg,
		cfg:       cfg,
		records:   make([]record, cfg.MaxResources),
		recFree:   make([]uint32, 0, cfg.MaxResources),
		slots:     make([]slot, cfg.MaxHandles),
		slotFree:  make([]uint32, 0, cfg.MaxHandles),
		byID:      make(map[wasmres.ResourceID]uint32, cfg.MaxResources),
		instances: make(map[wasmres.InstanceID]*instanceIndex, cfg.MaxInstances),
		audit:     make([]SharingEntry, 0, cfg.MaxAudit),

		nextResource: 1,
	}
	for i := cfg.MaxResources - 1; i >= 0; i-- {
		t.recFree = append(t.recFree, uint32(i))
	}
	for i := cfg.MaxHandles - 1; i >= 0; i-- {
		t.slotFree = append(t.slotFree, uint32(i))
	}
	return t
}

// Create allocates a resource of the given type, owned by owner, and
// returns the owning handle. The payload is copied into a buffer sized
// at creation. Capacity failures leave the table unchanged.
func (t *Table) Create(typeID wasmres.TypeID, payload []byte, owner wasmres.InstanceID) (Handle, error) {
	typ, err := t.reg.Lookup(typeID)
	if err != nil {
		return Handle{}, err
	}
	if typ.SizeHint > 0 && uint32(len(payload)) > typ.SizeHint {
		return Handle{}, errors.InvalidInput(errors.PhaseTable,
			"payload %d bytes exceeds size hint %d for type %s", len(payload), typ.SizeHint, typ.Name)
	}
	if len(t.recFree) == 0 {
		return Handle{}, errors.CapacityExceeded(errors.PhaseTable, "resources", t.cfg.MaxResources)
	}
	if len(t.slotFree) == 0 {
		return Handle{}, errors.CapacityExceeded(errors.PhaseTable, "handles", t.cfg.MaxHandles)
	}
	if err := t.indexRoom(owner); err != nil {
		return Handle{}, err
	}

	recIdx := t.recFree[len(t.recFree)-1]
	t.recFree = t.recFree[:len(t.recFree)-1]

	buf := make([]byte, len(payload))
	copy(buf, payload)

	id := t.nextResource
	t.nextResource++

	rec := &t.records[recIdx]
	rec.res = Resource{
		ID:        id,
		Type:      typeID,
		Owner:     owner,
		State:     wasmres.StateActive,
		RefCount:  1,
		CreatedAt: time.Now(),
		payload:   buf,
	}
	rec.used = true
	t.byID[id] = recIdx

	h := t.mintSlot(recIdx, owner, wasmres.Owned)
	t.index(owner).ids = append(t.index(owner).ids, id)

	t.created++
	t.memoryUsed += uint64(cap(buf))
	if t.memoryUsed > t.peakMemory {
		t.peakMemory = t.memoryUsed
	}
	if a := t.activeCount(); a > t.peakResources {
		t.peakResources = a
	}

	Logger().Debug("resource created",
		zap.Uint64("resource", uint64(id)),
		zap.String("type", typ.Name),
		zap.Uint32("owner", uint32(owner)))
	return h, nil
}

// Get resolves a handle to its resource for read access.
func (t *Table) Get(h Handle) (*Resource, error) {
	_, rec, err := t.lookup(h)
	if err != nil {
		return nil, err
	}
	return &rec.res, nil
}

// GetMut resolves a handle for write access. The payload may be modified
// in place through Resource.SetPayload.
func (t *Table) GetMut(h Handle) (*Resource, error) {
	_, rec, err := t.lookup(h)
	if err != nil {
		return nil, err
	}
	return &rec.res, nil
}

// Describe reports which instance holds a handle and under what
// ownership kind, without counting as a resource lookup.
func (t *Table) Describe(h Handle) (wasmres.InstanceID, wasmres.OwnershipKind, error) {
	if int(h.Index) >= len(t.slots) || !t.slots[h.Index].used {
		return 0, 0, errors.InvalidHandle(errors.PhaseTable, uint64(h.Index))
	}
	s := &t.slots[h.Index]
	if s.generation != h.Generation {
		return 0, 0, errors.GenerationMismatch(errors.PhaseTable, uint64(h.Index), s.generation, h.Generation)
	}
	return s.instance, s.kind, nil
}

// CurrentHandle rebinds a slot index to the generation it currently
// carries. Used when lifting wire values, which do not carry generations.
func (t *Table) CurrentHandle(index uint32) (Handle, error) {
	if int(index) >= len(t.slots) || !t.slots[index].used {
		return Handle{}, errors.InvalidHandle(errors.PhaseTable, uint64(index))
	}
	return Handle{Index: index, Generation: t.slots[index].generation}, nil
}

// AddRef takes an additional reference on the resource behind h, on
// behalf of a borrow. Every AddRef must be paired with a Release.
func (t *Table) AddRef(h Handle) error {
	_, rec, err := t.lookup(h)
	if err != nil {
		return err
	}
	if rec.res.State != wasmres.StateActive {
		return errors.SourceDropped(errors.PhaseTable, uint64(h.Index))
	}
	rec.res.RefCount++
	return nil
}

// Release drops one reference by resource identifier, on behalf of a
// borrow or share that ended without its own handle. A resource parked
// in PendingCleanup is finalized when its count reaches zero.
func (t *Table) Release(id wasmres.ResourceID) error {
	recIdx, ok := t.byID[id]
	if !ok {
		return errors.ResourceNotFound(errors.PhaseTable, uint64(id))
	}
	rec := &t.records[recIdx]
	if rec.res.RefCount == 0 {
		return errors.ResourceNotFound(errors.PhaseTable, uint64(id))
	}
	rec.res.RefCount--
	if rec.res.RefCount == 0 {
		return t.finalize(recIdx)
	}
	return nil
}

// Transfer moves ownership of the resource behind h from caller to
// target. Only the owning handle may transfer, and only while the
// reference count is exactly one.
func (t *Table) Transfer(h Handle, caller, target wasmres.InstanceID) error {
	s, rec, err := t.lookup(h)
	if err != nil {
		return err
	}
	if rec.res.Owner != caller || s.kind != wasmres.Owned {
		return errors.PermissionDenied(errors.PhaseTable, uint32(caller), "transfer requires the owning handle")
	}
	if caller == target {
		return errors.InvalidInput(errors.PhaseTable, "transfer target is the owning instance")
	}
	if rec.res.RefCount != 1 {
		return errors.BorrowViolation(errors.PhaseTable,
			"resource %d has %d outstanding references", uint64(rec.res.ID), rec.res.RefCount-1)
	}
	if err := t.indexRoom(target); err != nil {
		return err
	}
	if len(t.audit) >= t.cfg.MaxAudit {
		return errors.CapacityExceeded(errors.PhaseTable, "audit entries", t.cfg.MaxAudit)
	}

	t.removeFromIndex(caller, rec.res.ID)
	t.index(target).ids = append(t.index(target).ids, rec.res.ID)
	rec.res.Owner = target
	s.instance = target

	t.audit = append(t.audit, SharingEntry{
		Resource: rec.res.ID,
		Source:   caller,
		Target:   target,
		Kind:     wasmres.Owned,
		At:       time.Now(),
	})
	t.transfers++

	Logger().Debug("ownership transferred",
		zap.Uint64("resource", uint64(rec.res.ID)),
		zap.Uint32("from", uint32(caller)),
		zap.Uint32("to", uint32(target)))
	return nil
}

// ShareTo mints an additional handle to the resource behind h for
// target. The new handle carries Shared ownership and holds one
// reference until dropped or returned.
func (t *Table) ShareTo(h Handle, target wasmres.InstanceID) (Handle, error) {
	s, rec, err := t.lookup(h)
	if err != nil {
		return Handle{}, err
	}
	if rec.res.State != wasmres.StateActive {
		return Handle{}, errors.SourceDropped(errors.PhaseTable, uint64(h.Index))
	}
	if target == rec.res.Owner {
		return Handle{}, errors.InvalidInput(errors.PhaseTable, "share target is the owning instance")
	}
	if len(t.slotFree) == 0 {
		return Handle{}, errors.CapacityExceeded(errors.PhaseTable, "handles", t.cfg.MaxHandles)
	}
	if err := t.indexRoom(target); err != nil {
		return Handle{}, err
	}
	if len(t.audit) >= t.cfg.MaxAudit {
		return Handle{}, errors.CapacityExceeded(errors.PhaseTable, "audit entries", t.cfg.MaxAudit)
	}

	nh := t.mintSlot(s.record, target, wasmres.Shared)
	rec.res.RefCount++
	t.index(target).ids = append(t.index(target).ids, rec.res.ID)

	t.audit = append(t.audit, SharingEntry{
		Resource: rec.res.ID,
		Source:   rec.res.Owner,
		Target:   target,
		Kind:     wasmres.Shared,
		At:       time.Now(),
	})
	t.shares++
	return nh, nil
}

// Drop releases the handle. The slot is freed immediately so later use
// of h fails; the resource itself is finalized once its reference count
// reaches zero, otherwise it parks in PendingCleanup until outstanding
// references release.
//
// A finalizer error is reported but the drop still completes.
func (t *Table) Drop(h Handle) error {
	s, rec, err := t.lookup(h)
	if err != nil {
		return err
	}

	inst, kind, recIdx := s.instance, s.kind, s.record
	t.freeSlot(h.Index)
	rec.res.RefCount--

	if kind == wasmres.Shared {
		t.removeFromIndex(inst, rec.res.ID)
	}
	if rec.res.RefCount > 0 {
		if kind == wasmres.Owned {
			rec.res.State = wasmres.StatePendingCleanup
		}
		return nil
	}
	return t.finalize(recIdx)
}

// CleanupInstance tears down everything inst still holds: shared
// handles release their references, owned resources are finalized, the
// instance index is dropped and audit entries naming the instance are
// pruned. Calling it for an unknown or already cleaned instance is a no-op.
func (t *Table) CleanupInstance(inst wasmres.InstanceID) {
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used || s.instance != inst {
			continue
		}
		recIdx := s.record
		rec := &t.records[recIdx]
		if s.kind == wasmres.Shared {
			t.removeFromIndex(inst, rec.res.ID)
			t.freeSlot(uint32(i))
			if rec.res.RefCount > 0 {
				rec.res.RefCount--
			}
			if rec.res.RefCount == 0 {
				_ = t.finalize(recIdx)
			}
		} else {
			rec.res.RefCount = 0
			_ = t.finalize(recIdx)
		}
	}
	delete(t.instances, inst)

	kept := t.audit[:0]
	for _, e := range t.audit {
		if e.Source == inst || e.Target == inst {
			continue
		}
		kept = append(kept, e)
	}
	t.audit = kept

	Logger().Info("instance cleaned up", zap.Uint32("instance", uint32(inst)))
}

// Audit returns the recorded transfer and share entries in order.
func (t *Table) Audit() []SharingEntry { return t.audit }

// InstanceResources returns the resource ids indexed under inst.
func (t *Table) InstanceResources(inst wasmres.InstanceID) []wasmres.ResourceID {
	idx, ok := t.instances[inst]
	if !ok {
		return nil
	}
	return idx.ids
}

// Stats returns a snapshot of the table's counters.
func (t *Table) Stats() Stats {
	return Stats{
		RegisteredTypes:   t.reg.Len(),
		ActiveResources:   t.activeCount(),
		PeakResources:     t.peakResources,
		TotalCreated:      t.created,
		TotalDestroyed:    t.destroyed,
		MemoryUsed:        t.memoryUsed,
		PeakMemory:        t.peakMemory,
		InstanceTables:    len(t.instances),
		Transfers:         t.transfers,
		Shares:            t.shares,
		Lookups:           t.lookups,
		SuccessfulLookups: t.lookupHits,
	}
}

func (t *Table) activeCount() int {
	return t.cfg.MaxResources - len(t.recFree)
}

func (t *Table) lookup(h Handle) (*slot, *record, error) {
	t.lookups++
	if int(h.Index) >= len(t.slots) || !t.slots[h.Index].used {
		return nil, nil, errors.InvalidHandle(errors.PhaseTable, uint64(h.Index))
	}
	s := &t.slots[h.Index]
	if s.generation != h.Generation {
		return nil, nil, errors.GenerationMismatch(errors.PhaseTable, uint64(h.Index), s.generation, h.Generation)
	}
	t.lookupHits++
	return s, &t.records[s.record], nil
}

// mintSlot pops a free slot and bumps its generation so any handle
// minted against the previous occupant stops resolving.
func (t *Table) mintSlot(recIdx uint32, inst wasmres.InstanceID, kind wasmres.OwnershipKind) Handle {
	si := t.slotFree[len(t.slotFree)-1]
	t.slotFree = t.slotFree[:len(t.slotFree)-1]
	s := &t.slots[si]
	s.generation++
	s.record = recIdx
	s.instance = inst
	s.kind = kind
	s.used = true
	return Handle{Index: si, Generation: s.generation}
}

func (t *Table) freeSlot(index uint32) {
	t.slots[index].used = false
	t.slotFree = append(t.slotFree, index)
}

// indexRoom reports whether an entry for inst could be added without
// exceeding a capacity, without mutating anything.
func (t *Table) indexRoom(inst wasmres.InstanceID) error {
	if idx, ok := t.instances[inst]; ok {
		if len(idx.ids) >= t.cfg.MaxPerInstance {
			return errors.CapacityExceeded(errors.PhaseTable, "resources per instance", t.cfg.MaxPerInstance)
		}
		return nil
	}
	if len(t.instances) >= t.cfg.MaxInstances {
		return errors.CapacityExceeded(errors.PhaseTable, "instance tables", t.cfg.MaxInstances)
	}
	return nil
}

// index returns the per-instance index, creating it. Callers check
// indexRoom first.
func (t *Table) index(inst wasmres.InstanceID) *instanceIndex {
	idx, ok := t.instances[inst]
	if !ok {
		idx = &instanceIndex{ids: make([]wasmres.ResourceID, 0, t.cfg.MaxPerInstance)}
		t.instances[inst] = idx
	}
	return idx
}

func (t *Table) removeFromIndex(inst wasmres.InstanceID, id wasmres.ResourceID) {
	idx, ok := t.instances[inst]
	if !ok {
		return
	}
	for i, got := range idx.ids {
		if got == id {
			idx.ids[i] = idx.ids[len(idx.ids)-1]
			idx.ids = idx.ids[:len(idx.ids)-1]
			return
		}
	}
}

// finalize runs the type finalizer and returns the record and every
// slot still pointing at it to their free lists.
func (t *Table) finalize(recIdx uint32) error {
	rec := &t.records[recIdx]
	id := rec.res.ID

	for i := range t.slots {
		if t.slots[i].used && t.slots[i].record == recIdx {
			t.removeFromIndex(t.slots[i].instance, id)
			t.freeSlot(uint32(i))
		}
	}
	t.removeFromIndex(rec.res.Owner, id)

	var ferr error
	if typ, err := t.reg.Lookup(rec.res.Type); err == nil && typ.Finalizer != nil {
		if err := typ.Finalizer.Finalize(rec.res.payload); err != nil {
			ferr = errors.Finalizer(errors.PhaseTable, uint64(id), err)
			Logger().Warn("finalizer failed",
				zap.Uint64("resource", uint64(id)),
				zap.Error(err))
		}
	}

	t.memoryUsed -= uint64(cap(rec.res.payload))
	rec.res.State = wasmres.StateFinalized
	rec.res.payload = nil
	rec.used = false
	delete(t.byID, id)
	t.recFree = append(t.recFree, recIdx)
	t.destroyed++

	Logger().Debug("resource finalized", zap.Uint64("resource", uint64(id)))
	return ferr
}
