package sharing

import (
	"time"

	"go.uber.org/zap"

	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/errors"
	"github.com/wippyai/wasm-resources/table"
)

// AgreementID identifies a sharing agreement. Ids are never reused.
type AgreementID uint32

// AccessRights is a bit set of capabilities an agreement grants the
// target instance.
type AccessRights uint8

const (
	RightRead AccessRights = 1 << iota
	RightWrite
	RightTransfer
)

// FullAccess grants every right.
const FullAccess = RightRead | RightWrite | RightTransfer

// Has reports whether all rights in want are granted.
func (r AccessRights) Has(want AccessRights) bool { return r&want == want }

// TransferPolicy states how a resource crosses the component boundary
// under an agreement.
type TransferPolicy uint8

const (
	// PolicyShare grants the target a shared handle; the source keeps
	// ownership.
	PolicyShare TransferPolicy = iota
	// PolicyMove hands ownership to the target outright.
	PolicyMove
)

func (p TransferPolicy) String() string {
	if p == PolicyMove {
		return "move"
	}
	return "share"
}

// LifetimeKind states how long an agreement stays usable.
type LifetimeKind uint8

const (
	// Permanent agreements last until an instance is cleaned up.
	Permanent LifetimeKind = iota
	// Temporary agreements expire at a deadline.
	Temporary
)

// LifetimePolicy bounds an agreement's useful life.
type LifetimePolicy struct {
	Kind     LifetimeKind
	Deadline time.Time
}

// Expired reports whether the agreement can no longer be used at now.
func (p LifetimePolicy) Expired(now time.Time) bool {
	return p.Kind == Temporary && now.After(p.Deadline)
}

// Agreement is an established grant from a source instance to a target.
type Agreement struct {
	ID          AgreementID
	Source      wasmres.InstanceID
	Target      wasmres.InstanceID
	Types       []wasmres.TypeID
	Rights      AccessRights
	Policy      TransferPolicy
	Lifetime    LifetimePolicy
	Established time.Time
}

func (a *Agreement) covers(typ wasmres.TypeID) bool {
	for _, t := range a.Types {
		if t == typ {
			return true
		}
	}
	return false
}

// DefaultMaxAgreements is the agreement capacity used when Config
// leaves MaxAgreements unset.
const DefaultMaxAgreements = 128

// Config sizes the manager at construction.
type Config struct {
	MaxAgreements int
}

// DefaultConfig returns the default sharing capacities.
func DefaultConfig() Config {
	return Config{MaxAgreements: DefaultMaxAgreements}
}

// Stats is a point-in-time snapshot of sharing counters.
type Stats struct {
	Agreements       int
	TotalAgreements  uint64
	Shares           uint64
	Returns          uint64
	Transfers        uint64
	PolicyViolations uint64
}

// Manager mediates cross-component resource access. Nothing crosses an
// instance boundary without an agreement that names the source, the
// target and the resource types it covers; anything an agreement does
// not explicitly allow is denied.
//
// Manager is not safe for concurrent use; see store.Guarded.
type Manager struct {
	tbl *table.Table
	cfg Config

	agreements []Agreement
	nextID     AgreementID
	now        func() time.Time

	totalAgreements              uint64
	sharesGranted, sharesReturned uint64
	transfers, violations        uint64
}

// New constructs a manager over tbl with all capacity allocated up front.
func New(tbl *table.Table, cfg Config) *Manager {
	if cfg.MaxAgreements <= 0 {
		cfg.MaxAgreements = DefaultMaxAgreements
	}
	return &Manager{
		tbl:        tbl,
		cfg:        cfg,
		agreements: make([]Agreement, 0, cfg.MaxAgreements),
		nextID:     1,
		now:        time.Now,
	}
}

// EstablishAgreement records a grant from source to target covering the
// given resource types. Self-grants and grants that would close a
// source/target cycle between two instances are rejected.
func (m *Manager) EstablishAgreement(source, target wasmres.InstanceID, types []wasmres.TypeID, rights AccessRights, policy TransferPolicy, lt LifetimePolicy) (AgreementID, error) {
	if source == target {
		return 0, errors.InvalidInput(errors.PhaseSharing, "agreement source and target are the same instance")
	}
	if len(types) == 0 {
		return 0, errors.InvalidInput(errors.PhaseSharing, "agreement covers no resource types")
	}
	now := m.now()
	for i := range m.agreements {
		a := &m.agreements[i]
		if a.Lifetime.Expired(now) {
			continue
		}
		if a.Source == target && a.Target == source {
			return 0, errors.InvalidInput(errors.PhaseSharing,
				"agreement %d already grants %d -> %d", uint32(a.ID), uint32(target), uint32(source))
		}
	}
	if len(m.agreements) >= m.cfg.MaxAgreements {
		return 0, errors.CapacityExceeded(errors.PhaseSharing, "agreements", m.cfg.MaxAgreements)
	}

	id := m.nextID
	m.nextID++
	m.agreements = append(m.agreements, Agreement{
		ID:          id,
		Source:      source,
		Target:      target,
		Types:       append([]wasmres.TypeID(nil), types...),
		Rights:      rights,
		Policy:      policy,
		Lifetime:    lt,
		Established: now,
	})
	m.totalAgreements++

	Logger().Debug("agreement established",
		zap.Uint32("agreement", uint32(id)),
		zap.Uint32("source", uint32(source)),
		zap.Uint32("target", uint32(target)))
	return id, nil
}

// Agreement returns an established agreement by id.
func (m *Manager) Agreement(id AgreementID) (Agreement, error) {
	a := m.find(id)
	if a == nil {
		return Agreement{}, errors.InvalidInput(errors.PhaseSharing, "agreement %d not found", uint32(id))
	}
	return *a, nil
}

// Share grants the agreement's target a shared handle to the resource
// behind h. The handle must belong to the agreement's source instance
// and the resource type must be covered; everything else is refused.
func (m *Manager) Share(id AgreementID, h table.Handle) (table.Handle, error) {
	a, err := m.usable(id)
	if err != nil {
		return table.Handle{}, err
	}
	if a.Policy == PolicyMove {
		m.violations++
		return table.Handle{}, errors.PermissionDenied(errors.PhaseSharing, uint32(a.Source),
			"agreement policy is move, not share")
	}
	if err := m.check(a, h); err != nil {
		return table.Handle{}, err
	}

	nh, err := m.tbl.ShareTo(h, a.Target)
	if err != nil {
		return table.Handle{}, err
	}
	m.sharesGranted++
	return nh, nil
}

// ReturnShared gives back a shared handle previously granted to target,
// releasing its reference on the resource.
func (m *Manager) ReturnShared(target wasmres.InstanceID, h table.Handle) error {
	inst, kind, err := m.tbl.Describe(h)
	if err != nil {
		return err
	}
	if kind != wasmres.Shared || inst != target {
		m.violations++
		return errors.PermissionDenied(errors.PhaseSharing, uint32(target), "handle is not a share held by this instance")
	}
	if err := m.tbl.Drop(h); err != nil {
		return err
	}
	m.sharesReturned++
	return nil
}

// TransferOwnership moves the resource behind h from the agreement's
// source to its target. Requires a move policy, the transfer right and
// a reference count of one.
func (m *Manager) TransferOwnership(id AgreementID, h table.Handle) error {
	a, err := m.usable(id)
	if err != nil {
		return err
	}
	if a.Policy != PolicyMove {
		m.violations++
		return errors.PermissionDenied(errors.PhaseSharing, uint32(a.Source),
			"agreement policy is share, not move")
	}
	if !a.Rights.Has(RightTransfer) {
		m.violations++
		return errors.PermissionDenied(errors.PhaseSharing, uint32(a.Source), "agreement lacks the transfer right")
	}
	if err := m.check(a, h); err != nil {
		return err
	}
	if err := m.tbl.Transfer(h, a.Source, a.Target); err != nil {
		return err
	}
	m.transfers++
	return nil
}

// CleanupInstance removes every agreement naming inst as source or
// target. Granted shares are torn down by the table's own cleanup.
// Safe to call twice.
func (m *Manager) CleanupInstance(inst wasmres.InstanceID) {
	kept := m.agreements[:0]
	removed := 0
	for _, a := range m.agreements {
		if a.Source == inst || a.Target == inst {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	m.agreements = kept
	if removed > 0 {
		Logger().Info("agreements removed",
			zap.Uint32("instance", uint32(inst)),
			zap.Int("count", removed))
	}
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Agreements:       len(m.agreements),
		TotalAgreements:  m.totalAgreements,
		Shares:           m.sharesGranted,
		Returns:          m.sharesReturned,
		Transfers:        m.transfers,
		PolicyViolations: m.violations,
	}
}

func (m *Manager) find(id AgreementID) *Agreement {
	for i := range m.agreements {
		if m.agreements[i].ID == id {
			return &m.agreements[i]
		}
	}
	return nil
}

func (m *Manager) usable(id AgreementID) (*Agreement, error) {
	a := m.find(id)
	if a == nil {
		return nil, errors.InvalidInput(errors.PhaseSharing, "agreement %d not found", uint32(id))
	}
	if a.Lifetime.Expired(m.now()) {
		m.violations++
		return nil, errors.New(errors.PhaseSharing, errors.KindPermissionDenied).
			Instance(uint32(a.Source)).
			Detail("agreement %d expired", uint32(id)).Build()
	}
	return a, nil
}

// check verifies that h is the source's own handle to a covered type.
func (m *Manager) check(a *Agreement, h table.Handle) error {
	res, err := m.tbl.Get(h)
	if err != nil {
		return err
	}
	if res.Owner != a.Source {
		m.violations++
		return errors.PermissionDenied(errors.PhaseSharing, uint32(a.Source),
			"resource is not owned by the agreement source")
	}
	if !a.covers(res.Type) {
		m.violations++
		return errors.PermissionDenied(errors.PhaseSharing, uint32(a.Source),
			"resource type not covered by the agreement")
	}
	return nil
}
