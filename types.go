package wasmres

// TypeID identifies a registered resource type.
type TypeID uint32

// ResourceID uniquely identifies a resource instance for the lifetime of
// its table. IDs are assigned monotonically and never reused.
type ResourceID uint64

// InstanceID identifies a component instance, the unit of resource
// ownership.
type InstanceID uint32

// TaskID identifies a logical task within a component instance.
type TaskID uint32

// Level is an ordered safety classification bounding how much trust a
// resource type may claim. A type may never claim a higher level than the
// runtime's effective safety context.
type Level uint8

const (
	// LevelQM has no safety requirements.
	LevelQM Level = iota
	// LevelASILA is the lowest automotive safety integrity level.
	LevelASILA
	// LevelASILB requires runtime verification.
	LevelASILB
	// LevelASILC requires memory protection.
	LevelASILC
	// LevelASILD is the highest automotive safety integrity level.
	LevelASILD
)

// String returns the conventional name of the safety level.
func (l Level) String() string {
	switch l {
	case LevelQM:
		return "QM"
	case LevelASILA:
		return "ASIL-A"
	case LevelASILB:
		return "ASIL-B"
	case LevelASILC:
		return "ASIL-C"
	case LevelASILD:
		return "ASIL-D"
	default:
		return "unknown"
	}
}

// OwnershipKind describes how a component instance holds a resource.
type OwnershipKind uint8

const (
	// Owned means the instance has exclusive ownership and may transfer
	// or drop the resource.
	Owned OwnershipKind = iota
	// Borrowed means the instance holds a temporary, scope-bounded view.
	Borrowed
	// Shared means access was granted through a sharing agreement.
	Shared
)

func (k OwnershipKind) String() string {
	switch k {
	case Owned:
		return "owned"
	case Borrowed:
		return "borrowed"
	case Shared:
		return "shared"
	default:
		return "unknown"
	}
}

// LifecycleState is the state of a resource record.
type LifecycleState uint8

const (
	// StateActive means the resource is live and usable.
	StateActive LifecycleState = iota
	// StatePendingCleanup means the owner dropped the resource while
	// borrows were still outstanding; it is finalized once the last
	// reference releases.
	StatePendingCleanup
	// StateFinalized means the finalizer has run and the record is dead.
	StateFinalized
)

func (s LifecycleState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePendingCleanup:
		return "pending-cleanup"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Finalizer releases whatever a resource payload refers to. Finalize is
// invoked at most once per resource, never while references are
// outstanding. A Finalize error is surfaced to the caller but does not
// block the drop: the resource is removed regardless.
type Finalizer interface {
	Finalize(payload []byte) error
}

// FinalizerFunc adapts a plain function to the Finalizer interface.
type FinalizerFunc func(payload []byte) error

// Finalize implements Finalizer.
func (f FinalizerFunc) Finalize(payload []byte) error {
	return f(payload)
}
