package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which subsystem the error occurred in
type Phase string

const (
	PhaseRegistry Phase = "registry" // type registration and lookup
	PhaseTable    Phase = "table"    // resource records and handles
	PhaseLifetime Phase = "lifetime" // own/borrow handle tracking
	PhaseSharing  Phase = "sharing"  // cross-instance agreements
	PhaseABI      Phase = "abi"      // canonical ABI boundary
	PhaseStore    Phase = "store"    // embedder facade
)

// Kind categorizes the error
type Kind string

const (
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindUnknownType         Kind = "unknown_type"
	KindInvalidHandle       Kind = "invalid_handle"
	KindResourceNotFound    Kind = "resource_not_found"
	KindGenerationMismatch  Kind = "generation_mismatch"
	KindSourceDropped       Kind = "source_dropped"
	KindScopeEnded          Kind = "scope_ended"
	KindBorrowViolation     Kind = "borrow_violation"
	KindSafetyLevelExceeded Kind = "safety_level_exceeded"
	KindPermissionDenied    Kind = "permission_denied"
	KindInvalidInput        Kind = "invalid_input"
	KindAlreadyExists       Kind = "already_exists"
	KindFinalizer           Kind = "finalizer"
)

// Error is the structured error type used throughout the library
type Error struct {
	Cause    error
	Phase    Phase
	Kind     Kind
	Detail   string
	Handle   uint64
	Resource uint64
	Instance uint32
	hasCtx   uint8
}

const (
	ctxHandle uint8 = 1 << iota
	ctxResource
	ctxInstance
)

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.hasCtx&ctxHandle != 0 {
		fmt.Fprintf(&b, " handle=%d", e.Handle)
	}
	if e.hasCtx&ctxResource != 0 {
		fmt.Fprintf(&b, " resource=%d", e.Resource)
	}
	if e.hasCtx&ctxInstance != 0 {
		fmt.Fprintf(&b, " instance=%d", e.Instance)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. Two errors match when
// their Kind is equal and the target's Phase is either empty or equal.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind && (t.Phase == "" || e.Phase == t.Phase)
	}
	return false
}

// IsKind reports whether err is an *Error of the given kind, unwrapping
// as needed.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Handle attaches the offending handle value
func (b *Builder) Handle(h uint64) *Builder {
	b.err.Handle = h
	b.err.hasCtx |= ctxHandle
	return b
}

// Resource attaches the resource id
func (b *Builder) Resource(id uint64) *Builder {
	b.err.Resource = id
	b.err.hasCtx |= ctxResource
	return b
}

// Instance attaches the component instance id
func (b *Builder) Instance(id uint32) *Builder {
	b.err.Instance = id
	b.err.hasCtx |= ctxInstance
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// CapacityExceeded reports a fixed-capacity table being full
func CapacityExceeded(phase Phase, what string, limit int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCapacityExceeded,
		Detail: fmt.Sprintf("%s capacity %d exhausted", what, limit),
	}
}

// UnknownType reports a lookup of an unregistered type id
func UnknownType(phase Phase, typeID uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnknownType,
		Detail: fmt.Sprintf("resource type %d is not registered", typeID),
	}
}

// InvalidHandle reports a handle that does not name a live slot
func InvalidHandle(phase Phase, raw uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidHandle,
		Handle: raw,
		hasCtx: ctxHandle,
	}
}

// ResourceNotFound reports a resource id with no live record
func ResourceNotFound(phase Phase, id uint64) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindResourceNotFound,
		Resource: id,
		hasCtx:   ctxResource,
	}
}

// GenerationMismatch reports a stale handle whose slot was reused
func GenerationMismatch(phase Phase, raw uint64, want, got uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindGenerationMismatch,
		Handle: raw,
		hasCtx: ctxHandle,
		Detail: fmt.Sprintf("slot generation %d, handle generation %d", want, got),
	}
}

// SourceDropped reports use of a borrow whose owner dropped the resource
func SourceDropped(phase Phase, raw uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindSourceDropped,
		Handle: raw,
		hasCtx: ctxHandle,
	}
}

// ScopeEnded reports use of a borrow whose lifetime scope has ended
func ScopeEnded(phase Phase, scope uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindScopeEnded,
		Detail: fmt.Sprintf("scope %d has ended", scope),
	}
}

// BorrowViolation reports an operation forbidden by outstanding borrows
func BorrowViolation(phase Phase, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Phase:  phase,
		Kind:   KindBorrowViolation,
		Detail: detail,
	}
}

// SafetyLevelExceeded reports a type claiming more trust than the runtime
func SafetyLevelExceeded(phase Phase, claimed, effective string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindSafetyLevelExceeded,
		Detail: fmt.Sprintf("type requires %s, runtime enforces %s", claimed, effective),
	}
}

// PermissionDenied reports an operation attempted by a non-owner
func PermissionDenied(phase Phase, instance uint32, detail string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindPermissionDenied,
		Instance: instance,
		hasCtx:   ctxInstance,
		Detail:   detail,
	}
}

// AlreadyExists reports a duplicate registration
func AlreadyExists(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAlreadyExists,
		Detail: fmt.Sprintf("%s %q already exists", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Finalizer wraps an error returned by a resource finalizer. The drop
// still completes; the wrapped error is informational.
func Finalizer(phase Phase, resource uint64, cause error) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindFinalizer,
		Resource: resource,
		hasCtx:   ctxResource,
		Detail:   "finalizer failed",
		Cause:    cause,
	}
}
