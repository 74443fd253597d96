// Package errors provides structured error types for the wasm-resources
// library.
//
// Errors are categorized by Phase (which subsystem produced them) and Kind
// (error category). The Error type carries optional handle, resource, and
// instance context plus a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseTable, errors.KindBorrowViolation).
//		Handle(uint64(h.Index)).
//		Resource(uint64(id)).
//		Detail("cannot transfer with %d outstanding borrows", n).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.CapacityExceeded(errors.PhaseTable, "resources", 1024)
//	err := errors.GenerationMismatch(errors.PhaseLifetime, raw, want, got)
//
// All errors implement the standard error interface and support
// errors.Is/As; IsKind matches on Kind alone:
//
//	if errors.IsKind(err, errors.KindCapacityExceeded) { ... }
//
// Every failure in this library is recoverable by the caller. The kinds
// fall into three groups: capacity (capacity_exceeded), lookup
// (unknown_type, invalid_handle, resource_not_found), and validity
// (generation_mismatch, source_dropped, scope_ended, borrow_violation,
// safety_level_exceeded, permission_denied).
package errors
