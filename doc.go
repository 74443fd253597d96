// Package wasmres provides the resource-ownership core of a WebAssembly
// Component Model runtime: it tracks which component instance owns a
// resource, issues and validates temporary borrowed views, and enforces
// aliasing rules at runtime that cannot be checked statically once handles
// cross an ABI boundary as plain integers.
//
// # Architecture Overview
//
// The library is organized into packages with distinct responsibilities:
//
//	wasmres/           Root package with shared identifier types and the
//	                   Finalizer interface
//	├── registry/      Resource type descriptors (name, size hint,
//	                   finalizer, safety classification)
//	├── table/         Resource records and handle slots; ownership
//	                   indexes per component instance
//	├── lifetime/      Own/borrow handle tracking, lifetime scopes,
//	                   cascading borrow invalidation
//	├── sharing/       Cross-instance transfer and sharing agreements
//	├── abi/           Canonical ABI handle lift/lower and guest
//	                   destructor adapter
//	├── store/         Facade wiring the four modules for embedders
//	└── errors/        Structured error types for debugging
//
// # Memory Model
//
// Every collection in this module is bounded: capacities are fixed when a
// structure is constructed and never grow afterward, so the core is usable
// in safety-certified deployments with a fixed memory budget. Operations
// that would exceed a capacity fail with an explicit error instead of
// allocating.
//
// # Concurrency
//
// The core structures are single-mutator: every public operation is a
// synchronous function that either fully commits or fully fails. Embedders
// that call in from multiple OS threads must serialize mutating calls; see
// store.Guarded for a ready-made exclusive-lock wrapper.
//
// # Quick Start
//
//	st := store.New(store.DefaultConfig())
//
//	typeID, err := st.RegisterType("buffer", 1024, nil, wasmres.LevelQM)
//	h, err := st.CreateResource(typeID, payload, instance)
//
//	scope, err := st.OpenScope(borrower, task)
//	b, err := st.BorrowResource(h, borrower, scope)
//	...
//	st.CloseScope(scope)
//	st.DropResource(h)
package wasmres
