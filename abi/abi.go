// Package abi converts handles to and from their canonical wire form.
//
// On the wire a handle is a plain u32 with 0 reserved as the invalid
// value; generations never cross the boundary. Lowering shifts the slot
// index up by one, lifting shifts it back and rebinds the current
// generation, so a wire value that outlived its slot occupancy fails
// inside the runtime rather than aliasing the next occupant.
package abi

import (
	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/errors"
	"github.com/wippyai/wasm-resources/lifetime"
	"github.com/wippyai/wasm-resources/table"
)

// InvalidWire is the reserved wire encoding for "no handle".
const InvalidWire uint32 = 0

// LowerHandle encodes a table handle for the wire.
func LowerHandle(h table.Handle) uint32 {
	return h.Index + 1
}

// LiftHandle decodes a wire value against the table, rebinding the
// slot's current generation.
func LiftHandle(t *table.Table, wire uint32) (table.Handle, error) {
	if wire == InvalidWire {
		return table.Handle{}, errors.InvalidHandle(errors.PhaseABI, uint64(wire))
	}
	h, err := t.CurrentHandle(wire - 1)
	if err != nil {
		return table.Handle{}, errors.New(errors.PhaseABI, errors.KindInvalidHandle).
			Handle(uint64(wire)).Cause(err).
			Detail("wire value does not name a live slot").Build()
	}
	return h, nil
}

// LowerOwn encodes an owning handle for the wire.
func LowerOwn(h lifetime.OwnHandle) uint32 {
	return h.Raw + 1
}

// LiftOwn decodes a wire value into the current owning handle for that
// tracker slot.
func LiftOwn(tr *lifetime.Tracker, wire uint32) (lifetime.OwnHandle, error) {
	if wire == InvalidWire {
		return lifetime.OwnHandle{}, errors.InvalidHandle(errors.PhaseABI, uint64(wire))
	}
	h, err := tr.OwnedAt(wire - 1)
	if err != nil {
		return lifetime.OwnHandle{}, errors.New(errors.PhaseABI, errors.KindInvalidHandle).
			Handle(uint64(wire)).Cause(err).
			Detail("wire value does not name a live owned handle").Build()
	}
	return h, nil
}

// LowerBorrow encodes a borrow handle for the wire.
func LowerBorrow(h lifetime.BorrowHandle) uint32 {
	return h.Raw + 1
}

// LiftBorrow decodes a wire value back into its borrow handle. The
// caller still runs Validate before using it.
func LiftBorrow(tr *lifetime.Tracker, wire uint32) (lifetime.BorrowHandle, error) {
	if wire == InvalidWire {
		return lifetime.BorrowHandle{}, errors.InvalidHandle(errors.PhaseABI, uint64(wire))
	}
	h, err := tr.BorrowByRaw(wire - 1)
	if err != nil {
		return lifetime.BorrowHandle{}, errors.New(errors.PhaseABI, errors.KindInvalidHandle).
			Handle(uint64(wire)).Cause(err).
			Detail("wire value does not name a live borrow").Build()
	}
	return h, nil
}

// compile-time interface checks
var _ wasmres.Finalizer = (*GuestFinalizer)(nil)
