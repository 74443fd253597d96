package abi

import (
	"context"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-resources/errors"
)

// Destructor is the call surface a guest destructor export exposes.
// wazero's api.Function satisfies it.
type Destructor interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

var _ Destructor = (api.Function)(nil)

// GuestFinalizer runs a guest-exported destructor when a resource is
// finalized. The first four payload bytes are the guest representation,
// little-endian, matching how constructors store the rep; a shorter
// payload passes rep 0.
type GuestFinalizer struct {
	ctx context.Context
	fn  Destructor
}

// NewGuestFinalizer wraps a guest destructor function, typically an
// api.Function export. ctx is the call context used for every invocation.
func NewGuestFinalizer(ctx context.Context, fn Destructor) *GuestFinalizer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &GuestFinalizer{ctx: ctx, fn: fn}
}

// Finalize invokes the destructor with the rep decoded from payload.
func (g *GuestFinalizer) Finalize(payload []byte) error {
	if g.fn == nil {
		return errors.InvalidInput(errors.PhaseABI, "guest finalizer has no function")
	}
	var rep uint32
	if len(payload) >= 4 {
		rep = binary.LittleEndian.Uint32(payload)
	}
	if _, err := g.fn.Call(g.ctx, uint64(rep)); err != nil {
		return errors.New(errors.PhaseABI, errors.KindFinalizer).
			Cause(err).Detail("guest destructor trapped for rep %d", rep).Build()
	}
	return nil
}
