// Package registry holds the resource type registry: the mapping from
// type names to type identifiers, size hints, finalizers and safety
// levels. Every resource in the table references a registered type.
package registry

import (
	wasmres "github.com/wippyai/wasm-resources"
	"github.com/wippyai/wasm-resources/errors"
)

// DefaultMaxTypes is the registration slot count used when Config
// leaves MaxTypes unset.
const DefaultMaxTypes = 256

// Config sizes the registry at construction. No growth happens after New.
type Config struct {
	// MaxTypes is the fixed number of registration slots.
	MaxTypes int

	// EffectiveLevel is the safety context the registry runs under.
	// Register rejects any type declared above this level.
	EffectiveLevel wasmres.Level
}

// DefaultConfig returns a QM-level registry config. Callers running
// under a certified context raise EffectiveLevel explicitly.
func DefaultConfig() Config {
	return Config{
		MaxTypes:       DefaultMaxTypes,
		EffectiveLevel: wasmres.LevelQM,
	}
}

// Type describes one registered resource type.
type Type struct {
	ID        wasmres.TypeID
	Name      string
	SizeHint  uint32
	Finalizer wasmres.Finalizer
	Level     wasmres.Level
}

// Registry is a fixed-capacity resource type registry.
// TypeID 0 is reserved and never issued.
//
// Registry is not safe for concurrent use; see store.Guarded.
type Registry struct {
	cfg    Config
	types  []Type
	byName map[string]wasmres.TypeID
}

// New constructs a registry with all capacity allocated up front.
func New(cfg Config) *Registry {
	if cfg.MaxTypes <= 0 {
		cfg.MaxTypes = DefaultMaxTypes
	}
	return &Registry{
		cfg:    cfg,
		types:  make([]Type, 0, cfg.MaxTypes),
		byName: make(map[string]wasmres.TypeID, cfg.MaxTypes),
	}
}

// Register adds a resource type and returns its identifier.
//
// The finalizer may be nil for types with no teardown. sizeHint caps the
// payload accepted at resource creation; zero means unbounded.
func (r *Registry) Register(name string, sizeHint uint32, fin wasmres.Finalizer, level wasmres.Level) (wasmres.TypeID, error) {
	if name == "" {
		return 0, errors.InvalidInput(errors.PhaseRegistry, "type name must not be empty")
	}
	if level > r.cfg.EffectiveLevel {
		return 0, errors.SafetyLevelExceeded(errors.PhaseRegistry, level.String(), r.cfg.EffectiveLevel.String())
	}
	if _, ok := r.byName[name]; ok {
		return 0, errors.AlreadyExists(errors.PhaseRegistry, "type", name)
	}
	if len(r.types) >= r.cfg.MaxTypes {
		return 0, errors.CapacityExceeded(errors.PhaseRegistry, "types", r.cfg.MaxTypes)
	}

	id := wasmres.TypeID(len(r.types) + 1)
	r.types = append(r.types, Type{
		ID:        id,
		Name:      name,
		SizeHint:  sizeHint,
		Finalizer: fin,
		Level:     level,
	})
	r.byName[name] = id
	return id, nil
}

// Lookup returns the type for an identifier issued by Register.
func (r *Registry) Lookup(id wasmres.TypeID) (Type, error) {
	if id == 0 || int(id) > len(r.types) {
		return Type{}, errors.UnknownType(errors.PhaseRegistry, uint32(id))
	}
	return r.types[id-1], nil
}

// LookupName returns the type registered under name.
func (r *Registry) LookupName(name string) (Type, error) {
	id, ok := r.byName[name]
	if !ok {
		return Type{}, errors.New(errors.PhaseRegistry, errors.KindUnknownType).
			Detail("type %q not registered", name).Build()
	}
	return r.types[id-1], nil
}

// Len reports the number of registered types.
func (r *Registry) Len() int { return len(r.types) }

// EffectiveLevel reports the safety context the registry enforces.
func (r *Registry) EffectiveLevel() wasmres.Level { return r.cfg.EffectiveLevel }
