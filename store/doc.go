// Package store assembles the resource subsystems into one surface: the
// type registry, the resource table, the lifetime tracker and the
// sharing manager, wired so that an invalidated borrow automatically
// returns its table reference.
//
// A Store itself follows the single-mutator model the subsystems are
// built for. When several goroutines need access, wrap it:
//
//	st := store.NewGuarded(store.New(store.DefaultConfig()))
//
// Guarded serializes every operation behind one mutex rather than
// splitting read and write paths, because even lookups update counters.
package store
