// Package lifetime tracks handle lifetimes: who owns a resource, who
// has borrowed it, and for how long.
//
// Owned handles live in a fixed-capacity slot arena. Borrows are
// derived from an owned handle and registered in a lifetime scope; they
// become unusable the moment the source is dropped or the scope ends,
// and Validate reports exactly which rule failed:
//
//	own, _ := tr.CreateOwned(res, comp, "stream")
//	scope, _ := tr.CreateScope(comp, task)
//	b, _ := tr.Borrow(own, callee, scope, lifetime.Shared)
//
//	tr.DropOwned(own)
//	tr.Validate(b) // SourceDropped
//
// Scopes form a stack but may end out of order, since async tasks
// complete whenever they complete. An inner scope that ends early is
// marked inactive in place; the stack physically shrinks only from the
// tail, and Cleanup reclaims whatever lazy invalidation left behind.
package lifetime
