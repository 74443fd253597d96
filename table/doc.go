// Package table implements the resource table: fixed-capacity storage
// for resource records plus the handle slots that reference them.
//
// Records and slots live in separate arenas. A record is the resource
// itself (type, owner, payload, reference count); a slot is one
// instance's handle to it. Sharing mints extra slots against the same
// record, so the record arena bounds live resources while the slot
// arena bounds outstanding handles.
//
// Every slot carries a generation counter that is bumped each time the
// slot is reused. A Handle pairs the slot index with the generation it
// was issued under, which makes stale-handle detection a single
// comparison:
//
//	h, _ := tbl.Create(typ, payload, owner)
//	tbl.Drop(h)
//	_, err := tbl.Get(h) // InvalidHandle or GenerationMismatch, never
//	                     // the slot's next occupant
//
// Dropping a resource that still has outstanding references parks it in
// PendingCleanup; the type finalizer runs exactly once, when the last
// reference releases.
package table
