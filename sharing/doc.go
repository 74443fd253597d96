// Package sharing mediates resource access between component
// instances.
//
// The rule is deny-by-default: a resource crosses an instance boundary
// only under an established Agreement naming the source, the target,
// the covered resource types, the granted rights and a transfer policy.
// A share grants the target its own handle while the source keeps
// ownership; a move hands ownership over outright. Either way the
// resource table stays the single source of truth, and every grant
// lands in its audit log.
package sharing
