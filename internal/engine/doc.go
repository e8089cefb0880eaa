// Package engine implements the reconciliation engine: it keeps tag
// membership consistent with each tag's compiled constraint.
//
// ARCHITECTURE:
//
// Serial Worker:
// Every reconciliation pass runs under one lock, so at most one pass is in
// flight and membership is mutated race-free per tag. Work arrives as jobs
// on a FIFO queue:
//   - constraint change or new tag: apply that tag to every resource
//   - resource added or changed: apply every constraint to that resource
//   - resource state change: same, coalesced per resource (5 s window)
//   - membership change of a tag read by hasTag(): re-apply the dependent
//     constraints to that resource
//   - 30 s tick: apply everything
//
// Apply Rule:
// For each (tag, resource): skip destroyed resources and non-persistent ones
// that are not metadata-only; evaluate; add when true and auto-add is on,
// remove when false and auto-remove is on.
//
// Debounce:
// A pair mutated within the last second is not mutated again; the
// suppression is logged as a warning.
//
// Pause Gate:
// Suspend/Resume nest. While suspended, mutations are held by pair and
// replayed in first-held order once fully resumed.
//
// Startup:
// Apply everything, mark the initial pass complete, apply everything again.
//
// ERROR HANDLING:
// Compile failures and evaluation failures are recorded as tag status text
// and logged. They never stop the loop.
package engine
