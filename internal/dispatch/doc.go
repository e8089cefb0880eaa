// Package dispatch executes resource actions off the caller's goroutine.
//
// Actions are grouped into per-resource lanes. A lane runs its actions
// strictly in submission order; across lanes at most N run at once, bounded
// by a weighted semaphore. Failures become *ActionError values that are
// logged, counted and reported to observers, never returned to the submitter.
package dispatch
