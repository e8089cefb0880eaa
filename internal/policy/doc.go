// Package policy turns tag membership into resource lifecycle commands.
//
// An Engine subscribes to a tag.Manager and reacts to membership events and
// periodic ticks:
//
//   - rate limiting: one shared Limiter per tag, attached to every member
//   - upload priority and min/max share-ratio write-through
//   - individual and aggregate share-ratio actions
//   - membership caps with ordered eviction
//   - exec-on-assign actions, fired once when a resource joins a tag
//
// Every command goes through a dispatch.Dispatcher, so handlers never block
// on the transfer engine. Script runs fired by exec-on-assign can be
// coalesced with BeginBatch and EndBatch.
package policy
