// Package tag implements the resource model: tag types, tags, taggable
// resources and their membership.
//
// ARCHITECTURE:
//
// A Type owns its Tags for their whole lifetime. Tags carry display attributes,
// an optional constraint source (compiled elsewhere), policy settings and a
// membership set. Feature support is an explicit Capability bitmask on the Type,
// queried with Tag.Has, never by inspecting concrete types.
//
// Membership sets are copy-on-write: readers load an immutable snapshot and never
// block; writers serialize on the tag's mutex and publish a fresh snapshot.
//
// Events are a closed set of variants (EventKind) delivered synchronously, in
// subscription order, through the Manager's Registry. Membership listeners always
// run before the corresponding persistence write is queued.
//
// The package imports only internal/store. Engines (reconciliation, policy) sit on
// top and talk to the transfer engine through the Provider interface declared here.
package tag
