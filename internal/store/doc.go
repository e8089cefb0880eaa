// Package store provides the SQLite-backed persistence store for tag attributes.
//
// The logical contract is a two-level map:
//
//	(tagTypeID, tagID) -> attribute name -> typed value
//
// where a value is one of bool, int64, string, []string, []int64 or
// map[string]string. Writers report whether the stored value actually changed so
// callers can skip change notifications for no-op writes.
//
// # Write path
//
// All reads and writes are served from an in-memory copy loaded at Open. Writes
// mark the (key, attribute) dirty and arm a flush timer:
//   - the flush fires FlushDelay (default 1s) after the most recent change
//   - but never later than MaxFlushDelay (default 30s) after the first unflushed change
//
// A flush writes all dirty attributes in a single transaction. Close flushes.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// # Persisted file shape
//
// Export and Import move the whole store to and from the nested YAML document
//
//	typeID -> tagID -> {"c": {attribute -> value}}
//
// Round trips preserve the presence and absence of every attribute, not byte layout.
package store
