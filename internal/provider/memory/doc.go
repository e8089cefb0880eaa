// Package memory is an in-process resource provider.
//
// It stands in for a transfer engine: resources are plain structs loaded from
// YAML fixtures, commands move them through tag.Transition and are recorded
// for inspection, and lifecycle changes are pushed to watchers. The CLI run
// command, the scenario harness and the engine tests all drive it.
package memory
