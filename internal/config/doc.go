// Package config loads runtime settings and declarative tag definitions.
//
// Runtime settings come from defaults, an optional YAML file and AUTOTAG_*
// environment variables, in increasing precedence (see LoadRuntime).
//
// Tag definitions are CUE files with a top-level "tag" struct keyed by tag
// name:
//
//	tag: stalled: {
//		group:      "health"
//		constraint: "isComplete() && isLT(seedcount, 1)"
//		auto_add:   true
//		policy: {
//			max_share_ratio:        2.0
//			max_share_ratio_action: "pause"
//		}
//	}
//
// LoadDefs reads and validates a directory of definitions; Apply creates or
// updates the matching tags in a tag.Manager.
package config
