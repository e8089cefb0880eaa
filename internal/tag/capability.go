package tag

import "strings"

// Capability is a feature bit carried by a tag type.
type Capability uint32

const (
	// CapRateLimit enables per-tag upload/download limiters and upload priority.
	CapRateLimit Capability = 1 << iota
	// CapRunState enables run-state commands issued on behalf of the tag.
	CapRunState
	// CapFileLocation enables move-on-assign and initial save locations.
	CapFileLocation
	// CapLimits enables the membership cap and eviction.
	CapLimits
	// CapShareRatio enables min/max and aggregate share ratio policies.
	CapShareRatio
	// CapExecOnAssign enables actions fired when a resource joins the tag.
	CapExecOnAssign
	// CapConstraint enables constraint-driven membership.
	CapConstraint
	// CapFeed marks the tag as publishable as a feed.
	CapFeed
)

// CapAll is every capability.
const CapAll = CapRateLimit | CapRunState | CapFileLocation | CapLimits |
	CapShareRatio | CapExecOnAssign | CapConstraint | CapFeed

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapRateLimit, "rate_limit"},
	{CapRunState, "run_state"},
	{CapFileLocation, "file_location"},
	{CapLimits, "limits"},
	{CapShareRatio, "share_ratio"},
	{CapExecOnAssign, "exec_on_assign"},
	{CapConstraint, "constraint"},
	{CapFeed, "feed"},
}

// Has reports whether every bit of c is set.
func (caps Capability) Has(c Capability) bool {
	return caps&c == c
}

func (caps Capability) String() string {
	var parts []string
	for _, cn := range capabilityNames {
		if caps&cn.c != 0 {
			parts = append(parts, cn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseCapability maps a capability name to its bit.
func ParseCapability(name string) (Capability, bool) {
	for _, cn := range capabilityNames {
		if cn.name == name {
			return cn.c, true
		}
	}
	return 0, false
}
