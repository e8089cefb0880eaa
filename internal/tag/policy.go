package tag

import (
	"reflect"
	"slices"
	"strings"
)

// RatioAction is what happens to a member whose own share ratio reaches the
// tag's maximum.
type RatioAction int

const (
	RatioActionNone RatioAction = iota
	RatioActionPause
	RatioActionStop
	RatioActionArchive
	RatioActionRemoveFromLibrary
	RatioActionRemoveFromComputer
)

var ratioActionNames = []string{"none", "pause", "stop", "archive", "remove_from_library", "remove_from_computer"}

func (a RatioAction) String() string { return enumName(ratioActionNames, int(a)) }

// ParseRatioAction maps a name to a RatioAction.
func ParseRatioAction(name string) (RatioAction, bool) {
	i, ok := enumParse(ratioActionNames, name)
	return RatioAction(i), ok
}

// AggregateAction is what happens to eligible members when the tag's aggregate
// share ratio crosses its target. Crossing back reverses it.
type AggregateAction int

const (
	AggregateActionNone AggregateAction = iota
	AggregateActionPause
	AggregateActionStop
)

var aggregateActionNames = []string{"none", "pause", "stop"}

func (a AggregateAction) String() string { return enumName(aggregateActionNames, int(a)) }

// ParseAggregateAction maps a name to an AggregateAction.
func ParseAggregateAction(name string) (AggregateAction, bool) {
	i, ok := enumParse(aggregateActionNames, name)
	return AggregateAction(i), ok
}

// EvictStrategy is how excess members are removed when the cap is exceeded.
type EvictStrategy int

const (
	EvictUntag EvictStrategy = iota
	EvictArchive
	EvictRemoveFromLibrary
	EvictDeleteFromComputer
	EvictMoveToOld
)

var evictStrategyNames = []string{"untag", "archive", "remove_from_library", "delete_from_computer", "move_to_old"}

func (s EvictStrategy) String() string { return enumName(evictStrategyNames, int(s)) }

// ParseEvictStrategy maps a name to an EvictStrategy.
func ParseEvictStrategy(name string) (EvictStrategy, bool) {
	i, ok := enumParse(evictStrategyNames, name)
	return EvictStrategy(i), ok
}

// EvictOrder selects which timestamp decides "oldest" during eviction.
type EvictOrder int

const (
	OrderAddedToClient EvictOrder = iota
	OrderAddedToTag
)

var evictOrderNames = []string{"added_to_client", "added_to_tag"}

func (o EvictOrder) String() string { return enumName(evictOrderNames, int(o)) }

// ParseEvictOrder maps a name to an EvictOrder.
func ParseEvictOrder(name string) (EvictOrder, bool) {
	i, ok := enumParse(evictOrderNames, name)
	return EvictOrder(i), ok
}

// ExecAction is the set of actions fired when a resource joins a tag.
type ExecAction uint32

const (
	ExecStart ExecAction = 1 << iota
	ExecForceStart
	ExecNotForceStart
	ExecStop
	ExecQueue
	ExecPause
	ExecResume
	ExecScript
	ExecPostToChat
	ExecApplyOptionsTemplate
	ExecMoveInitialLocation
	ExecAssignTags
	ExecRemoveTags
	ExecHost
	ExecPublish
)

var execActionNames = []string{
	"start", "force_start", "not_force_start", "stop", "queue", "pause", "resume",
	"script", "post_to_chat", "apply_options_template", "move_initial_location",
	"assign_tags", "remove_tags", "host", "publish",
}

// Has reports whether every bit of a is set.
func (e ExecAction) Has(a ExecAction) bool { return e&a == a }

func (e ExecAction) String() string {
	var parts []string
	for i, name := range execActionNames {
		if e&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseExecAction maps an action name to its bit.
func ParseExecAction(name string) (ExecAction, bool) {
	i, ok := enumParse(execActionNames, name)
	if !ok {
		return 0, false
	}
	return ExecAction(1) << i, true
}

// Policy holds every policy setting of a tag. Ratios are fixed point ×1000.
type Policy struct {
	// UploadLimit and DownloadLimit are bytes/s: 0 unlimited, <0 disabled.
	UploadLimit   int
	DownloadLimit int

	// UploadPriority is applied to every member when non-zero.
	UploadPriority int

	MinShareRatio       int
	MaxShareRatio       int
	MaxShareRatioAction RatioAction

	AggregateShareRatio  int
	AggregateAction      AggregateAction
	AggregateHasPriority bool

	// MaxMembers is the membership cap. Zero means none; a negative value
	// means "unlimited" while remembering -MaxMembers for display.
	MaxMembers    int
	EvictStrategy EvictStrategy
	EvictOrder    EvictOrder

	Exec                ExecAction
	ExecScript          string
	ExecChatChannel     string
	ExecOptionsTemplate string
	ExecInitialLocation string
	ExecAssignTags      []string
	ExecRemoveTags      []string
}

// MemberCap returns the enforced cap and whether enforcement is on.
func (p Policy) MemberCap() (int, bool) {
	return p.MaxMembers, p.MaxMembers > 0
}

// DisplayedMemberCap returns the cap shown to users, including the value
// preserved behind the unlimited sentinel.
func (p Policy) DisplayedMemberCap() int {
	if p.MaxMembers < 0 {
		return -p.MaxMembers
	}
	return p.MaxMembers
}

// SetMemberCapUnlimited toggles the unlimited sentinel without losing the value.
func (p *Policy) SetMemberCapUnlimited(unlimited bool) {
	if unlimited == (p.MaxMembers < 0) {
		return
	}
	p.MaxMembers = -p.MaxMembers
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	p.ExecAssignTags = slices.Clone(p.ExecAssignTags)
	p.ExecRemoveTags = slices.Clone(p.ExecRemoveTags)
	return p
}

// Equal reports whether two policies are identical.
// Nil and empty tag lists compare equal.
func (p Policy) Equal(o Policy) bool {
	return reflect.DeepEqual(p.normalized(), o.normalized())
}

func (p Policy) normalized() Policy {
	if len(p.ExecAssignTags) == 0 {
		p.ExecAssignTags = nil
	}
	if len(p.ExecRemoveTags) == 0 {
		p.ExecRemoveTags = nil
	}
	return p
}

func enumName(names []string, i int) string {
	if i >= 0 && i < len(names) {
		return names[i]
	}
	return "unknown"
}

func enumParse(names []string, name string) (int, bool) {
	for i, n := range names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}
