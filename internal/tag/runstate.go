package tag

import "fmt"

// RunState is the simplified run state of a resource.
type RunState int

const (
	StateStopped RunState = iota
	StateQueued
	StateDownloading
	StateSeeding
	StateStopping
	StateError
	StatePaused
	// StateChecking is reported by the transfer engine while verifying data.
	// Policy never drives a resource into it.
	StateChecking
)

var runStateNames = map[RunState]string{
	StateStopped:     "stopped",
	StateQueued:      "queued",
	StateDownloading: "downloading",
	StateSeeding:     "seeding",
	StateStopping:    "stopping",
	StateError:       "error",
	StatePaused:      "paused",
	StateChecking:    "checking",
}

func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseRunState maps a state name to its value.
func ParseRunState(name string) (RunState, bool) {
	for s, n := range runStateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// IsActive reports whether the state counts as running for stop/pause purposes.
func (s RunState) IsActive() bool {
	switch s {
	case StateQueued, StateDownloading, StateSeeding, StateChecking, StatePaused:
		return true
	default:
		return false
	}
}

// Command is a run-state transition issued by policy.
type Command int

const (
	CmdStart Command = iota + 1
	CmdStop
	CmdPause
	CmdResume
	CmdArchive
	CmdEvict
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "start"
	case CmdStop:
		return "stop"
	case CmdPause:
		return "pause"
	case CmdResume:
		return "resume"
	case CmdArchive:
		return "archive"
	case CmdEvict:
		return "evict"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Lifecycle is a run state plus the state a paused resource resumes into.
type Lifecycle struct {
	State      RunState
	PausedFrom RunState
}

// Transition returns the lifecycle after applying cmd and whether anything
// changed. Commands whose target is already satisfied are no-ops:
//
//	{stopped, error} --start--> queued
//	active --stop|archive|evict--> stopped
//	active, not paused --pause--> paused
//	paused --resume--> prior active state
func Transition(l Lifecycle, cmd Command) (Lifecycle, bool) {
	switch cmd {
	case CmdStart:
		if l.State == StateStopped || l.State == StateError {
			return Lifecycle{State: StateQueued}, true
		}
	case CmdStop, CmdArchive, CmdEvict:
		if l.State.IsActive() {
			return Lifecycle{State: StateStopped}, true
		}
	case CmdPause:
		if l.State.IsActive() && l.State != StatePaused {
			return Lifecycle{State: StatePaused, PausedFrom: l.State}, true
		}
	case CmdResume:
		if l.State == StatePaused {
			prior := l.PausedFrom
			if !prior.IsActive() || prior == StatePaused {
				prior = StateQueued
			}
			return Lifecycle{State: prior}, true
		}
	}
	return l, false
}

// Satisfied reports whether issuing cmd against state would be a no-op.
func Satisfied(state RunState, cmd Command) bool {
	_, changed := Transition(Lifecycle{State: state, PausedFrom: StateQueued}, cmd)
	return !changed
}
