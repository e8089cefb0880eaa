package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/autotag/internal/provider/memory"
	"github.com/roach88/autotag/internal/tag"
)

// Scenario defines a conformance test scenario.
// Scenarios load tag definitions and resources, drive the engines through a
// list of steps and assert on the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Defs holds inline CUE tag definitions.
	Defs string `yaml:"defs,omitempty"`

	// DefsDir is a directory of CUE tag definitions, relative to the
	// scenario file when loaded with LoadScenarioWithBasePath.
	DefsDir string `yaml:"defs_dir,omitempty"`

	// Resources are registered with the provider before the first step.
	Resources []memory.Fixture `yaml:"resources"`

	// Steps drive the engines in order. The harness settles all queued
	// work after each one.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation against the running system.
type Step struct {
	// Invoke names the operation (see the Op constants).
	Invoke string `yaml:"invoke"`

	// Args holds the operation's arguments.
	Args StepArgs `yaml:"args,omitempty"`
}

// StepArgs carries the arguments of every step kind. Each operation reads
// only the fields it needs; pointer fields distinguish "unset" from zero.
type StepArgs struct {
	Resource   string          `yaml:"resource,omitempty"`
	Tag        string          `yaml:"tag,omitempty"`
	State      string          `yaml:"state,omitempty"`
	Duration   time.Duration   `yaml:"duration,omitempty"`
	Constraint string          `yaml:"constraint,omitempty"`
	Fixture    *memory.Fixture `yaml:"fixture,omitempty"`

	Uploaded   *int64 `yaml:"uploaded,omitempty"`
	Downloaded *int64 `yaml:"downloaded,omitempty"`
	ShareRatio *int   `yaml:"share_ratio,omitempty"`
	Seeds      *int   `yaml:"seeds,omitempty"`
	Peers      *int   `yaml:"peers,omitempty"`
	Percent    *int   `yaml:"percent,omitempty"`

	Complete   *bool   `yaml:"complete,omitempty"`
	ForceStart *bool   `yaml:"force_start,omitempty"`
	Private    *bool   `yaml:"private,omitempty"`
	SavePath   *string `yaml:"save_path,omitempty"`
}

// Step operations.
const (
	OpStartup         = "startup"
	OpApplyAll        = "apply_all"
	OpAdvance         = "advance"
	OpSetState        = "set_state"
	OpSetStats        = "set_stats"
	OpUpdate          = "update"
	OpAddResource     = "add_resource"
	OpRemoveResource  = "remove_resource"
	OpAddMember       = "add_member"
	OpRemoveMember    = "remove_member"
	OpSetConstraint   = "set_constraint"
	OpRemoveTag       = "remove_tag"
	OpRefresh         = "refresh"
	OpSync            = "sync"
	OpSuspend         = "suspend"
	OpResume          = "resume"
	OpBeginBulkDelete = "begin_bulk_delete"
	OpEndBulkDelete   = "end_bulk_delete"
	OpBeginBatch      = "begin_batch"
	OpEndBatch        = "end_batch"
)

// opNeeds lists the required arguments of each operation.
var opNeeds = map[string]struct{ resource, tag bool }{
	OpStartup:         {},
	OpApplyAll:        {},
	OpAdvance:         {},
	OpSetState:        {resource: true},
	OpSetStats:        {resource: true},
	OpUpdate:          {resource: true},
	OpAddResource:     {},
	OpRemoveResource:  {resource: true},
	OpAddMember:       {resource: true, tag: true},
	OpRemoveMember:    {resource: true, tag: true},
	OpSetConstraint:   {tag: true},
	OpRemoveTag:       {tag: true},
	OpRefresh:         {},
	OpSync:            {},
	OpSuspend:         {},
	OpResume:          {},
	OpBeginBulkDelete: {},
	OpEndBulkDelete:   {},
	OpBeginBatch:      {},
	OpEndBatch:        {},
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event with Action (and Resource/Tag/Arg if set) occurred
	// - "trace_order": Actions occurred in this order
	// - "trace_count": Action occurred exactly Count times
	// - "members": Tag's final members are exactly Members
	// - "persisted_members": the store holds exactly Members for Tag
	// - "resource_state": Resource ended in State
	// - "tag_status": Tag's status text equals Status ("*" means any non-empty text)
	// - "converged": membership agrees with every auto-managed constraint (or Tag's)
	Type string `yaml:"type"`

	Action   string `yaml:"action,omitempty"`
	Resource string `yaml:"resource,omitempty"`
	Tag      string `yaml:"tag,omitempty"`
	Arg      string `yaml:"arg,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected action order (used by trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Members is the expected member set; order is ignored.
	Members []string `yaml:"members,omitempty"`

	State  string `yaml:"state,omitempty"`
	Status string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains    = "trace_contains"
	AssertTraceOrder       = "trace_order"
	AssertTraceCount       = "trace_count"
	AssertMembers          = "members"
	AssertPersistedMembers = "persisted_members"
	AssertResourceState    = "resource_state"
	AssertTagStatus        = "tag_status"
	AssertConverged        = "converged"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, "")
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving defs_dir relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.DefsDir != "" && !filepath.IsAbs(scenario.DefsDir) && basePath != "" {
		scenario.DefsDir = filepath.Join(basePath, scenario.DefsDir)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Defs == "" && s.DefsDir == "":
		return fmt.Errorf("one of defs or defs_dir is required")
	case s.Defs != "" && s.DefsDir != "":
		return fmt.Errorf("defs and defs_dir are mutually exclusive")
	}
	if s.DefsDir != "" {
		if _, err := os.Stat(s.DefsDir); os.IsNotExist(err) {
			return fmt.Errorf("defs directory not found: %s", s.DefsDir)
		}
	}

	seen := make(map[string]bool, len(s.Resources))
	for i, f := range s.Resources {
		if f.ID == "" {
			return fmt.Errorf("resources[%d]: id is required", i)
		}
		if seen[f.ID] {
			return fmt.Errorf("resources[%d]: duplicate id %q", i, f.ID)
		}
		seen[f.ID] = true
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep validates a single step based on its operation.
func validateStep(index int, s *Step) error {
	if s.Invoke == "" {
		return fmt.Errorf("steps[%d]: invoke is required", index)
	}
	needs, ok := opNeeds[s.Invoke]
	if !ok {
		return fmt.Errorf("steps[%d]: unknown operation %q", index, s.Invoke)
	}
	if needs.resource && s.Args.Resource == "" {
		return fmt.Errorf("steps[%d]: resource is required for %s", index, s.Invoke)
	}
	if needs.tag && s.Args.Tag == "" {
		return fmt.Errorf("steps[%d]: tag is required for %s", index, s.Invoke)
	}

	switch s.Invoke {
	case OpAdvance:
		if s.Args.Duration <= 0 {
			return fmt.Errorf("steps[%d]: duration must be positive for advance", index)
		}
	case OpSetState:
		if _, ok := tag.ParseRunState(s.Args.State); !ok {
			return fmt.Errorf("steps[%d]: unknown state %q", index, s.Args.State)
		}
	case OpAddResource:
		if s.Args.Fixture == nil || s.Args.Fixture.ID == "" {
			return fmt.Errorf("steps[%d]: fixture with an id is required for add_resource", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertMembers, AssertPersistedMembers, AssertTagStatus:
		if a.Tag == "" {
			return fmt.Errorf("assertions[%d]: tag is required for %s", index, a.Type)
		}
	case AssertConverged:
	case AssertResourceState:
		if a.Resource == "" {
			return fmt.Errorf("assertions[%d]: resource is required for resource_state", index)
		}
		if _, ok := tag.ParseRunState(a.State); !ok {
			return fmt.Errorf("assertions[%d]: unknown state %q", index, a.State)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
