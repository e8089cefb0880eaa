package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/autotag/internal/constraint"
	"github.com/roach88/autotag/internal/tag"
)

// LoadMode controls how errors are handled during definition loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Error code constants, shared with the CLI.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error

	// Tag definition errors
	ErrCodeUnknownType     = "E201" // Unknown tag type
	ErrCodeConstraint      = "E202" // Constraint does not compile
	ErrCodeUnknownEnum     = "E203" // Unknown action, strategy or order name
	ErrCodeUnknownField    = "E204" // Field not part of a tag definition
	ErrCodeInvalidValue    = "E205" // Value out of range or wrong kind
	ErrCodeDuplicateTag    = "E206" // Same name defined twice within a type
	ErrCodeCapabilityUnset = "E207" // Setting needs a capability the type lacks
)

// LoadError represents an error that occurred while loading definitions.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TagDef is one validated tag definition.
type TagDef struct {
	Name       string
	Type       string
	Group      string
	Color      string
	Visible    bool
	Public     bool
	Properties map[string]string
	Constraint tag.ConstraintSpec
	Policy     tag.Policy
	Pos        token.Pos
}

// LoadResult contains the definitions loaded from a directory.
type LoadResult struct {
	Tags      []TagDef
	CUEValue  cue.Value // The raw CUE value for additional processing
	FileCount int       // Number of CUE files found
}

type rawDef struct {
	Type       string            `json:"type"`
	Group      string            `json:"group"`
	Color      string            `json:"color"`
	Visible    *bool             `json:"visible"`
	Public     bool              `json:"public"`
	Properties map[string]string `json:"properties"`
	Constraint string            `json:"constraint"`
	AutoAdd    bool              `json:"auto_add"`
	AutoRemove bool              `json:"auto_remove"`
	Policy     rawPolicy         `json:"policy"`
}

type rawPolicy struct {
	UploadLimit          int      `json:"upload_limit"`
	DownloadLimit        int      `json:"download_limit"`
	UploadPriority       int      `json:"upload_priority"`
	MinShareRatio        float64  `json:"min_share_ratio"`
	MaxShareRatio        float64  `json:"max_share_ratio"`
	MaxShareRatioAction  string   `json:"max_share_ratio_action"`
	AggregateShareRatio  float64  `json:"aggregate_share_ratio"`
	AggregateAction      string   `json:"aggregate_action"`
	AggregateHasPriority bool     `json:"aggregate_has_priority"`
	MaxMembers           int      `json:"max_members"`
	UnlimitedMembers     bool     `json:"unlimited_members"`
	EvictStrategy        string   `json:"evict_strategy"`
	EvictOrder           string   `json:"evict_order"`
	Exec                 []string `json:"exec"`
	ExecScript           string   `json:"exec_script"`
	ChatChannel          string   `json:"chat_channel"`
	OptionsTemplate      string   `json:"options_template"`
	InitialLocation      string   `json:"initial_location"`
	AssignTags           []string `json:"assign_tags"`
	RemoveTags           []string `json:"remove_tags"`
}

var (
	defFields = []string{
		"type", "group", "color", "visible", "public", "properties",
		"constraint", "auto_add", "auto_remove", "policy",
	}
	policyFields = []string{
		"upload_limit", "download_limit", "upload_priority",
		"min_share_ratio", "max_share_ratio", "max_share_ratio_action",
		"aggregate_share_ratio", "aggregate_action", "aggregate_has_priority",
		"max_members", "unlimited_members", "evict_strategy", "evict_order",
		"exec", "exec_script", "chat_channel", "options_template",
		"initial_location", "assign_tags", "remove_tags",
	}
)

// LoadDefs loads and validates the CUE tag definitions in dir.
// If mode is LoadModeFailFast, returns on first error.
// If mode is LoadModeCollectAll, collects all errors.
func LoadDefs(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("definitions directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing definitions directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{
		CUEValue:  value,
		FileCount: len(cueFiles),
	}
	return result, extractDefs(result, value, mode)
}

// ParseDefs compiles tag definitions from CUE source held in memory.
// filename is only used in error positions.
func ParseDefs(filename, src string, mode LoadMode) (*LoadResult, []error) {
	value := cuecontext.New().CompileString(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}
	result := &LoadResult{CUEValue: value, FileCount: 1}
	return result, extractDefs(result, value, mode)
}

// extractDefs validates every field of the top-level "tag" struct into
// result.Tags.
func extractDefs(result *LoadResult, value cue.Value, mode LoadMode) []error {
	var errs []error

	tagsVal := value.LookupPath(cue.ParsePath("tag"))
	if !tagsVal.Exists() {
		return []error{&LoadError{Code: ErrCodeGeneric, Message: "no tag definitions found"}}
	}
	iter, err := tagsVal.Fields()
	if err != nil {
		return []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating tags: %v", err)}}
	}

	seen := make(map[string]token.Pos)
	for iter.Next() {
		def, defErrs := CompileDef(iter.Label(), iter.Value())
		if len(defErrs) == 0 {
			key := tag.Fold(def.Type) + "\x00" + tag.Fold(def.Name)
			if prev, dup := seen[key]; dup {
				defErrs = append(defErrs, &LoadError{
					Code:    ErrCodeDuplicateTag,
					Message: fmt.Sprintf("tag %q already defined in type %s at %s", def.Name, def.Type, prev),
					Pos:     def.Pos,
				})
			}
			seen[key] = def.Pos
		}
		if len(defErrs) > 0 {
			errs = append(errs, defErrs...)
			if mode == LoadModeFailFast {
				return errs[:1]
			}
			continue
		}
		result.Tags = append(result.Tags, def)
	}

	if len(result.Tags) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no tag definitions found"})
	}
	return errs
}

// CompileDef validates one CUE tag definition.
func CompileDef(name string, v cue.Value) (TagDef, []error) {
	var errs []error
	fail := func(code string, pos token.Pos, format string, args ...any) {
		errs = append(errs, &LoadError{
			Code:    code,
			Message: fmt.Sprintf("tag %q: ", name) + fmt.Sprintf(format, args...),
			Pos:     pos,
		})
	}

	errs = append(errs, checkFields(name, v, "", defFields)...)
	if pv := v.LookupPath(cue.ParsePath("policy")); pv.Exists() {
		errs = append(errs, checkFields(name, pv, "policy.", policyFields)...)
	}

	var raw rawDef
	if err := v.Decode(&raw); err != nil {
		fail(ErrCodeInvalidValue, v.Pos(), "%v", err)
		return TagDef{}, errs
	}

	def := TagDef{
		Name:       name,
		Type:       raw.Type,
		Group:      raw.Group,
		Color:      raw.Color,
		Visible:    raw.Visible == nil || *raw.Visible,
		Public:     raw.Public,
		Properties: raw.Properties,
		Pos:        v.Pos(),
	}
	if def.Type == "" {
		def.Type = "manual"
	}
	if tag.NormalizeName(name) == "" {
		fail(ErrCodeInvalidValue, v.Pos(), "name is empty")
	}

	spec, ok := typeSpec(def.Type)
	if !ok {
		fail(ErrCodeUnknownType, pos(v, "type"), "unknown type %q", def.Type)
	}

	if raw.Constraint != "" {
		if ok && !spec.Capabilities.Has(tag.CapConstraint) {
			fail(ErrCodeCapabilityUnset, pos(v, "constraint"), "type %s does not support constraints", def.Type)
		}
		if _, err := constraint.Compile(raw.Constraint); err != nil {
			fail(ErrCodeConstraint, pos(v, "constraint"), "%v", err)
		}
	}
	def.Constraint = tag.ConstraintSpec{
		Source:     raw.Constraint,
		AutoAdd:    raw.AutoAdd,
		AutoRemove: raw.AutoRemove,
	}

	p, perrs := compilePolicy(name, v.LookupPath(cue.ParsePath("policy")), raw.Policy)
	errs = append(errs, perrs...)
	def.Policy = p
	return def, errs
}

func compilePolicy(name string, v cue.Value, raw rawPolicy) (tag.Policy, []error) {
	var errs []error
	fail := func(code, field, format string, args ...any) {
		errs = append(errs, &LoadError{
			Code:    code,
			Message: fmt.Sprintf("tag %q: policy.%s: ", name, field) + fmt.Sprintf(format, args...),
			Pos:     pos(v, field),
		})
	}

	p := tag.Policy{
		UploadLimit:          raw.UploadLimit,
		DownloadLimit:        raw.DownloadLimit,
		UploadPriority:       raw.UploadPriority,
		AggregateHasPriority: raw.AggregateHasPriority,
		MaxMembers:           raw.MaxMembers,
		ExecScript:           raw.ExecScript,
		ExecChatChannel:      raw.ChatChannel,
		ExecOptionsTemplate:  raw.OptionsTemplate,
		ExecInitialLocation:  raw.InitialLocation,
		ExecAssignTags:       raw.AssignTags,
		ExecRemoveTags:       raw.RemoveTags,
	}

	ratios := []struct {
		field string
		in    float64
		out   *int
	}{
		{"min_share_ratio", raw.MinShareRatio, &p.MinShareRatio},
		{"max_share_ratio", raw.MaxShareRatio, &p.MaxShareRatio},
		{"aggregate_share_ratio", raw.AggregateShareRatio, &p.AggregateShareRatio},
	}
	for _, r := range ratios {
		if r.in < 0 || math.IsNaN(r.in) || math.IsInf(r.in, 0) {
			fail(ErrCodeInvalidValue, r.field, "must be a non-negative ratio, got %v", r.in)
			continue
		}
		*r.out = int(math.Round(r.in * 1000))
	}

	if raw.MaxMembers < 0 {
		fail(ErrCodeInvalidValue, "max_members", "must not be negative, got %d", raw.MaxMembers)
	} else if raw.UnlimitedMembers {
		p.SetMemberCapUnlimited(true)
	}

	if raw.MaxShareRatioAction != "" {
		a, ok := tag.ParseRatioAction(raw.MaxShareRatioAction)
		if !ok {
			fail(ErrCodeUnknownEnum, "max_share_ratio_action", "unknown action %q", raw.MaxShareRatioAction)
		}
		p.MaxShareRatioAction = a
	}
	if raw.AggregateAction != "" {
		a, ok := tag.ParseAggregateAction(raw.AggregateAction)
		if !ok {
			fail(ErrCodeUnknownEnum, "aggregate_action", "unknown action %q", raw.AggregateAction)
		}
		p.AggregateAction = a
	}
	if raw.EvictStrategy != "" {
		s, ok := tag.ParseEvictStrategy(raw.EvictStrategy)
		if !ok {
			fail(ErrCodeUnknownEnum, "evict_strategy", "unknown strategy %q", raw.EvictStrategy)
		}
		p.EvictStrategy = s
	}
	if raw.EvictOrder != "" {
		o, ok := tag.ParseEvictOrder(raw.EvictOrder)
		if !ok {
			fail(ErrCodeUnknownEnum, "evict_order", "unknown order %q", raw.EvictOrder)
		}
		p.EvictOrder = o
	}
	for _, a := range raw.Exec {
		bit, ok := tag.ParseExecAction(a)
		if !ok {
			fail(ErrCodeUnknownEnum, "exec", "unknown action %q", a)
			continue
		}
		p.Exec |= bit
	}
	if p.Exec.Has(tag.ExecScript) && p.ExecScript == "" {
		fail(ErrCodeInvalidValue, "exec_script", "required by the script action")
	}
	return p, errs
}

// checkFields reports labels of v that are not in allowed.
func checkFields(name string, v cue.Value, prefix string, allowed []string) []error {
	iter, err := v.Fields()
	if err != nil {
		return []error{&LoadError{Code: ErrCodeInvalidValue, Message: fmt.Sprintf("tag %q: %s must be a struct", name, prefix), Pos: v.Pos()}}
	}
	var errs []error
	for iter.Next() {
		if !slices.Contains(allowed, iter.Label()) {
			errs = append(errs, &LoadError{
				Code:    ErrCodeUnknownField,
				Message: fmt.Sprintf("tag %q: unknown field %s%s", name, prefix, iter.Label()),
				Pos:     iter.Value().Pos(),
			})
		}
	}
	return errs
}

func pos(v cue.Value, field string) token.Pos {
	if f := v.LookupPath(cue.ParsePath(field)); f.Exists() {
		return f.Pos()
	}
	return v.Pos()
}

func typeSpec(name string) (tag.TypeSpec, bool) {
	for _, spec := range tag.DefaultTypes {
		if spec.Name == name {
			return spec, true
		}
	}
	return tag.TypeSpec{}, false
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Apply creates or updates a tag for every definition. Tags that already
// exist by name within their type are updated in place. The constraint is
// set last so its first evaluation sees the final policy.
func Apply(mgr *tag.Manager, defs []TagDef) ([]*tag.Tag, error) {
	out := make([]*tag.Tag, 0, len(defs))
	for _, def := range defs {
		ty, ok := typeByName(mgr, def.Type)
		if !ok {
			return out, fmt.Errorf("apply tag %q: %w: %s", def.Name, tag.ErrUnknownType, def.Type)
		}
		t, ok := ty.TagByName(def.Name)
		if !ok {
			var err error
			t, err = mgr.CreateTag(ty.ID(), def.Name)
			if err != nil {
				return out, fmt.Errorf("apply tag %q: %w", def.Name, err)
			}
		}
		t.SetGroup(def.Group)
		t.SetColor(def.Color)
		t.SetVisible(def.Visible)
		t.SetPublic(def.Public)
		for k, v := range def.Properties {
			t.SetProperty(k, v)
		}
		t.SetPolicy(def.Policy)
		t.SetConstraint(def.Constraint)
		out = append(out, t)
	}
	return out, nil
}

func typeByName(mgr *tag.Manager, name string) (*tag.Type, bool) {
	for _, ty := range mgr.Types() {
		if ty.Name() == name {
			return ty, true
		}
	}
	return nil, false
}
