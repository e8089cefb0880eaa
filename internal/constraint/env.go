package constraint

import (
	"context"
	"time"

	"github.com/roach88/autotag/internal/tag"
)

// Env is everything one evaluation may read.
type Env struct {
	Ctx      context.Context
	Resource tag.Resource

	// Tags are the names of the tags the resource currently belongs to.
	Tags []string

	// TagName is the tag whose constraint is being evaluated.
	TagName string

	// TagAddedAt is when the resource joined the evaluating tag; zero if it
	// is not a member.
	TagAddedAt time.Time

	Now     time.Time
	Scripts ScriptRunner
}

func (env *Env) context() context.Context {
	if env.Ctx != nil {
		return env.Ctx
	}
	return context.Background()
}

func (env *Env) now() time.Time {
	if env.Now.IsZero() {
		return time.Now()
	}
	return env.Now
}

// Binding is what a script sees.
type Binding struct {
	Tag       string
	Resources []tag.Resource
	Intent    string
}

// ScriptRunner runs script bodies on behalf of constraints and
// exec-on-assign. Script semantics are opaque to this module.
type ScriptRunner interface {
	Run(ctx context.Context, script string, b Binding) (any, error)
}

// BatchScriptRunner can run one script over many resources at once.
type BatchScriptRunner interface {
	ScriptRunner
	RunBatch(ctx context.Context, script string, b Binding) error
}

// ScriptFunc adapts a function to ScriptRunner.
type ScriptFunc func(ctx context.Context, script string, b Binding) (any, error)

func (f ScriptFunc) Run(ctx context.Context, script string, b Binding) (any, error) {
	return f(ctx, script, b)
}

// IntentConstraint is the Binding.Intent for constraint evaluation.
const IntentConstraint = "tag_constraint"
