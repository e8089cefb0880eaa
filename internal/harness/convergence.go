package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/autotag/internal/constraint"
	"github.com/roach88/autotag/internal/engine"
	"github.com/roach88/autotag/internal/tag"
)

// Divergence is a (tag, resource) pair whose membership disagrees with the
// tag's compiled constraint.
type Divergence struct {
	Tag      string `json:"tag"`
	Resource string `json:"resource"`
	Want     bool   `json:"want"`
	Member   bool   `json:"member"`
	Err      string `json:"error,omitempty"`
}

func (d Divergence) String() string {
	s := fmt.Sprintf("%s/%s: constraint=%t member=%t", d.Tag, d.Resource, d.Want, d.Member)
	if d.Err != "" {
		s += " (" + d.Err + ")"
	}
	return s
}

// ConvergenceCheck verifies that after a full reconciliation pass every
// resource R and every auto-managed tag T satisfy
//
//	eval(constraint(T), R) == true  <=>  R in members(T)
//
// Only tags whose constraint compiled and that both auto-add and
// auto-remove are checked; resources the engine skips (destroyed, or
// non-persistent and not metadata-only) are ignored, as are members held
// out of a tag by cap eviction. A failed evaluation
// counts as false, as it does in the engine.
type ConvergenceCheck struct {
	Manager   *tag.Manager
	Resources engine.Resources
	Engine    *engine.Engine
	Scripts   constraint.ScriptRunner

	// Now is the evaluation time. Defaults to time.Now.
	Now func() time.Time
}

// Run returns every divergent pair, for one tag when tagName is set.
func (c ConvergenceCheck) Run(ctx context.Context, tagName string) []Divergence {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	var out []Divergence
	for _, t := range c.Manager.Tags() {
		if tagName != "" && !tag.SameName(t.Name(), tagName) {
			continue
		}
		entry, ok := c.Engine.Constraint(t)
		if !ok || entry.Expr == nil || !entry.AutoAdd || !entry.AutoRemove {
			continue
		}
		for _, r := range c.Resources.Resources() {
			if r.IsDestroyed() || (!r.IsPersistent() && !r.IsMetadataOnly()) {
				continue
			}
			addedAt, _ := t.AddedTime(r.ID())
			want, err := entry.Expr.Eval(&constraint.Env{
				Ctx:        ctx,
				Resource:   r,
				Tags:       c.Manager.TagNamesOf(r.ID()),
				TagName:    t.Name(),
				TagAddedAt: addedAt,
				Now:        now(),
				Scripts:    c.Scripts,
			})
			member := t.HasMember(r.ID())
			if want == member || (want && t.IsEvicted(r.ID())) {
				continue
			}
			d := Divergence{Tag: t.Name(), Resource: r.ID(), Want: want, Member: member}
			if err != nil {
				d.Err = err.Error()
			}
			out = append(out, d)
		}
	}
	return out
}
