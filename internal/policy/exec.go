package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/autotag/internal/constraint"
	"github.com/roach88/autotag/internal/tag"
)

// IntentExecOnAssign is the Binding.Intent for exec-on-assign scripts.
const IntentExecOnAssign = "tag_execute_on_assign"

const (
	startGroup = tag.ExecStart | tag.ExecForceStart | tag.ExecResume
	stopGroup  = tag.ExecStop | tag.ExecPause | tag.ExecQueue
)

// execOnAssign fires t's exec-on-assign actions for a member that just
// joined. Every action is asynchronous. When both start-group and
// stop-group actions are enabled only the start group takes effect.
func (e *Engine) execOnAssign(t *tag.Tag, m tag.Taggable) {
	if !t.Has(tag.CapExecOnAssign) {
		return
	}
	p := t.Policy()
	x := p.Exec
	if x == 0 {
		return
	}
	id := m.ID()
	slog.Debug("exec on assign", "tag", t.Name(), "resource", id, "actions", x.String())

	switch {
	case x.Has(tag.ExecForceStart):
		e.submit(t, id, "force_start", 0, func(ctx context.Context) error {
			return e.prov.SetForceStart(ctx, id, true)
		})
	case x.Has(tag.ExecNotForceStart):
		e.submit(t, id, "not_force_start", 0, func(ctx context.Context) error {
			return e.prov.SetForceStart(ctx, id, false)
		})
	}

	if x&startGroup != 0 {
		if x&stopGroup != 0 {
			slog.Debug("exec on assign stop actions ignored", "tag", t.Name(), "resource", id)
		}
		if x.Has(tag.ExecStart) || x.Has(tag.ExecForceStart) {
			e.submit(t, id, "start", tag.CmdStart, func(ctx context.Context) error {
				return e.prov.Start(ctx, id)
			})
		}
		if x.Has(tag.ExecResume) {
			e.submit(t, id, "resume", tag.CmdResume, func(ctx context.Context) error {
				return e.prov.Resume(ctx, id)
			})
		}
	} else {
		switch {
		case x.Has(tag.ExecStop):
			e.submit(t, id, "stop", tag.CmdStop, func(ctx context.Context) error {
				return e.prov.Stop(ctx, id, tag.StateStopped)
			})
		case x.Has(tag.ExecQueue):
			e.submit(t, id, "queue", 0, func(ctx context.Context) error {
				return e.prov.Stop(ctx, id, tag.StateQueued)
			})
		case x.Has(tag.ExecPause):
			e.submit(t, id, "pause", tag.CmdPause, func(ctx context.Context) error {
				return e.prov.Pause(ctx, id)
			})
		}
	}

	if x.Has(tag.ExecApplyOptionsTemplate) && p.ExecOptionsTemplate != "" {
		tmpl := p.ExecOptionsTemplate
		e.submit(t, id, "apply_options_template", 0, func(ctx context.Context) error {
			return e.prov.ApplyOptionsTemplate(ctx, id, tmpl)
		})
	}
	if x.Has(tag.ExecMoveInitialLocation) && p.ExecInitialLocation != "" {
		dir := p.ExecInitialLocation
		e.submit(t, id, "move_initial_location", 0, func(ctx context.Context) error {
			return e.prov.MoveData(ctx, id, dir)
		})
	}
	if x.Has(tag.ExecAssignTags) && len(p.ExecAssignTags) > 0 {
		names := p.ExecAssignTags
		e.submit(t, id, "assign_tags", 0, func(context.Context) error {
			return e.assignTags(t, m, names)
		})
	}
	if x.Has(tag.ExecRemoveTags) && len(p.ExecRemoveTags) > 0 {
		names := p.ExecRemoveTags
		e.submit(t, id, "remove_tags", 0, func(context.Context) error {
			e.removeTags(t, m, names)
			return nil
		})
	}
	if x.Has(tag.ExecHost) {
		e.submit(t, id, "host", 0, func(ctx context.Context) error {
			return e.prov.Host(ctx, id)
		})
	}
	if x.Has(tag.ExecPublish) {
		e.submit(t, id, "publish", 0, func(ctx context.Context) error {
			return e.prov.Publish(ctx, id)
		})
	}
	if x.Has(tag.ExecPostToChat) {
		e.postToChat(t, m, p.ExecChatChannel)
	}
	if x.Has(tag.ExecScript) && p.ExecScript != "" {
		e.runScript(t, m, p.ExecScript)
	}
}

// assignTags adds m to each named tag, creating missing ones as manual tags.
func (e *Engine) assignTags(origin *tag.Tag, m tag.Taggable, names []string) error {
	var firstErr error
	for _, name := range names {
		if tag.SameName(name, origin.Name()) {
			continue
		}
		t, ok := e.mgr.TagByName(name)
		if !ok {
			var err error
			t, err = e.mgr.CreateTag(tag.TypeManual, name)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("assign tag %q: %w", name, err)
				}
				continue
			}
		}
		t.AddMember(m)
	}
	return firstErr
}

func (e *Engine) removeTags(origin *tag.Tag, m tag.Taggable, names []string) {
	for _, name := range names {
		if tag.SameName(name, origin.Name()) {
			continue
		}
		if t, ok := e.mgr.TagByName(name); ok {
			t.RemoveMember(m)
		}
	}
}

func (e *Engine) postToChat(t *tag.Tag, m tag.Taggable, channel string) {
	if e.chat == nil {
		slog.Warn("exec on assign chat post skipped", "tag", t.Name(), "resource", m.ID(), "reason", "no chat poster")
		return
	}
	name := m.ID()
	if r, ok := e.resource(m); ok && r.Name() != "" {
		name = r.Name()
	}
	msg := fmt.Sprintf("%s added to %s", name, t.Name())
	e.submit(t, m.ID(), "post_to_chat", 0, func(ctx context.Context) error {
		return e.chat.Post(ctx, channel, msg)
	})
}

// batch collects exec-on-assign script runs between BeginBatch and EndBatch.
type batch struct {
	id     string
	depth  int
	groups []*scriptGroup
	index  map[scriptKey]*scriptGroup
}

type scriptKey struct {
	tagUID int64
	script string
}

type scriptGroup struct {
	tag       *tag.Tag
	script    string
	resources []tag.Resource
}

// BeginBatch opens a script batch. Scripts fired by additions before the
// matching EndBatch are coalesced per tag. Batches nest; only the outermost
// EndBatch flushes.
func (e *Engine) BeginBatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.batch == nil {
		e.batch = &batch{id: e.newBatchID(), index: make(map[scriptKey]*scriptGroup)}
	}
	e.batch.depth++
}

// EndBatch closes a script batch. Closing the outermost batch runs one
// script invocation per tag when the runner supports batches, else one per
// resource.
func (e *Engine) EndBatch() {
	e.mu.Lock()
	b := e.batch
	if b == nil {
		e.mu.Unlock()
		return
	}
	b.depth--
	if b.depth > 0 {
		e.mu.Unlock()
		return
	}
	e.batch = nil
	e.mu.Unlock()

	br, batched := e.scripts.(constraint.BatchScriptRunner)
	for _, g := range b.groups {
		if !batched {
			for _, r := range g.resources {
				e.submitScript(g.tag, g.script, r)
			}
			continue
		}
		scriptRuns.WithLabelValues("batch").Inc()
		slog.Debug("exec on assign script batch", "tag", g.tag.Name(), "batch_id", b.id, "resources", len(g.resources))
		e.submit(g.tag, "batch:"+b.id, "script_batch", 0, func(ctx context.Context) error {
			return br.RunBatch(ctx, g.script, constraint.Binding{
				Tag:       g.tag.Name(),
				Resources: g.resources,
				Intent:    IntentExecOnAssign,
			})
		})
	}
}

func (e *Engine) runScript(t *tag.Tag, m tag.Taggable, script string) {
	if e.scripts == nil {
		slog.Warn("exec on assign script skipped", "tag", t.Name(), "resource", m.ID(), "reason", "no script runner")
		return
	}
	r, ok := e.resource(m)
	if !ok {
		return
	}

	e.mu.Lock()
	if b := e.batch; b != nil {
		k := scriptKey{t.UID(), script}
		g, ok := b.index[k]
		if !ok {
			g = &scriptGroup{tag: t, script: script}
			b.index[k] = g
			b.groups = append(b.groups, g)
		}
		g.resources = append(g.resources, r)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.submitScript(t, script, r)
}

func (e *Engine) submitScript(t *tag.Tag, script string, r tag.Resource) {
	scriptRuns.WithLabelValues("single").Inc()
	e.submit(t, r.ID(), "script", 0, func(ctx context.Context) error {
		_, err := e.scripts.Run(ctx, script, constraint.Binding{
			Tag:       t.Name(),
			Resources: []tag.Resource{r},
			Intent:    IntentExecOnAssign,
		})
		return err
	})
}
