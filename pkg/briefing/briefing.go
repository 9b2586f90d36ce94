// Package briefing assembles the working context handed to an agent with an
// assignment: what upstream tasks produced and decided, and what downstream
// tasks will need from this one.
package briefing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/persistence"
	"github.com/lwgray/marcus/pkg/registry"
)

// MaxArtifactsPerType bounds the upstream artifact summary.
const MaxArtifactsPerType = 5

// DependentNeed is one downstream task's inferred interface requirement.
type DependentNeed struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	Needs  string `json:"needs"`
}

// Context is the assembled briefing for one candidate task. Usable as-is;
// language-model synthesis of instructions is layered on top, never required.
type Context struct {
	TaskID              string            `json:"task_id"`
	UpstreamArtifacts   []domain.Artifact `json:"upstream_artifacts,omitempty"`
	UpstreamDecisions   []domain.Decision `json:"upstream_decisions,omitempty"`
	DependentNeeds      []DependentNeed   `json:"dependent_needs,omitempty"`
	PreviouslyAttempted bool              `json:"previously_attempted,omitempty"`
}

// Builder reads decisions and artifacts from KV and walks the dependency
// graph for upstream and downstream context.
type Builder struct {
	kv    persistence.KV
	reg   *registry.Registry
	graph *graph.Graph
}

// NewBuilder wires a context builder.
func NewBuilder(kv persistence.KV, reg *registry.Registry, g *graph.Graph) *Builder {
	return &Builder{kv: kv, reg: reg, graph: g}
}

// Build assembles the context for a task.
func (b *Builder) Build(projectID, taskID string) (Context, error) {
	ctx := Context{TaskID: taskID}

	if _, err := b.reg.GetTask(projectID, taskID); err != nil {
		return ctx, err
	}

	done := make(map[string]bool)
	for _, pred := range b.graph.PredecessorsOf(projectID, taskID) {
		t, err := b.reg.GetTask(projectID, pred)
		if err != nil {
			continue
		}
		if t.Status == domain.StatusDone {
			done[pred] = true
		}
	}

	artifacts, err := b.upstreamArtifacts(done)
	if err != nil {
		return ctx, err
	}
	ctx.UpstreamArtifacts = artifacts

	decisions, err := b.upstreamDecisions(taskID)
	if err != nil {
		return ctx, err
	}
	ctx.UpstreamDecisions = decisions

	for _, dep := range b.graph.DependentsOf(projectID, taskID) {
		t, err := b.reg.GetTask(projectID, dep)
		if err != nil {
			continue
		}
		ctx.DependentNeeds = append(ctx.DependentNeeds, DependentNeed{
			TaskID: t.ID,
			Name:   t.Name,
			Needs:  needsOf(t),
		})
	}

	ctx.PreviouslyAttempted, err = b.previouslyAttempted(projectID, taskID)
	if err != nil {
		return ctx, err
	}
	return ctx, nil
}

// upstreamArtifacts collects artifacts from done predecessors, keeping the
// latest few per artifact type.
func (b *Builder) upstreamArtifacts(donePreds map[string]bool) ([]domain.Artifact, error) {
	keys, err := b.kv.Scan(persistence.CollectionArtifacts, "")
	if err != nil {
		return nil, err
	}

	byType := make(map[domain.ArtifactType][]domain.Artifact)
	for _, key := range keys {
		var a domain.Artifact
		found, err := b.kv.Get(persistence.CollectionArtifacts, key, &a)
		if err != nil || !found {
			continue
		}
		if donePreds[a.TaskID] {
			byType[a.Type] = append(byType[a.Type], a)
		}
	}

	var out []domain.Artifact
	for _, group := range byType {
		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		if len(group) > MaxArtifactsPerType {
			group = group[:MaxArtifactsPerType]
		}
		out = append(out, group...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// upstreamDecisions collects decisions whose affects_tasks includes taskID.
func (b *Builder) upstreamDecisions(taskID string) ([]domain.Decision, error) {
	keys, err := b.kv.Scan(persistence.CollectionDecisions, "")
	if err != nil {
		return nil, err
	}

	var out []domain.Decision
	for _, key := range keys {
		var d domain.Decision
		found, err := b.kv.Get(persistence.CollectionDecisions, key, &d)
		if err != nil || !found {
			continue
		}
		for _, affected := range d.AffectsTasks {
			if affected == taskID {
				out = append(out, d)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// previouslyAttempted reports whether a prior assignment on this task ended
// without completing it. The episodic outcome record is consulted rather
// than the assignments collection: by the time a briefing is built the task
// already carries a fresh active assignment under the same key.
func (b *Builder) previouslyAttempted(projectID, taskID string) (bool, error) {
	var o domain.Outcome
	found, err := b.kv.Get(persistence.CollectionTaskOutcome, fmt.Sprintf("%s:%s", projectID, taskID), &o)
	if err != nil || !found {
		return false, err
	}
	return o.Result != domain.OutcomeSuccess, nil
}

// needsOf maps a dependent task to its interface requirement line.
func needsOf(t domain.Task) string {
	text := strings.ToLower(t.Name)
	has := func(keywords ...string) bool {
		for _, k := range keywords {
			if strings.Contains(text, k) || t.HasLabel(k) {
				return true
			}
		}
		return false
	}

	switch {
	case has("test", "qa"):
		return "documented endpoints with example requests/responses"
	case has("ui", "frontend"):
		return "stable API contract + error shapes"
	case has("deploy", "release"):
		return "passing tests + runbook"
	default:
		return "clear interface definition"
	}
}

// Summary renders the context as plain instruction text, used directly when
// no language model is configured.
func (c Context) Summary(task domain.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Name)
	if task.Description != "" {
		fmt.Fprintf(&sb, "%s\n", task.Description)
	}
	if c.PreviouslyAttempted {
		sb.WriteString("Note: a previous attempt on this task did not complete; review prior decisions below.\n")
	}
	if len(c.UpstreamDecisions) > 0 {
		sb.WriteString("\nDecisions affecting this task:\n")
		for _, d := range c.UpstreamDecisions {
			fmt.Fprintf(&sb, "- %s\n", d.Text)
		}
	}
	if len(c.UpstreamArtifacts) > 0 {
		sb.WriteString("\nUpstream artifacts:\n")
		for _, a := range c.UpstreamArtifacts {
			fmt.Fprintf(&sb, "- [%s] %s (%s)\n", a.Type, a.Filename, a.Location)
		}
	}
	if len(c.DependentNeeds) > 0 {
		sb.WriteString("\nDownstream tasks will need:\n")
		for _, n := range c.DependentNeeds {
			fmt.Fprintf(&sb, "- %s: %s\n", n.Name, n.Needs)
		}
	}
	return sb.String()
}
