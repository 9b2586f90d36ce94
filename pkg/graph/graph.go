// Package graph maintains the per-project dependency structure: explicit
// edges from the planner or board, plus logical edges inferred from task
// text and labels. Edges point predecessor -> dependent.
package graph

import (
	"sort"
	"strings"
	"sync"

	"github.com/lwgray/marcus/pkg/domain"
)

// Edge is one dependency: From must finish before To starts.
type Edge struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Confidence float64 `json:"confidence"`
	Inferred   bool    `json:"inferred"`
	Rule       string  `json:"rule,omitempty"`
}

// Inference rule confidences. Same-phase rules fire project-wide; the
// text-relatedness rules demote to advisory when the tasks share too little
// vocabulary.
const (
	confSetupChain    = 0.9
	confPhaseChain    = 0.85
	confRelatedStrong = 0.8
	confRelatedWeak   = 0.4
)

var ruleClasses = []struct {
	name         string
	fromKeywords []string
	toKeywords   []string
	needsRelated bool
	confidence   float64
}{
	{"setup_first", []string{"setup", "init", "initialize", "configure", "install"},
		[]string{"implement", "build", "create", "develop", "test", "deploy"}, false, confSetupChain},
	{"implement_before_test", []string{"implement", "build", "create", "develop"},
		[]string{"test", "qa", "verify"}, true, confRelatedStrong},
	{"test_before_deploy", []string{"test", "qa", "verify"},
		[]string{"deploy", "release", "launch", "production"}, false, confPhaseChain},
	{"design_first", []string{"design", "architect"},
		[]string{"implement", "build"}, true, confRelatedStrong},
}

type projectGraph struct {
	tasks    map[string]domain.Task
	explicit map[string]map[string]bool // from -> to
	inferred []Edge
}

// Graph composes explicit and inferred overlays per project. The effective
// blocks-assignment set is explicit edges plus inferred edges at or above
// the confidence threshold.
type Graph struct {
	mu        sync.RWMutex
	projects  map[string]*projectGraph
	threshold float64
	maxChain  int
}

// New creates a graph with the given confidence threshold and maximum
// traversal chain length.
func New(threshold float64, maxChain int) *Graph {
	if maxChain <= 0 {
		maxChain = 10
	}
	return &Graph{
		projects:  make(map[string]*projectGraph),
		threshold: threshold,
		maxChain:  maxChain,
	}
}

func (g *Graph) project(projectID string) *projectGraph {
	pg, ok := g.projects[projectID]
	if !ok {
		pg = &projectGraph{
			tasks:    make(map[string]domain.Task),
			explicit: make(map[string]map[string]bool),
		}
		g.projects[projectID] = pg
	}
	return pg
}

// SetTasks replaces the project's task set, installs explicit edges from
// each task's dependency list, and re-runs inference. Explicit edges that
// would cycle are rejected; the whole call fails and no state changes.
func (g *Graph) SetTasks(projectID string, tasks []domain.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pg := &projectGraph{
		tasks:    make(map[string]domain.Task, len(tasks)),
		explicit: make(map[string]map[string]bool),
	}
	for _, t := range tasks {
		pg.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := pg.tasks[dep]; !ok {
				continue // dangling reference, board may still be syncing
			}
			if err := addExplicit(pg, dep, t.ID); err != nil {
				return err
			}
		}
	}
	g.reinferLocked(pg)
	g.projects[projectID] = pg
	return nil
}

// AddExplicit inserts one explicit edge, rejecting cycles.
func (g *Graph) AddExplicit(projectID, from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pg := g.project(projectID)
	if _, ok := pg.tasks[from]; !ok {
		return domain.ErrNotFound("task %s in project %s", from, projectID)
	}
	if _, ok := pg.tasks[to]; !ok {
		return domain.ErrNotFound("task %s in project %s", to, projectID)
	}
	if err := addExplicit(pg, from, to); err != nil {
		return err
	}
	g.reinferLocked(pg)
	return nil
}

func addExplicit(pg *projectGraph, from, to string) error {
	if from == to {
		return domain.ErrConflict("dependency cycle: %s depends on itself", from)
	}
	if reachableExplicit(pg, to, from) {
		return domain.ErrConflict("dependency cycle: %s -> %s closes a loop", from, to)
	}
	if pg.explicit[from] == nil {
		pg.explicit[from] = make(map[string]bool)
	}
	pg.explicit[from][to] = true
	return nil
}

// Reinfer re-derives logical edges for a project. Idempotent: repeated calls
// over an unchanged task set produce the same edge set.
func (g *Graph) Reinfer(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reinferLocked(g.project(projectID))
}

func (g *Graph) reinferLocked(pg *projectGraph) {
	pg.inferred = pg.inferred[:0]

	ids := make([]string, 0, len(pg.tasks))
	for id := range pg.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic inference order

	for _, rule := range ruleClasses {
		for _, fromID := range ids {
			from := pg.tasks[fromID]
			if !matchesAny(from, rule.fromKeywords) {
				continue
			}
			for _, toID := range ids {
				if fromID == toID {
					continue
				}
				to := pg.tasks[toID]
				if !matchesAny(to, rule.toKeywords) {
					continue
				}
				// A task matching both sides of a rule (e.g. "test deploy
				// script") must not depend on itself through the rule pair.
				if matchesAny(to, rule.fromKeywords) && matchesAny(from, rule.toKeywords) {
					continue
				}

				conf := rule.confidence
				if rule.needsRelated && !related(from, to) {
					conf = confRelatedWeak
				}

				if conf >= g.threshold && g.wouldCycle(pg, fromID, toID) {
					continue // inferred cycles are dropped silently
				}
				pg.inferred = append(pg.inferred, Edge{
					From: fromID, To: toID, Confidence: conf, Inferred: true, Rule: rule.name,
				})
			}
		}
	}
}

// wouldCycle reports whether from->to closes a loop against the explicit
// edges plus already-accepted blocking inferred edges.
func (g *Graph) wouldCycle(pg *projectGraph, from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{to: true}
	queue := []string{to}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == from {
			return true
		}
		for next := range pg.explicit[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
		for _, e := range pg.inferred {
			if e.From == cur && e.Confidence >= g.threshold && !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return false
}

func reachableExplicit(pg *projectGraph, from, target string) bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		for next := range pg.explicit[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// blockingSuccessors returns the effective (blocking) out-edges of a task.
func (g *Graph) blockingSuccessors(pg *projectGraph, taskID string) []string {
	set := make(map[string]bool)
	for to := range pg.explicit[taskID] {
		set[to] = true
	}
	for _, e := range pg.inferred {
		if e.From == taskID && e.Confidence >= g.threshold {
			set[e.To] = true
		}
	}
	return sortedKeys(set)
}

func (g *Graph) blockingPredecessors(pg *projectGraph, taskID string) []string {
	set := make(map[string]bool)
	for from, tos := range pg.explicit {
		if tos[taskID] {
			set[from] = true
		}
	}
	for _, e := range pg.inferred {
		if e.To == taskID && e.Confidence >= g.threshold {
			set[e.From] = true
		}
	}
	return sortedKeys(set)
}

// DependentsOf returns the direct dependents of a task in the effective
// blocking graph.
func (g *Graph) DependentsOf(projectID, taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pg, ok := g.projects[projectID]
	if !ok {
		return nil
	}
	return g.blockingSuccessors(pg, taskID)
}

// PredecessorsOf returns the direct effective predecessors of a task.
func (g *Graph) PredecessorsOf(projectID, taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pg, ok := g.projects[projectID]
	if !ok {
		return nil
	}
	return g.blockingPredecessors(pg, taskID)
}

// IsAssignable reports whether every effective predecessor of the task is
// done, consulting the provided status lookup.
func (g *Graph) IsAssignable(projectID, taskID string, status func(taskID string) domain.TaskStatus) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pg, ok := g.projects[projectID]
	if !ok {
		return true
	}
	for _, pred := range g.blockingPredecessors(pg, taskID) {
		if status(pred) != domain.StatusDone {
			return false
		}
	}
	return true
}

// CascadeDelay is one downstream task's estimated slip.
type CascadeDelay struct {
	TaskID     string  `json:"task_id"`
	Hops       int     `json:"hops"`
	EstimatedH float64 `json:"estimated_delay_h"`
}

// Cascade walks blocking dependents breadth-first from taskID, attenuating
// the delay by the propagation factor per hop. Traversal is bounded by the
// configured chain length.
func (g *Graph) Cascade(projectID, taskID string, delayHours, propagationFactor float64) []CascadeDelay {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pg, ok := g.projects[projectID]
	if !ok {
		return nil
	}
	if propagationFactor <= 0 {
		propagationFactor = 0.8
	}

	type frame struct {
		id   string
		hops int
	}
	var out []CascadeDelay
	seen := map[string]bool{taskID: true}
	queue := []frame{{taskID, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.hops >= g.maxChain {
			continue
		}
		for _, dep := range g.blockingSuccessors(pg, cur.id) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			hops := cur.hops + 1
			delay := delayHours
			for i := 0; i < hops; i++ {
				delay *= propagationFactor
			}
			out = append(out, CascadeDelay{TaskID: dep, Hops: hops, EstimatedH: delay})
			queue = append(queue, frame{dep, hops})
		}
	}
	return out
}

// MaxDependents returns the largest direct-dependent count across the
// project, used to normalise unblocking value.
func (g *Graph) MaxDependents(projectID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pg, ok := g.projects[projectID]
	if !ok {
		return 0
	}
	max := 0
	for id := range pg.tasks {
		if n := len(g.blockingSuccessors(pg, id)); n > max {
			max = n
		}
	}
	return max
}

// Edges returns all edges (explicit plus inferred at any confidence) for
// inspection, sorted for stable output.
func (g *Graph) Edges(projectID string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pg, ok := g.projects[projectID]
	if !ok {
		return nil
	}

	var out []Edge
	for from, tos := range pg.explicit {
		for to := range tos {
			out = append(out, Edge{From: from, To: to, Confidence: 1.0})
		}
	}
	out = append(out, pg.inferred...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

// FindCycles reports cycles present in the effective graph. The insertion
// checks should keep this empty; board health sweeps verify.
func (g *Graph) FindCycles(projectID string) [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	pg, ok := g.projects[projectID]
	if !ok {
		return nil
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int)
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		colour[id] = grey
		stack = append(stack, id)
		for _, next := range g.blockingSuccessors(pg, id) {
			switch colour[next] {
			case white:
				visit(next)
			case grey:
				for i, s := range stack {
					if s == next {
						cycle := append([]string{}, stack[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black
	}

	ids := make([]string, 0, len(pg.tasks))
	for id := range pg.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if colour[id] == white {
			visit(id)
		}
	}
	return cycles
}

// ---------------------------------------------------------------------------
// Text matching
// ---------------------------------------------------------------------------

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "for": true, "in": true, "of": true,
	"on": true, "or": true, "the": true, "to": true, "with": true, "new": true,
	"add": true, "up": true, "all": true, "our": true, "this": true, "that": true,
}

// ContentWords returns the lowercase non-stopword tokens of a task's name
// and labels.
func ContentWords(t domain.Task) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(word string) {
		w := strings.ToLower(strings.Trim(word, ".,:;!?()[]\"'"))
		if len(w) < 3 || stopWords[w] || seen[w] {
			return
		}
		seen[w] = true
		out = append(out, w)
	}
	for _, w := range strings.Fields(t.Name) {
		add(w)
	}
	for _, l := range t.Labels {
		add(l)
	}
	return out
}

func matchesAny(t domain.Task, keywords []string) bool {
	text := strings.ToLower(t.Name)
	for _, k := range keywords {
		if strings.Contains(text, k) || t.HasLabel(k) {
			return true
		}
	}
	return false
}

// related reports textual relatedness: at least two shared content words.
func related(a, b domain.Task) bool {
	aw := make(map[string]bool)
	for _, w := range ContentWords(a) {
		aw[w] = true
	}
	shared := 0
	for _, w := range ContentWords(b) {
		if aw[w] {
			shared++
			if shared >= 2 {
				return true
			}
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
