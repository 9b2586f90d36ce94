// Package assignment chooses the optimal (task, agent) pair from the
// unblocked frontier. Selection is pure; the coordinator commits the result
// inside its per-project critical section.
package assignment

import (
	"math/rand"
	"sort"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/memory"
	"github.com/lwgray/marcus/pkg/registry"
)

// Score weights. Skill fit dominates, then urgency, then how much the task
// unblocks, then the agent's recent affinity for this kind of work.
const (
	weightSkillMatch      = 0.40
	weightPriority        = 0.30
	weightUnblockingValue = 0.20
	weightAgentPreference = 0.10
)

// BaseBackoffSeconds seeds the retry hint when the frontier is empty.
const BaseBackoffSeconds = 30

// Score is the weighted fit of one task for one agent, kept decomposed for
// explainability.
type Score struct {
	TaskID          string  `json:"task_id"`
	Total           float64 `json:"total"`
	SkillMatch      float64 `json:"skill_match"`
	PriorityWeight  float64 `json:"priority_weight"`
	UnblockingValue float64 `json:"unblocking_value"`
	AgentPreference float64 `json:"agent_preference"`
}

// Engine scores frontier tasks against agents.
type Engine struct {
	reg         *registry.Registry
	graph       *graph.Graph
	mem         *memory.Store
	maxPerAgent int
	jitter      func() float64 // in [0, 1)
}

// New creates an engine. maxPerAgent is the per-agent concurrency cap.
func New(reg *registry.Registry, g *graph.Graph, mem *memory.Store, maxPerAgent int) *Engine {
	return &Engine{
		reg:         reg,
		graph:       g,
		mem:         mem,
		maxPerAgent: maxPerAgent,
		jitter:      rand.Float64,
	}
}

// Frontier returns the assignable tasks: status todo, every effective
// predecessor done, and no active assignment.
func (e *Engine) Frontier(projectID string) ([]domain.Task, error) {
	todo, err := e.reg.ListTasks(projectID, registry.TaskFilter{Status: domain.StatusTodo})
	if err != nil {
		return nil, err
	}

	status := func(taskID string) domain.TaskStatus {
		t, err := e.reg.GetTask(projectID, taskID)
		if err != nil {
			return domain.StatusTodo
		}
		return t.Status
	}

	var frontier []domain.Task
	for _, t := range todo {
		if _, assigned := e.mem.OpenAssignment(t.ID); assigned {
			continue
		}
		if e.graph.IsAssignable(projectID, t.ID, status) {
			frontier = append(frontier, t)
		}
	}
	return frontier, nil
}

// Choice is the result of Choose: either a task with its score, or a retry
// hint when work remains but nothing is assignable.
type Choice struct {
	Task       *domain.Task `json:"task,omitempty"`
	Score      *Score       `json:"score,omitempty"`
	RetryAfter int          `json:"retry_after_seconds,omitempty"`
}

// Choose selects the best frontier task for the agent. A Choice with a nil
// Task and zero RetryAfter means the project has no remaining work.
func (e *Engine) Choose(projectID string, agent domain.Agent) (Choice, error) {
	if e.mem.AgentOpenCount(agent.ID) >= e.maxPerAgent {
		return Choice{RetryAfter: e.retryAfter()}, nil
	}

	frontier, err := e.Frontier(projectID)
	if err != nil {
		return Choice{}, err
	}
	if len(frontier) == 0 {
		remaining, err := e.outstandingWork(projectID)
		if err != nil {
			return Choice{}, err
		}
		if remaining {
			return Choice{RetryAfter: e.retryAfter()}, nil
		}
		return Choice{}, nil
	}

	scores := make([]Score, len(frontier))
	for i, t := range frontier {
		scores[i] = e.ScoreTask(projectID, t, agent)
	}

	sort.Slice(frontier, func(i, j int) bool {
		si, sj := scores[i], scores[j]
		if si.Total != sj.Total {
			return si.Total > sj.Total
		}
		if si.UnblockingValue != sj.UnblockingValue {
			return si.UnblockingValue > sj.UnblockingValue
		}
		if !frontier[i].CreatedAt.Equal(frontier[j].CreatedAt) {
			return frontier[i].CreatedAt.Before(frontier[j].CreatedAt)
		}
		return frontier[i].ID < frontier[j].ID
	})
	sort.Slice(scores, func(i, j int) bool { return scores[i].Total > scores[j].Total })

	best := frontier[0]
	var bestScore Score
	for _, s := range scores {
		if s.TaskID == best.ID {
			bestScore = s
			break
		}
	}
	return Choice{Task: &best, Score: &bestScore}, nil
}

// ScoreTask computes the weighted fit of one task for one agent.
func (e *Engine) ScoreTask(projectID string, t domain.Task, agent domain.Agent) Score {
	s := Score{TaskID: t.ID}

	s.SkillMatch = jaccard(agent.Skills, taskTerms(t))
	s.PriorityWeight = t.Priority.Weight()

	deps := len(e.graph.DependentsOf(projectID, t.ID))
	if max := e.graph.MaxDependents(projectID); max > 0 {
		s.UnblockingValue = float64(deps) / float64(max)
	}

	s.AgentPreference = e.mem.Preference(agent.ID, t.Labels)

	s.Total = weightSkillMatch*s.SkillMatch +
		weightPriority*s.PriorityWeight +
		weightUnblockingValue*s.UnblockingValue +
		weightAgentPreference*s.AgentPreference
	return s
}

func (e *Engine) outstandingWork(projectID string) (bool, error) {
	all, err := e.reg.ListTasks(projectID, registry.TaskFilter{})
	if err != nil {
		return false, err
	}
	for _, t := range all {
		if t.Status != domain.StatusDone {
			return true, nil
		}
	}
	return false, nil
}

// retryAfter shapes agent polling: base backoff with jitter, capped at 60s.
func (e *Engine) retryAfter() int {
	secs := int(BaseBackoffSeconds * (1 + e.jitter()))
	if secs > 60 {
		secs = 60
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// taskTerms is the label set plus content keywords used for skill matching.
func taskTerms(t domain.Task) []string {
	seen := make(map[string]bool)
	var out []string
	for _, term := range append(append([]string{}, t.Labels...), graph.ContentWords(t)...) {
		if !seen[term] {
			seen[term] = true
			out = append(out, term)
		}
	}
	return out
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, x := range a {
		setA[x] = true
	}
	setB := make(map[string]bool, len(b))
	for _, x := range b {
		setB[x] = true
	}
	inter := 0
	for x := range setA {
		if setB[x] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
