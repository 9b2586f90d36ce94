// Package planner turns a project description into an initial task
// breakdown. The rule-based planner always works; the model-backed planner
// refines it when a LanguageModel is configured.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/providers"
)

// Planner produces the initial task set for a new project.
type Planner interface {
	Plan(ctx context.Context, projectName, description string) ([]domain.Task, error)
}

// ---------------------------------------------------------------------------
// Rule-based planner
// ---------------------------------------------------------------------------

// RulePlanner emits a standard phase breakdown. Phase names carry the
// keywords the dependency graph infers ordering from.
type RulePlanner struct{}

// NewRulePlanner creates the deterministic fallback planner.
func NewRulePlanner() *RulePlanner { return &RulePlanner{} }

func (p *RulePlanner) Plan(ctx context.Context, projectName, description string) ([]domain.Task, error) {
	subject := projectName
	if subject == "" {
		subject = "project"
	}

	phases := []struct {
		name     string
		labels   []string
		priority domain.Priority
		hours    float64
	}{
		{fmt.Sprintf("Design %s architecture", subject), []string{"design"}, domain.PriorityHigh, 4},
		{fmt.Sprintf("Setup %s environment", subject), []string{"setup"}, domain.PriorityHigh, 2},
		{fmt.Sprintf("Implement %s core", subject), []string{"backend"}, domain.PriorityHigh, 8},
		{fmt.Sprintf("Test %s core", subject), []string{"test"}, domain.PriorityMedium, 4},
		{fmt.Sprintf("Deploy %s", subject), []string{"deploy"}, domain.PriorityMedium, 2},
	}

	tasks := make([]domain.Task, 0, len(phases))
	for _, phase := range phases {
		tasks = append(tasks, domain.Task{
			ID:             domain.NewID(),
			Name:           phase.name,
			Description:    description,
			Labels:         phase.labels,
			Priority:       phase.priority,
			Status:         domain.StatusTodo,
			EstimatedHours: phase.hours,
		})
	}
	return tasks, nil
}

var _ Planner = (*RulePlanner)(nil)

// ---------------------------------------------------------------------------
// Model-backed planner
// ---------------------------------------------------------------------------

const planSchema = `{"tasks": [{"name": string, "description": string, "labels": [string], "priority": "low"|"medium"|"high"|"critical", "estimated_hours": number, "depends_on": [string (task names)]}]}`

// LLMPlanner asks the model for a breakdown and falls back to the rule
// planner on any failure or empty answer.
type LLMPlanner struct {
	model    providers.LanguageModel
	fallback *RulePlanner
}

// NewLLMPlanner wraps a language model.
func NewLLMPlanner(model providers.LanguageModel) *LLMPlanner {
	return &LLMPlanner{model: model, fallback: NewRulePlanner()}
}

func (p *LLMPlanner) Plan(ctx context.Context, projectName, description string) ([]domain.Task, error) {
	prompt := fmt.Sprintf(
		"Break the following project into 4-12 concrete engineering tasks with dependencies.\nProject: %s\n%s",
		projectName, description)

	obj, err := p.model.Analyse(ctx, prompt, planSchema)
	if err != nil {
		logger.WarnCF("planner", "model plan failed, using rule breakdown", map[string]interface{}{
			"project": projectName,
			"error":   err.Error(),
		})
		return p.fallback.Plan(ctx, projectName, description)
	}

	tasks := parsePlan(obj)
	if len(tasks) == 0 {
		return p.fallback.Plan(ctx, projectName, description)
	}
	return tasks, nil
}

// parsePlan converts the model's JSON into tasks, resolving depends_on task
// names to generated ids. Unresolvable names are dropped.
func parsePlan(obj map[string]interface{}) []domain.Task {
	raw, ok := obj["tasks"].([]interface{})
	if !ok {
		return nil
	}

	idByName := make(map[string]string)
	var tasks []domain.Task
	var depNames [][]string
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if strings.TrimSpace(name) == "" {
			continue
		}
		t := domain.Task{
			ID:     domain.NewID(),
			Name:   name,
			Status: domain.StatusTodo,
		}
		t.Description, _ = m["description"].(string)
		if labels, ok := m["labels"].([]interface{}); ok {
			for _, l := range labels {
				if s, ok := l.(string); ok {
					t.Labels = append(t.Labels, s)
				}
			}
		}
		if pr, ok := m["priority"].(string); ok && domain.Priority(pr).Valid() {
			t.Priority = domain.Priority(pr)
		} else {
			t.Priority = domain.PriorityMedium
		}
		if h, ok := m["estimated_hours"].(float64); ok && h > 0 {
			t.EstimatedHours = h
		}

		var names []string
		if deps, ok := m["depends_on"].([]interface{}); ok {
			for _, d := range deps {
				if s, ok := d.(string); ok {
					names = append(names, s)
				}
			}
		}
		idByName[strings.ToLower(name)] = t.ID
		tasks = append(tasks, t)
		depNames = append(depNames, names)
	}

	for i := range tasks {
		for _, depName := range depNames[i] {
			if id, found := idByName[strings.ToLower(depName)]; found && id != tasks[i].ID {
				tasks[i].Dependencies = append(tasks[i].Dependencies, id)
			}
		}
	}
	return tasks
}

var _ Planner = (*LLMPlanner)(nil)

// ---------------------------------------------------------------------------
// Null planner
// ---------------------------------------------------------------------------

// NullPlanner plans nothing; for deployments where tasks arrive only from
// the external board.
type NullPlanner struct{}

// NewNullPlanner creates the no-op planner.
func NewNullPlanner() *NullPlanner { return &NullPlanner{} }

func (p *NullPlanner) Plan(ctx context.Context, projectName, description string) ([]domain.Task, error) {
	return nil, nil
}

var _ Planner = (*NullPlanner)(nil)
