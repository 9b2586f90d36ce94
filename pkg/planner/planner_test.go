package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/graph"
)

// canned returns a fixed Analyse result.
type canned struct {
	obj map[string]interface{}
	err error
}

func (c *canned) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return "", c.err
}

func (c *canned) Analyse(ctx context.Context, prompt, schemaHint string) (map[string]interface{}, error) {
	return c.obj, c.err
}

func TestRulePlannerPhases(t *testing.T) {
	tasks, err := NewRulePlanner().Plan(context.Background(), "billing service", "invoices and dunning")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tasks) != 5 {
		t.Fatalf("got %d tasks, want 5 phases", len(tasks))
	}
	for _, task := range tasks {
		if task.ID == "" || task.Status != domain.StatusTodo || task.EstimatedHours <= 0 {
			t.Errorf("malformed task %+v", task)
		}
	}

	// The phase names must drive graph inference into a usable ordering.
	g := graph.New(0.7, 10)
	if err := g.SetTasks("p", tasks); err != nil {
		t.Fatalf("SetTasks: %v", err)
	}
	var implement, deploy string
	for _, task := range tasks {
		switch {
		case task.HasLabel("backend"):
			implement = task.ID
		case task.HasLabel("deploy"):
			deploy = task.ID
		}
	}
	if len(g.PredecessorsOf("p", implement)) == 0 {
		t.Error("implement phase should have inferred predecessors")
	}
	if len(g.PredecessorsOf("p", deploy)) == 0 {
		t.Error("deploy phase should have inferred predecessors")
	}
}

func TestLLMPlannerParsesModelOutput(t *testing.T) {
	model := &canned{obj: map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{
				"name": "Design schema", "labels": []interface{}{"design"},
				"priority": "high", "estimated_hours": 3.0,
			},
			map[string]interface{}{
				"name": "Implement API", "labels": []interface{}{"backend"},
				"priority": "critical", "estimated_hours": 8.0,
				"depends_on": []interface{}{"design schema"},
			},
			map[string]interface{}{
				"name": "", // dropped
			},
		},
	}}

	tasks, err := NewLLMPlanner(model).Plan(context.Background(), "svc", "desc")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[1].Priority != domain.PriorityCritical {
		t.Errorf("priority = %s", tasks[1].Priority)
	}
	if len(tasks[1].Dependencies) != 1 || tasks[1].Dependencies[0] != tasks[0].ID {
		t.Errorf("dependency not resolved by name: %v", tasks[1].Dependencies)
	}
}

func TestLLMPlannerFallsBackOnError(t *testing.T) {
	model := &canned{err: errors.New("model down")}
	tasks, err := NewLLMPlanner(model).Plan(context.Background(), "svc", "desc")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tasks) != 5 {
		t.Errorf("fallback produced %d tasks, want rule breakdown", len(tasks))
	}
}

func TestLLMPlannerFallsBackOnEmptyPlan(t *testing.T) {
	model := &canned{obj: map[string]interface{}{"tasks": []interface{}{}}}
	tasks, err := NewLLMPlanner(model).Plan(context.Background(), "svc", "desc")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tasks) != 5 {
		t.Errorf("empty model plan must fall back, got %d tasks", len(tasks))
	}
}
