// Package coordinator is the service surface of Marcus: agent registration,
// task assignment, progress reporting, blocker handling, decision and
// artifact logging, project status, and board health. Every mutation runs
// inside a per-project critical section; its event is published (and thereby
// logged) before the section releases, so subscribers observe transitions in
// exactly the order the state took them.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/assignment"
	"github.com/lwgray/marcus/pkg/board"
	"github.com/lwgray/marcus/pkg/briefing"
	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/config"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/events"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/lease"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/memory"
	"github.com/lwgray/marcus/pkg/persistence"
	"github.com/lwgray/marcus/pkg/planner"
	"github.com/lwgray/marcus/pkg/providers"
	"github.com/lwgray/marcus/pkg/registry"
)

// offlineAfterExpiries marks an agent offline after this many consecutive
// lease expiries without a successful completion in between.
const offlineAfterExpiries = 3

// Coordinator composes the core subsystems behind one API.
type Coordinator struct {
	cfg     *config.Config
	bus     *bus.EventBus
	kv      persistence.KV
	reg     *registry.Registry
	graph   *graph.Graph
	mem     *memory.Store
	briefer *briefing.Builder
	engine  *assignment.Engine
	leases  *lease.Manager
	board   board.Provider
	model   providers.LanguageModel
	planner planner.Planner

	mu        sync.Mutex
	agents    map[string]*domain.Agent
	projLocks map[string]*sync.Mutex
}

// Deps bundles the constructor inputs.
type Deps struct {
	Config   *config.Config
	Bus      *bus.EventBus
	KV       persistence.KV
	Registry *registry.Registry
	Graph    *graph.Graph
	Memory   *memory.Store
	Board    board.Provider
	Model    providers.LanguageModel
	Planner  planner.Planner
	Leases   *lease.Manager
}

// New wires a coordinator and registers itself as the lease expiry handler.
func New(d Deps) *Coordinator {
	c := &Coordinator{
		cfg:       d.Config,
		bus:       d.Bus,
		kv:        d.KV,
		reg:       d.Registry,
		graph:     d.Graph,
		mem:       d.Memory,
		briefer:   briefing.NewBuilder(d.KV, d.Registry, d.Graph),
		engine:    assignment.New(d.Registry, d.Graph, d.Memory, d.Config.BoardHealth.MaxTasksPerAgent),
		leases:    d.Leases,
		board:     d.Board,
		model:     d.Model,
		planner:   d.Planner,
		agents:    make(map[string]*domain.Agent),
		projLocks: make(map[string]*sync.Mutex),
	}
	c.leases.SetExpireFunc(c.recycleExpired)
	return c
}

func (c *Coordinator) projectLock(projectID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.projLocks[projectID]
	if !ok {
		l = &sync.Mutex{}
		c.projLocks[projectID] = l
	}
	return l
}

// publish stamps correlation keys and dispatches inside the caller's
// critical section: one state change, one event, one log record.
func (c *Coordinator) publish(ctx context.Context, eventType, projectID, taskID, agentID string, data map[string]interface{}) events.Event {
	return c.publishM(ctx, eventType, projectID, taskID, agentID, data, nil)
}

func (c *Coordinator) publishM(ctx context.Context, eventType, projectID, taskID, agentID string, data, metadata map[string]interface{}) events.Event {
	evt := events.New(eventType, "coordinator", data)
	evt.ProjectID = projectID
	evt.TaskID = taskID
	evt.AgentID = agentID
	evt.Metadata = metadata
	c.bus.PublishEvent(ctx, evt)
	return evt
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// RegisterAgent registers or re-registers a worker. Idempotent:
// re-registration refreshes skills and resets status to idle.
func (c *Coordinator) RegisterAgent(ctx context.Context, id, name, role string, skills []string) error {
	if id == "" {
		return domain.ErrNotFound("agent id required")
	}

	c.mu.Lock()
	agent, exists := c.agents[id]
	if !exists {
		agent = &domain.Agent{ID: id, RegisteredAt: time.Now().UTC()}
		c.agents[id] = agent
	}
	agent.Name = name
	agent.Role = role
	agent.Skills = skills
	agent.Status = domain.AgentIdle
	c.mu.Unlock()

	c.publish(ctx, events.AgentRegistered, "", "", id, map[string]interface{}{
		"name":   name,
		"role":   role,
		"skills": skills,
	})
	logger.InfoCF("coordinator", "agent registered", map[string]interface{}{
		"agent_id": id,
		"role":     role,
	})
	return nil
}

func (c *Coordinator) agent(id string) (*domain.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[id]
	if !ok {
		return nil, domain.ErrNotFound("unknown agent %s", id)
	}
	return agent, nil
}

// Agents returns a snapshot of registered agents, sorted by id.
func (c *Coordinator) Agents() []domain.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

// CreateProject plans a new project from its description, registers it, and
// mirrors the planned tasks to the board (best effort).
func (c *Coordinator) CreateProject(ctx context.Context, name, description, boardBinding string) (domain.Project, []domain.Task, error) {
	tasks, err := c.planner.Plan(ctx, name, description)
	if err != nil {
		return domain.Project{}, nil, err
	}

	project := domain.Project{
		ID:           domain.NewID(),
		Name:         name,
		BoardBinding: boardBinding,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.reg.RegisterProject(project); err != nil {
		return domain.Project{}, nil, err
	}
	if err := c.reg.AddTasks(project.ID, tasks); err != nil {
		return domain.Project{}, nil, err
	}
	stored, err := c.reg.ListTasks(project.ID, registry.TaskFilter{})
	if err != nil {
		return domain.Project{}, nil, err
	}
	if err := c.graph.SetTasks(project.ID, stored); err != nil {
		return domain.Project{}, nil, err
	}

	c.publish(ctx, events.ProjectRegistered, project.ID, "", "", map[string]interface{}{
		"name":  name,
		"tasks": len(stored),
	})
	for _, t := range stored {
		c.publish(ctx, events.TaskCreated, project.ID, t.ID, "", map[string]interface{}{
			"name":     t.Name,
			"priority": string(t.Priority),
		})
	}

	// Board writes never hold core locks; failures surface as kanban_error.
	go func() {
		for _, t := range stored {
			if _, err := c.board.CreateTask(context.Background(), project.ID, t); err != nil {
				logger.WarnCF("coordinator", "board task mirror failed", map[string]interface{}{
					"task_id": t.ID,
					"error":   err.Error(),
				})
			}
		}
	}()
	return project, stored, nil
}

// SelectProject binds an agent's session to a project.
func (c *Coordinator) SelectProject(ctx context.Context, agentID, projectID string) error {
	if _, err := c.agent(agentID); err != nil {
		return err
	}
	if err := c.reg.SelectActiveProject(agentID, projectID); err != nil {
		return err
	}
	c.publish(ctx, events.ProjectSelected, projectID, "", agentID, nil)
	return nil
}

// RemoveProject drops a project from the registry.
func (c *Coordinator) RemoveProject(ctx context.Context, projectID string) error {
	l := c.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	if err := c.reg.RemoveProject(projectID); err != nil {
		return err
	}
	c.publish(ctx, events.ProjectRemoved, projectID, "", "", nil)
	return nil
}

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

// NextTask is the full envelope returned to an agent asking for work.
type NextTask struct {
	Task         *domain.Task               `json:"task,omitempty"`
	Instructions string                     `json:"instructions,omitempty"`
	Context      *briefing.Context          `json:"context,omitempty"`
	Duration     *memory.DurationPrediction `json:"duration_prediction,omitempty"`
	Blockage     *memory.BlockagePrediction `json:"blockage_prediction,omitempty"`
	RetryAfter   int                        `json:"retry_after_seconds,omitempty"`
}

// RequestNextTask assigns the best available task to the agent, or returns
// a retry hint when nothing is assignable.
func (c *Coordinator) RequestNextTask(ctx context.Context, agentID string) (NextTask, error) {
	agent, err := c.agent(agentID)
	if err != nil {
		return NextTask{}, err
	}
	projectID, err := c.reg.ActiveProject(agentID)
	if err != nil {
		return NextTask{}, domain.ErrNotFound("no active project for agent %s", agentID)
	}

	l := c.projectLock(projectID)
	l.Lock()
	choice, err := c.engine.Choose(projectID, *agent)
	if err != nil {
		l.Unlock()
		return NextTask{}, err
	}
	if choice.Task == nil {
		l.Unlock()
		if choice.RetryAfter > 0 {
			return NextTask{RetryAfter: choice.RetryAfter}, domain.ErrRateLimited(choice.RetryAfter,
				"no assignable task, retry in %ds", choice.RetryAfter)
		}
		return NextTask{}, domain.ErrRateLimited(60, "project %s has no remaining work", projectID)
	}

	task := *choice.Task
	a := c.leases.Start(task, agentID)
	if err := c.mem.TrackAssignment(a); err != nil {
		l.Unlock()
		return NextTask{}, domain.ErrInternal("persist assignment: %v", err)
	}
	if err := c.reg.UpdateStatus(projectID, task.ID, domain.StatusInProgress); err != nil {
		// Roll the assignment back so the commit stays atomic.
		a.State = domain.AssignmentAbandoned
		c.mem.TrackAssignment(a)
		l.Unlock()
		return NextTask{}, err
	}

	c.mu.Lock()
	agent.Status = domain.AgentWorking
	agent.CurrentTasks = append(agent.CurrentTasks, task.ID)
	c.mu.Unlock()

	c.publish(ctx, events.TaskAssigned, projectID, task.ID, agentID, map[string]interface{}{
		"name":       task.Name,
		"score":      choice.Score.Total,
		"expires_at": a.LeaseExpiresAt.Format(time.RFC3339),
	})
	l.Unlock()

	// Context, predictions, and instruction synthesis happen outside the
	// critical section: they read committed state and may call the model.
	taskCtx, err := c.briefer.Build(projectID, task.ID)
	if err != nil {
		logger.WarnCF("coordinator", "context build failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
	duration := c.mem.PredictDuration(agentID, task)
	depHistory := c.mem.OutcomesFor(projectID, c.graph.PredecessorsOf(projectID, task.ID))
	blockage := c.mem.PredictBlockage(agentID, task, depHistory)

	task.Status = domain.StatusInProgress
	return NextTask{
		Task:         &task,
		Instructions: c.instructions(ctx, task, taskCtx),
		Context:      &taskCtx,
		Duration:     &duration,
		Blockage:     &blockage,
	}, nil
}

// instructions synthesises assignment text. The briefing summary stands on
// its own when no model is configured or the call fails.
func (c *Coordinator) instructions(ctx context.Context, task domain.Task, taskCtx briefing.Context) string {
	base := taskCtx.Summary(task)
	text, err := c.model.Generate(ctx,
		"Rewrite the following task briefing as concise instructions for the assigned engineer:\n\n"+base, 0)
	if err != nil || strings.TrimSpace(text) == "" {
		return base
	}
	return text
}

// ---------------------------------------------------------------------------
// Progress
// ---------------------------------------------------------------------------

// ReportTaskProgress applies an agent's progress report: renewal, blockage,
// completion, or voluntary abandonment (for clients that cancelled after
// the assignment committed).
func (c *Coordinator) ReportTaskProgress(ctx context.Context, agentID, taskID, status string, progress int, message string) error {
	agent, err := c.agent(agentID)
	if err != nil {
		return err
	}
	a, ok := c.mem.OpenAssignment(taskID)
	if !ok {
		return domain.ErrNotFound("no active assignment for task %s", taskID)
	}
	if a.AgentID != agentID {
		return domain.ErrConflict("task %s is assigned to %s", taskID, a.AgentID)
	}

	l := c.projectLock(a.ProjectID)
	l.Lock()
	defer l.Unlock()

	task, err := c.reg.GetTask(a.ProjectID, taskID)
	if err != nil {
		return err
	}

	switch status {
	case "completed":
		if progress != 100 {
			return domain.ErrInvalidTransition("completion requires progress=100, got %d", progress)
		}
		return c.complete(ctx, agent, task, a, message)
	case "blocked":
		return c.block(ctx, agent, task, a, message)
	case "abandoned":
		return c.abandon(ctx, agent, task, a, message)
	case "in_progress":
		if err := c.leases.Renew(task, &a, progress); err != nil {
			return err
		}
		if err := c.mem.TrackAssignment(a); err != nil {
			return domain.ErrInternal("persist assignment: %v", err)
		}
		c.publishM(ctx, events.TaskProgress, a.ProjectID, taskID, agentID, map[string]interface{}{
			"progress": progress,
			"renewals": a.Renewals,
		}, map[string]interface{}{"message": message})
		return nil
	default:
		return domain.ErrInvalidTransition("unknown progress status %q", status)
	}
}

func (c *Coordinator) complete(ctx context.Context, agent *domain.Agent, task domain.Task, a domain.Assignment, message string) error {
	a.State = domain.AssignmentCompleted
	a.LastProgressPct = 100
	a.LastProgressAt = time.Now().UTC()
	if err := c.mem.TrackAssignment(a); err != nil {
		return domain.ErrInternal("persist assignment: %v", err)
	}
	if err := c.reg.UpdateStatus(a.ProjectID, task.ID, domain.StatusDone); err != nil {
		return err
	}
	c.leases.Forget(task.ID)

	actual := time.Since(a.AssignedAt).Hours()
	if err := c.mem.RecordOutcome(domain.Outcome{
		TaskID:       task.ID,
		ProjectID:    a.ProjectID,
		AgentID:      agent.ID,
		Labels:       task.Labels,
		PlannedHours: task.EstimatedHours,
		ActualHours:  actual,
		Result:       domain.OutcomeSuccess,
	}); err != nil {
		return domain.ErrInternal("record outcome: %v", err)
	}

	c.mu.Lock()
	agent.MissedLeases = 0
	agent.CurrentTasks = removeString(agent.CurrentTasks, task.ID)
	if len(agent.CurrentTasks) == 0 {
		agent.Status = domain.AgentIdle
	}
	c.mu.Unlock()

	c.publishM(ctx, events.TaskCompleted, a.ProjectID, task.ID, agent.ID, map[string]interface{}{
		"actual_hours": actual,
	}, map[string]interface{}{"message": message})

	c.syncBoardStatus(a.ProjectID, task.ID, domain.StatusDone)
	return nil
}

func (c *Coordinator) block(ctx context.Context, agent *domain.Agent, task domain.Task, a domain.Assignment, message string) error {
	a.State = domain.AssignmentAbandoned
	if err := c.mem.TrackAssignment(a); err != nil {
		return domain.ErrInternal("persist assignment: %v", err)
	}
	if err := c.reg.UpdateStatus(a.ProjectID, task.ID, domain.StatusBlocked); err != nil {
		return err
	}
	c.leases.Forget(task.ID)

	if err := c.mem.RecordOutcome(domain.Outcome{
		TaskID:          task.ID,
		ProjectID:       a.ProjectID,
		AgentID:         agent.ID,
		Labels:          task.Labels,
		PlannedHours:    task.EstimatedHours,
		Result:          domain.OutcomeBlocked,
		BlockerCategory: categoriseBlocker(message),
	}); err != nil {
		return domain.ErrInternal("record outcome: %v", err)
	}

	c.mu.Lock()
	agent.CurrentTasks = removeString(agent.CurrentTasks, task.ID)
	if len(agent.CurrentTasks) == 0 {
		agent.Status = domain.AgentIdle
	}
	c.mu.Unlock()

	c.publishM(ctx, events.TaskBlocked, a.ProjectID, task.ID, agent.ID, map[string]interface{}{
		"category": categoriseBlocker(message),
	}, map[string]interface{}{"message": message})

	c.syncBoardStatus(a.ProjectID, task.ID, domain.StatusBlocked)
	return nil
}

// abandon releases the task back to the pool at the agent's request. Unlike
// lease expiry this carries no missed-lease penalty.
func (c *Coordinator) abandon(ctx context.Context, agent *domain.Agent, task domain.Task, a domain.Assignment, message string) error {
	a.State = domain.AssignmentAbandoned
	if err := c.mem.TrackAssignment(a); err != nil {
		return domain.ErrInternal("persist assignment: %v", err)
	}
	if err := c.reg.UpdateStatus(a.ProjectID, task.ID, domain.StatusTodo); err != nil {
		return err
	}
	c.leases.Forget(task.ID)

	if err := c.mem.RecordOutcome(domain.Outcome{
		TaskID:       task.ID,
		ProjectID:    a.ProjectID,
		AgentID:      agent.ID,
		Labels:       task.Labels,
		PlannedHours: task.EstimatedHours,
		Result:       domain.OutcomeAbandoned,
	}); err != nil {
		return domain.ErrInternal("record outcome: %v", err)
	}

	c.mu.Lock()
	agent.CurrentTasks = removeString(agent.CurrentTasks, task.ID)
	if len(agent.CurrentTasks) == 0 {
		agent.Status = domain.AgentIdle
	}
	c.mu.Unlock()

	c.publishM(ctx, events.TaskAbandoned, a.ProjectID, task.ID, agent.ID, map[string]interface{}{
		"last_progress": a.LastProgressPct,
	}, map[string]interface{}{"message": message})

	c.syncBoardStatus(a.ProjectID, task.ID, domain.StatusTodo)
	return nil
}

// recycleExpired is the lease manager's expiry callback: return the task to
// the frontier and charge the miss to the agent.
func (c *Coordinator) recycleExpired(a domain.Assignment) {
	l := c.projectLock(a.ProjectID)
	l.Lock()
	defer l.Unlock()

	a.State = domain.AssignmentExpired
	if err := c.mem.TrackAssignment(a); err != nil {
		logger.ErrorCF("coordinator", "persist expired assignment failed", map[string]interface{}{
			"task_id": a.TaskID,
			"error":   err.Error(),
		})
	}
	if err := c.reg.UpdateStatus(a.ProjectID, a.TaskID, domain.StatusTodo); err != nil {
		logger.ErrorCF("coordinator", "recycle status update failed", map[string]interface{}{
			"task_id": a.TaskID,
			"error":   err.Error(),
		})
	}
	c.leases.Forget(a.TaskID)

	if task, err := c.reg.GetTask(a.ProjectID, a.TaskID); err == nil {
		c.mem.RecordOutcome(domain.Outcome{
			TaskID:       a.TaskID,
			ProjectID:    a.ProjectID,
			AgentID:      a.AgentID,
			Labels:       task.Labels,
			PlannedHours: task.EstimatedHours,
			Result:       domain.OutcomeAbandoned,
		})
	}

	wentOffline := false
	c.mu.Lock()
	if agent, ok := c.agents[a.AgentID]; ok {
		agent.MissedLeases++
		agent.CurrentTasks = removeString(agent.CurrentTasks, a.TaskID)
		if len(agent.CurrentTasks) == 0 {
			agent.Status = domain.AgentIdle
		}
		if agent.MissedLeases >= offlineAfterExpiries {
			agent.Status = domain.AgentOffline
			wentOffline = true
		}
	}
	c.mu.Unlock()
	if wentOffline {
		c.publish(context.Background(), events.AgentOffline, a.ProjectID, "", a.AgentID, nil)
	}

	c.publish(context.Background(), events.TaskRecycled, a.ProjectID, a.TaskID, a.AgentID, map[string]interface{}{
		"renewals":      a.Renewals,
		"last_progress": a.LastProgressPct,
	})
	c.syncBoardStatus(a.ProjectID, a.TaskID, domain.StatusTodo)
}

// syncBoardStatus mirrors a local status change to the board without
// holding core locks.
func (c *Coordinator) syncBoardStatus(projectID, taskID string, status domain.TaskStatus) {
	go func() {
		if err := c.board.UpdateTaskStatus(context.Background(), projectID, taskID, status); err != nil {
			logger.WarnCF("coordinator", "board status sync failed", map[string]interface{}{
				"task_id": taskID,
				"status":  string(status),
				"error":   err.Error(),
			})
		}
	}()
}

// ---------------------------------------------------------------------------
// Blockers, decisions, artifacts
// ---------------------------------------------------------------------------

func categoriseBlocker(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "auth") || strings.Contains(lower, "credential") || strings.Contains(lower, "token"):
		return "auth"
	case strings.Contains(lower, "integrat") || strings.Contains(lower, "api") || strings.Contains(lower, "external"):
		return "integration"
	case strings.Contains(lower, "depend") || strings.Contains(lower, "waiting") || strings.Contains(lower, "blocked by"):
		return "dependencies"
	default:
		return "unknown"
	}
}

// ReportBlocker records a blocker against a task and returns unblocking
// suggestions. The task is not transitioned; the agent follows up with a
// progress report.
func (c *Coordinator) ReportBlocker(ctx context.Context, agentID, taskID, description string) ([]string, error) {
	if _, err := c.agent(agentID); err != nil {
		return nil, err
	}
	a, ok := c.mem.OpenAssignment(taskID)
	if !ok {
		return nil, domain.ErrNotFound("no active assignment for task %s", taskID)
	}
	if a.AgentID != agentID {
		return nil, domain.ErrConflict("task %s is assigned to %s", taskID, a.AgentID)
	}

	l := c.projectLock(a.ProjectID)
	l.Lock()
	decision := domain.Decision{
		ID:           domain.NewID(),
		TaskID:       taskID,
		AgentID:      agentID,
		Text:         "blocker: " + description,
		AffectsTasks: c.graph.DependentsOf(a.ProjectID, taskID),
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.kv.Put(persistence.CollectionDecisions, decision.ID, decision); err != nil {
		l.Unlock()
		return nil, domain.ErrInternal("persist blocker: %v", err)
	}
	c.publishM(ctx, events.BlockerReported, a.ProjectID, taskID, agentID, map[string]interface{}{
		"category": categoriseBlocker(description),
	}, map[string]interface{}{"description": description})
	l.Unlock()

	return c.blockerSuggestions(ctx, description), nil
}

func (c *Coordinator) blockerSuggestions(ctx context.Context, description string) []string {
	fallback := []string{
		"break the blocker into a separate task and continue on unblocked work",
		"document what was attempted so the next agent starts from your state",
	}
	switch categoriseBlocker(description) {
	case "auth":
		fallback = append([]string{"verify credentials and token scopes against the service docs"}, fallback...)
	case "integration":
		fallback = append([]string{"stub the external dependency and test against the stub"}, fallback...)
	case "dependencies":
		fallback = append([]string{"check whether the upstream task can be prioritised or split"}, fallback...)
	}

	obj, err := c.model.Analyse(ctx,
		"An engineer reports this blocker: "+description+"\nSuggest up to three concrete unblocking steps.",
		`{"suggestions": [string]}`)
	if err != nil {
		return fallback
	}
	raw, ok := obj["suggestions"].([]interface{})
	if !ok || len(raw) == 0 {
		return fallback
	}
	var out []string
	for _, s := range raw {
		if str, ok := s.(string); ok && strings.TrimSpace(str) != "" {
			out = append(out, str)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// GetTaskContext assembles the briefing for any task.
func (c *Coordinator) GetTaskContext(taskID string) (briefing.Context, error) {
	projectID, err := c.projectOfTask(taskID)
	if err != nil {
		return briefing.Context{}, err
	}
	return c.briefer.Build(projectID, taskID)
}

func (c *Coordinator) projectOfTask(taskID string) (string, error) {
	for _, p := range c.reg.ListProjects() {
		if _, err := c.reg.GetTask(p.ID, taskID); err == nil {
			return p.ID, nil
		}
	}
	return "", domain.ErrNotFound("task %s in any project", taskID)
}

// LogDecision records an architectural decision. Tasks named in the text
// are the affected set; otherwise the decision propagates to the task's
// direct dependents.
func (c *Coordinator) LogDecision(ctx context.Context, agentID, taskID, text string) error {
	if _, err := c.agent(agentID); err != nil {
		return err
	}
	projectID, err := c.projectOfTask(taskID)
	if err != nil {
		return err
	}

	l := c.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	affects := c.tasksNamedIn(projectID, taskID, text)
	if len(affects) == 0 {
		affects = c.graph.DependentsOf(projectID, taskID)
	}

	decision := domain.Decision{
		ID:           domain.NewID(),
		TaskID:       taskID,
		AgentID:      agentID,
		Text:         text,
		AffectsTasks: affects,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.kv.Put(persistence.CollectionDecisions, decision.ID, decision); err != nil {
		return domain.ErrInternal("persist decision: %v", err)
	}
	c.publishM(ctx, events.DecisionLogged, projectID, taskID, agentID, map[string]interface{}{
		"affects": affects,
	}, map[string]interface{}{"text": text})
	return nil
}

// tasksNamedIn finds project tasks whose names are mentioned in the text.
func (c *Coordinator) tasksNamedIn(projectID, exceptTaskID, text string) []string {
	tasks, err := c.reg.ListTasks(projectID, registry.TaskFilter{})
	if err != nil {
		return nil
	}
	lower := strings.ToLower(text)
	var out []string
	for _, t := range tasks {
		if t.ID == exceptTaskID {
			continue
		}
		if t.Name != "" && strings.Contains(lower, strings.ToLower(t.Name)) {
			out = append(out, t.ID)
		}
	}
	sort.Strings(out)
	return out
}

// LogArtifact stores artifact metadata and returns where content should
// live. Content itself goes through the location sink, not the core.
func (c *Coordinator) LogArtifact(ctx context.Context, agentID, taskID, filename string, artifactType domain.ArtifactType, description, location string) (string, error) {
	if _, err := c.agent(agentID); err != nil {
		return "", err
	}
	projectID, err := c.projectOfTask(taskID)
	if err != nil {
		return "", err
	}
	if !artifactType.Valid() {
		return "", domain.ErrInvalidTransition("unknown artifact type %q", artifactType)
	}
	if location == "" {
		location = fmt.Sprintf("artifacts/%s/%s", artifactType, filename)
	}

	l := c.projectLock(projectID)
	l.Lock()
	defer l.Unlock()

	artifact := domain.Artifact{
		ID:          domain.NewID(),
		TaskID:      taskID,
		AgentID:     agentID,
		Filename:    filename,
		Type:        artifactType,
		Location:    location,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.kv.Put(persistence.CollectionArtifacts, artifact.ID, artifact); err != nil {
		return "", domain.ErrInternal("persist artifact: %v", err)
	}
	c.publish(ctx, events.ArtifactLogged, projectID, taskID, agentID, map[string]interface{}{
		"filename": filename,
		"type":     string(artifactType),
		"location": location,
	})
	return location, nil
}

// ---------------------------------------------------------------------------
// Status and health
// ---------------------------------------------------------------------------

// ProjectStatus is the roll-up returned by GetProjectStatus.
type ProjectStatus struct {
	ProjectID      string         `json:"project_id"`
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	AssignedCount  int            `json:"assigned_count"`
	BlockedCount   int            `json:"blocked_count"`
	CompletionRate float64        `json:"completion_rate"`
	ActiveAgents   int            `json:"active_agents"`
}

// GetProjectStatus summarises a project. An empty projectID resolves the
// caller's active project via sessionID.
func (c *Coordinator) GetProjectStatus(sessionID, projectID string) (ProjectStatus, error) {
	if projectID == "" {
		var err error
		projectID, err = c.reg.ActiveProject(sessionID)
		if err != nil {
			return ProjectStatus{}, err
		}
	}

	tasks, err := c.reg.ListTasks(projectID, registry.TaskFilter{})
	if err != nil {
		return ProjectStatus{}, err
	}

	status := ProjectStatus{ProjectID: projectID, ByStatus: make(map[string]int)}
	done := 0
	for _, t := range tasks {
		status.Total++
		status.ByStatus[string(t.Status)]++
		switch t.Status {
		case domain.StatusDone:
			done++
		case domain.StatusBlocked:
			status.BlockedCount++
		}
	}
	if status.Total > 0 {
		status.CompletionRate = float64(done) / float64(status.Total)
	}

	agents := make(map[string]bool)
	for _, a := range c.mem.OpenAssignments() {
		if a.ProjectID == projectID {
			status.AssignedCount++
			agents[a.AgentID] = true
		}
	}
	status.ActiveAgents = len(agents)
	return status, nil
}

// HealthReport is the board health summary.
type HealthReport struct {
	ProjectID          string     `json:"project_id"`
	StaleTasks         []string   `json:"stale_tasks,omitempty"`
	OverAssignedAgents []string   `json:"over_assigned_agents,omitempty"`
	Cycles             [][]string `json:"cycles,omitempty"`
}

// CheckBoardHealth scans one project for stale tasks, over-assigned agents,
// and dependency cycles, and publishes the findings.
func (c *Coordinator) CheckBoardHealth(ctx context.Context, sessionID, projectID string) (HealthReport, error) {
	if projectID == "" {
		var err error
		projectID, err = c.reg.ActiveProject(sessionID)
		if err != nil {
			return HealthReport{}, err
		}
	}

	tasks, err := c.reg.ListTasks(projectID, registry.TaskFilter{})
	if err != nil {
		return HealthReport{}, err
	}

	report := HealthReport{ProjectID: projectID}
	staleCutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.BoardHealth.StaleTaskDays)
	for _, t := range tasks {
		if t.Status != domain.StatusDone && t.UpdatedAt.Before(staleCutoff) {
			report.StaleTasks = append(report.StaleTasks, t.ID)
		}
	}

	counts := make(map[string]int)
	for _, a := range c.mem.OpenAssignments() {
		if a.ProjectID == projectID {
			counts[a.AgentID]++
		}
	}
	for agentID, n := range counts {
		if n > c.cfg.BoardHealth.MaxTasksPerAgent {
			report.OverAssignedAgents = append(report.OverAssignedAgents, agentID)
		}
	}
	sort.Strings(report.OverAssignedAgents)

	report.Cycles = c.graph.FindCycles(projectID)

	c.publish(ctx, events.BoardHealthReport, projectID, "", "", map[string]interface{}{
		"stale_tasks":          report.StaleTasks,
		"over_assigned_agents": report.OverAssignedAgents,
		"cycles":               len(report.Cycles),
	})
	return report, nil
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

// ReplayedTask is one task's state tuple rebuilt from the conversation log.
// Assignment is empty until the task has been assigned at least once.
type ReplayedTask struct {
	ProjectID  string                 `json:"project_id"`
	Status     domain.TaskStatus      `json:"status"`
	Assignment domain.AssignmentState `json:"assignment,omitempty"`
}

// Replay folds a conversation log stream back into per-task status and
// assignment state, the reconstruction path for the log as source of truth.
func Replay(evts []events.Event) map[string]ReplayedTask {
	state := make(map[string]ReplayedTask)
	for _, evt := range evts {
		if evt.TaskID == "" {
			continue
		}
		cur := state[evt.TaskID]
		if evt.ProjectID != "" {
			cur.ProjectID = evt.ProjectID
		}
		switch evt.Type {
		case events.TaskCreated:
			cur.Status = domain.StatusTodo
		case events.TaskAssigned:
			cur.Status = domain.StatusInProgress
			cur.Assignment = domain.AssignmentActive
		case events.TaskCompleted:
			cur.Status = domain.StatusDone
			cur.Assignment = domain.AssignmentCompleted
		case events.TaskBlocked:
			cur.Status = domain.StatusBlocked
			cur.Assignment = domain.AssignmentAbandoned
		case events.TaskAbandoned:
			cur.Status = domain.StatusTodo
			cur.Assignment = domain.AssignmentAbandoned
		case events.TaskRecycled:
			cur.Status = domain.StatusTodo
			cur.Assignment = domain.AssignmentExpired
		default:
			continue
		}
		state[evt.TaskID] = cur
	}
	return state
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
