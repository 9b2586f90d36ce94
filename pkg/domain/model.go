package domain

import "time"

// ---------------------------------------------------------------------------
// Task
// ---------------------------------------------------------------------------

// Task is one card of project work. Identity is ID; Status mutates through
// the registry; the other fields are treated as immutable after planner
// emission except via explicit edit.
type Task struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Labels         []string   `json:"labels,omitempty"`
	Priority       Priority   `json:"priority"`
	Status         TaskStatus `json:"status"`
	Dependencies   []string   `json:"dependencies,omitempty"` // explicit predecessor task ids
	EstimatedHours float64    `json:"estimated_hours,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Project
// ---------------------------------------------------------------------------

// Project groups a set of tasks bound to one external board.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	BoardBinding string    `json:"board_binding,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Agent
// ---------------------------------------------------------------------------

// Agent is a registered worker (human or AI) that requests tasks.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Role          string      `json:"role,omitempty"`
	Skills        []string    `json:"skills,omitempty"`
	Status        AgentStatus `json:"status"`
	CurrentTasks  []string    `json:"current_tasks,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
	MissedLeases  int         `json:"missed_leases,omitempty"` // consecutive expiries
}

// HasSkill reports whether the agent declared the given skill.
func (a *Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// AgentProfile holds rolling per-agent statistics derived from episodic
// outcomes. Updated on every terminal task event.
type AgentProfile struct {
	AgentID             string             `json:"agent_id"`
	CompletedCount      int                `json:"completed_count"`
	AvgDurationByLabel  map[string]float64 `json:"avg_duration_by_label,omitempty"`
	EstimationAccuracy  float64            `json:"estimation_accuracy"` // actual/planned ratio, in [0, 2]
	BlockageRateByLabel map[string]float64 `json:"blockage_rate_by_label,omitempty"`
	ImprovingLabels     []string           `json:"improving_labels,omitempty"`
	StrugglingLabels    []string           `json:"struggling_labels,omitempty"`
	SampleCount         int                `json:"sample_count"`
}

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

// Assignment is one agent's lease on one task. Exactly one active Assignment
// exists per task; an agent holds at most max_tasks_per_agent active ones.
type Assignment struct {
	TaskID          string          `json:"task_id"`
	ProjectID       string          `json:"project_id"`
	AgentID         string          `json:"agent_id"`
	AssignedAt      time.Time       `json:"assigned_at"`
	LeaseExpiresAt  time.Time       `json:"lease_expires_at"`
	Renewals        int             `json:"renewals"`
	LastProgressAt  time.Time       `json:"last_progress_at"`
	LastProgressPct int             `json:"last_progress_pct"`
	State           AssignmentState `json:"state"`
}

// ---------------------------------------------------------------------------
// Decision and Artifact (append-only records)
// ---------------------------------------------------------------------------

// Decision is an architectural or implementation decision logged by an agent
// while working a task, propagated to the tasks it affects.
type Decision struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id"`
	Text         string    `json:"text"`
	AffectsTasks []string  `json:"affects_tasks,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Artifact is metadata for a produced work product. Content lives outside
// the core (filesystem or attachment store); only the reference is kept.
type Artifact struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	AgentID     string       `json:"agent_id"`
	Filename    string       `json:"filename"`
	Type        ArtifactType `json:"artifact_type"`
	Location    string       `json:"location"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Outcome (episodic memory record)
// ---------------------------------------------------------------------------

// Outcome is one historical (task, agent, duration, result) record used to
// fit predictions.
type Outcome struct {
	TaskID          string        `json:"task_id"`
	ProjectID       string        `json:"project_id"`
	AgentID         string        `json:"agent_id"`
	Labels          []string      `json:"labels,omitempty"`
	PlannedHours    float64       `json:"planned_h"`
	ActualHours     float64       `json:"actual_h"`
	Result          OutcomeResult `json:"result"`
	BlockerCategory string        `json:"blocker_category,omitempty"`
	RecordedAt      time.Time     `json:"recorded_at"`
}
