// Package domain provides the shared data model for Marcus: tasks, projects,
// agents, assignments, and the value objects and error kinds used by every
// component. Tasks hold no pointers to other tasks — dependency edges live
// in the graph package, keyed by id, which keeps serialisation trivial.
package domain

import "github.com/google/uuid"

// NewID generates a fresh opaque identifier.
func NewID() string { return uuid.NewString() }

// ---------------------------------------------------------------------------
// Task value objects
// ---------------------------------------------------------------------------

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
)

func (s TaskStatus) String() string { return string(s) }

// Valid returns true if the status is recognized.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool { return s == StatusDone }

// ValidTransitions defines the allowed task state machine.
var ValidTransitions = map[TaskStatus][]TaskStatus{
	StatusTodo:       {StatusInProgress, StatusBlocked},
	StatusInProgress: {StatusDone, StatusTodo, StatusBlocked},
	StatusBlocked:    {StatusTodo, StatusInProgress},
	StatusDone:       {}, // terminal
}

// CanTransition reports whether from → to is an allowed task transition.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority classifies task urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) String() string { return string(p) }

// Valid returns true if the priority is recognized.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Weight returns the scoring weight for the assignment engine.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.75
	case PriorityMedium:
		return 0.5
	case PriorityLow:
		return 0.25
	default:
		return 0.5
	}
}

// LeaseMultiplier returns the lease duration multiplier: urgent work gets a
// shorter leash.
func (p Priority) LeaseMultiplier() float64 {
	switch p {
	case PriorityCritical:
		return 0.5
	case PriorityHigh:
		return 0.75
	case PriorityLow:
		return 1.5
	default:
		return 1.0
	}
}

// ---------------------------------------------------------------------------
// Agent value objects
// ---------------------------------------------------------------------------

// AgentStatus represents the operational state of a worker agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentOffline AgentStatus = "offline"
)

func (s AgentStatus) String() string { return string(s) }

// ---------------------------------------------------------------------------
// Assignment value objects
// ---------------------------------------------------------------------------

// AssignmentState tracks the lifecycle of an agent's grip on a task.
type AssignmentState string

const (
	AssignmentActive    AssignmentState = "active"
	AssignmentCompleted AssignmentState = "completed"
	AssignmentExpired   AssignmentState = "expired"
	AssignmentAbandoned AssignmentState = "abandoned"
)

func (s AssignmentState) String() string { return string(s) }

// IsTerminal reports whether the assignment has reached a final state.
func (s AssignmentState) IsTerminal() bool { return s != AssignmentActive }

// ---------------------------------------------------------------------------
// Outcome and artifact value objects
// ---------------------------------------------------------------------------

// OutcomeResult classifies how an assignment ended.
type OutcomeResult string

const (
	OutcomeSuccess   OutcomeResult = "success"
	OutcomeBlocked   OutcomeResult = "blocked"
	OutcomeAbandoned OutcomeResult = "abandoned"
)

// ArtifactType classifies logged artifacts.
type ArtifactType string

const (
	ArtifactAPI           ArtifactType = "api"
	ArtifactDesign        ArtifactType = "design"
	ArtifactArchitecture  ArtifactType = "architecture"
	ArtifactSpecification ArtifactType = "specification"
	ArtifactDocumentation ArtifactType = "documentation"
	ArtifactReference     ArtifactType = "reference"
	ArtifactTemporary     ArtifactType = "temporary"
)

// Valid returns true if the artifact type is recognized.
func (a ArtifactType) Valid() bool {
	switch a {
	case ArtifactAPI, ArtifactDesign, ArtifactArchitecture, ArtifactSpecification,
		ArtifactDocumentation, ArtifactReference, ArtifactTemporary:
		return true
	default:
		return false
	}
}
