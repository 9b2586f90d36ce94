// Package events defines the typed event contracts for the entire Marcus
// system. Every event flowing through the bus, the conversation log, or the
// WebSocket bridge MUST use the envelope defined here. No ad-hoc
// map[string]interface{} events without it.
package events

import (
	"fmt"
	"sync/atomic"
	"time"
)

// --- Event Envelope ---

// Event is the universal envelope for all system events. EventID is
// "evt_<seq>_<unix-ns>" where seq is a process-wide monotonic counter, so
// events from concurrent publishers still carry a total order.
type Event struct {
	// EventID uniquely identifies the event across bus and conversation log.
	EventID string `json:"event_id"`

	// Type identifies the event (e.g. "task_assigned", "lease_warning").
	Type string `json:"event_type"`

	// Source identifies who emitted the event.
	Source string `json:"source"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Correlation keys, set when the event concerns a specific entity.
	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`

	// Data is the event payload.
	Data map[string]interface{} `json:"data"`

	// Metadata carries supplementary payload (instructions, messages).
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

var seq atomic.Uint64

// New creates a timestamped event with a fresh sequence-stamped ID.
func New(eventType, source string, data map[string]interface{}) Event {
	now := time.Now().UTC()
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{
		EventID:   fmt.Sprintf("evt_%d_%d", seq.Add(1), now.UnixNano()),
		Type:      eventType,
		Source:    source,
		Timestamp: now,
		Data:      data,
	}
}

// Seq extracts the monotonic sequence number from an event ID. Returns 0 for
// IDs not produced by New (e.g. replayed from an old log format).
func Seq(eventID string) uint64 {
	var n uint64
	var ts int64
	if _, err := fmt.Sscanf(eventID, "evt_%d_%d", &n, &ts); err != nil {
		return 0
	}
	return n
}

// --- Event Type Constants ---

const (
	// Agent lifecycle
	AgentRegistered   = "agent_registered"
	AgentDeregistered = "agent_deregistered"
	AgentOffline      = "agent_offline"

	// Task lifecycle
	TaskCreated   = "task_created"
	TaskAssigned  = "task_assigned"
	TaskProgress  = "task_progress"
	TaskCompleted = "task_completed"
	TaskBlocked   = "task_blocked"
	TaskAbandoned = "task_abandoned"
	TaskRecycled  = "task_recycled"
	TaskStuck     = "task_stuck"

	// Lease lifecycle
	LeaseRenewed = "lease_renewed"
	LeaseWarning = "lease_warning"
	LeaseExpired = "lease_expired"

	// Coordination
	BlockerReported   = "blocker_reported"
	DecisionLogged    = "decision_logged"
	ArtifactLogged    = "artifact_logged"
	ProjectRegistered = "project_registered"
	ProjectRemoved    = "project_removed"
	ProjectSelected   = "project_selected"
	ProjectStalled    = "project_stalled"

	// External collaborators
	KanbanError = "kanban_error"

	// System
	SystemStartup          = "system_startup"
	SystemShutdown         = "system_shutdown"
	BoardHealthReport      = "board_health"
	EventNotPersisted      = "evt_not_persisted"
	CoreInvariantViolation = "core_invariant_violation"
)

// --- Typed Payloads ---

// TaskEventData is the payload shape for task lifecycle events.
type TaskEventData struct {
	TaskID   string `json:"task_id"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

// LeaseEventData is the payload shape for lease lifecycle events.
type LeaseEventData struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Renewals  int       `json:"renewals,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// HealthEventData is the payload shape for board-health sweeps.
type HealthEventData struct {
	StaleTasks         []string `json:"stale_tasks"`
	OverAssignedAgents []string `json:"over_assigned_agents"`
	Cycles             []string `json:"cycles"`
}
