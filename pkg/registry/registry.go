// Package registry holds all tasks keyed by (project_id, task_id) and the
// project set, including active-project selection per client session.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/persistence"
)

// TaskFilter narrows ListTasks. Zero value matches everything.
type TaskFilter struct {
	Status   domain.TaskStatus `json:"status,omitempty"`
	Label    string            `json:"label,omitempty"`
	Priority domain.Priority   `json:"priority,omitempty"`
}

type projectEntry struct {
	project domain.Project
	tasks   map[string]*domain.Task
}

// snapshot is the KV form of one project's state.
type snapshot struct {
	Project domain.Project `json:"project"`
	Tasks   []domain.Task  `json:"tasks"`
}

// Registry is the authoritative in-memory task and project store, mirrored
// into the project_snapshot KV collection after every mutation.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*projectEntry
	active   map[string]string // session/agent id -> project id
	kv       persistence.KV
}

// New creates a registry backed by kv, loading any persisted snapshots.
func New(kv persistence.KV) (*Registry, error) {
	r := &Registry{
		projects: make(map[string]*projectEntry),
		active:   make(map[string]string),
		kv:       kv,
	}

	keys, err := kv.Scan(persistence.CollectionProjectSnapshot, "")
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		var snap snapshot
		found, err := kv.Get(persistence.CollectionProjectSnapshot, key, &snap)
		if err != nil || !found {
			logger.WarnCF("registry", "skipping unreadable project snapshot", map[string]interface{}{
				"project_id": key,
				"error":      fmt.Sprint(err),
			})
			continue
		}
		entry := &projectEntry{project: snap.Project, tasks: make(map[string]*domain.Task)}
		for i := range snap.Tasks {
			t := snap.Tasks[i]
			entry.tasks[t.ID] = &t
		}
		r.projects[snap.Project.ID] = entry
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

// RegisterProject adds a project. Registering an existing id is a conflict.
func (r *Registry) RegisterProject(p domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[p.ID]; ok {
		return domain.ErrConflict("project %s already registered", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	r.projects[p.ID] = &projectEntry{project: p, tasks: make(map[string]*domain.Task)}
	return r.persistLocked(p.ID)
}

// RemoveProject deletes a project, its tasks, and its snapshot. Any session
// pointing at it loses its active selection.
func (r *Registry) RemoveProject(projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[projectID]; !ok {
		return domain.ErrNotFound("project %s", projectID)
	}
	delete(r.projects, projectID)
	for session, pid := range r.active {
		if pid == projectID {
			delete(r.active, session)
		}
	}
	return r.kv.Delete(persistence.CollectionProjectSnapshot, projectID)
}

// GetProject returns a project by id.
func (r *Registry) GetProject(projectID string) (domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.projects[projectID]
	if !ok {
		return domain.Project{}, domain.ErrNotFound("project %s", projectID)
	}
	return entry.project, nil
}

// ListProjects returns all registered projects sorted by id.
func (r *Registry) ListProjects() []domain.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Project, 0, len(r.projects))
	for _, entry := range r.projects {
		out = append(out, entry.project)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectActiveProject binds a session (usually an agent id) to a project.
// The active project is the default target for that session's queries.
func (r *Registry) SelectActiveProject(sessionID, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[projectID]; !ok {
		return domain.ErrNotFound("project %s", projectID)
	}
	r.active[sessionID] = projectID
	return nil
}

// ActiveProject resolves the session's selected project. When exactly one
// project exists it is used implicitly.
func (r *Registry) ActiveProject(sessionID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pid, ok := r.active[sessionID]; ok {
		if _, exists := r.projects[pid]; exists {
			return pid, nil
		}
	}
	if len(r.projects) == 1 {
		for pid := range r.projects {
			return pid, nil
		}
	}
	return "", domain.ErrNotFound("no active project for session %s", sessionID)
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// AddTasks inserts planner or board tasks into a project. Existing task ids
// are overwritten only in name/description/labels; status is preserved.
func (r *Registry) AddTasks(projectID string, tasks []domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.projects[projectID]
	if !ok {
		return domain.ErrNotFound("project %s", projectID)
	}

	now := time.Now().UTC()
	for i := range tasks {
		t := tasks[i]
		t.ProjectID = projectID
		if t.Status == "" {
			t.Status = domain.StatusTodo
		}
		if !t.Status.Valid() {
			return domain.ErrInvalidTransition("task %s has invalid status %q", t.ID, t.Status)
		}
		if t.Priority == "" {
			t.Priority = domain.PriorityMedium
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		if prev, exists := entry.tasks[t.ID]; exists {
			t.Status = prev.Status
			t.CreatedAt = prev.CreatedAt
		}
		entry.tasks[t.ID] = &t
	}
	return r.persistLocked(projectID)
}

// GetTask returns one task by (project_id, task_id).
func (r *Registry) GetTask(projectID, taskID string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, err := r.taskLocked(projectID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	return *t, nil
}

// UpdateStatus moves a task through its state machine, rejecting transitions
// the machine does not allow.
func (r *Registry) UpdateStatus(projectID, taskID string, to domain.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.taskLocked(projectID, taskID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(t.Status, to) {
		return domain.ErrInvalidTransition("task %s: %s -> %s", taskID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return r.persistLocked(projectID)
}

// ListTasks returns a project's tasks matching the filter, sorted by
// created_at then id for deterministic ordering.
func (r *Registry) ListTasks(projectID string, filter TaskFilter) ([]domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.projects[projectID]
	if !ok {
		return nil, domain.ErrNotFound("project %s", projectID)
	}

	out := make([]domain.Task, 0, len(entry.tasks))
	for _, t := range entry.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if filter.Label != "" && !t.HasLabel(filter.Label) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Registry) taskLocked(projectID, taskID string) (*domain.Task, error) {
	entry, ok := r.projects[projectID]
	if !ok {
		return nil, domain.ErrNotFound("project %s", projectID)
	}
	t, ok := entry.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound("task %s in project %s", taskID, projectID)
	}
	return t, nil
}

// persistLocked writes the project snapshot to the KV store. Callers hold mu.
func (r *Registry) persistLocked(projectID string) error {
	entry, ok := r.projects[projectID]
	if !ok {
		return nil
	}
	snap := snapshot{Project: entry.project, Tasks: make([]domain.Task, 0, len(entry.tasks))}
	for _, t := range entry.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	return r.kv.Put(persistence.CollectionProjectSnapshot, projectID, snap)
}
