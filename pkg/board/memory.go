package board

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/domain"
)

// MemoryBoard is an in-process Provider used for tests and board-less
// deployments.
type MemoryBoard struct {
	mu         sync.RWMutex
	projects   map[string]domain.Project
	tasks      map[string]map[string]domain.Task // project -> task id -> task
	comments   map[string][]Comment              // task id -> comments
	checklists map[string][]ChecklistItem
}

// NewMemoryBoard creates an empty in-memory board.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{
		projects:   make(map[string]domain.Project),
		tasks:      make(map[string]map[string]domain.Task),
		comments:   make(map[string][]Comment),
		checklists: make(map[string][]ChecklistItem),
	}
}

// AddProject seeds a project on the board.
func (m *MemoryBoard) AddProject(p domain.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	if m.tasks[p.ID] == nil {
		m.tasks[p.ID] = make(map[string]domain.Task)
	}
}

func (m *MemoryBoard) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	col, ok := m.tasks[projectID]
	if !ok {
		return nil, domain.ErrNotFound("board project %s", projectID)
	}
	out := make([]domain.Task, 0, len(col))
	for _, t := range col {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBoard) CreateTask(ctx context.Context, projectID string, task domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.tasks[projectID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound("board project %s", projectID)
	}
	if task.ID == "" {
		task.ID = domain.NewID()
	}
	task.ProjectID = projectID
	if task.Status == "" {
		task.Status = domain.StatusTodo
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	col[task.ID] = task
	return task, nil
}

func (m *MemoryBoard) UpdateTaskStatus(ctx context.Context, projectID, taskID string, status domain.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.tasks[projectID]
	if !ok {
		return domain.ErrNotFound("board project %s", projectID)
	}
	t, ok := col[taskID]
	if !ok {
		return domain.ErrNotFound("board task %s", taskID)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	col[taskID] = t
	return nil
}

func (m *MemoryBoard) AddComment(ctx context.Context, projectID string, comment Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if comment.Timestamp == "" {
		comment.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	m.comments[comment.TaskID] = append(m.comments[comment.TaskID], comment)
	return nil
}

func (m *MemoryBoard) AddChecklist(ctx context.Context, projectID, taskID string, items []ChecklistItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checklists[taskID] = append(m.checklists[taskID], items...)
	return nil
}

func (m *MemoryBoard) ListProjects(ctx context.Context) ([]domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Comments returns the comments logged against a task, for assertions.
func (m *MemoryBoard) Comments(taskID string) []Comment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Comment(nil), m.comments[taskID]...)
}

var _ Provider = (*MemoryBoard)(nil)
