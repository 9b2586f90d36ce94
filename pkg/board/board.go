// Package board defines the external Kanban provider interface and the
// retry decorator every adapter is wrapped in. The board is weakly
// authoritative: it wins on task existence and metadata, local state wins on
// status of tasks under an active assignment.
package board

import (
	"context"

	"github.com/lwgray/marcus/pkg/domain"
)

// Comment is one note appended to a board card.
type Comment struct {
	TaskID    string `json:"task_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ChecklistItem is one entry of a card checklist.
type ChecklistItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Provider is the adapter surface to one external Kanban backend. Writes
// are eventually consistent; callers go through Retrying.
type Provider interface {
	ListTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	CreateTask(ctx context.Context, projectID string, task domain.Task) (domain.Task, error)
	UpdateTaskStatus(ctx context.Context, projectID, taskID string, status domain.TaskStatus) error
	AddComment(ctx context.Context, projectID string, comment Comment) error
	AddChecklist(ctx context.Context, projectID, taskID string, items []ChecklistItem) error
	ListProjects(ctx context.Context) ([]domain.Project, error)
}
