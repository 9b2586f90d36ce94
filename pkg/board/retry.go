package board

import (
	"context"
	"errors"
	"time"

	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/events"
	"github.com/lwgray/marcus/pkg/logger"
)

// Retry policy for board calls: exponential backoff capped at 16s, five
// attempts total, then the failure converts to external_failure and a
// kanban_error event.
const retryAttempts = 5

var backoffSteps = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Retrying wraps a Provider with the backoff policy.
type Retrying struct {
	inner Provider
	bus   *bus.EventBus
	sleep func(context.Context, time.Duration) error
}

// NewRetrying wraps provider; exhausted retries publish kanban_error on b.
func NewRetrying(provider Provider, b *bus.EventBus) *Retrying {
	return &Retrying{inner: provider, bus: b, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// call runs op with retries. Business errors from the adapter are not
// retried; only plain transport errors are.
func (r *Retrying) call(ctx context.Context, opName string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			step := backoffSteps[attempt-1]
			if err := r.sleep(ctx, step); err != nil {
				return domain.ErrExternalFailure("board %s cancelled: %v", opName, err)
			}
		}

		err := op()
		if err == nil {
			return nil
		}
		var de *domain.Error
		if errors.As(err, &de) && de.Kind != domain.KindExternalFailure {
			return err // adapter-level business error, retrying cannot help
		}
		lastErr = err
		logger.WarnCF("board", "board call failed, will retry", map[string]interface{}{
			"op":      opName,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}

	if r.bus != nil {
		r.bus.PublishNowait(events.KanbanError, "board", map[string]interface{}{
			"op":    opName,
			"error": lastErr.Error(),
		})
	}
	return domain.ErrExternalFailure("board %s failed after %d attempts: %v", opName, retryAttempts, lastErr)
}

func (r *Retrying) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	var out []domain.Task
	err := r.call(ctx, "list_tasks", func() error {
		var err error
		out, err = r.inner.ListTasks(ctx, projectID)
		return err
	})
	return out, err
}

func (r *Retrying) CreateTask(ctx context.Context, projectID string, task domain.Task) (domain.Task, error) {
	var out domain.Task
	err := r.call(ctx, "create_task", func() error {
		var err error
		out, err = r.inner.CreateTask(ctx, projectID, task)
		return err
	})
	return out, err
}

func (r *Retrying) UpdateTaskStatus(ctx context.Context, projectID, taskID string, status domain.TaskStatus) error {
	return r.call(ctx, "update_task_status", func() error {
		return r.inner.UpdateTaskStatus(ctx, projectID, taskID, status)
	})
}

func (r *Retrying) AddComment(ctx context.Context, projectID string, comment Comment) error {
	return r.call(ctx, "add_comment", func() error {
		return r.inner.AddComment(ctx, projectID, comment)
	})
}

func (r *Retrying) AddChecklist(ctx context.Context, projectID, taskID string, items []ChecklistItem) error {
	return r.call(ctx, "add_checklist", func() error {
		return r.inner.AddChecklist(ctx, projectID, taskID, items)
	})
}

func (r *Retrying) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var out []domain.Project
	err := r.call(ctx, "list_projects", func() error {
		var err error
		out, err = r.inner.ListProjects(ctx)
		return err
	})
	return out, err
}

var _ Provider = (*Retrying)(nil)
