package board

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/events"
)

// flaky fails the first n calls with a transport error.
type flaky struct {
	*MemoryBoard
	failures int
	calls    int
}

func (f *flaky) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.MemoryBoard.ListTasks(ctx, projectID)
}

func newRetryingNoSleep(p Provider, b *bus.EventBus) *Retrying {
	r := NewRetrying(p, b)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	inner := &flaky{MemoryBoard: NewMemoryBoard(), failures: 3}
	inner.AddProject(domain.Project{ID: "p"})
	if _, err := inner.MemoryBoard.CreateTask(context.Background(), "p", domain.Task{ID: "t1", Name: "card"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	r := newRetryingNoSleep(inner, nil)
	tasks, err := r.ListTasks(context.Background(), "p")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || inner.calls != 4 {
		t.Errorf("tasks=%d calls=%d, want 1 task after 4 calls", len(tasks), inner.calls)
	}
}

func TestRetryingExhaustionEmitsKanbanError(t *testing.T) {
	inner := &flaky{MemoryBoard: NewMemoryBoard(), failures: 100}
	inner.AddProject(domain.Project{ID: "p"})

	b := bus.New(nil)
	defer b.Close()
	r := newRetryingNoSleep(inner, b)

	// Subscribe before the call: exhaustion publishes asynchronously.
	ch := make(chan events.Event, 1)
	b.Subscribe(events.KanbanError, func(_ context.Context, evt events.Event) error {
		ch <- evt
		return nil
	})

	_, err := r.ListTasks(context.Background(), "p")
	if !domain.IsKind(err, domain.KindExternalFailure) {
		t.Fatalf("exhausted retries = %v, want external_failure", err)
	}
	if inner.calls != retryAttempts {
		t.Errorf("calls = %d, want %d", inner.calls, retryAttempts)
	}

	select {
	case evt := <-ch:
		if evt.Data["op"] != "list_tasks" {
			t.Errorf("event op = %v", evt.Data["op"])
		}
	case <-time.After(time.Second):
		t.Fatal("kanban_error not published")
	}
}

func TestRetryingDoesNotRetryBusinessErrors(t *testing.T) {
	inner := NewMemoryBoard() // no projects: not_found is a business error
	r := newRetryingNoSleep(inner, nil)

	_, err := r.ListTasks(context.Background(), "missing")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("err = %v, want not_found surfaced without retries", err)
	}
}

func TestRetryingCancelledContext(t *testing.T) {
	inner := &flaky{MemoryBoard: NewMemoryBoard(), failures: 100}
	inner.AddProject(domain.Project{ID: "p"})

	r := NewRetrying(inner, nil) // real sleeps, cancelled immediately
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ListTasks(ctx, "p")
	if !domain.IsKind(err, domain.KindExternalFailure) {
		t.Errorf("cancelled call = %v, want external_failure", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 before cancellation", inner.calls)
	}
}

func TestMemoryBoardCRUD(t *testing.T) {
	m := NewMemoryBoard()
	m.AddProject(domain.Project{ID: "p", Name: "demo"})
	ctx := context.Background()

	created, err := m.CreateTask(ctx, "p", domain.Task{Name: "card one"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ID == "" || created.Status != domain.StatusTodo {
		t.Errorf("created = %+v", created)
	}

	if err := m.UpdateTaskStatus(ctx, "p", created.ID, domain.StatusInProgress); err != nil {
		t.Fatalf("UpdateTaskStatus: %v", err)
	}
	tasks, err := m.ListTasks(ctx, "p")
	if err != nil || len(tasks) != 1 || tasks[0].Status != domain.StatusInProgress {
		t.Errorf("ListTasks = (%v, %v)", tasks, err)
	}

	if err := m.AddComment(ctx, "p", Comment{TaskID: created.ID, Author: "dev-1", Text: "started"}); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if got := m.Comments(created.ID); len(got) != 1 || got[0].Text != "started" {
		t.Errorf("Comments = %v", got)
	}

	projects, err := m.ListProjects(ctx)
	if err != nil || len(projects) != 1 || projects[0].Name != "demo" {
		t.Errorf("ListProjects = (%v, %v)", projects, err)
	}
}
