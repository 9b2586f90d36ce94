package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lwgray/marcus/pkg/board"
	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/config"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/events"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/lease"
	"github.com/lwgray/marcus/pkg/memory"
	"github.com/lwgray/marcus/pkg/persistence"
	"github.com/lwgray/marcus/pkg/planner"
	"github.com/lwgray/marcus/pkg/providers"
	"github.com/lwgray/marcus/pkg/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	coord  *Coordinator
	bus    *bus.EventBus
	log    *persistence.ConversationLog
	reg    *registry.Registry
	mem    *memory.Store
	leases *lease.Manager
	clock  *fakeClock
	board  *board.MemoryBoard
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()

	log, err := persistence.NewConversationLog(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewConversationLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	b := bus.New(log)
	t.Cleanup(b.Close)

	kv := persistence.NewMemoryKV()
	reg, err := registry.New(kv)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	g := graph.New(cfg.DependencyInference.ConfidenceThreshold, cfg.DependencyInference.MaxChainLength)
	mem, err := memory.New(kv)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	leases := lease.NewManager(cfg.TaskLease, b, mem)
	clock := &fakeClock{now: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)}
	leases.SetClock(clock)

	mb := board.NewMemoryBoard()
	coord := New(Deps{
		Config:   cfg,
		Bus:      b,
		KV:       kv,
		Registry: reg,
		Graph:    g,
		Memory:   mem,
		Board:    mb,
		Model:    providers.NewNull(),
		Planner:  planner.NewRulePlanner(),
		Leases:   leases,
	})
	return &harness{coord: coord, bus: b, log: log, reg: reg, mem: mem, leases: leases, clock: clock, board: mb}
}

// seed registers one agent and a project with the given tasks, selected as
// the agent's active project.
func (h *harness) seed(t *testing.T, tasks []domain.Task, skills ...string) {
	t.Helper()
	ctx := context.Background()
	if err := h.coord.RegisterAgent(ctx, "dev-1", "Dev One", "developer", skills); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	h.board.AddProject(domain.Project{ID: "p", Name: "p"})
	if err := h.reg.RegisterProject(domain.Project{ID: "p", Name: "p"}); err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}
	if err := h.reg.AddTasks("p", tasks); err != nil {
		t.Fatalf("AddTasks: %v", err)
	}
	stored, err := h.reg.ListTasks("p", registry.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if err := h.coord.graph.SetTasks("p", stored); err != nil {
		t.Fatalf("SetTasks: %v", err)
	}
	if err := h.coord.SelectProject(ctx, "dev-1", "p"); err != nil {
		t.Fatalf("SelectProject: %v", err)
	}
}

func TestRegisterAgentIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coord.RegisterAgent(ctx, "dev-1", "Dev", "developer", []string{"go"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if err := h.coord.RegisterAgent(ctx, "dev-1", "Dev", "developer", []string{"go", "sql"}); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	agents := h.coord.Agents()
	if len(agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(agents))
	}
	if len(agents[0].Skills) != 2 || agents[0].Status != domain.AgentIdle {
		t.Errorf("agent = %+v", agents[0])
	}
}

func TestRequestNextTaskAssignsAndPairsLogRecord(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{
		{ID: "t1", Name: "implement export api", Labels: []string{"backend"}, Priority: domain.PriorityHigh},
	}, "backend")

	next, err := h.coord.RequestNextTask(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("RequestNextTask: %v", err)
	}
	if next.Task == nil || next.Task.ID != "t1" || next.Task.Status != domain.StatusInProgress {
		t.Fatalf("next = %+v", next.Task)
	}
	if next.Instructions == "" || next.Duration == nil || next.Blockage == nil {
		t.Errorf("envelope incomplete: %+v", next)
	}

	got, err := h.reg.GetTask("p", "t1")
	if err != nil || got.Status != domain.StatusInProgress {
		t.Errorf("task status = (%v, %v)", got.Status, err)
	}
	if _, ok := h.mem.OpenAssignment("t1"); !ok {
		t.Error("assignment not tracked")
	}

	// The published event and the conversation log record share an id.
	hist := h.bus.History(bus.HistoryFilter{Type: events.TaskAssigned}, 1)
	if len(hist) != 1 {
		t.Fatalf("history = %d task_assigned events", len(hist))
	}
	logged, err := h.log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	found := false
	for _, evt := range logged {
		if evt.EventID == hist[0].EventID && evt.Type == events.TaskAssigned {
			found = true
		}
	}
	if !found {
		t.Error("task_assigned not paired into the conversation log")
	}
}

func TestRequestNextTaskUnknownAgentAndNoProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.coord.RequestNextTask(ctx, "ghost"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("unknown agent = %v, want not_found", err)
	}

	if err := h.coord.RegisterAgent(ctx, "dev-1", "Dev", "developer", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.RequestNextTask(ctx, "dev-1"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("no active project = %v, want not_found", err)
	}
}

func TestRequestNextTaskEmptyFrontierRateLimited(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{
		{ID: "gate", Name: "first"},
		{ID: "next", Name: "second", Dependencies: []string{"gate"}},
	})
	ctx := context.Background()

	first, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil || first.Task == nil {
		t.Fatalf("first request: %+v, %v", first, err)
	}

	// gate is now assigned; next is dependency-blocked.
	_, err = h.coord.RequestNextTask(ctx, "dev-1")
	de := domain.AsError(err)
	if de.Kind != domain.KindRateLimited || de.RetryAfter <= 0 {
		t.Errorf("second request = %+v, want rate_limited with retry hint", de)
	}
}

func TestProgressCompletionUnblocksDownstream(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{
		{ID: "up", Name: "first piece", EstimatedHours: 2},
		{ID: "down", Name: "second piece", Dependencies: []string{"up"}},
	})
	ctx := context.Background()

	next, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil || next.Task == nil || next.Task.ID != "up" {
		t.Fatalf("assign: %+v, %v", next, err)
	}

	if err := h.coord.ReportTaskProgress(ctx, "dev-1", "up", "in_progress", 50, "halfway"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := h.coord.ReportTaskProgress(ctx, "dev-1", "up", "completed", 100, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := h.reg.GetTask("p", "up")
	if got.Status != domain.StatusDone {
		t.Errorf("up status = %s", got.Status)
	}
	if h.mem.Profile("dev-1").CompletedCount != 1 {
		t.Error("outcome not recorded")
	}

	next2, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil || next2.Task == nil || next2.Task.ID != "down" {
		t.Errorf("downstream not unblocked: %+v, %v", next2, err)
	}
}

func TestProgressValidation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{{ID: "t", Name: "the work"}})
	ctx := context.Background()

	if _, err := h.coord.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.ReportTaskProgress(ctx, "dev-1", "t", "in_progress", 60, ""); err != nil {
		t.Fatal(err)
	}

	// Decreasing progress violates monotonicity.
	err := h.coord.ReportTaskProgress(ctx, "dev-1", "t", "in_progress", 40, "")
	if !domain.IsKind(err, domain.KindInvalidTransition) {
		t.Errorf("decreasing progress = %v, want invalid_transition", err)
	}

	// Completion requires progress=100.
	err = h.coord.ReportTaskProgress(ctx, "dev-1", "t", "completed", 90, "")
	if !domain.IsKind(err, domain.KindInvalidTransition) {
		t.Errorf("complete at 90 = %v, want invalid_transition", err)
	}

	// Progress outside [0, 100] is rejected, not stored.
	for _, bad := range []int{150, -5} {
		err = h.coord.ReportTaskProgress(ctx, "dev-1", "t", "in_progress", bad, "")
		if !domain.IsKind(err, domain.KindInvalidTransition) {
			t.Errorf("progress %d = %v, want invalid_transition", bad, err)
		}
	}
	if a, ok := h.mem.OpenAssignment("t"); !ok || a.LastProgressPct != 60 {
		t.Errorf("stored progress = %+v, want 60 after rejected reports", a)
	}

	// Ownership: another agent cannot report on this task.
	if err := h.coord.RegisterAgent(ctx, "dev-2", "Dev Two", "developer", nil); err != nil {
		t.Fatal(err)
	}
	err = h.coord.ReportTaskProgress(ctx, "dev-2", "t", "in_progress", 80, "")
	if !domain.IsKind(err, domain.KindConflict) {
		t.Errorf("foreign report = %v, want conflict", err)
	}
}

func TestProgressBlockedAbandonsAssignment(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{{ID: "t", Name: "integrate gateway"}})
	ctx := context.Background()

	if _, err := h.coord.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.ReportTaskProgress(ctx, "dev-1", "t", "blocked", 30, "waiting on external api keys"); err != nil {
		t.Fatalf("blocked: %v", err)
	}

	got, _ := h.reg.GetTask("p", "t")
	if got.Status != domain.StatusBlocked {
		t.Errorf("status = %s, want blocked", got.Status)
	}
	if _, open := h.mem.OpenAssignment("t"); open {
		t.Error("assignment still open after blockage")
	}
	p := h.mem.Profile("dev-1")
	if p.SampleCount != 1 || p.CompletedCount != 0 {
		t.Errorf("profile = %+v, want one blocked outcome", p)
	}
}

func TestProgressAbandonedReturnsTaskToPool(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{{ID: "t", Name: "cancelled work"}})
	ctx := context.Background()

	if _, err := h.coord.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.ReportTaskProgress(ctx, "dev-1", "t", "abandoned", 0, "client cancelled"); err != nil {
		t.Fatalf("abandoned: %v", err)
	}

	got, _ := h.reg.GetTask("p", "t")
	if got.Status != domain.StatusTodo {
		t.Errorf("status = %s, want todo", got.Status)
	}
	if _, open := h.mem.OpenAssignment("t"); open {
		t.Error("assignment still open after abandonment")
	}
	// Voluntary abandonment carries no missed-lease penalty.
	if got := h.coord.Agents()[0].MissedLeases; got != 0 {
		t.Errorf("missed leases = %d, want 0", got)
	}
	p := h.mem.Profile("dev-1")
	if p.SampleCount != 1 || p.CompletedCount != 0 {
		t.Errorf("profile = %+v, want one abandoned outcome", p)
	}

	// The task is back on the frontier.
	next, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil || next.Task == nil || next.Task.ID != "t" {
		t.Errorf("reassign after abandonment: %+v, %v", next, err)
	}
}

func TestReassignmentAfterExpiryFlagsPriorAttempt(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{{ID: "t", Name: "flaky migration"}})
	ctx := context.Background()

	if _, err := h.coord.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3 * time.Hour)
	if n := h.leases.Sweep(); n != 1 {
		t.Fatalf("sweep expired %d, want 1", n)
	}

	next, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil || next.Task == nil {
		t.Fatalf("reassign: %+v, %v", next, err)
	}
	if next.Context == nil || !next.Context.PreviouslyAttempted {
		t.Error("reassigned briefing must flag the prior attempt")
	}
	if !strings.Contains(next.Instructions, "previous attempt") {
		t.Errorf("instructions missing previous-attempt note:\n%s", next.Instructions)
	}
}

func TestLeaseExpiryRecyclesAndOfflinesAgent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{{ID: "t", Name: "abandoned work", Priority: domain.PriorityMedium}})
	ctx := context.Background()

	for i := 0; i < offlineAfterExpiries; i++ {
		next, err := h.coord.RequestNextTask(ctx, "dev-1")
		if err != nil || next.Task == nil {
			t.Fatalf("round %d assign: %+v, %v", i, next, err)
		}
		// 2h lease + 30min grace, then the sweep recycles.
		h.clock.Advance(3 * time.Hour)
		if n := h.leases.Sweep(); n != 1 {
			t.Fatalf("round %d sweep expired %d", i, n)
		}
		got, _ := h.reg.GetTask("p", "t")
		if got.Status != domain.StatusTodo {
			t.Fatalf("round %d status = %s, want todo", i, got.Status)
		}
	}

	agents := h.coord.Agents()
	if agents[0].Status != domain.AgentOffline {
		t.Errorf("agent status = %s, want offline after %d expiries", agents[0].Status, offlineAfterExpiries)
	}
	if agents[0].MissedLeases != offlineAfterExpiries {
		t.Errorf("missed leases = %d", agents[0].MissedLeases)
	}

	hist := h.bus.History(bus.HistoryFilter{Type: events.TaskRecycled}, 0)
	if len(hist) != offlineAfterExpiries {
		t.Errorf("task_recycled events = %d", len(hist))
	}
}

func TestCompletionResetsMissedLeases(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{{ID: "t", Name: "retry work"}})
	ctx := context.Background()

	if _, err := h.coord.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3 * time.Hour)
	h.leases.Sweep()

	if _, err := h.coord.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.ReportTaskProgress(ctx, "dev-1", "t", "completed", 100, ""); err != nil {
		t.Fatal(err)
	}
	if got := h.coord.Agents()[0].MissedLeases; got != 0 {
		t.Errorf("missed leases = %d, want reset on completion", got)
	}
}

func TestReportBlockerPersistsDecisionAndSuggests(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{
		{ID: "t", Name: "wire payment auth"},
		{ID: "dep", Name: "payment checkout ui", Dependencies: []string{"t"}},
	})
	ctx := context.Background()

	if _, err := h.coord.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}
	suggestions, err := h.coord.ReportBlocker(ctx, "dev-1", "t", "auth token rejected by provider")
	if err != nil {
		t.Fatalf("ReportBlocker: %v", err)
	}
	if len(suggestions) == 0 {
		t.Error("expected fallback suggestions with null model")
	}

	// The blocker decision propagates to dependents.
	taskCtx, err := h.coord.GetTaskContext("dep")
	if err != nil {
		t.Fatalf("GetTaskContext: %v", err)
	}
	if len(taskCtx.UpstreamDecisions) != 1 || taskCtx.UpstreamDecisions[0].Text != "blocker: auth token rejected by provider" {
		t.Errorf("decisions = %+v", taskCtx.UpstreamDecisions)
	}

	// Task is not transitioned by a blocker report.
	got, _ := h.reg.GetTask("p", "t")
	if got.Status != domain.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
}

func TestLogDecisionNamedTasksElseDependents(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{
		{ID: "t", Name: "build token service"},
		{ID: "d1", Name: "profile page", Dependencies: []string{"t"}},
		{ID: "d2", Name: "billing page", Dependencies: []string{"t"}},
	})
	ctx := context.Background()

	// Explicit mention wins.
	if err := h.coord.LogDecision(ctx, "dev-1", "t", "tokens expire hourly, affects billing page"); err != nil {
		t.Fatalf("LogDecision: %v", err)
	}
	billingCtx, err := h.coord.GetTaskContext("d2")
	if err != nil {
		t.Fatal(err)
	}
	if len(billingCtx.UpstreamDecisions) != 1 {
		t.Errorf("billing decisions = %+v", billingCtx.UpstreamDecisions)
	}
	profileCtx, _ := h.coord.GetTaskContext("d1")
	if len(profileCtx.UpstreamDecisions) != 0 {
		t.Errorf("profile should not see named-task decision: %+v", profileCtx.UpstreamDecisions)
	}

	// No mention: all direct dependents.
	if err := h.coord.LogDecision(ctx, "dev-1", "t", "jwt signing uses rs256"); err != nil {
		t.Fatal(err)
	}
	profileCtx, _ = h.coord.GetTaskContext("d1")
	if len(profileCtx.UpstreamDecisions) != 1 {
		t.Errorf("dependent decisions = %+v", profileCtx.UpstreamDecisions)
	}
}

func TestLogArtifactDefaultsLocation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{{ID: "t", Name: "describe endpoints"}})
	ctx := context.Background()

	loc, err := h.coord.LogArtifact(ctx, "dev-1", "t", "api.md", domain.ArtifactAPI, "endpoint list", "")
	if err != nil {
		t.Fatalf("LogArtifact: %v", err)
	}
	if loc != "artifacts/api/api.md" {
		t.Errorf("location = %q", loc)
	}

	if _, err := h.coord.LogArtifact(ctx, "dev-1", "t", "x", domain.ArtifactType("bogus"), "", ""); err == nil {
		t.Error("invalid artifact type accepted")
	}
}

func TestGetProjectStatus(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{
		{ID: "a", Name: "one"},
		{ID: "b", Name: "two"},
		{ID: "c", Name: "three"},
		{ID: "d", Name: "four"},
	})
	ctx := context.Background()

	next, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.coord.ReportTaskProgress(ctx, "dev-1", next.Task.ID, "completed", 100, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.RequestNextTask(ctx, "dev-1"); err != nil {
		t.Fatal(err)
	}

	status, err := h.coord.GetProjectStatus("dev-1", "")
	if err != nil {
		t.Fatalf("GetProjectStatus: %v", err)
	}
	if status.Total != 4 || status.CompletionRate != 0.25 {
		t.Errorf("status = %+v", status)
	}
	if status.AssignedCount != 1 || status.ActiveAgents != 1 {
		t.Errorf("assignment counts = %+v", status)
	}
	if status.ByStatus["done"] != 1 || status.ByStatus["in_progress"] != 1 || status.ByStatus["todo"] != 2 {
		t.Errorf("by_status = %v", status.ByStatus)
	}
}

func TestCheckBoardHealthFindsOverAssigned(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{
		{ID: "a", Name: "first card"},
		{ID: "b", Name: "second card"},
	})

	// Over-assign dev-1 beyond the cap.
	for i := 0; i < h.coord.cfg.BoardHealth.MaxTasksPerAgent+1; i++ {
		if err := h.mem.TrackAssignment(domain.Assignment{
			TaskID: domain.NewID(), ProjectID: "p", AgentID: "dev-1", State: domain.AssignmentActive,
		}); err != nil {
			t.Fatal(err)
		}
	}

	report, err := h.coord.CheckBoardHealth(context.Background(), "dev-1", "")
	if err != nil {
		t.Fatalf("CheckBoardHealth: %v", err)
	}
	if len(report.OverAssignedAgents) != 1 || report.OverAssignedAgents[0] != "dev-1" {
		t.Errorf("over-assigned = %v", report.OverAssignedAgents)
	}
	if len(report.Cycles) != 0 {
		t.Errorf("cycles = %v", report.Cycles)
	}
	if len(report.StaleTasks) != 0 {
		t.Errorf("stale = %v, want none for fresh tasks", report.StaleTasks)
	}
}

func TestReplayReconstructsStateTuples(t *testing.T) {
	h := newHarness(t)
	h.seed(t, []domain.Task{
		{ID: "done-task", Name: "finished work"},
		{ID: "open-task", Name: "unrelated work"},
		{ID: "late-task", Name: "overrunning work"},
	})
	ctx := context.Background()

	// done-task: assigned and completed.
	next, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil || next.Task == nil {
		t.Fatal(err)
	}
	if err := h.coord.ReportTaskProgress(ctx, "dev-1", next.Task.ID, "completed", 100, ""); err != nil {
		t.Fatal(err)
	}
	// open-task: assigned and still running.
	next2, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil || next2.Task == nil {
		t.Fatal(err)
	}
	// late-task: assigned, then the lease expires and the sweep recycles it.
	next3, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil || next3.Task == nil {
		t.Fatal(err)
	}
	if err := h.coord.ReportTaskProgress(ctx, "dev-1", next3.Task.ID, "in_progress", 10, ""); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(24 * time.Hour)
	if n := h.leases.Sweep(); n != 2 {
		t.Fatalf("sweep expired %d, want 2", n)
	}
	// open-task was recycled by the sweep too; hand one task out again so
	// the replayed tuple has to land back on active.
	reassigned, err := h.coord.RequestNextTask(ctx, "dev-1")
	if err != nil || reassigned.Task == nil {
		t.Fatal(err)
	}

	logged, err := h.log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	replayed := Replay(logged)

	want := map[string]ReplayedTask{
		next.Task.ID:       {ProjectID: "p", Status: domain.StatusDone, Assignment: domain.AssignmentCompleted},
		reassigned.Task.ID: {ProjectID: "p", Status: domain.StatusInProgress, Assignment: domain.AssignmentActive},
	}
	for id, w := range want {
		if got := replayed[id]; got != w {
			t.Errorf("replayed %s = %+v, want %+v", id, got, w)
		}
	}
	// The task left expired replays as recycled: back on the frontier with
	// its last assignment expired.
	for id, got := range replayed {
		if _, ok := want[id]; ok {
			continue
		}
		if got.Status != domain.StatusTodo || got.Assignment != domain.AssignmentExpired {
			t.Errorf("replayed %s = %+v, want todo/expired", id, got)
		}
	}

	// Replayed statuses match the live registry.
	for id, got := range replayed {
		live, err := h.reg.GetTask("p", id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != live.Status {
			t.Errorf("replayed %s = %s, live = %s", id, got.Status, live.Status)
		}
	}
}

func TestCreateProjectPlansAndRegisters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, tasks, err := h.coord.CreateProject(ctx, "invoicing", "invoice generation service", "")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if project.ID == "" || len(tasks) != 5 {
		t.Fatalf("project=%+v tasks=%d", project, len(tasks))
	}

	stored, err := h.reg.ListTasks(project.ID, registry.TaskFilter{})
	if err != nil || len(stored) != 5 {
		t.Errorf("registry tasks = (%d, %v)", len(stored), err)
	}

	hist := h.bus.History(bus.HistoryFilter{Type: events.ProjectRegistered, ProjectID: project.ID}, 0)
	if len(hist) != 1 {
		t.Errorf("project_registered events = %d", len(hist))
	}
	if created := h.bus.History(bus.HistoryFilter{Type: events.TaskCreated, ProjectID: project.ID}, 0); len(created) != 5 {
		t.Errorf("task_created events = %d", len(created))
	}
}
