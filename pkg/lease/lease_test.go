package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/config"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/events"
	"github.com/lwgray/marcus/pkg/memory"
	"github.com/lwgray/marcus/pkg/persistence"
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

func leaseConfig() config.LeaseConfig {
	return config.LeaseConfig{
		DefaultHours:           2.0,
		MinHours:               0.5,
		MaxHours:               8.0,
		WarningHours:           0.25,
		GracePeriodMinutes:     30,
		RenewalDecayFactor:     0.9,
		StuckThresholdRenewals: 5,
	}
}

func newManager(t *testing.T) (*Manager, *memory.Store, *bus.EventBus, *fakeClock) {
	t.Helper()
	mem, err := memory.New(persistence.NewMemoryKV())
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	b := bus.New(nil)
	t.Cleanup(b.Close)
	m := NewManager(leaseConfig(), b, mem)
	clock := &fakeClock{now: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)}
	m.SetClock(clock)
	return m, mem, b, clock
}

func TestDurationAdaptsToPriorityAndComplexity(t *testing.T) {
	m, _, _, _ := newManager(t)
	tests := []struct {
		name string
		task domain.Task
		want time.Duration
	}{
		{"medium_default", domain.Task{Priority: domain.PriorityMedium}, 2 * time.Hour},
		{"critical_short", domain.Task{Priority: domain.PriorityCritical}, time.Hour},
		{"low_long", domain.Task{Priority: domain.PriorityLow}, 3 * time.Hour},
		{"research", domain.Task{Priority: domain.PriorityMedium, Labels: []string{"research"}}, 4 * time.Hour},
		{"epic_clamped", domain.Task{Priority: domain.PriorityLow, Labels: []string{"epic"}}, 8 * time.Hour},
		{"critical_simple_floor", domain.Task{Priority: domain.PriorityCritical, Labels: []string{"simple"}}, 30 * time.Minute},
		{"first_label_wins", domain.Task{Priority: domain.PriorityMedium, Labels: []string{"epic", "simple"}}, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Duration(tt.task); got != tt.want {
				t.Errorf("Duration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRenewRequiresStrictlyIncreasingProgress(t *testing.T) {
	m, _, _, clock := newManager(t)
	task := domain.Task{ID: "t", Priority: domain.PriorityMedium}
	a := m.Start(task, "dev-1")

	if err := m.Renew(task, &a, 30); err != nil {
		t.Fatalf("Renew to 30: %v", err)
	}
	if a.Renewals != 1 || a.LastProgressPct != 30 {
		t.Errorf("after renew: %+v", a)
	}
	firstExpiry := a.LeaseExpiresAt

	// Equal progress: keep-alive, no renewal, timer untouched.
	clock.Advance(10 * time.Minute)
	if err := m.Renew(task, &a, 30); err != nil {
		t.Fatalf("keep-alive: %v", err)
	}
	if a.Renewals != 1 || !a.LeaseExpiresAt.Equal(firstExpiry) {
		t.Errorf("keep-alive changed lease: %+v", a)
	}

	err := m.Renew(task, &a, 20)
	if !domain.IsKind(err, domain.KindInvalidTransition) {
		t.Errorf("decreasing progress = %v, want invalid_transition", err)
	}

	// Progress outside [0, 100] is rejected and never stored.
	for _, bad := range []int{-5, 101, 150} {
		err := m.Renew(task, &a, bad)
		if !domain.IsKind(err, domain.KindInvalidTransition) {
			t.Errorf("progress %d = %v, want invalid_transition", bad, err)
		}
	}
	if a.LastProgressPct != 30 {
		t.Errorf("stored progress = %d after rejected reports, want 30", a.LastProgressPct)
	}
}

func TestRenewalIntervalDecays(t *testing.T) {
	m, _, _, clock := newManager(t)
	task := domain.Task{ID: "t", Priority: domain.PriorityMedium} // 2h base
	a := m.Start(task, "dev-1")

	if err := m.Renew(task, &a, 10); err != nil {
		t.Fatal(err)
	}
	// First renewal: 2h × 0.9 = 1.8h.
	want := clock.Now().Add(time.Duration(1.8 * float64(time.Hour)))
	if !a.LeaseExpiresAt.Equal(want) {
		t.Errorf("expiry = %v, want %v", a.LeaseExpiresAt, want)
	}

	if err := m.Renew(task, &a, 20); err != nil {
		t.Fatal(err)
	}
	want = clock.Now().Add(time.Duration(2 * 0.9 * 0.9 * float64(time.Hour)))
	if !a.LeaseExpiresAt.Equal(want) {
		t.Errorf("second expiry = %v, want %v", a.LeaseExpiresAt, want)
	}
}

func TestSweepWarnsOncePerInterval(t *testing.T) {
	m, mem, b, clock := newManager(t)
	task := domain.Task{ID: "t", Priority: domain.PriorityMedium}
	a := m.Start(task, "dev-1")
	if err := mem.TrackAssignment(a); err != nil {
		t.Fatal(err)
	}

	var warnings int
	b.Subscribe(events.LeaseWarning, func(context.Context, events.Event) error {
		warnings++
		return nil
	})

	clock.Advance(110 * time.Minute) // inside the 15-minute warning window of a 2h lease
	m.Sweep()
	m.Sweep()
	if warnings != 1 {
		t.Errorf("warnings = %d, want exactly 1", warnings)
	}
}

func TestSweepExpiresAfterGrace(t *testing.T) {
	m, mem, _, clock := newManager(t)
	task := domain.Task{ID: "t", Priority: domain.PriorityMedium}
	a := m.Start(task, "dev-1")
	if err := mem.TrackAssignment(a); err != nil {
		t.Fatal(err)
	}

	var recycled []domain.Assignment
	m.SetExpireFunc(func(a domain.Assignment) {
		recycled = append(recycled, a)
		a.State = domain.AssignmentExpired
		if err := mem.TrackAssignment(a); err != nil {
			t.Errorf("TrackAssignment: %v", err)
		}
	})

	// Past expiry but inside grace: nothing happens.
	clock.Advance(2*time.Hour + 10*time.Minute)
	if n := m.Sweep(); n != 0 || len(recycled) != 0 {
		t.Fatalf("expired during grace: n=%d recycled=%d", n, len(recycled))
	}

	// Past grace: recycled exactly once.
	clock.Advance(25 * time.Minute)
	if n := m.Sweep(); n != 1 || len(recycled) != 1 {
		t.Fatalf("after grace: n=%d recycled=%d", n, len(recycled))
	}
	if recycled[0].TaskID != "t" {
		t.Errorf("recycled = %+v", recycled[0])
	}
	if n := m.Sweep(); n != 0 {
		t.Errorf("second sweep expired %d, want 0", n)
	}
}

func TestSweepFlagsStuckInsteadOfRecycling(t *testing.T) {
	m, mem, b, clock := newManager(t)
	task := domain.Task{ID: "t", Priority: domain.PriorityMedium}
	a := m.Start(task, "dev-1")
	a.Renewals = 5
	a.LastProgressPct = 60
	if err := mem.TrackAssignment(a); err != nil {
		t.Fatal(err)
	}

	var stuckEvents int
	b.Subscribe(events.TaskStuck, func(context.Context, events.Event) error {
		stuckEvents++
		return nil
	})
	expireCalled := false
	m.SetExpireFunc(func(domain.Assignment) { expireCalled = true })

	clock.Advance(24 * time.Hour) // far past expiry and grace
	m.Sweep()
	m.Sweep()

	if stuckEvents != 1 {
		t.Errorf("task_stuck events = %d, want 1", stuckEvents)
	}
	if expireCalled {
		t.Error("stuck assignment must not be auto-recycled")
	}

	// Operator intervention re-arms the watcher.
	m.ClearStuck("t")
	m.Sweep()
	if stuckEvents != 2 {
		t.Errorf("after ClearStuck, events = %d, want 2", stuckEvents)
	}
}
