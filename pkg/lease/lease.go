// Package lease manages the time-boxed grip an agent holds on a task:
// adaptive initial duration, progress-driven renewal with decay, warning and
// expiry sweeps, and stuck detection.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/config"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/events"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/memory"
)

// Clock abstracts time for deterministic sweep tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Complexity multipliers checked in order; the first label present on the
// task wins, so mixed labelling stays deterministic. Absent labels mean 1.0.
var complexityMultipliers = []struct {
	label string
	mult  float64
}{
	{"simple", 0.5},
	{"complex", 1.5},
	{"research", 2.0},
	{"epic", 3.0},
}

// ExpireFunc is invoked when a lease passes expiry plus grace without
// progress. The coordinator recycles the task inside its own locking.
type ExpireFunc func(a domain.Assignment)

// Manager owns lease timing over the open assignments in memory.
type Manager struct {
	mu       sync.Mutex
	cfg      config.LeaseConfig
	clock    Clock
	bus      *bus.EventBus
	mem      *memory.Store
	onExpire ExpireFunc

	warned map[string]bool // task_id -> warned for current interval
	stuck  map[string]bool // task_id -> task_stuck already published
}

// NewManager wires a lease manager. onExpire may be set later via
// SetExpireFunc to break the construction cycle with the coordinator.
func NewManager(cfg config.LeaseConfig, b *bus.EventBus, mem *memory.Store) *Manager {
	return &Manager{
		cfg:    cfg,
		clock:  realClock{},
		bus:    b,
		mem:    mem,
		warned: make(map[string]bool),
		stuck:  make(map[string]bool),
	}
}

// SetClock swaps the time source, for tests.
func (m *Manager) SetClock(c Clock) { m.clock = c }

// SetExpireFunc registers the recycle callback.
func (m *Manager) SetExpireFunc(fn ExpireFunc) { m.onExpire = fn }

// Duration computes the initial lease for a task: the configured default
// scaled by priority and complexity, clamped to the configured bounds.
func (m *Manager) Duration(task domain.Task) time.Duration {
	hours := m.cfg.DefaultHours * task.Priority.LeaseMultiplier()
	for _, c := range complexityMultipliers {
		if task.HasLabel(c.label) {
			hours *= c.mult
			break
		}
	}
	if hours < m.cfg.MinHours {
		hours = m.cfg.MinHours
	}
	if hours > m.cfg.MaxHours {
		hours = m.cfg.MaxHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// Start builds a fresh active assignment with its lease running.
func (m *Manager) Start(task domain.Task, agentID string) domain.Assignment {
	now := m.clock.Now()
	return domain.Assignment{
		TaskID:         task.ID,
		ProjectID:      task.ProjectID,
		AgentID:        agentID,
		AssignedAt:     now,
		LeaseExpiresAt: now.Add(m.Duration(task)),
		LastProgressAt: now,
		State:          domain.AssignmentActive,
	}
}

// Renew applies a progress report to the lease. Progress must stay within
// [0, 100]. Strictly-increasing progress resets the timer with the decayed
// interval; equal progress is a keep-alive that does not consume a renewal;
// decreasing progress is rejected.
func (m *Manager) Renew(task domain.Task, a *domain.Assignment, progress int) error {
	if progress < 0 || progress > 100 {
		return domain.ErrInvalidTransition(
			"task %s: progress %d%% outside [0, 100]", a.TaskID, progress)
	}
	if progress < a.LastProgressPct {
		return domain.ErrInvalidTransition(
			"task %s: progress %d%% below reported %d%%", a.TaskID, progress, a.LastProgressPct)
	}

	now := m.clock.Now()
	if progress == a.LastProgressPct {
		a.LastProgressAt = now
		return nil
	}

	a.Renewals++
	a.LastProgressPct = progress
	a.LastProgressAt = now
	a.LeaseExpiresAt = now.Add(m.renewalDuration(task, a.Renewals))

	m.mu.Lock()
	delete(m.warned, a.TaskID)
	m.mu.Unlock()
	return nil
}

// renewalDuration shrinks the interval by the decay factor per renewal,
// bottoming out at min_lease_hours.
func (m *Manager) renewalDuration(task domain.Task, renewals int) time.Duration {
	hours := m.Duration(task).Hours()
	for i := 0; i < renewals; i++ {
		hours *= m.cfg.RenewalDecayFactor
	}
	if hours < m.cfg.MinHours {
		hours = m.cfg.MinHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// Sweep walks the open assignments once: emits warnings, flags stuck
// assignments, and fires the expiry callback past grace. Returns the number
// of assignments expired.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	grace := time.Duration(m.cfg.GracePeriodMinutes) * time.Minute
	warnWindow := time.Duration(m.cfg.WarningHours * float64(time.Hour))

	expired := 0
	for _, a := range m.mem.OpenAssignments() {
		if a.Renewals >= m.cfg.StuckThresholdRenewals && a.LastProgressPct < 100 {
			m.mu.Lock()
			already := m.stuck[a.TaskID]
			m.stuck[a.TaskID] = true
			m.mu.Unlock()
			if !already {
				logger.WarnCF("lease", "assignment stuck, operator attention needed", map[string]interface{}{
					"task_id":  a.TaskID,
					"agent_id": a.AgentID,
					"renewals": a.Renewals,
				})
				m.bus.Publish(context.Background(), events.TaskStuck, "lease", map[string]interface{}{
					"task_id":  a.TaskID,
					"agent_id": a.AgentID,
					"renewals": a.Renewals,
					"progress": a.LastProgressPct,
				})
			}
			continue // stuck assignments are never auto-recycled
		}

		if now.After(a.LeaseExpiresAt.Add(grace)) {
			expired++
			if m.onExpire != nil {
				m.onExpire(a)
			}
			m.mu.Lock()
			delete(m.warned, a.TaskID)
			m.mu.Unlock()
			continue
		}

		if now.After(a.LeaseExpiresAt.Add(-warnWindow)) {
			m.mu.Lock()
			already := m.warned[a.TaskID]
			m.warned[a.TaskID] = true
			m.mu.Unlock()
			if !already {
				m.bus.Publish(context.Background(), events.LeaseWarning, "lease", map[string]interface{}{
					"task_id":    a.TaskID,
					"agent_id":   a.AgentID,
					"expires_at": a.LeaseExpiresAt.Format(time.RFC3339),
				})
			}
		}
	}
	return expired
}

// ClearStuck removes the stuck marker after operator intervention so the
// assignment is watched again.
func (m *Manager) ClearStuck(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stuck, taskID)
}

// Forget drops warning and stuck markers for a terminated assignment.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.warned, taskID)
	delete(m.stuck, taskID)
}

// RunWatcher sweeps on the interval until the context is cancelled.
func (m *Manager) RunWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.InfoCF("lease", "lease watcher started", map[string]interface{}{
		"interval": interval.String(),
	})
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("lease", "lease watcher stopped")
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logger.InfoCF("lease", "expired leases recycled", map[string]interface{}{
					"count": n,
				})
			}
		}
	}
}
