// Package monitor runs the periodic sweeps that keep a long-lived board
// honest: the cron-scheduled health check and stall detection over the
// event stream.
package monitor

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/config"
	"github.com/lwgray/marcus/pkg/coordinator"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/events"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/registry"
)

// Health drives board-health checks on the configured cron schedule and
// watches for projects that have gone quiet.
type Health struct {
	cfg   *config.Config
	coord *coordinator.Coordinator
	reg   *registry.Registry
	bus   *bus.EventBus

	due func(schedule string) (bool, error)
	now func() time.Time

	stalled map[string]bool // project_id -> already reported this quiet period
}

// New wires the monitor against the coordinator and registry.
func New(cfg *config.Config, coord *coordinator.Coordinator, reg *registry.Registry, b *bus.EventBus) *Health {
	g := gronx.New()
	return &Health{
		cfg:     cfg,
		coord:   coord,
		reg:     reg,
		bus:     b,
		due:     func(schedule string) (bool, error) { return g.IsDue(schedule) },
		now:     func() time.Time { return time.Now().UTC() },
		stalled: make(map[string]bool),
	}
}

// Run blocks until the context is cancelled, firing health sweeps when the
// cron schedule is due (checked once per minute) and stall sweeps every
// monitoring interval.
func (h *Health) Run(ctx context.Context) {
	cron := time.NewTicker(time.Minute)
	defer cron.Stop()
	stall := time.NewTicker(time.Duration(h.cfg.MonitoringInterval) * time.Second)
	defer stall.Stop()

	logger.InfoCF("monitor", "health monitor started", map[string]interface{}{
		"schedule":            h.cfg.BoardHealth.Schedule,
		"monitoring_interval": h.cfg.MonitoringInterval,
	})
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("monitor", "health monitor stopped")
			return
		case <-cron.C:
			due, err := h.due(h.cfg.BoardHealth.Schedule)
			if err != nil {
				logger.WarnCF("monitor", "schedule evaluation failed", map[string]interface{}{
					"schedule": h.cfg.BoardHealth.Schedule,
					"error":    err.Error(),
				})
				continue
			}
			if due {
				h.SweepHealth(ctx)
			}
		case <-stall.C:
			h.SweepStalls(ctx)
		}
	}
}

// SweepHealth runs a board-health check over every registered project. Each
// check publishes its own board_health event.
func (h *Health) SweepHealth(ctx context.Context) {
	for _, p := range h.reg.ListProjects() {
		report, err := h.coord.CheckBoardHealth(ctx, "", p.ID)
		if err != nil {
			logger.WarnCF("monitor", "board health check failed", map[string]interface{}{
				"project_id": p.ID,
				"error":      err.Error(),
			})
			continue
		}
		if len(report.StaleTasks) > 0 || len(report.OverAssignedAgents) > 0 || len(report.Cycles) > 0 {
			logger.WarnCF("monitor", "board health findings", map[string]interface{}{
				"project_id":    p.ID,
				"stale_tasks":   len(report.StaleTasks),
				"over_assigned": len(report.OverAssignedAgents),
				"cycles":        len(report.Cycles),
			})
		}
	}
}

// SweepStalls flags projects with unfinished work and no event activity
// within the stall threshold. One project_stalled event per quiet period;
// fresh activity re-arms the check.
func (h *Health) SweepStalls(ctx context.Context) {
	threshold := time.Duration(h.cfg.StallThresholdHours * float64(time.Hour))
	now := h.now()

	for _, p := range h.reg.ListProjects() {
		if !h.hasOpenWork(p.ID) {
			delete(h.stalled, p.ID)
			continue
		}

		last := h.lastActivity(p)
		if now.Sub(last) < threshold {
			delete(h.stalled, p.ID)
			continue
		}
		if h.stalled[p.ID] {
			continue
		}
		h.stalled[p.ID] = true

		idle := now.Sub(last)
		evt := events.New(events.ProjectStalled, "monitor", map[string]interface{}{
			"idle_hours":    idle.Hours(),
			"last_activity": last.Format(time.RFC3339),
		})
		evt.ProjectID = p.ID
		h.bus.PublishEvent(ctx, evt)
		logger.WarnCF("monitor", "project stalled", map[string]interface{}{
			"project_id": p.ID,
			"idle":       idle.String(),
		})
	}
}

func (h *Health) hasOpenWork(projectID string) bool {
	tasks, err := h.reg.ListTasks(projectID, registry.TaskFilter{})
	if err != nil {
		return false
	}
	for _, t := range tasks {
		if t.Status != domain.StatusDone {
			return true
		}
	}
	return false
}

// lastActivity finds the newest event for the project, ignoring the
// monitor's own stall reports so they do not mask the quiet period. Falls
// back to project creation when nothing was recorded yet.
func (h *Health) lastActivity(p domain.Project) time.Time {
	evts := h.bus.History(bus.HistoryFilter{ProjectID: p.ID}, 0)
	for i := len(evts) - 1; i >= 0; i-- {
		if evts[i].Type == events.ProjectStalled {
			continue
		}
		return evts[i].Timestamp
	}
	return p.CreatedAt
}
