// Marcus — project coordination core for autonomous worker agents.
//
// Composition root: loads configuration, opens the durable stores, wires the
// coordinator and its subsystems, and serves the HTTP/WebSocket API until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lwgray/marcus/pkg/api"
	"github.com/lwgray/marcus/pkg/board"
	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/config"
	"github.com/lwgray/marcus/pkg/coordinator"
	"github.com/lwgray/marcus/pkg/events"
	"github.com/lwgray/marcus/pkg/graph"
	"github.com/lwgray/marcus/pkg/lease"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/memory"
	"github.com/lwgray/marcus/pkg/monitor"
	"github.com/lwgray/marcus/pkg/persistence"
	"github.com/lwgray/marcus/pkg/planner"
	"github.com/lwgray/marcus/pkg/providers"
	"github.com/lwgray/marcus/pkg/registry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "marcus:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", workspace, err)
	}

	// Durable stores: conversation log (source of truth) and KV.
	log, err := persistence.NewConversationLog(filepath.Join(workspace, "logs", "conversations"))
	if err != nil {
		return err
	}
	defer log.Close()

	kv, err := persistence.NewSQLiteKV(filepath.Join(workspace, "marcus.db"))
	if err != nil {
		return err
	}
	defer kv.Close()

	b := bus.New(log)
	defer b.Close()

	reg, err := registry.New(kv)
	if err != nil {
		return err
	}
	g := graph.New(cfg.DependencyInference.ConfidenceThreshold, cfg.DependencyInference.MaxChainLength)
	for _, p := range reg.ListProjects() {
		tasks, err := reg.ListTasks(p.ID, registry.TaskFilter{})
		if err != nil {
			return err
		}
		if err := g.SetTasks(p.ID, tasks); err != nil {
			logger.WarnCF("main", "dependency graph rebuild failed", map[string]interface{}{
				"project_id": p.ID,
				"error":      err.Error(),
			})
		}
	}

	// Memory rebuilds open assignments from KV, so leases resume across
	// restarts with their stored expiry plus the grace period.
	mem, err := memory.New(kv)
	if err != nil {
		return err
	}

	model, err := providers.New(cfg.AI)
	if err != nil {
		return err
	}

	leases := lease.NewManager(cfg.TaskLease, b, mem)
	coord := coordinator.New(coordinator.Deps{
		Config:   cfg,
		Bus:      b,
		KV:       kv,
		Registry: reg,
		Graph:    g,
		Memory:   mem,
		Board:    board.NewRetrying(board.NewMemoryBoard(), b),
		Model:    model,
		Planner:  planner.NewLLMPlanner(model),
		Leases:   leases,
	})
	mon := monitor.New(cfg, coord, reg, b)
	server := api.NewServer(cfg, coord, reg, b)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b.Publish(ctx, events.SystemStartup, "main", map[string]interface{}{
		"projects": len(reg.ListProjects()),
		"version":  version,
	})

	go leases.RunWatcher(ctx, time.Minute)
	go mon.Run(ctx)
	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.InfoCF("main", "marcus running", map[string]interface{}{
		"addr":      fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"workspace": workspace,
	})
	<-ctx.Done()

	logger.InfoC("main", "shutting down")
	b.Publish(context.Background(), events.SystemShutdown, "main", nil)
	if err := server.Stop(); err != nil {
		logger.WarnCF("main", "server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := kv.Flush(); err != nil {
		logger.WarnCF("main", "kv flush error", map[string]interface{}{"error": err.Error()})
	}
	return nil
}
