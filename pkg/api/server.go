// Package api is the transport layer: tool invocation over
// POST /api/tools/{name}, service status endpoints, and a WebSocket bridge
// streaming bus events to dashboards.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lwgray/marcus/pkg/bus"
	"github.com/lwgray/marcus/pkg/config"
	"github.com/lwgray/marcus/pkg/coordinator"
	"github.com/lwgray/marcus/pkg/domain"
	"github.com/lwgray/marcus/pkg/events"
	"github.com/lwgray/marcus/pkg/logger"
	"github.com/lwgray/marcus/pkg/registry"
)

// Server is the HTTP API for the Marcus core.
type Server struct {
	config    *config.Config
	coord     *coordinator.Coordinator
	reg       *registry.Registry
	bus       *bus.EventBus
	wsHub     *WSHub
	startTime time.Time
	server    *http.Server

	mu        sync.Mutex
	bridgeSub bus.Subscription
	bridged   bool
}

// NewServer creates the API server. When gateway.api_key is empty a random
// session key is generated and printed once at startup, Jupyter-style; set
// gateway.api_key (or MARCUS_API_KEY) for a persistent key.
func NewServer(cfg *config.Config, coord *coordinator.Coordinator, reg *registry.Registry, b *bus.EventBus) *Server {
	if cfg.Gateway.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Gateway.APIKey = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("MARCUS API KEY (session token):")
			fmt.Println("  " + cfg.Gateway.APIKey)
			fmt.Println("Set gateway.api_key in the config file to make it permanent.")
			fmt.Println()
		}
	}
	s := &Server{
		config:    cfg,
		coord:     coord,
		reg:       reg,
		bus:       b,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s)
	return s
}

// Handler builds the routed, auth-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/tools/", s.handleTool)
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	return corsMiddleware(authMiddleware(s.config.Gateway.APIKey, mux))
}

// Start begins listening on the configured host:port and bridges bus events
// to WebSocket clients until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "API server starting", map[string]interface{}{
		"addr": addr,
	})

	s.startBackground(ctx)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// startBackground runs the WebSocket hub and subscribes the event bridge.
func (s *Server) startBackground(ctx context.Context) {
	go s.wsHub.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bridged {
		return
	}
	s.bridgeSub = s.bus.Subscribe(bus.Wildcard, func(_ context.Context, evt events.Event) error {
		s.wsHub.Broadcast(evt.Type, evt)
		return nil
	})
	s.bridged = true
}

// Stop gracefully shuts down the server and detaches the event bridge.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.bridged {
		s.bus.Unsubscribe(s.bridgeSub)
		s.bridged = false
	}
	s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)

	agents := s.coord.Agents()
	working := 0
	for _, a := range agents {
		if a.Status == domain.AgentWorking {
			working++
		}
	}

	projects := make([]map[string]interface{}, 0)
	for _, p := range s.reg.ListProjects() {
		status, err := s.coord.GetProjectStatus("", p.ID)
		if err != nil {
			continue
		}
		projects = append(projects, map[string]interface{}{
			"id":              p.ID,
			"name":            p.Name,
			"total_tasks":     status.Total,
			"completion_rate": status.CompletionRate,
			"blocked":         status.BlockedCount,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"agents": map[string]interface{}{
			"registered": len(agents),
			"working":    working,
		},
		"projects": projects,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError serialises a structured failure. Retriable errors carry a
// Retry-After header.
func writeError(w http.ResponseWriter, err error) {
	de := domain.AsError(err)
	if de.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", de.RetryAfter))
	}
	writeJSON(w, statusFor(de.Kind), de)
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindExternalFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
