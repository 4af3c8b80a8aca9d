// Package api implements the PlayerTXT HTTP surface: the player
// gameplay API, the comms feed and the admin mission control API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/playertxt/internal/buildinfo"
	"github.com/nugget/playertxt/internal/config"
	"github.com/nugget/playertxt/internal/escalation"
	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/game"
	"github.com/nugget/playertxt/internal/mission"
	"github.com/nugget/playertxt/internal/opstate"
	"github.com/nugget/playertxt/internal/preflight"
	"github.com/nugget/playertxt/internal/provider"
	"github.com/nugget/playertxt/internal/scenario"
	"github.com/nugget/playertxt/internal/storage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	writeJSONStatus(w, http.StatusOK, v, logger)
}

// writeJSONStatus is writeJSON with an explicit status code.
func writeJSONStatus(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// MissionControl is the scheduler surface the API drives.
type MissionControl interface {
	Schedule(worldID int64, start *time.Time, durationMinutes int) error
	Abort(ctx context.Context) error
	Status() mission.Session
}

// HealthSource supplies the latest health snapshot.
type HealthSource interface {
	Status() preflight.Status
}

// Providers is the provider router surface the API drives.
type Providers interface {
	Verify(ctx context.Context, role provider.Role) provider.VerifyResult
	ListModels(ctx context.Context, kind provider.Kind, credential, endpoint string) ([]string, error)
	SetTargets(t provider.Targets)
	Targets() provider.Targets
}

// Engine processes player commands.
type Engine interface {
	Process(ctx context.Context, playerID int64, raw string) game.Reply
	State(ctx context.Context, playerID int64) (game.View, error)
}

// WorldGenerator authors new worlds.
type WorldGenerator interface {
	Generate(ctx context.Context, concept string, playerCount int) (*scenario.World, error)
}

// RoutingAudit exposes escalation decisions.
type RoutingAudit interface {
	AuditLog(limit int) []escalation.Decision
	Stats() escalation.Stats
}

// Deps are the components the server is built on. Generator, Routing,
// Bus, Ring and Metrics are optional.
type Deps struct {
	Store     *storage.Store
	System    *opstate.Store
	Mission   MissionControl
	Health    HealthSource
	Providers Providers
	Engine    Engine
	Generator WorldGenerator
	Routing   RoutingAudit
	Bus       *events.Bus
	Ring      *events.Ring
	Metrics   http.Handler

	// BaseProviders is the provider configuration from file and
	// environment. Persisted overrides are layered on top of it.
	BaseProviders config.ProvidersConfig
	Admin         config.AdminConfig

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
	admins  *adminSessions
	now     func() time.Time

	// reloadMu serialises provider reloads so concurrent config writes
	// swap targets in the order they were persisted.
	reloadMu sync.Mutex
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  deps.Logger,
		admins:  newAdminSessions(adminSessionTTL),
		now:     time.Now,
	}
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Ops
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	// Gameplay
	mux.HandleFunc("POST /api/v1/login", s.handleLogin)
	mux.Handle("GET /api/v1/state", s.requirePlayer(s.handleState))
	mux.Handle("POST /api/v1/action", s.requirePlayer(s.handleAction))
	mux.Handle("GET /api/v1/comms", s.requirePlayer(s.handleComms))
	mux.Handle("GET /api/v1/comms/ws", s.requirePlayer(s.handleCommsStream))

	// Admin session
	mux.HandleFunc("POST /admin/login", s.handleAdminLogin)
	mux.HandleFunc("POST /admin/logout", s.handleAdminLogout)

	// Admin
	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.requireAdmin(h))
	}
	admin("GET /api/v1/admin/logs", s.handleAdminLogs)
	admin("GET /api/v1/admin/stats", s.handleAdminStats)
	admin("GET /api/v1/admin/players", s.handleAdminPlayers)
	admin("POST /api/v1/admin/password", s.handleAdminPassword)
	admin("POST /api/v1/admin/server-mode", s.handleServerMode)
	admin("GET /api/v1/admin/status", s.handleAdminStatus)
	admin("GET /api/v1/admin/config", s.handleConfigGet)
	admin("POST /api/v1/admin/config", s.handleConfigSet)
	admin("POST /api/v1/admin/ai/models", s.handleAIModels)
	admin("POST /api/v1/admin/ai/verify", s.handleAIVerify)
	admin("GET /api/v1/admin/stories", s.handleStories)
	admin("POST /api/v1/admin/generate", s.handleGenerate)
	admin("GET /api/v1/admin/join.png", s.handleJoinQR)
	admin("GET /api/v1/admin/routing", s.handleRoutingAudit)

	// Mission control
	admin("POST /api/v1/admin/game/schedule", s.handleSchedule)
	admin("POST /api/v1/admin/game/stop", s.handleStop)
	admin("GET /api/v1/admin/game/status", s.handleGameStatus)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long enough for world generation on the director.
		WriteTimeout: 150 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// errorResponse writes {"error": message} with the given status.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "active",
		"branding":  "PlayerTXT",
		"timestamp": s.now().UTC(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// logEvent publishes an operator log line on the bus.
func (s *Server) logEvent(level, message string, data map[string]any) {
	s.deps.Bus.Publish(events.Event{
		Source:  events.SourceSystem,
		Kind:    events.KindLog,
		Level:   level,
		Message: message,
		Data:    data,
	})
}
