package api

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/playertxt/internal/config"
	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/opstate"
	"github.com/nugget/playertxt/internal/provider"
)

const (
	adminLogLimit    = 100
	recentPlayerSpan = time.Hour
	routingAuditSize = 50
	joinQRSize       = 256
)

// LogLine is one entry of the admin log view.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	lines := []LogLine{}
	if s.deps.Ring != nil {
		for _, e := range s.deps.Ring.Recent(adminLogLimit, nil) {
			lines = append(lines, LogLine{
				Timestamp: e.Timestamp,
				Level:     e.Level,
				Message:   e.Message,
				Source:    e.Source,
			})
		}
	}
	writeJSON(w, lines, s.logger)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, st, s.logger)
}

func (s *Server) handleAdminPlayers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Store.RecentPlayers(r.Context(), recentPlayerSpan)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rows, s.logger)
}

func (s *Server) handleAdminPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewPassword string `json:"newPassword"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.deps.System.SetAdminPassword(req.NewPassword)
	if errors.Is(err, opstate.ErrPasswordTooShort) {
		s.errorResponse(w, http.StatusBadRequest, "Password too short")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.admins.revokeAll()
	s.logEvent(events.LevelWarn, "Admin password changed", nil)
	writeJSON(w, map[string]any{
		"success": true,
		"message": "Admin password updated. Please re-login.",
	}, s.logger)
}

func (s *Server) handleServerMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, err := opstate.ParseServerMode(req.Mode)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid mode")
		return
	}
	if err := s.deps.System.SetServerMode(mode); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logEvent(events.LevelWarn, "Server mode set to "+string(mode), map[string]any{"mode": string(mode)})
	writeJSON(w, map[string]any{"success": true, "mode": mode}, s.logger)
}

// RoleStatus is the admin view of one provider role.
type RoleStatus struct {
	Status   string        `json:"status"`
	Provider provider.Kind `json:"provider"`
	Model    string        `json:"model"`
	Error    string        `json:"error,omitempty"`
}

// Checks is the pre-flight summary shown on mission control.
type Checks struct {
	SQL bool `json:"sql"`
	LLM bool `json:"llm"`
}

func (s *Server) checks() Checks {
	h := s.deps.Health.Status()
	return Checks{SQL: h.StorageUp, LLM: h.RoleUp[provider.RoleWorkhorse]}
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Health.Status()
	targets := s.deps.Providers.Targets()

	dbStatus := "OFFLINE"
	if h.StorageUp {
		dbStatus = "ONLINE"
	}

	ai := make(map[provider.Role]RoleStatus, 2)
	for _, role := range []provider.Role{provider.RoleDirector, provider.RoleWorkhorse} {
		t, _ := targets.For(role)
		rs := RoleStatus{Status: "UNKNOWN", Provider: t.Kind, Model: t.Model, Error: h.RoleError[role]}
		switch up, probed := h.RoleUp[role]; {
		case up:
			rs.Status = "ONLINE"
		case probed:
			rs.Status = "FAULT"
		}
		ai[role] = rs
	}

	mode, err := s.deps.System.ServerMode()
	if err != nil {
		s.logger.Warn("server mode unavailable", "error", err)
	}

	writeJSON(w, map[string]any{
		"dbStatus":      dbStatus,
		"aiStatus":      ai,
		"serverMode":    mode,
		"health":        h.Mode,
		"lastCheckedAt": h.LastCheckedAt,
		"ip":            s.publicAddr(),
		"checks":        s.checks(),
	}, s.logger)
}

// publicAddr is the first non-loopback IPv4 address with the listen
// port, which is omitted when standard.
func (s *Server) publicAddr() string {
	host := "localhost"
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.IsLoopback() || ipn.IP.To4() == nil {
				continue
			}
			host = ipn.IP.String()
			break
		}
	}
	if s.port == 80 || s.port == 443 || s.port == 0 {
		return host
	}
	return host + ":" + strconv.Itoa(s.port)
}

// handleConfigGet returns the effective provider configuration with
// credentials masked, plus the server mode.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	eff, err := s.effectiveProviders()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := eff.Flatten()
	if mode, err := s.deps.System.ServerMode(); err == nil {
		out[opstate.KeyServerMode] = string(mode)
	}
	writeJSON(w, out, s.logger)
}

// handleConfigSet persists provider overrides and swaps the router's
// targets in one step. Masked values echoed back from the GET view are
// ignored so saving the form does not overwrite stored credentials.
func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	known := make(map[string]bool, len(config.ProviderKeys))
	for _, k := range config.ProviderKeys {
		known[k] = true
	}
	updates := make(map[string]string, len(req))
	for k, v := range req {
		key := strings.ToUpper(strings.TrimSpace(k))
		if !known[key] {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("Unknown config key %q", k))
			return
		}
		if strings.HasPrefix(v, "****") {
			continue
		}
		updates[key] = strings.TrimSpace(v)
	}

	if err := s.deps.System.SetMany(opstate.CategoryAIModels, updates); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.ReloadProviders(); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logEvent(events.LevelInfo, "AI configuration updated", map[string]any{"keys": slices.Sorted(maps.Keys(updates))})
	writeJSON(w, map[string]any{"success": true}, s.logger)
}

// ReloadProviders rebuilds the router's targets from the base
// configuration and the persisted overrides.
func (s *Server) ReloadProviders() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	eff, err := s.effectiveProviders()
	if err != nil {
		return err
	}
	targets := provider.TargetsFromConfig(eff)
	s.deps.Providers.SetTargets(targets)
	s.logger.Info("provider targets reloaded",
		"director", targets.Director.Kind,
		"director_model", targets.Director.Model,
		"workhorse", targets.Workhorse.Kind,
		"workhorse_model", targets.Workhorse.Model,
	)
	return nil
}

func (s *Server) effectiveProviders() (config.ProvidersConfig, error) {
	overrides, err := s.deps.System.List(opstate.CategoryAIModels)
	if err != nil {
		return config.ProvidersConfig{}, fmt.Errorf("load provider overrides: %w", err)
	}
	return s.deps.BaseProviders.WithOverrides(overrides), nil
}

func (s *Server) handleAIModels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		Key      string `json:"key"`
		URL      string `json:"url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := provider.Kind(strings.ToLower(strings.TrimSpace(req.Provider)))
	models, err := s.deps.Providers.ListModels(r.Context(), kind, req.Key, req.URL)
	switch {
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrUnroutable):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, models, s.logger)
}

func (s *Server) handleAIVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	role, err := provider.ParseRole(req.Role)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.deps.Providers.Verify(r.Context(), role)
	if !res.OK {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"success": false, "error": res.Error}, s.logger)
		return
	}
	writeJSON(w, map[string]any{"success": true, "message": res.Message, "provider": res.Provider}, s.logger)
}

// handleJoinQR renders the player join URL as a PNG QR code.
func (s *Server) handleJoinQR(w http.ResponseWriter, r *http.Request) {
	url := s.deps.Admin.JoinURL
	if url == "" {
		url = "http://" + s.publicAddr() + "/"
	}
	png, err := qrcode.Encode(url, qrcode.Medium, joinQRSize)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write QR code", "error", err)
	}
}

func (s *Server) handleRoutingAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Routing == nil {
		s.errorResponse(w, http.StatusNotFound, "Escalation audit disabled")
		return
	}
	limit := routingAuditSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, map[string]any{
		"stats":     s.deps.Routing.Stats(),
		"decisions": s.deps.Routing.AuditLog(limit),
	}, s.logger)
}
