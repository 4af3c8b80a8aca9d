package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/game"
	"github.com/nugget/playertxt/internal/opstate"
	"github.com/nugget/playertxt/internal/provider"
	"github.com/nugget/playertxt/internal/storage"
)

// LoginRequest is the body of POST /api/v1/login.
type LoginRequest struct {
	Username string `json:"username"`
}

// LoginResponse is returned on a successful login.
type LoginResponse struct {
	Message       string `json:"message"`
	PlayerID      int64  `json:"playerId"`
	Username      string `json:"username"`
	CharacterName string `json:"characterName,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	mode, err := s.deps.System.ServerMode()
	if err != nil {
		s.logger.Warn("server mode unavailable, assuming online", "error", err)
	}
	if mode == opstate.ServerOffline {
		s.errorResponse(w, http.StatusServiceUnavailable, "Server is currently OFFLINE (Maintenance Mode)")
		return
	}

	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		s.errorResponse(w, http.StatusBadRequest, "Username is required")
		return
	}

	ctx := r.Context()
	p, err := s.deps.Store.FindOrCreatePlayer(ctx, username)
	if err != nil {
		s.logger.Error("login failed", "username", username, "error", err)
		s.logEvent(events.LevelError, "Login failed for "+username+": "+err.Error(), nil)
		s.errorResponse(w, http.StatusInternalServerError, "Database connection failed")
		return
	}

	token := uuid.NewString()
	if err := s.deps.Store.SetPlayerToken(ctx, p.ID, token); err != nil {
		s.logger.Error("login failed", "username", username, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "Database connection failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	resp := LoginResponse{
		Message:  "Logged in successfully",
		PlayerID: p.ID,
		Username: p.Username,
	}
	if c := s.assignCharacter(r, p.ID); c != nil {
		resp.CharacterName = c.Name
	}

	s.logger.Info("player logged in", "player_id", p.ID, "username", p.Username, "character", resp.CharacterName)
	writeJSON(w, resp, s.logger)
}

// assignCharacter binds the player to a character in the mission's
// world, or the newest world when no mission is scheduled. Failure is
// logged; the player can still log in and will see no character.
func (s *Server) assignCharacter(r *http.Request, playerID int64) *storage.Character {
	ctx := r.Context()
	worldID := s.deps.Mission.Status().WorldID
	if worldID == 0 {
		worlds, err := s.deps.Store.ListWorlds(ctx)
		if err != nil || len(worlds) == 0 {
			return nil
		}
		worldID = worlds[0].ID
	}

	c, err := s.deps.Store.AssignCharacter(ctx, playerID, worldID)
	if err != nil {
		s.logger.Warn("no character assigned", "player_id", playerID, "world_id", worldID, "error", err)
		return nil
	}
	return c
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	p := playerFrom(r.Context())
	view, err := s.deps.Engine.State(r.Context(), p.ID)
	if errors.Is(err, game.ErrNoCharacter) {
		s.errorResponse(w, http.StatusNotFound, "No active session or character found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, view, s.logger)
}

// ActionRequest is the body of POST /api/v1/action.
type ActionRequest struct {
	Command string `json:"command"`
}

// ActionResponse carries the reply and its HTML rendering.
type ActionResponse struct {
	Message   string        `json:"message"`
	HTML      string        `json:"html"`
	NewRoomID *int64        `json:"newRoomId,omitempty"`
	Role      provider.Role `json:"role,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		s.errorResponse(w, http.StatusBadRequest, "Command is required")
		return
	}

	p := playerFrom(r.Context())
	reply := s.deps.Engine.Process(r.Context(), p.ID, req.Command)

	writeJSON(w, ActionResponse{
		Message:   reply.Message,
		HTML:      s.renderMarkdown(reply.Message),
		NewRoomID: reply.NewRoomID,
		Role:      reply.Role,
		Degraded:  reply.Degraded,
	}, s.logger)
}

// renderMarkdown converts narrator markdown to HTML. On failure the
// client falls back to the plain message.
func (s *Server) renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		s.logger.Debug("markdown render failed", "error", err)
		return ""
	}
	return buf.String()
}
