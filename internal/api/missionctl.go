package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/mission"
	"github.com/nugget/playertxt/internal/scenario"
)

// ScheduleRequest is the body of POST /api/v1/admin/game/schedule.
// StartTime is RFC 3339; empty means now.
type ScheduleRequest struct {
	WorldID         int64  `json:"worldId"`
	StartTime       string `json:"startTime,omitempty"`
	DurationMinutes int    `json:"durationMinutes"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var start *time.Time
	if v := strings.TrimSpace(req.StartTime); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid startTime; want RFC 3339")
			return
		}
		start = &t
	}

	err := s.deps.Mission.Schedule(req.WorldID, start, req.DurationMinutes)
	switch {
	case errors.Is(err, mission.ErrNotReady):
		s.errorResponse(w, http.StatusServiceUnavailable, "System Pre-flight Checks Failed. Cannot start mission.")
		return
	case errors.Is(err, mission.ErrConflict):
		s.errorResponse(w, http.StatusConflict, "Mission already in progress. Abort current mission first.")
		return
	case errors.Is(err, mission.ErrInvalid) && req.WorldID <= 0:
		s.errorResponse(w, http.StatusBadRequest, "World ID required")
		return
	case errors.Is(err, mission.ErrInvalid):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{"success": true, "message": "Mission Scheduled"}, s.logger)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Mission.Abort(r.Context())
	if errors.Is(err, mission.ErrNothingToAbort) {
		s.errorResponse(w, http.StatusBadRequest, "No active mission to abort.")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"success": true, "message": "Mission Aborted"}, s.logger)
}

// GameStatus is the mission control view of the scheduler.
type GameStatus struct {
	Status    mission.Status `json:"status"`
	Timer     int64          `json:"timer"`
	WorldID   int64          `json:"worldId,omitempty"`
	StartTime *time.Time     `json:"startTime,omitempty"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
	SessionID *int64         `json:"sessionId,omitempty"`
	Checks    Checks         `json:"checks"`
}

func (s *Server) handleGameStatus(w http.ResponseWriter, r *http.Request) {
	m := s.deps.Mission.Status()
	writeJSON(w, GameStatus{
		Status:    m.Status,
		Timer:     m.RemainingSeconds,
		WorldID:   m.WorldID,
		StartTime: timeOrNil(m.ScheduledStart),
		EndTime:   timeOrNil(m.ScheduledEnd),
		SessionID: m.SessionRecordID,
		Checks:    s.checks(),
	}, s.logger)
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Story is one entry of the world picker.
type Story struct {
	WorldID     int64  `json:"WorldID"`
	Name        string `json:"Name"`
	Description string `json:"Description"`
	PlayerCount int    `json:"PlayerCount,omitempty"`
}

func (s *Server) handleStories(w http.ResponseWriter, r *http.Request) {
	worlds, err := s.deps.Store.ListWorlds(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]Story, 0, len(worlds))
	for _, wd := range worlds {
		out = append(out, Story{
			WorldID:     wd.ID,
			Name:        wd.Name,
			Description: wd.Description,
			PlayerCount: wd.PlayerCount,
		})
	}
	writeJSON(w, out, s.logger)
}

// GenerateRequest is the body of POST /api/v1/admin/generate.
type GenerateRequest struct {
	Prompt      string `json:"prompt"`
	PlayerCount int    `json:"playerCount"`
}

// handleGenerate authors a world from a concept and imports it.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "World generation unavailable")
		return
	}

	var req GenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.errorResponse(w, http.StatusBadRequest, "Prompt is required")
		return
	}

	ctx := r.Context()
	doc, err := s.deps.Generator.Generate(ctx, req.Prompt, req.PlayerCount)
	if err != nil {
		s.logger.Error("world generation failed", "error", err)
		s.logEvent(events.LevelError, "World generation failed: "+err.Error(), nil)
		code := http.StatusBadGateway
		if errors.Is(err, scenario.ErrEmptyConcept) {
			code = http.StatusBadRequest
		}
		s.errorResponse(w, code, err.Error())
		return
	}

	worldID, err := s.deps.Store.ImportWorld(ctx, doc)
	if err != nil {
		s.logger.Error("world import failed", "name", doc.Metadata.Name, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logEvent(events.LevelInfo, fmt.Sprintf("World %q generated (id %d)", doc.Metadata.Name, worldID),
		map[string]any{"world_id": worldID})
	writeJSON(w, map[string]any{
		"success":   true,
		"worldId":   worldID,
		"storyName": doc.Metadata.Name,
	}, s.logger)
}
