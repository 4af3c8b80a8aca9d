// Package game turns player input into replies. Literal movement is
// resolved against the room graph in storage; everything else is
// narrated by a generative backend. A player's turn never fails hard:
// backend and storage problems become degraded replies.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/playertxt/internal/compass"
	"github.com/nugget/playertxt/internal/embeddings"
	"github.com/nugget/playertxt/internal/escalation"
	"github.com/nugget/playertxt/internal/events"
	"github.com/nugget/playertxt/internal/mission"
	"github.com/nugget/playertxt/internal/provider"
	"github.com/nugget/playertxt/internal/storage"
)

// Fixed replies.
const (
	BlockedReply      = "You can't go that way."
	NarratorDownReply = "The narrator is unreachable. Your words hang in the static; try again in a moment."
	WorldDownReply    = "The world flickers and will not hold still. Try again in a moment."
	NothingReply      = "Nothing happens."
)

// DefaultPersona is the narrator's system instruction when none is
// configured.
const DefaultPersona = "You are the narrator of PlayerTXT, a multiplayer text adventure. " +
	"Describe the outcome of the player's action in the second person, in two or three vivid sentences. " +
	"Stay in character and never mention that you are an AI."

const (
	DefaultFactLimit  = 3
	factLookupTimeout = 5 * time.Second

	// Health is not modelled yet; the status bar always shows full.
	placeholderHealth = 100
)

// ErrNoCharacter means the player has no character in play.
var ErrNoCharacter = errors.New("no active session or character found")

// Store is the storage contract the engine needs.
type Store interface {
	PlayerView(ctx context.Context, playerID int64) (*storage.RoomView, error)
	ExitFrom(ctx context.Context, playerID int64, direction string) (*storage.ExitView, error)
	MovePlayer(ctx context.Context, playerID, roomID int64) error
}

// Generator produces narrative text for a role.
type Generator interface {
	Generate(ctx context.Context, role provider.Role, prompt, system string) (string, error)
}

// FactSource finds world lore relevant to a command.
type FactSource interface {
	Relevant(ctx context.Context, worldID int64, query string, k int) ([]embeddings.Match, error)
}

// MissionSource exposes the current mission snapshot.
type MissionSource interface {
	Status() mission.Session
}

// Config configures an Engine.
type Config struct {
	// Persona is the narrator's system instruction (default DefaultPersona).
	Persona string

	// Policy picks the role for narrated commands. Defaults to the
	// workhorse for everything.
	Policy escalation.Policy

	// Facts enriches narrator prompts with world lore. Optional.
	Facts FactSource

	// FactLimit is how many facts to include (default 3). Negative
	// disables lookups.
	FactLimit int

	// Mission annotates the player view. Optional.
	Mission MissionSource

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Bus receives command events. Optional.
	Bus *events.Bus

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Reply is the outcome of one command.
type Reply struct {
	Message   string        `json:"message"`
	NewRoomID *int64        `json:"newRoomId,omitempty"`
	Role      provider.Role `json:"role,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
}

// Engine processes player commands. It is safe for concurrent use.
type Engine struct {
	store  Store
	gen    Generator
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	cache map[int64]storage.RoomView // last good view per player
}

// New creates an engine.
func New(store Store, gen Generator, cfg Config) *Engine {
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	if cfg.Policy == nil {
		cfg.Policy = escalation.Fixed(provider.RoleWorkhorse)
	}
	if cfg.FactLimit == 0 {
		cfg.FactLimit = DefaultFactLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:  store,
		gen:    gen,
		config: cfg,
		logger: cfg.Logger,
		cache:  make(map[int64]storage.RoomView),
	}
}

// Process handles one raw command from playerID.
func (e *Engine) Process(ctx context.Context, playerID int64, raw string) Reply {
	cmd := strings.TrimSpace(raw)
	if cmd == "" {
		return Reply{Message: NothingReply}
	}
	if dir, ok := compass.Classify(cmd); ok {
		return e.move(ctx, playerID, dir)
	}
	return e.narrate(ctx, playerID, cmd)
}

func (e *Engine) move(ctx context.Context, playerID int64, dir compass.Direction) Reply {
	log := e.logger.With("player_id", playerID, "direction", dir)

	exit, err := e.store.ExitFrom(ctx, playerID, string(dir))
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("movement blocked")
		return Reply{Message: BlockedReply}
	}
	if err != nil {
		log.Warn("exit lookup failed", "error", err)
		return Reply{Message: WorldDownReply, Degraded: true}
	}

	if err := e.store.MovePlayer(ctx, playerID, exit.DestRoomID); err != nil {
		log.Warn("move failed", "error", err)
		return Reply{Message: WorldDownReply, Degraded: true}
	}

	msg := exit.Description
	if msg == "" {
		msg = fmt.Sprintf("You move %s.", dir.Lower())
	}
	dest := exit.DestRoomID
	log.Debug("player moved", "room_id", dest)
	e.config.Bus.Publish(events.Event{
		Source:  events.SourceCommand,
		Kind:    events.KindCommand,
		Message: fmt.Sprintf("Player %d moved %s", playerID, dir.Lower()),
		Data:    map[string]any{"player_id": playerID, "direction": string(dir), "room_id": dest},
	})
	return Reply{Message: msg, NewRoomID: &dest}
}

func (e *Engine) narrate(ctx context.Context, playerID int64, cmd string) Reply {
	view, _ := e.view(ctx, playerID)

	c := escalation.Command{PlayerID: playerID, Text: cmd}
	if view != nil {
		c.RoomName = view.RoomName
	}
	d := e.config.Policy.Route(ctx, c)

	system := e.systemPrompt(ctx, view, cmd)

	start := time.Now()
	text, err := e.gen.Generate(ctx, d.Role, cmd, system)
	if rec, ok := e.config.Policy.(escalation.Recorder); ok {
		rec.RecordOutcome(d.ID, time.Since(start), err == nil)
	}

	log := e.logger.With("player_id", playerID, "role", d.Role)
	if err != nil {
		log.Warn("narration failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		e.config.Bus.Publish(events.Event{
			Source:  events.SourceCommand,
			Kind:    events.KindCommand,
			Level:   events.LevelWarn,
			Message: "Narrator unreachable: " + err.Error(),
			Data:    map[string]any{"player_id": playerID, "role": string(d.Role)},
		})
		return Reply{Message: NarratorDownReply, Role: d.Role, Degraded: true}
	}

	log.Debug("command narrated", "elapsed", time.Since(start).Round(time.Millisecond))
	return Reply{Message: strings.TrimSpace(text), Role: d.Role}
}

// systemPrompt is the persona enriched with the player's surroundings
// and any relevant world facts. Missing context is skipped silently.
func (e *Engine) systemPrompt(ctx context.Context, view *storage.RoomView, cmd string) string {
	var sb strings.Builder
	sb.WriteString(e.config.Persona)
	if view == nil {
		return sb.String()
	}

	fmt.Fprintf(&sb, "\n\nThe player is %s, in %s. %s", view.CharacterName, view.RoomName, view.Description)
	if view.IsDark {
		sb.WriteString(" It is dark here.")
	}
	if len(view.Items) > 0 {
		names := make([]string, len(view.Items))
		for i, it := range view.Items {
			names[i] = it.Name
		}
		sb.WriteString("\nVisible items: " + strings.Join(names, ", ") + ".")
	}
	if len(view.Exits) > 0 {
		dirs := make([]string, len(view.Exits))
		for i, x := range view.Exits {
			dirs[i] = strings.ToLower(x.Direction)
		}
		sb.WriteString("\nExits: " + strings.Join(dirs, ", ") + ".")
	}

	if e.config.Facts == nil || e.config.FactLimit < 0 {
		return sb.String()
	}
	fctx, cancel := context.WithTimeout(ctx, factLookupTimeout)
	defer cancel()
	facts, err := e.config.Facts.Relevant(fctx, view.WorldID, cmd, e.config.FactLimit)
	if err != nil {
		e.logger.Debug("fact lookup failed", "world_id", view.WorldID, "error", err)
		return sb.String()
	}
	if len(facts) > 0 {
		sb.WriteString("\n\nWorld facts:")
		for _, f := range facts {
			fmt.Fprintf(&sb, "\n- %s: %s", f.Attribute, f.Value)
		}
	}
	return sb.String()
}

// view loads the player's room, updating the cache on success. On a
// storage failure it falls back to the cached view, if any. stale
// reports whether the cache was used.
func (e *Engine) view(ctx context.Context, playerID int64) (v *storage.RoomView, stale bool) {
	got, err := e.store.PlayerView(ctx, playerID)
	if err == nil {
		e.mu.Lock()
		e.cache[playerID] = *got
		e.mu.Unlock()
		return got, false
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}

	e.logger.Warn("player view unavailable", "player_id", playerID, "error", err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.cache[playerID]; ok {
		return &cached, true
	}
	return nil, true
}

// View is everything the player client renders.
type View struct {
	Room         RoomZone       `json:"zoneA"`
	Status       StatusZone     `json:"zoneC"`
	SystemStatus mission.Status `json:"systemStatus"`
	MissionTimer int64          `json:"missionTimer"`
	Degraded     bool           `json:"degraded,omitempty"`
}

// RoomZone describes the player's surroundings.
type RoomZone struct {
	RoomName    string             `json:"roomName"`
	Description string             `json:"description"`
	IsDark      bool               `json:"isDark"`
	Items       []storage.ItemView `json:"items"`
	Exits       []storage.ExitView `json:"exits"`
}

// StatusZone is the player's status bar.
type StatusZone struct {
	CharacterName string `json:"characterName"`
	Health        int    `json:"health"`
	Time          string `json:"time"`
}

// State returns the player's view annotated with the mission status.
// When storage is unavailable the last good view (or a minimal one) is
// returned flagged Degraded. It fails only with ErrNoCharacter.
func (e *Engine) State(ctx context.Context, playerID int64) (View, error) {
	out := View{
		Status:       StatusZone{Health: placeholderHealth, Time: e.config.Clock().Format("15:04")},
		SystemStatus: mission.StatusIdle,
	}
	if e.config.Mission != nil {
		s := e.config.Mission.Status()
		out.SystemStatus = s.Status
		out.MissionTimer = s.RemainingSeconds
	}

	v, stale := e.view(ctx, playerID)
	if v == nil && !stale {
		return out, ErrNoCharacter
	}
	out.Degraded = stale
	if v == nil {
		out.Room = RoomZone{
			RoomName:    "Unknown",
			Description: WorldDownReply,
			Items:       []storage.ItemView{},
			Exits:       []storage.ExitView{},
		}
		return out, nil
	}

	out.Room = RoomZone{
		RoomName:    v.RoomName,
		Description: v.Description,
		IsDark:      v.IsDark,
		Items:       v.Items,
		Exits:       v.Exits,
	}
	out.Status.CharacterName = v.CharacterName
	return out, nil
}
